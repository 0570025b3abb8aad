// Package config loads the server and client configuration: built-in
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/stevemurr/offline-sync/cache"
)

// Config is the full process configuration.
type Config struct {
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	DataDir        string   `yaml:"dataDir" env:"DATA_DIR"`
	StoreBackend   string   `yaml:"storeBackend" env:"STORE_BACKEND"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `yaml:"logLevel" env:"LOG_LEVEL"`
	Development    bool     `yaml:"development" env:"DEVELOPMENT"`

	Database Database     `yaml:"database"`
	Cache    cache.Config `yaml:"cache"`
	Sync     Sync         `yaml:"sync"`

	// Schemas maps a collection to the JSON Schema its records must match.
	Schemas map[string]map[string]any `yaml:"schemas"`
}

// Database names the local database and its collections.
type Database struct {
	Name        string   `yaml:"name" env:"DB_NAME"`
	Version     int      `yaml:"version" env:"DB_VERSION"`
	Collections []string `yaml:"collections" env:"DB_COLLECTIONS" envSeparator:","`
}

// Sync configures the reconciler.
type Sync struct {
	Endpoint string        `yaml:"endpoint" env:"SYNC_ENDPOINT"`
	Interval time.Duration `yaml:"interval" env:"SYNC_INTERVAL"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		DataDir:        "./data",
		StoreBackend:   "json",
		AllowedOrigins: []string{"*"},
		LogLevel:       "info",
		Database: Database{
			Name:        "app",
			Version:     1,
			Collections: []string{"notes"},
		},
		Cache: cache.Config{
			App:            "app",
			Generation:     1,
			NetworkTimeout: cache.DefaultNetworkTimeout,
		},
		Sync: Sync{
			Endpoint: "http://localhost:8080/api/sync/records",
			Interval: 30 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty; a missing file is an
// error only when path was given.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.Database.Name == "" {
		return errors.New("database name must not be empty")
	}
	if c.Database.Version < 1 {
		return errors.Errorf("database version must be positive, got %d", c.Database.Version)
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync interval must be positive")
	}
	switch c.StoreBackend {
	case "json", "sqlite", "sqlite-pure", "memory":
	default:
		return errors.Errorf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}
