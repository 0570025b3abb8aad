package cache

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Policy selects how a route answers requests.
type Policy string

const (
	// CacheFirst serves the cache and falls back to the network. Navigations
	// go to the network first and fall back to the offline page.
	CacheFirst Policy = "cache-first"

	// NetworkFirst races the network against a timeout and falls back to
	// the last cached response.
	NetworkFirst Policy = "network-first"
)

// DefaultNetworkTimeout bounds network-first fetches when neither the route
// nor the config sets a timeout.
const DefaultNetworkTimeout = 15 * time.Second

// Route binds a URL path pattern to a policy. Network-first routes and named
// cache-first routes keep their responses in a runtime cache of their own.
type Route struct {
	Name       string        `yaml:"name"`
	Pattern    string        `yaml:"pattern"`
	Policy     Policy        `yaml:"policy"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxEntries int           `yaml:"maxEntries"`
	MaxAge     time.Duration `yaml:"maxAge"`
}

// Config describes one cache generation.
type Config struct {
	App        string `yaml:"app" env:"APP_NAME"`
	Generation int    `yaml:"generation" env:"CACHE_GENERATION"`

	// Origin resolves relative seed URLs and the offline page.
	Origin      string   `yaml:"origin" env:"CACHE_ORIGIN"`
	SeedURLs    []string `yaml:"seedUrls" env:"CACHE_SEED_URLS" envSeparator:","`
	OfflinePage string   `yaml:"offlinePage" env:"CACHE_OFFLINE_PAGE"`

	// Defaults for routes that leave them unset.
	NetworkTimeout time.Duration `yaml:"networkTimeout" env:"CACHE_NETWORK_TIMEOUT"`
	MaxEntries     int           `yaml:"maxEntries" env:"CACHE_MAX_ENTRIES"`
	MaxAge         time.Duration `yaml:"maxAge" env:"CACHE_MAX_AGE"`

	Routes []Route `yaml:"routes"`
}

// CacheName is the precache name of this generation, "<app>-cache-v<n>".
func (c Config) CacheName() string {
	return fmt.Sprintf("%s-cache-v%d", c.App, c.Generation)
}

// RouteCacheName is the runtime cache name of a route in this generation.
func (c Config) RouteCacheName(r Route) string {
	return fmt.Sprintf("%s-%s-v%d", c.App, r.Name, c.Generation)
}

func (c Config) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrapf(err, "parse %q", ref)
	}
	if u.IsAbs() || c.Origin == "" {
		return u.String(), nil
	}
	base, err := url.Parse(c.Origin)
	if err != nil {
		return "", errors.Wrapf(err, "parse origin %q", c.Origin)
	}
	return base.ResolveReference(u).String(), nil
}

type compiledRoute struct {
	Route
	re        *regexp.Regexp
	cacheName string
	limits    Limits
}

func (c Config) compile() ([]compiledRoute, error) {
	out := make([]compiledRoute, 0, len(c.Routes))
	seen := map[string]bool{}
	for _, r := range c.Routes {
		switch r.Policy {
		case CacheFirst, NetworkFirst:
		default:
			return nil, errors.Errorf("route %q: unknown policy %q", r.Name, r.Policy)
		}
		if r.Policy == NetworkFirst && r.Name == "" {
			return nil, errors.Errorf("network-first route %q needs a name", r.Pattern)
		}
		if r.Name != "" {
			if strings.Contains(r.Name, "-") || r.Name == "cache" {
				return nil, errors.Errorf("route name %q must not contain '-' or be \"cache\"", r.Name)
			}
			if seen[r.Name] {
				return nil, errors.Errorf("duplicate route name %q", r.Name)
			}
			seen[r.Name] = true
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "route %q pattern", r.Name)
		}
		cr := compiledRoute{Route: r, re: re}
		if cr.Timeout <= 0 {
			cr.Timeout = c.NetworkTimeout
		}
		if cr.Timeout <= 0 {
			cr.Timeout = DefaultNetworkTimeout
		}
		cr.limits = Limits{MaxEntries: r.MaxEntries, MaxAge: r.MaxAge}
		if cr.limits.MaxEntries <= 0 {
			cr.limits.MaxEntries = c.MaxEntries
		}
		if cr.limits.MaxAge <= 0 {
			cr.limits.MaxAge = c.MaxAge
		}
		if r.Name != "" {
			cr.cacheName = c.RouteCacheName(r)
		}
		out = append(out, cr)
	}
	return out, nil
}

func (c Config) validate() error {
	if c.App == "" {
		return errors.New("cache config: app name is required")
	}
	if c.Generation < 1 {
		return errors.Errorf("cache config: generation must be positive, got %d", c.Generation)
	}
	return nil
}
