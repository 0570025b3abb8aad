package store

import (
	"fmt"
	"path/filepath"
)

// New creates a Backend for the database called name.
//
// Supported backends:
//
//	"json"        - JSON files in dataDir/name (default)
//	"sqlite"      - SQLite database at dataDir/name.db (mattn/go-sqlite3)
//	"sqlite-pure" - SQLite database at dataDir/name.db (modernc.org/sqlite)
//	"memory"      - In-memory (ephemeral, for testing)
func New(backend, dataDir, name string) (Backend, error) {
	switch backend {
	case "json", "":
		return NewJsonFileStore(filepath.Join(dataDir, name))
	case "sqlite":
		return NewSqliteStore(DriverCGO, filepath.Join(dataDir, name+".db"))
	case "sqlite-pure":
		return NewSqliteStore(DriverPure, filepath.Join(dataDir, name+".db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: json, sqlite, sqlite-pure, memory)", backend)
	}
}

// Opener creates the backend for a named database.
type Opener func(name string) (Backend, error)

// NewOpener returns an Opener that calls New with a fixed backend and data
// directory.
func NewOpener(backend, dataDir string) Opener {
	return func(name string) (Backend, error) {
		return New(backend, dataDir, name)
	}
}
