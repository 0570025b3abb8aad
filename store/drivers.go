package store

import (
	_ "github.com/mattn/go-sqlite3" // registers DriverCGO
	_ "modernc.org/sqlite"          // registers DriverPure
)
