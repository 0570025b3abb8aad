package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Driver names registered by the two SQLite packages.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// SqliteStore stores all collections in a single SQLite database.
//
// Tables:
//
//	documents(collection, key, data)  PRIMARY KEY (collection, key)
//	collections(name)                 PRIMARY KEY (name)
//	meta(key, value)                  PRIMARY KEY (key)
type SqliteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSqliteStore opens dbPath with the given database/sql driver. The
// driver package must be imported by the caller.
func NewSqliteStore(driver, dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) Meta(ctx context.Context) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var meta Meta
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'version'").Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return Meta{}, err
	default:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Meta{}, errors.Wrapf(err, "stored version %q", raw)
		}
		meta.Version = v
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return Meta{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Meta{}, err
		}
		meta.Collections = append(meta.Collections, name)
	}
	return meta, rows.Err()
}

func (s *SqliteStore) SetMeta(ctx context.Context, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range meta.Collections {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO collections (name) VALUES (?)", c); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(meta.Version),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) View(ctx context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(&sqliteTx{ctx: ctx, tx: tx})
}

func (s *SqliteStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (x *sqliteTx) Get(collection, id string) (Record, error) {
	var raw string
	err := x.tx.QueryRowContext(x.ctx,
		"SELECT data FROM documents WHERE collection = ? AND key = ?",
		collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord([]byte(raw))
}

func (x *sqliteTx) All(collection string) ([]Record, error) {
	rows, err := x.tx.QueryContext(x.ctx,
		"SELECT data FROM documents WHERE collection = ? ORDER BY key", collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (x *sqliteTx) Put(collection, id string, rec Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = x.tx.ExecContext(x.ctx,
		`INSERT INTO documents (collection, key, data) VALUES (?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data`,
		collection, id, string(b),
	)
	return err
}

func (x *sqliteTx) Delete(collection, id string) (bool, error) {
	res, err := x.tx.ExecContext(x.ctx,
		"DELETE FROM documents WHERE collection = ? AND key = ?",
		collection, id,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
