package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DB is an open database. It is safe for concurrent use; every operation
// runs in exactly one backend transaction.
type DB struct {
	name    string
	backend Backend
	logger  *zap.Logger

	mu         sync.RWMutex
	meta       Meta
	validators map[string]Validator
}

func (db *DB) Name() string { return db.name }

// Version returns the schema version the database was last opened with.
func (db *DB) Version() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.meta.Version
}

// Collections returns the collection names, sorted.
func (db *DB) Collections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]string(nil), db.meta.Collections...)
}

// HasCollection reports whether collection is part of the schema.
func (db *DB) HasCollection(collection string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.meta.has(collection)
}

// SetValidator installs v for collection. Upserts whose merged record fails
// validation are rolled back with ErrInvalidRecord. A nil v removes it.
func (db *DB) SetValidator(collection string, v Validator) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.validators == nil {
		db.validators = make(map[string]Validator)
	}
	if v == nil {
		delete(db.validators, collection)
		return
	}
	db.validators[collection] = v
}

func (db *DB) upgrade(ctx context.Context, version int, collections []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	stored, err := db.backend.Meta(ctx)
	if err != nil {
		return errors.Wrap(err, "read schema")
	}
	if version < stored.Version {
		return errors.Wrapf(ErrVersionConflict, "requested v%d, stored v%d", version, stored.Version)
	}

	var added []string
	for _, c := range collections {
		if !stored.has(c) && !contains(added, c) {
			added = append(added, c)
		}
	}
	if version == stored.Version && len(added) == 0 {
		db.meta = stored
		return nil
	}

	next := Meta{
		Version:     version,
		Collections: append(append([]string(nil), stored.Collections...), added...),
	}
	sort.Strings(next.Collections)
	if err := db.backend.SetMeta(ctx, next); err != nil {
		return errors.Wrap(err, "write schema")
	}
	db.meta = next
	db.logger.Info("database schema upgraded",
		zap.Int("from", stored.Version),
		zap.Int("to", version),
		zap.Strings("added", added))
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (db *DB) check(collection string) error {
	if !db.HasCollection(collection) {
		return errors.Wrapf(ErrUnknownCollection, "%q in database %q", collection, db.name)
	}
	return nil
}

func (db *DB) validator(collection string) Validator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.validators[collection]
}

// GetAll returns every record of collection. Callers must not rely on the
// order.
func (db *DB) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := db.check(collection); err != nil {
		return nil, err
	}
	var out []Record
	err := db.backend.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.All(collection)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get all %s", collection)
	}
	return out, nil
}

// Get returns one record or ErrRecordNotFound.
func (db *DB) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := db.check(collection); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrInvalidID
	}
	var rec Record
	err := db.backend.View(ctx, func(tx Tx) error {
		var err error
		rec, err = tx.Get(collection, id)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s/%s", collection, id)
	}
	if rec == nil {
		return nil, errors.Wrapf(ErrRecordNotFound, "%s/%s", collection, id)
	}
	return rec, nil
}

// Upsert merges changes into the record stored under id and returns the
// written record. The read and the write happen in one transaction. Fields
// present in changes overwrite, absent fields are preserved, and the written
// record always carries id, whatever createIfMissing says or changes holds
// under "id".
//
// Two concurrent upserts of the same id are only ordered by their commits:
// the later one merges over whatever it read, so fields are last-write-wins.
func (db *DB) Upsert(ctx context.Context, collection, id string, changes Record, createIfMissing bool) (Record, error) {
	if err := db.check(collection); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrInvalidID
	}
	v := db.validator(collection)

	var written Record
	err := db.backend.Update(ctx, func(tx Tx) error {
		existing, err := tx.Get(collection, id)
		if err != nil {
			return err
		}
		if existing == nil && !createIfMissing {
			db.logger.Debug("upsert of missing record without create, writing it with its id",
				zap.String("collection", collection),
				zap.String("id", id))
		}
		merged := Merge(existing, changes, id)
		if v != nil {
			if err := v.Validate(merged); err != nil {
				return errors.Wrap(ErrInvalidRecord, err.Error())
			}
		}
		if err := tx.Put(collection, id, merged); err != nil {
			return err
		}
		written = merged
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "upsert %s/%s", collection, id)
	}
	return written, nil
}

// Delete removes records by id in one transaction and returns how many
// existed.
func (db *DB) Delete(ctx context.Context, collection string, ids ...string) (int, error) {
	if err := db.check(collection); err != nil {
		return 0, err
	}
	n := 0
	err := db.backend.Update(ctx, func(tx Tx) error {
		n = 0
		for _, id := range ids {
			existed, err := tx.Delete(collection, id)
			if err != nil {
				return err
			}
			if existed {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "delete from %s", collection)
	}
	return n, nil
}
