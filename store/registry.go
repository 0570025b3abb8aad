package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Registry owns the open databases of one process. Each database name maps
// to a single shared *DB; concurrent first opens of the same name share one
// initialization.
type Registry struct {
	opener Opener
	logger *zap.Logger

	group singleflight.Group

	mu  sync.Mutex
	dbs map[string]*DB
}

// NewRegistry returns a Registry creating backends with opener.
func NewRegistry(opener Opener, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		opener: opener,
		logger: logger,
		dbs:    make(map[string]*DB),
	}
}

// Open returns the database called name, creating its backend on first use
// and making sure every collection exists. Upgrades are additive: missing
// collections are created, existing ones are left untouched, and the stored
// version is raised to version. Opening with a version older than the stored
// one fails with ErrVersionConflict.
func (r *Registry) Open(ctx context.Context, name string, version int, collections []string) (*DB, error) {
	if name == "" {
		return nil, errors.New("database name must not be empty")
	}
	if version < 1 {
		return nil, errors.Errorf("database version must be positive, got %d", version)
	}
	for _, c := range collections {
		if c == "" {
			return nil, errors.New("collection name must not be empty")
		}
	}

	db, err := r.connect(name)
	if err != nil {
		return nil, err
	}
	if err := db.upgrade(ctx, version, collections); err != nil {
		return nil, errors.Wrapf(err, "open %q v%d", name, version)
	}
	return db, nil
}

func (r *Registry) lookup(name string) *DB {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dbs[name]
}

func (r *Registry) connect(name string) (*DB, error) {
	if db := r.lookup(name); db != nil {
		return db, nil
	}
	v, err, shared := r.group.Do(name, func() (any, error) {
		if db := r.lookup(name); db != nil {
			return db, nil
		}
		backend, err := r.opener(name)
		if err != nil {
			return nil, errors.Wrapf(ErrStorageUnavailable, "database %q: %v", name, err)
		}
		db := &DB{name: name, backend: backend, logger: r.logger.With(zap.String("db", name))}
		r.mu.Lock()
		r.dbs[name] = db
		r.mu.Unlock()
		r.logger.Debug("database connected", zap.String("db", name))
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("joined pending database open", zap.String("db", name))
	}
	return v.(*DB), nil
}

// Names returns the names of the open databases.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.dbs))
	for name := range r.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every open database. The registry can be reused afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	dbs := r.dbs
	r.dbs = make(map[string]*DB)
	r.mu.Unlock()

	var first error
	for name, db := range dbs {
		if err := db.backend.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %q", name)
		}
	}
	return first
}
