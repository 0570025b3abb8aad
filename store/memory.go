package store

import (
	"context"
	"sync"

	"github.com/tidwall/btree"
)

// MemoryStore keeps everything in memory. Data is lost on restart.
//
// Each collection is a copy-on-write btree: Update works on copies and swaps
// them in on success, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu          sync.RWMutex
	meta        Meta
	collections map[string]*btree.Map[string, Record]
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*btree.Map[string, Record])}
}

func (m *MemoryStore) Meta(_ context.Context) (Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Meta{}, ErrClosed
	}
	return Meta{Version: m.meta.Version, Collections: append([]string(nil), m.meta.Collections...)}, nil
}

func (m *MemoryStore) SetMeta(_ context.Context, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, c := range meta.Collections {
		if _, ok := m.collections[c]; !ok {
			m.collections[c] = btree.NewMap[string, Record](0)
		}
	}
	m.meta = Meta{Version: meta.Version, Collections: append([]string(nil), meta.Collections...)}
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memoryTx{collections: m.collections, readOnly: true})
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := make(map[string]*btree.Map[string, Record], len(m.collections))
	for name, tree := range m.collections {
		snapshot[name] = tree.Copy()
	}
	if err := fn(&memoryTx{collections: snapshot}); err != nil {
		return err
	}
	m.collections = snapshot
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.collections = nil
	return nil
}

type memoryTx struct {
	collections map[string]*btree.Map[string, Record]
	readOnly    bool
}

func (x *memoryTx) Get(collection, id string) (Record, error) {
	tree, ok := x.collections[collection]
	if !ok {
		return nil, nil
	}
	rec, ok := tree.Get(id)
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (x *memoryTx) All(collection string) ([]Record, error) {
	tree, ok := x.collections[collection]
	if !ok {
		return []Record{}, nil
	}
	out := make([]Record, 0, tree.Len())
	tree.Scan(func(_ string, rec Record) bool {
		out = append(out, rec.Clone())
		return true
	})
	return out, nil
}

func (x *memoryTx) Put(collection, id string, rec Record) error {
	if x.readOnly {
		return errReadOnly
	}
	tree, ok := x.collections[collection]
	if !ok {
		tree = btree.NewMap[string, Record](0)
		x.collections[collection] = tree
	}
	tree.Set(id, rec.Clone())
	return nil
}

func (x *memoryTx) Delete(collection, id string) (bool, error) {
	if x.readOnly {
		return false, errReadOnly
	}
	tree, ok := x.collections[collection]
	if !ok {
		return false, nil
	}
	_, existed := tree.Delete(id)
	return existed, nil
}
