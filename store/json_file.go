package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// JsonFileStore stores each collection as a separate JSON file on disk.
//
// Layout:
//
//	data_dir/
//	  _meta.json      # schema version and collection list
//	  users.json      # "users" collection, id -> record
//	  surveys.json    # "surveys" collection
type JsonFileStore struct {
	mu     sync.RWMutex
	dir    string
	closed bool
}

func NewJsonFileStore(dir string) (*JsonFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	check, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, errors.Wrap(err, "data dir is not writable")
	}
	check.Close()
	os.Remove(check.Name())
	return &JsonFileStore{dir: dir}, nil
}

func (s *JsonFileStore) collectionPath(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

func (s *JsonFileStore) metaPath() string {
	return filepath.Join(s.dir, "_meta.json")
}

func (s *JsonFileStore) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// saveFile writes through a temp file and rename so readers never observe a
// partially written collection.
func (s *JsonFileStore) saveFile(path string, data any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *JsonFileStore) loadCollection(collection string) (map[string]Record, error) {
	data, err := s.readFile(s.collectionPath(collection))
	if err != nil {
		return nil, err
	}
	result := map[string]Record{}
	if len(data) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrapf(err, "decode collection %q", collection)
	}
	return result, nil
}

func (s *JsonFileStore) Meta(_ context.Context) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Meta{}, ErrClosed
	}
	var meta Meta
	data, err := s.readFile(s.metaPath())
	if err != nil || data == nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, errors.Wrap(err, "decode meta")
	}
	return meta, nil
}

func (s *JsonFileStore) SetMeta(_ context.Context, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, c := range meta.Collections {
		if _, err := os.Stat(s.collectionPath(c)); os.IsNotExist(err) {
			if err := s.saveFile(s.collectionPath(c), map[string]Record{}); err != nil {
				return err
			}
		}
	}
	return s.saveFile(s.metaPath(), meta)
}

func (s *JsonFileStore) View(ctx context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&jsonTx{s: s, loaded: map[string]map[string]Record{}, readOnly: true})
}

func (s *JsonFileStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &jsonTx{s: s, loaded: map[string]map[string]Record{}, dirty: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *JsonFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type jsonTx struct {
	s        *JsonFileStore
	loaded   map[string]map[string]Record
	dirty    map[string]bool
	readOnly bool
}

func (x *jsonTx) collection(name string) (map[string]Record, error) {
	if coll, ok := x.loaded[name]; ok {
		return coll, nil
	}
	coll, err := x.s.loadCollection(name)
	if err != nil {
		return nil, err
	}
	x.loaded[name] = coll
	return coll, nil
}

// Get answers point reads straight from the file with gjson unless the
// collection was already loaded by this transaction.
func (x *jsonTx) Get(collection, id string) (Record, error) {
	if coll, ok := x.loaded[collection]; ok {
		rec, ok := coll[id]
		if !ok {
			return nil, nil
		}
		return rec.Clone(), nil
	}
	data, err := x.s.readFile(x.s.collectionPath(collection))
	if err != nil || data == nil {
		return nil, err
	}
	res := gjson.GetBytes(data, gjson.Escape(id))
	if !res.Exists() || !res.IsObject() {
		return nil, nil
	}
	return decodeRecord([]byte(res.Raw))
}

func (x *jsonTx) All(collection string) ([]Record, error) {
	coll, err := x.collection(collection)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, coll[id].Clone())
	}
	return out, nil
}

func (x *jsonTx) Put(collection, id string, rec Record) error {
	if x.readOnly {
		return errReadOnly
	}
	coll, err := x.collection(collection)
	if err != nil {
		return err
	}
	coll[id] = rec.Clone()
	x.dirty[collection] = true
	return nil
}

func (x *jsonTx) Delete(collection, id string) (bool, error) {
	if x.readOnly {
		return false, errReadOnly
	}
	coll, err := x.collection(collection)
	if err != nil {
		return false, err
	}
	if _, ok := coll[id]; !ok {
		return false, nil
	}
	delete(coll, id)
	x.dirty[collection] = true
	return true, nil
}

func (x *jsonTx) commit() error {
	for name := range x.dirty {
		if err := x.s.saveFile(x.s.collectionPath(name), x.loaded[name]); err != nil {
			return errors.Wrapf(err, "write collection %q", name)
		}
	}
	return nil
}
