package handler

import (
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// NameLog is an append-only list of names persisted as one JSON array.
type NameLog struct {
	path string
	mu   sync.Mutex
}

// NewNameLog returns a NameLog stored at path. The file is created on the
// first append.
func NewNameLog(path string) (*NameLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create name log directory")
	}
	return &NameLog{path: path}, nil
}

// All returns every stored name in append order.
func (l *NameLog) All() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Append adds names to the end of the log and returns the new length.
func (l *NameLog) Append(names ...string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.load()
	if err != nil {
		return 0, err
	}
	all = append(all, names...)
	data, err := json.Marshal(all)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".names-*.json")
	if err != nil {
		return 0, errors.Wrap(err, "write name log")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, errors.Wrap(err, "write name log")
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Wrap(err, "write name log")
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return 0, errors.Wrap(err, "write name log")
	}
	return len(all), nil
}

func (l *NameLog) load() ([]string, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read name log")
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, errors.Wrapf(err, "parse %s", l.path)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}
