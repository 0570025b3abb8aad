package cache

import (
	"bytes"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// unboundedEntries caps caches configured without a max entry count.
const unboundedEntries = 1 << 20

// Limits bound a cache. Zero values mean no limit.
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Entry is a stored response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response rebuilds an *http.Response for req from the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Cache is one named set of request->response pairs. Entries beyond
// MaxEntries are evicted least recently used first; entries older than
// MaxAge are dropped on lookup and on every Put.
type Cache struct {
	name    string
	limits  Limits
	now     func() time.Time
	entries *lru.Cache[string, *Entry]
}

func newCache(name string, limits Limits, now func() time.Time) *Cache {
	size := limits.MaxEntries
	if size <= 0 {
		size = unboundedEntries
	}
	entries, _ := lru.New[string, *Entry](size)
	return &Cache{name: name, limits: limits, now: now, entries: entries}
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) expired(e *Entry) bool {
	return c.limits.MaxAge > 0 && c.now().Sub(e.StoredAt) > c.limits.MaxAge
}

// Match returns the fresh entry stored under key. Reads do not refresh an
// entry's position: eviction follows storage order.
func (c *Cache) Match(key string) (*Entry, bool) {
	e, ok := c.entries.Peek(key)
	if !ok {
		return nil, false
	}
	if c.expired(e) {
		c.entries.Remove(key)
		return nil, false
	}
	return e, true
}

// Put stores e under key and prunes expired entries.
func (c *Cache) Put(key string, e *Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	c.entries.Add(key, e)
	c.Prune()
}

// Prune drops expired entries, oldest first, and returns how many went.
func (c *Cache) Prune() int {
	if c.limits.MaxAge <= 0 {
		return 0
	}
	n := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && c.expired(e) {
			c.entries.Remove(key)
			n++
		}
	}
	return n
}

// Keys returns the stored keys, oldest first.
func (c *Cache) Keys() []string { return c.entries.Keys() }

func (c *Cache) Len() int { return c.entries.Len() }

// Storage holds every named cache shared by the interceptors of a process,
// across generations.
type Storage struct {
	mu     sync.Mutex
	now    func() time.Time
	caches map[string]*Cache
}

func NewStorage() *Storage {
	return &Storage{now: time.Now, caches: make(map[string]*Cache)}
}

// NewStorageWithClock is NewStorage with a custom clock for expiration.
func NewStorageWithClock(now func() time.Time) *Storage {
	s := NewStorage()
	s.now = now
	return s
}

// Open returns the cache called name, creating it with limits if needed.
func (s *Storage) Open(name string, limits Limits) *Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c
	}
	c := newCache(name, limits, s.now)
	s.caches[name] = c
	return c
}

// Replace installs c under its name, dropping any previous cache of that name.
func (s *Storage) Replace(c *Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[c.name] = c
}

func (s *Storage) Get(name string) (*Cache, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	return c, ok
}

func (s *Storage) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

func (s *Storage) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false
	}
	delete(s.caches, name)
	return true
}

// Keys returns the cache names, sorted.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
