// Package cache intercepts outgoing HTTP requests and answers them from the
// network or from named caches, so that clients keep working offline.
//
// An Interceptor is an http.RoundTripper. Until Activate is called it passes
// requests straight through; afterwards every request goes through the
// policy of the first route whose pattern matches the URL path, or through
// the default cache-first policy backed by the generation's precache.
// Network failures never reach the caller: they turn into a cached response
// or a synthesized offline response.
package cache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Interceptor applies caching policies to requests sent through it.
type Interceptor struct {
	cfg     Config
	routes  []compiledRoute
	storage *Storage
	next    http.RoundTripper
	logger  *zap.Logger
	metrics *Metrics

	controlling atomic.Bool
}

// Option configures an Interceptor.
type Option func(*Interceptor)

func WithLogger(l *zap.Logger) Option {
	return func(i *Interceptor) { i.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// New returns an Interceptor for one cache generation. next performs the
// real network requests; nil means http.DefaultTransport.
func New(cfg Config, storage *Storage, next http.RoundTripper, opts ...Option) (*Interceptor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	routes, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = http.DefaultTransport
	}
	i := &Interceptor{
		cfg:     cfg,
		routes:  routes,
		storage: storage,
		next:    next,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.metrics == nil {
		i.metrics = NewMetrics(nil)
	}
	i.logger = i.logger.With(zap.String("generation", cfg.CacheName()))
	return i, nil
}

// Controlling reports whether Activate has run.
func (i *Interceptor) Controlling() bool { return i.controlling.Load() }

// RoundTrip implements http.RoundTripper. Once the interceptor controls
// traffic it never returns an error.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.controlling.Load() {
		return i.next.RoundTrip(req)
	}
	route := i.match(req)
	if route != nil && route.Policy == NetworkFirst {
		return i.networkFirst(req, route), nil
	}
	return i.cacheFirst(req, route), nil
}

func (i *Interceptor) match(req *http.Request) *compiledRoute {
	for idx := range i.routes {
		if i.routes[idx].re.MatchString(req.URL.Path) {
			return &i.routes[idx]
		}
	}
	return nil
}

func (i *Interceptor) precache() *Cache {
	c, _ := i.storage.Get(i.cfg.CacheName())
	return c
}

func (i *Interceptor) runtimeCache(route *compiledRoute) *Cache {
	if route == nil || route.cacheName == "" {
		return nil
	}
	return i.storage.Open(route.cacheName, route.limits)
}

// lookup checks the route's runtime cache, then the precache.
func (i *Interceptor) lookup(route *compiledRoute, key string) (*Entry, bool) {
	for _, c := range []*Cache{i.runtimeCache(route), i.precache()} {
		if c == nil {
			continue
		}
		if e, ok := c.Match(key); ok {
			return e, true
		}
	}
	return nil, false
}

func (i *Interceptor) cacheFirst(req *http.Request, route *compiledRoute) *http.Response {
	policy := string(CacheFirst)
	if isNavigation(req) {
		resp, err := i.next.RoundTrip(req)
		if err == nil {
			return resp
		}
		i.logger.Info("navigation failed, serving offline page",
			zap.String("url", req.URL.String()), zap.Error(err))
		return i.offline(req, policy, http.StatusServiceUnavailable)
	}

	if req.Method == http.MethodGet {
		key := requestKey(req)
		if e, ok := i.lookup(route, key); ok {
			i.metrics.Hits.WithLabelValues(policy).Inc()
			return e.Response(req)
		}
		i.metrics.Misses.WithLabelValues(policy).Inc()
	}

	resp, body, err := i.fetch(req)
	if err != nil {
		i.logger.Debug("network unreachable", zap.String("url", req.URL.String()), zap.Error(err))
		return i.offline(req, policy, http.StatusServiceUnavailable)
	}
	i.store(i.runtimeCache(route), req, resp, body)
	return rebuild(req, resp, body)
}

type fetchResult struct {
	resp *http.Response
	body []byte
	err  error
}

func (i *Interceptor) networkFirst(req *http.Request, route *compiledRoute) *http.Response {
	policy := string(NetworkFirst)
	cache := i.runtimeCache(route)

	// The fetch outlives the caller's request: a late response still
	// refreshes the cache.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), backgroundFetchTimeout)
	fetchReq := req.Clone(ctx)
	done := make(chan fetchResult, 1)
	go func() {
		defer cancel()
		resp, body, err := i.fetch(fetchReq)
		done <- fetchResult{resp: resp, body: body, err: err}
	}()

	timer := time.NewTimer(route.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			i.logger.Debug("network unreachable, trying cache",
				zap.String("url", req.URL.String()), zap.Error(r.err))
			return i.fromCache(req, route, policy, http.StatusServiceUnavailable)
		}
		i.store(cache, req, r.resp, r.body)
		return rebuild(req, r.resp, r.body)
	case <-timer.C:
		i.metrics.Timeouts.WithLabelValues(policy).Inc()
		i.logger.Info("network timed out, trying cache",
			zap.String("url", req.URL.String()), zap.Duration("timeout", route.Timeout))
		go i.refreshLate(cache, req, done)
		return i.fromCache(req, route, policy, http.StatusGatewayTimeout)
	case <-req.Context().Done():
		go i.refreshLate(cache, req, done)
		return i.fromCache(req, route, policy, http.StatusServiceUnavailable)
	}
}

// refreshLate stores a response that arrived after the caller gave up.
func (i *Interceptor) refreshLate(c *Cache, req *http.Request, done <-chan fetchResult) {
	r := <-done
	if r.err != nil {
		i.logger.Debug("late fetch failed", zap.String("url", req.URL.String()), zap.Error(r.err))
		return
	}
	i.store(c, req, r.resp, r.body)
	i.logger.Debug("late response refreshed cache", zap.String("url", req.URL.String()))
}

func (i *Interceptor) fromCache(req *http.Request, route *compiledRoute, policy string, status int) *http.Response {
	if req.Method == http.MethodGet {
		if e, ok := i.lookup(route, requestKey(req)); ok {
			i.metrics.Hits.WithLabelValues(policy).Inc()
			return e.Response(req)
		}
		i.metrics.Misses.WithLabelValues(policy).Inc()
	}
	return i.offline(req, policy, status)
}

// offline answers a request that neither the network nor a runtime cache
// could serve: the cached offline page for navigations, a synthesized
// response otherwise.
func (i *Interceptor) offline(req *http.Request, policy string, status int) *http.Response {
	i.metrics.Fallbacks.WithLabelValues(policy).Inc()
	if isNavigation(req) {
		if pc := i.precache(); pc != nil && i.cfg.OfflinePage != "" {
			if key, err := i.cfg.resolve(i.cfg.OfflinePage); err == nil {
				if e, ok := pc.Match(key); ok {
					return e.Response(req)
				}
			}
		}
		return synthesize(req, status, "text/html; charset=utf-8", offlineHTML)
	}
	return synthesize(req, status, "application/json", offlineJSON)
}

// fetch performs the network request and buffers the body so the response
// can be both stored and returned.
func (i *Interceptor) fetch(req *http.Request) (*http.Response, []byte, error) {
	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (i *Interceptor) store(c *Cache, req *http.Request, resp *http.Response, body []byte) {
	if c == nil || req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return
	}
	c.Put(requestKey(req), &Entry{
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	})
}

// backgroundFetchTimeout bounds a network-first fetch once the caller no
// longer waits for it.
const backgroundFetchTimeout = time.Minute

const (
	offlineHTML = "<!doctype html><html><head><title>Offline</title></head>" +
		"<body><h1>You are offline</h1><p>This page is not available offline.</p></body></html>"
	offlineJSON = `{"error":"offline"}`
)

// isNavigation reports whether req loads a whole document.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// requestKey identifies a request in a cache: its URL without fragment.
func requestKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func rebuild(req *http.Request, resp *http.Response, body []byte) *http.Response {
	e := &Entry{Status: resp.StatusCode, Header: resp.Header, Body: body}
	return e.Response(req)
}

func synthesize(req *http.Request, status int, contentType, body string) *http.Response {
	e := &Entry{
		Status: status,
		Header: http.Header{
			"Content-Type":  {contentType},
			"Cache-Control": {"no-store"},
		},
		Body: []byte(body),
	}
	return e.Response(req)
}
