package cache

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const installConcurrency = 4

// Install fetches the seed URLs and the offline page into this generation's
// precache. Nothing is stored unless every fetch succeeds, and the currently
// active generation keeps serving meanwhile.
func (i *Interceptor) Install(ctx context.Context) error {
	urls, err := i.seedURLs()
	if err != nil {
		return err
	}

	entries := make([]*Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for idx, u := range urls {
		g.Go(func() error {
			e, err := i.fetchSeed(gctx, u)
			if err != nil {
				return err
			}
			entries[idx] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		i.logger.Warn("install failed", zap.Error(err))
		return errors.Wrapf(err, "install %s", i.cfg.CacheName())
	}

	c := newCache(i.cfg.CacheName(), Limits{}, i.storage.now)
	for _, e := range entries {
		c.Put(e.URL, e)
	}
	i.storage.Replace(c)
	i.logger.Info("installed", zap.Int("entries", len(entries)))
	return nil
}

func (i *Interceptor) seedURLs() ([]string, error) {
	refs := append([]string(nil), i.cfg.SeedURLs...)
	if i.cfg.OfflinePage != "" {
		refs = append(refs, i.cfg.OfflinePage)
	}
	seen := map[string]bool{}
	var out []string
	for _, ref := range refs {
		u, err := i.cfg.resolve(ref)
		if err != nil {
			return nil, err
		}
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out, nil
}

func (i *Interceptor) fetchSeed(ctx context.Context, u string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "seed %s", u)
	}
	resp, body, err := i.fetch(req)
	if err != nil {
		return nil, errors.Wrapf(err, "seed %s", u)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("seed %s: status %d", u, resp.StatusCode)
	}
	return &Entry{URL: requestKey(req), Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

// Activate deletes every cache of this app that the current generation does
// not own and takes control of traffic immediately. A cache belongs to the
// app when its name has the shape "<app>-<label>-v<n>" with a label free of
// dashes, so apps whose names share a prefix keep their caches.
func (i *Interceptor) Activate(_ context.Context) error {
	owned := map[string]bool{i.cfg.CacheName(): true}
	for _, r := range i.routes {
		if r.cacheName != "" {
			owned[r.cacheName] = true
		}
	}
	ours := regexp.MustCompile("^" + regexp.QuoteMeta(i.cfg.App) + "-[^-]+-v[0-9]+$")
	for _, name := range i.storage.Keys() {
		if owned[name] || !ours.MatchString(name) {
			continue
		}
		if i.storage.Delete(name) {
			i.logger.Info("deleted stale cache", zap.String("cache", name))
		}
	}
	i.controlling.Store(true)
	return nil
}

// Handler returns a reverse proxy to upstream whose requests go through the
// interceptor, for serving browsers directly.
func (i *Interceptor) Handler(upstream *url.URL) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = i
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		i.logger.Warn("proxy error", zap.String("url", r.URL.String()), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(offlineJSON))
	}
	return proxy
}
