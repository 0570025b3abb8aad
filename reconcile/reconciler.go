package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/stevemurr/offline-sync/store"
)

// ErrNetworkUnreachable means the endpoint could not be reached at all.
// Entries stay queued.
var ErrNetworkUnreachable = errors.New("network unreachable")

// UpstreamError is a non-2xx answer from the sync endpoint.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	if msg := gjson.GetBytes(e.Body, "error").String(); msg != "" {
		return fmt.Sprintf("sync endpoint returned %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("sync endpoint returned %d", e.Status)
}

// Outcome summarizes one flush.
type Outcome struct {
	Sent      int
	Confirmed int
}

// Reconciler flushes the queue to a remote endpoint.
type Reconciler struct {
	db       *store.DB
	queue    *Queue
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

type Option func(*Reconciler)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Reconciler) { r.client = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New returns a Reconciler posting to endpoint, the full URL of the records
// sync route.
func New(db *store.DB, queue *Queue, endpoint string, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:       db,
		queue:    queue,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush sends every pending entry in one batch.
func (r *Reconciler) Flush(ctx context.Context) (Outcome, error) {
	entries, err := r.queue.Pending(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return r.FlushEntries(ctx, entries)
}

// FlushEntries posts entries and, on a 2xx answer, folds the confirmed
// records into the local database and removes the entries from the queue.
// On any failure nothing is removed.
func (r *Reconciler) FlushEntries(ctx context.Context, entries []Entry) (Outcome, error) {
	out := Outcome{Sent: len(entries)}
	if len(entries) == 0 {
		return out, nil
	}

	payload, err := json.Marshal(map[string]any{"entries": entries})
	if err != nil {
		return out, errors.Wrap(err, "encode batch")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return out, errors.Wrap(err, "build sync request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Info("sync endpoint unreachable", zap.Int("pending", len(entries)), zap.Error(err))
		return out, errors.Wrap(ErrNetworkUnreachable, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, errors.Wrap(ErrNetworkUnreachable, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("sync rejected", zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
		return out, &UpstreamError{Status: resp.StatusCode, Body: body}
	}

	confirmed, folded, err := r.fold(ctx, entries, body)
	out.Confirmed = confirmed
	if err != nil {
		return out, err
	}
	if err := r.queue.Remove(ctx, entries...); err != nil {
		return out, errors.Wrap(err, "dequeue flushed entries")
	}
	if err := r.reapply(ctx, folded); err != nil {
		return out, err
	}
	r.logger.Info("sync flushed", zap.Int("sent", out.Sent), zap.Int("confirmed", out.Confirmed))
	return out, nil
}

type recordKey struct{ collection, id string }

// fold writes the server's records locally. Entries the server returned no
// record for are confirmed with their own change set. It returns the keys it
// wrote.
func (r *Reconciler) fold(ctx context.Context, entries []Entry, body []byte) (int, map[recordKey]bool, error) {
	server := map[recordKey]store.Record{}
	var order []recordKey
	for _, item := range gjson.GetBytes(body, "records").Array() {
		raw := item.Get("record")
		if !raw.IsObject() {
			continue
		}
		var rec store.Record
		if err := json.Unmarshal([]byte(raw.Raw), &rec); err != nil {
			return 0, nil, errors.Wrap(err, "decode server record")
		}
		k := recordKey{collection: item.Get("collection").String(), id: rec.ID()}
		if k.collection == "" || k.id == "" {
			continue
		}
		if _, seen := server[k]; !seen {
			order = append(order, k)
		}
		server[k] = rec
	}

	n := 0
	folded := map[recordKey]bool{}
	for _, k := range order {
		if !r.db.HasCollection(k.collection) {
			r.logger.Debug("skipping record of unknown collection", zap.String("collection", k.collection))
			continue
		}
		if _, err := r.db.Upsert(ctx, k.collection, k.id, server[k], true); err != nil {
			return n, folded, err
		}
		folded[k] = true
		n++
	}
	for _, e := range entries {
		k := recordKey{e.Collection, e.ID}
		if _, ok := server[k]; ok {
			continue
		}
		if !r.db.HasCollection(e.Collection) {
			// The remote accepted it; there is nothing to apply it to here.
			r.logger.Warn("dropping entry of unknown collection",
				zap.String("entry", e.EntryID),
				zap.String("collection", e.Collection))
			continue
		}
		if _, err := r.db.Upsert(ctx, e.Collection, e.ID, e.ChangeSet, e.CreateIfMissing); err != nil {
			return n, folded, err
		}
		folded[k] = true
		n++
	}
	return n, folded, nil
}

// reapply replays entries still in the queue over the keys fold just wrote,
// so writes made after the batch was taken stay visible locally.
func (r *Reconciler) reapply(ctx context.Context, folded map[recordKey]bool) error {
	if len(folded) == 0 {
		return nil
	}
	pending, err := r.queue.Pending(ctx)
	if err != nil {
		return errors.Wrap(err, "load pending entries")
	}
	for _, e := range pending {
		if !folded[recordKey{e.Collection, e.ID}] {
			continue
		}
		if _, err := r.db.Upsert(ctx, e.Collection, e.ID, e.ChangeSet, true); err != nil {
			return errors.Wrapf(err, "reapply entry %s", e.EntryID)
		}
	}
	return nil
}

// Run flushes every interval until ctx is done. A failed flush is retried
// with exponential backoff; client errors other than 408 and 429 are not
// retried until the next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.flushWithRetry(ctx, interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) flushWithRetry(ctx context.Context, interval time.Duration) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = interval
	b.MaxElapsedTime = 4 * interval

	var rejected *UpstreamError
	pending := 0
	op := func() error {
		out, err := r.Flush(ctx)
		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.Status < 500 &&
			upstream.Status != http.StatusRequestTimeout && upstream.Status != http.StatusTooManyRequests {
			rejected, pending = upstream, out.Sent
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("flush failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil || ctx.Err() != nil:
	case rejected != nil:
		// Batches are all or nothing, so one rejected entry holds back the
		// whole queue until it is fixed or removed.
		r.logger.Error("sync queue stalled",
			zap.Int("status", rejected.Status),
			zap.Int("pending", pending),
			zap.Error(err))
	default:
		r.logger.Warn("flush gave up", zap.Error(err))
	}
}
