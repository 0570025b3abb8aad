package reconcile_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stevemurr/offline-sync/reconcile"
	"github.com/stevemurr/offline-sync/store"
)

const remote = "http://sync.test"

type fixture struct {
	db     *store.DB
	queue  *reconcile.Queue
	writer *reconcile.Writer
	client *http.Client
	rec    *reconcile.Reconciler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg := store.NewRegistry(store.NewOpener("memory", ""), nil)
	t.Cleanup(func() { reg.Close() })
	db, err := reg.Open(context.Background(), "app", 1, []string{"notes", reconcile.QueueCollection})
	require.NoError(t, err)
	q, err := reconcile.NewQueue(db)
	require.NoError(t, err)

	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(func() {
		gock.RestoreClient(client)
		gock.Off()
	})
	return &fixture{
		db:     db,
		queue:  q,
		writer: reconcile.NewWriter(db, q, nil),
		client: client,
		rec:    reconcile.New(db, q, remote+"/api/sync/records", reconcile.WithHTTPClient(client)),
	}
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	p, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	return len(p)
}

func TestWriteAppliesLocallyAndQueues(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec, err := f.writer.Write(ctx, "notes", "n1", store.Record{"title": "draft"}, true)
	require.NoError(t, err)
	assert.Equal(t, "n1", rec.ID())

	got, err := f.db.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "draft", got["title"])
	assert.Equal(t, 1, f.pending(t))
}

func TestFlushFoldsServerRecords(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.writer.Write(ctx, "notes", "n1", store.Record{"title": "draft"}, true)
	require.NoError(t, err)

	gock.New(remote).
		Post("/api/sync/records").
		MatchType("json").
		Reply(200).
		JSON(map[string]any{
			"message": "ok",
			"records": []map[string]any{
				{"collection": "notes", "record": map[string]any{"id": "n1", "title": "draft", "rev": 2}},
			},
		})

	out, err := f.rec.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Outcome{Sent: 1, Confirmed: 1}, out)
	assert.True(t, gock.IsDone())

	got, err := f.db.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got["rev"])
	assert.Equal(t, 0, f.pending(t))
}

func TestFlushWithoutServerRecordsUsesChangeSet(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.writer.Write(ctx, "notes", "n1", store.Record{"title": "a"}, true)
	require.NoError(t, err)
	_, err = f.writer.Write(ctx, "notes", "n2", store.Record{"title": "b"}, true)
	require.NoError(t, err)

	gock.New(remote).
		Post("/api/sync/records").
		Reply(200).
		JSON(map[string]string{"message": "ok"})

	out, err := f.rec.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Sent)
	assert.Equal(t, 2, out.Confirmed)
	assert.Equal(t, 0, f.pending(t))

	got, err := f.db.Get(ctx, "notes", "n2")
	require.NoError(t, err)
	assert.Equal(t, "b", got["title"])
}

func TestFlushKeepsLaterWritesVisible(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.writer.Write(ctx, "notes", "n1", store.Record{"title": "a"}, true)
	require.NoError(t, err)
	_, err = f.writer.Write(ctx, "notes", "n1", store.Record{"title": "b"}, true)
	require.NoError(t, err)
	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	gock.New(remote).
		Post("/api/sync/records").
		Reply(200).
		JSON(map[string]any{
			"message": "ok",
			"records": []map[string]any{
				{"collection": "notes", "record": map[string]any{"id": "n1", "title": "a", "rev": 1}},
			},
		})

	// Only the first write goes out; the second is still queued.
	out, err := f.rec.FlushEntries(ctx, pending[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, out.Confirmed)

	got, err := f.db.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "b", got["title"])
	assert.EqualValues(t, 1, got["rev"])

	left, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, pending[1].EntryID, left[0].EntryID)
}

func TestFlushDropsEntriesOfUnknownCollection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, "ghost", "g1", store.Record{"x": 1}, true)
	require.NoError(t, err)
	_, err = f.writer.Write(ctx, "notes", "n1", store.Record{"title": "a"}, true)
	require.NoError(t, err)

	gock.New(remote).
		Post("/api/sync/records").
		Reply(200).
		JSON(map[string]string{"message": "ok"})

	out, err := f.rec.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Sent)
	assert.Equal(t, 1, out.Confirmed)
	assert.Equal(t, 0, f.pending(t))
}

func TestFlushKeepsEntriesWhenUnreachable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.writer.Write(ctx, "notes", "n1", store.Record{"title": "a"}, true)
	require.NoError(t, err)

	gock.New(remote).
		Post("/api/sync/records").
		ReplyError(errors.New("connection refused"))

	out, err := f.rec.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrNetworkUnreachable)
	assert.Equal(t, 1, out.Sent)
	assert.Equal(t, 0, out.Confirmed)
	assert.Equal(t, 1, f.pending(t))
}

func TestFlushKeepsEntriesOnUpstreamError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.writer.Write(ctx, "notes", "n1", store.Record{"title": "a"}, true)
	require.NoError(t, err)

	gock.New(remote).
		Post("/api/sync/records").
		Reply(500).
		JSON(map[string]string{"error": "disk full"})

	_, err = f.rec.Flush(ctx)
	var upstream *reconcile.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, 500, upstream.Status)
	assert.Contains(t, upstream.Error(), "disk full")
	assert.Equal(t, 1, f.pending(t))
}

func TestFlushEmptyQueueSendsNothing(t *testing.T) {
	f := setup(t)
	out, err := f.rec.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Outcome{}, out)
}

func TestRunRetriesUntilFlushed(t *testing.T) {
	reg := store.NewRegistry(store.NewOpener("memory", ""), nil)
	defer reg.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := reg.Open(ctx, "app", 1, []string{"notes", reconcile.QueueCollection})
	require.NoError(t, err)
	q, err := reconcile.NewQueue(db)
	require.NoError(t, err)
	_, err = reconcile.NewWriter(db, q, nil).Write(ctx, "notes", "n1", store.Record{"title": "a"}, true)
	require.NoError(t, err)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "n1", gjson.GetBytes(body, "entries.0.id").String())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"ok","records":[]}`))
	}))
	defer srv.Close()

	rec := reconcile.New(db, q, srv.URL)
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		p, err := q.Pending(ctx)
		return err == nil && len(p) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunLogsStalledQueue(t *testing.T) {
	reg := store.NewRegistry(store.NewOpener("memory", ""), nil)
	defer reg.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := reg.Open(ctx, "app", 1, []string{"notes", reconcile.QueueCollection})
	require.NoError(t, err)
	q, err := reconcile.NewQueue(db)
	require.NoError(t, err)
	w := reconcile.NewWriter(db, q, nil)
	for _, id := range []string{"n1", "n2"} {
		_, err = w.Write(ctx, "notes", id, store.Record{"title": id}, true)
		require.NoError(t, err)
	}

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"entry 0: unknown collection"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	rec := reconcile.New(db, q, srv.URL, reconcile.WithLogger(zap.New(core)))
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("sync queue stalled").Len() == 1
	}, 5*time.Second, 20*time.Millisecond)
	entry := logs.FilterMessage("sync queue stalled").All()[0]
	assert.EqualValues(t, http.StatusBadRequest, entry.ContextMap()["status"])
	assert.EqualValues(t, 2, entry.ContextMap()["pending"])
	assert.Equal(t, int32(1), calls.Load(), "a rejected batch is not retried before the next tick")

	p, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, p, 2)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
