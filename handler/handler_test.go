package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/offline-sync/handler"
	"github.com/stevemurr/offline-sync/reconcile"
	"github.com/stevemurr/offline-sync/store"
)

type env struct {
	ts    *httptest.Server
	db    *store.DB
	h     *handler.Handler
	names *handler.NameLog
	dir   string
}

func setup(t *testing.T) *env {
	t.Helper()
	reg := store.NewRegistry(store.NewOpener("memory", ""), nil)
	db, err := reg.Open(context.Background(), "server", 1, []string{"notes", handler.AppliedCollection, reconcile.QueueCollection})
	require.NoError(t, err)

	dir := t.TempDir()
	names, err := handler.NewNameLog(filepath.Join(dir, "names.json"))
	require.NoError(t, err)

	h := handler.New(db, names)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
	})
	return &env{ts: ts, db: db, h: h, names: names, dir: dir}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeJSON(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func decodeJSONArray(t *testing.T, r io.Reader) []any {
	t.Helper()
	var v []any
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(t, body))
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRootAndHealth(t *testing.T) {
	e := setup(t)

	resp := do(t, http.MethodGet, e.ts.URL+"/", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON(t, resp.Body)["status"])

	resp = do(t, http.MethodGet, e.ts.URL+"/health", nil)
	assert.Equal(t, 200, resp.StatusCode)

	resp = do(t, http.MethodGet, e.ts.URL+"/nope", nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestSyncNamesAppends(t *testing.T) {
	e := setup(t)

	resp := do(t, http.MethodPost, e.ts.URL+"/api/sync", map[string]any{"names": []string{"a"}})
	require.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, decodeJSON(t, resp.Body)["message"])

	resp = do(t, http.MethodPost, e.ts.URL+"/api/sync", map[string]any{"names": []string{"b"}})
	require.Equal(t, 200, resp.StatusCode)

	all, err := e.names.All()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, all)

	// The file itself is a plain JSON array.
	data, err := os.ReadFile(filepath.Join(e.dir, "names.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))
}

func TestSyncNamesRejectsOtherMethods(t *testing.T) {
	e := setup(t)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp := do(t, method, e.ts.URL+"/api/sync", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
		assert.NotEmpty(t, decodeJSON(t, resp.Body)["error"])
	}

	resp := do(t, http.MethodGet, e.ts.URL+"/api/sync/records", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	all, err := e.names.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSyncNamesBadJSON(t *testing.T) {
	e := setup(t)
	resp, err := http.Post(e.ts.URL+"/api/sync", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecordsCRUD(t *testing.T) {
	e := setup(t)
	base := e.ts.URL + "/api/collections/notes/records"

	resp := do(t, http.MethodGet, base, nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, decodeJSONArray(t, resp.Body))

	resp = do(t, http.MethodPut, base+"/n1", map[string]any{"title": "hello", "body": "x"})
	require.Equal(t, 200, resp.StatusCode)
	rec := decodeJSON(t, resp.Body)
	assert.Equal(t, "n1", rec["id"])

	// Upsert merges.
	resp = do(t, http.MethodPut, base+"/n1", map[string]any{"title": "updated"})
	require.Equal(t, 200, resp.StatusCode)

	resp = do(t, http.MethodGet, base+"/n1", nil)
	require.Equal(t, 200, resp.StatusCode)
	rec = decodeJSON(t, resp.Body)
	assert.Equal(t, "updated", rec["title"])
	assert.Equal(t, "x", rec["body"])

	resp = do(t, http.MethodGet, base+"/missing", nil)
	assert.Equal(t, 404, resp.StatusCode)

	resp = do(t, http.MethodGet, e.ts.URL+"/api/collections/ghosts/records", nil)
	assert.Equal(t, 404, resp.StatusCode)

	resp = do(t, http.MethodDelete, base+"/n1", nil)
	assert.Equal(t, 200, resp.StatusCode)
	resp = do(t, http.MethodDelete, base+"/n1", nil)
	assert.Equal(t, 404, resp.StatusCode)

	resp = do(t, http.MethodGet, e.ts.URL+"/api/collections", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []any{"notes"}, decodeJSONArray(t, resp.Body))
}

func TestRecordRoutesHideBookkeeping(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.db.Upsert(ctx, handler.AppliedCollection, "x", store.Record{"appliedAt": "t"}, true)
	require.NoError(t, err)

	for _, c := range []string{handler.AppliedCollection, reconcile.QueueCollection} {
		base := e.ts.URL + "/api/collections/" + c + "/records"
		for _, req := range []struct {
			method, url string
			body        any
		}{
			{http.MethodGet, base, nil},
			{http.MethodGet, base + "/x", nil},
			{http.MethodPut, base + "/x", map[string]any{"appliedAt": "forged"}},
			{http.MethodDelete, base + "/x", nil},
			{http.MethodPut, e.ts.URL + "/api/schemas/" + c, map[string]any{"type": "object"}},
		} {
			resp := do(t, req.method, req.url, req.body)
			assert.Equal(t, 404, resp.StatusCode, "%s %s", req.method, req.url)
			assert.Contains(t, decodeJSON(t, resp.Body)["error"], "unknown collection")
		}
	}

	// The applied mark is untouched.
	rec, err := e.db.Get(ctx, handler.AppliedCollection, "x")
	require.NoError(t, err)
	assert.Equal(t, "t", rec["appliedAt"])
	assert.Error(t, e.h.SetSchema(reconcile.QueueCollection, map[string]any{"type": "object"}))
}

func TestUpsertIgnoresStaleWrites(t *testing.T) {
	e := setup(t)
	url := e.ts.URL + "/api/collections/notes/records/n1"

	do(t, http.MethodPut, url, map[string]any{"title": "new", "updatedAt": "2024-01-02T00:00:00Z"})
	resp := do(t, http.MethodPut, url, map[string]any{"title": "old", "updatedAt": "2024-01-01T00:00:00Z"})
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "new", decodeJSON(t, resp.Body)["title"])
}

func TestGetAllSince(t *testing.T) {
	e := setup(t)
	base := e.ts.URL + "/api/collections/notes/records"
	do(t, http.MethodPut, base+"/a", map[string]any{"updatedAt": "2024-01-01T00:00:00Z"})
	do(t, http.MethodPut, base+"/b", map[string]any{"updatedAt": "2024-03-01T00:00:00Z"})

	resp := do(t, http.MethodGet, base+"?since=2024-02-01T00:00:00Z", nil)
	require.Equal(t, 200, resp.StatusCode)
	items := decodeJSONArray(t, resp.Body)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].(map[string]any)["id"])

	resp = do(t, http.MethodGet, base+"?since=yesterday", nil)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestSchemaValidationOnPut(t *testing.T) {
	e := setup(t)

	resp := do(t, http.MethodPut, e.ts.URL+"/api/schemas/notes", map[string]any{
		"type":     "object",
		"required": []string{"title"},
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
		},
	})
	require.Equal(t, 200, resp.StatusCode)

	resp = do(t, http.MethodPut, e.ts.URL+"/api/collections/notes/records/n1", map[string]any{"body": "no title"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = do(t, http.MethodPut, e.ts.URL+"/api/collections/notes/records/n1", map[string]any{"title": "ok"})
	assert.Equal(t, 200, resp.StatusCode)

	resp = do(t, http.MethodGet, e.ts.URL+"/api/schemas", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, decodeJSON(t, resp.Body), "notes")

	resp = do(t, http.MethodDelete, e.ts.URL+"/api/schemas/notes", nil)
	assert.Equal(t, 200, resp.StatusCode)
	resp = do(t, http.MethodGet, e.ts.URL+"/api/schemas/notes", nil)
	assert.Equal(t, 404, resp.StatusCode)

	resp = do(t, http.MethodPut, e.ts.URL+"/api/collections/notes/records/n2", map[string]any{"body": "fine now"})
	assert.Equal(t, 200, resp.StatusCode)

	resp = do(t, http.MethodPut, e.ts.URL+"/api/schemas/ghosts", map[string]any{"type": "object"})
	assert.Equal(t, 404, resp.StatusCode)
}

func entry(id, entryID string, changes map[string]any) map[string]any {
	return map[string]any{
		"entryId":         entryID,
		"collection":      "notes",
		"id":              id,
		"changeSet":       changes,
		"createIfMissing": true,
		"createdAt":       "2024-01-01T00:00:00Z",
	}
}

func TestSyncRecordsIsIdempotent(t *testing.T) {
	e := setup(t)
	url := e.ts.URL + "/api/sync/records"
	batch := map[string]any{"entries": []any{
		entry("n1", "e1", map[string]any{"count": 1}),
		entry("n1", "e2", map[string]any{"title": "t"}),
	}}

	resp := do(t, http.MethodPost, url, batch)
	require.Equal(t, 200, resp.StatusCode)
	body := decodeJSON(t, resp.Body)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	first := records[0].(map[string]any)
	assert.Equal(t, "notes", first["collection"])
	assert.Equal(t, map[string]any{"id": "n1", "count": float64(1), "title": "t"}, first["record"])

	// A local edit between resends must not be overwritten by a replay.
	_, err := e.db.Upsert(context.Background(), "notes", "n1", store.Record{"count": 5}, false)
	require.NoError(t, err)

	resp = do(t, http.MethodPost, url, batch)
	require.Equal(t, 200, resp.StatusCode)
	rec := decodeJSON(t, resp.Body)["records"].([]any)[0].(map[string]any)["record"].(map[string]any)
	assert.Equal(t, float64(5), rec["count"])
}

func TestSyncRecordsValidatesEntries(t *testing.T) {
	e := setup(t)
	url := e.ts.URL + "/api/sync/records"

	resp := do(t, http.MethodPost, url, map[string]any{"entries": []any{entry("", "e1", nil)}})
	assert.Equal(t, 400, resp.StatusCode)

	bad := entry("n1", "e1", nil)
	bad["collection"] = handler.AppliedCollection
	resp = do(t, http.MethodPost, url, map[string]any{"entries": []any{bad}})
	assert.Equal(t, 400, resp.StatusCode)

	_, err := e.db.Get(context.Background(), "notes", "n1")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

// The reconciler and the records endpoint agree on the wire format.
func TestReconcilerAgainstServer(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	reg := store.NewRegistry(store.NewOpener("memory", ""), nil)
	defer reg.Close()
	local, err := reg.Open(ctx, "client", 1, []string{"notes", reconcile.QueueCollection})
	require.NoError(t, err)
	q, err := reconcile.NewQueue(local)
	require.NoError(t, err)
	w := reconcile.NewWriter(local, q, nil)

	_, err = w.Write(ctx, "notes", "n1", store.Record{"title": "offline"}, true)
	require.NoError(t, err)
	_, err = e.db.Upsert(ctx, "notes", "n1", store.Record{"owner": "server"}, true)
	require.NoError(t, err)

	out, err := reconcile.New(local, q, e.ts.URL+"/api/sync/records").Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Outcome{Sent: 1, Confirmed: 1}, out)

	rec, err := local.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "offline", rec["title"])
	assert.Equal(t, "server", rec["owner"])

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCORS(t *testing.T) {
	e := setup(t)
	h := handler.CORS(e.h, []string{"https://app.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/sync", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, 200, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
