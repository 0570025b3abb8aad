// Package handler provides the HTTP handlers for the sync server.
package handler

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stevemurr/offline-sync/schema"
	"github.com/stevemurr/offline-sync/store"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Handler holds the server dependencies and registers routes.
type Handler struct {
	db     *store.DB
	names  *NameLog
	logger *zap.Logger
	mux    *http.ServeMux

	mu      sync.RWMutex
	schemas map[string]map[string]any
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New creates a Handler and wires up all routes.
func New(db *store.DB, names *NameLog, opts ...Option) *Handler {
	h := &Handler{
		db:      db,
		names:   names,
		logger:  zap.NewNop(),
		mux:     http.NewServeMux(),
		schemas: make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Handle registers an extra handler, such as the metrics endpoint.
func (h *Handler) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /{$}", h.root)
	h.mux.HandleFunc("GET /health", h.health)

	// Fixed-method sync endpoints answer every other verb with 405.
	h.mux.HandleFunc("POST /api/sync", h.syncNames)
	h.mux.HandleFunc("/api/sync", methodNotAllowed(http.MethodPost))
	h.mux.HandleFunc("POST /api/sync/records", h.syncRecords)
	h.mux.HandleFunc("/api/sync/records", methodNotAllowed(http.MethodPost))

	h.mux.HandleFunc("GET /api/collections", h.listCollections)
	h.mux.HandleFunc("GET /api/collections/{collection}/records", public(h.getAll))
	h.mux.HandleFunc("GET /api/collections/{collection}/records/{id}", public(h.getRecord))
	h.mux.HandleFunc("PUT /api/collections/{collection}/records/{id}", public(h.upsertRecord))
	h.mux.HandleFunc("DELETE /api/collections/{collection}/records/{id}", public(h.deleteRecord))

	h.mux.HandleFunc("GET /api/schemas", h.listSchemas)
	h.mux.HandleFunc("GET /api/schemas/{collection}", public(h.getSchema))
	h.mux.HandleFunc("PUT /api/schemas/{collection}", public(h.putSchema))
	h.mux.HandleFunc("DELETE /api/schemas/{collection}", public(h.deleteSchema))
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store errors to HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRecordNotFound), errors.Is(err, store.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInvalidRecord):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("store failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// public answers 404 for bookkeeping collections, which exist in the
// database but are not records clients may touch.
func public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c := r.PathValue("collection"); reserved(c) {
			writeError(w, http.StatusNotFound, errors.Wrapf(store.ErrUnknownCollection, "%q", c).Error())
			return
		}
		next(w, r)
	}
}

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	}
}

func parseISO(s string) (time.Time, error) {
	s = strings.Replace(s, "Z", "+00:00", 1)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp: %s", s)
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "offline-sync",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- names sync ----------

func (h *Handler) syncNames(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	total, err := h.names.Append(req.Names...)
	if err != nil {
		h.logger.Error("append names", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Debug("names appended", zap.Int("added", len(req.Names)), zap.Int("total", total))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("synced %d names", len(req.Names)),
	})
}

// ---------- records ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, c := range h.db.Collections() {
		if !reserved(c) {
			names = append(names, c)
		}
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// getAll returns every record of a collection. With ?since=<timestamp> only
// records whose updatedAt is later are returned.
func (h *Handler) getAll(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var since *time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := parseISO(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp format")
			return
		}
		since = &t
	}

	recs, err := h.db.GetAll(r.Context(), collection)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	out := make([]store.Record, 0, len(recs))
	for _, rec := range recs {
		if since != nil {
			ts, _ := rec["updatedAt"].(string)
			t, err := parseISO(ts)
			if err != nil || !t.After(*since) {
				continue
			}
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.db.Get(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// upsertRecord merges the body into the stored record. A body whose
// updatedAt is not newer than the stored one is ignored and the stored
// record is returned.
func (h *Handler) upsertRecord(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")
	var changes store.Record
	if err := readJSON(w, r, &changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	existing, err := h.db.Get(r.Context(), collection, id)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		h.writeStoreError(w, err)
		return
	}
	if existing != nil && isStale(existing, changes) {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	createIfMissing := r.URL.Query().Get("create") != "false"
	rec, err := h.db.Upsert(r.Context(), collection, id, changes, createIfMissing)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func isStale(existing, incoming store.Record) bool {
	existingTS, ok1 := existing["updatedAt"].(string)
	incomingTS, ok2 := incoming["updatedAt"].(string)
	if !ok1 || !ok2 {
		return false
	}
	et, err1 := parseISO(existingTS)
	nt, err2 := parseISO(incomingTS)
	return err1 == nil && err2 == nil && !nt.After(et)
}

func (h *Handler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.db.Delete(r.Context(), r.PathValue("collection"), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// ---------- schemas ----------

// SetSchema validates future writes to collection against raw. A nil raw
// removes the schema.
func (h *Handler) SetSchema(collection string, raw map[string]any) error {
	if !h.db.HasCollection(collection) || reserved(collection) {
		return errors.Wrapf(store.ErrUnknownCollection, "%q", collection)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if raw == nil {
		delete(h.schemas, collection)
		h.db.SetValidator(collection, nil)
		return nil
	}
	s, err := schema.Parse(raw)
	if err != nil {
		return err
	}
	h.schemas[collection] = raw
	h.db.SetValidator(collection, s)
	return nil
}

func (h *Handler) listSchemas(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]map[string]any, len(h.schemas))
	for k, v := range h.schemas {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	h.mu.RLock()
	s, ok := h.schemas[collection]
	h.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no schema for collection %q", collection))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) putSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var raw map[string]any
	if err := readJSON(w, r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if raw == nil {
		writeError(w, http.StatusBadRequest, "schema must be an object")
		return
	}
	if err := h.SetSchema(collection, raw); err != nil {
		if errors.Is(err, store.ErrUnknownCollection) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (h *Handler) deleteSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	h.mu.RLock()
	_, ok := h.schemas[collection]
	h.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no schema for collection %q", collection))
		return
	}
	if err := h.SetSchema(collection, nil); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "collection": collection})
}
