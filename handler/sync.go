package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stevemurr/offline-sync/reconcile"
	"github.com/stevemurr/offline-sync/store"
)

// AppliedCollection records the entry ids the records sync endpoint has
// already applied. Server databases must list it among their collections.
const AppliedCollection = "applied_entries"

// reserved reports whether collection holds sync bookkeeping rather than
// client records.
func reserved(collection string) bool {
	return collection == AppliedCollection || collection == reconcile.QueueCollection
}

type syncedRecord struct {
	Collection string       `json:"collection"`
	Record     store.Record `json:"record"`
}

// syncRecords applies a batch of queued entries. Each entry is upserted by
// (collection, id); entries whose entryId was applied before are skipped, so
// a client may resend a batch after losing the response. The current record
// for every entry is returned in entry order.
func (h *Handler) syncRecords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []reconcile.Entry `json:"entries"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !h.db.HasCollection(AppliedCollection) {
		writeError(w, http.StatusInternalServerError, "entry log is not configured")
		return
	}
	for i, e := range req.Entries {
		if e.EntryID == "" || e.ID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("entry %d: entryId and id are required", i))
			return
		}
		if !h.db.HasCollection(e.Collection) || reserved(e.Collection) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("entry %d: unknown collection %q", i, e.Collection))
			return
		}
	}

	ctx := r.Context()
	applied, skipped := 0, 0
	for _, e := range req.Entries {
		_, err := h.db.Get(ctx, AppliedCollection, e.EntryID)
		if err == nil {
			skipped++
			continue
		}
		if !errors.Is(err, store.ErrRecordNotFound) {
			h.writeStoreError(w, err)
			return
		}
		if _, err := h.db.Upsert(ctx, e.Collection, e.ID, e.ChangeSet, e.CreateIfMissing); err != nil {
			h.writeStoreError(w, err)
			return
		}
		mark := store.Record{
			"collection": e.Collection,
			"recordId":   e.ID,
			"appliedAt":  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := h.db.Upsert(ctx, AppliedCollection, e.EntryID, mark, true); err != nil {
			h.writeStoreError(w, err)
			return
		}
		applied++
	}

	type key struct{ collection, id string }
	seen := map[key]bool{}
	records := make([]syncedRecord, 0, len(req.Entries))
	for _, e := range req.Entries {
		k := key{e.Collection, e.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		rec, err := h.db.Get(ctx, e.Collection, e.ID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		records = append(records, syncedRecord{Collection: e.Collection, Record: rec})
	}

	h.logger.Info("records synced",
		zap.Int("applied", applied),
		zap.Int("skipped", skipped))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("applied %d entries, skipped %d", applied, skipped),
		"records": records,
	})
}
