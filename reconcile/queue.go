// Package reconcile pushes locally queued writes to the remote sync endpoint
// and folds the confirmed records back into the local database.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stevemurr/offline-sync/store"
)

// QueueCollection holds pending entries. Databases that use a Queue must
// list it among their collections.
const QueueCollection = "pending_writes"

// Entry is one queued write, applied remotely by (Collection, ID) and
// deduplicated by EntryID.
type Entry struct {
	EntryID         string       `json:"entryId"`
	Collection      string       `json:"collection"`
	ID              string       `json:"id"`
	ChangeSet       store.Record `json:"changeSet"`
	CreateIfMissing bool         `json:"createIfMissing"`
	CreatedAt       time.Time    `json:"createdAt"`
}

func (e Entry) record() (store.Record, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var rec store.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	// The queue keys entries by their entry id.
	rec[store.IDField] = e.EntryID
	rec["recordId"] = e.ID
	return rec, nil
}

func entryFromRecord(rec store.Record) (Entry, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, err
	}
	e.EntryID = rec.ID()
	e.ID, _ = rec["recordId"].(string)
	return e, nil
}

// Queue persists pending entries in the local database.
type Queue struct {
	db  *store.DB
	now func() time.Time
}

func NewQueue(db *store.DB) (*Queue, error) {
	if !db.HasCollection(QueueCollection) {
		return nil, errors.Wrapf(store.ErrUnknownCollection, "database %q has no %s collection", db.Name(), QueueCollection)
	}
	return &Queue{db: db, now: time.Now}, nil
}

// Enqueue stores a new entry and returns it with its id and timestamp set.
func (q *Queue) Enqueue(ctx context.Context, collection, id string, changes store.Record, createIfMissing bool) (Entry, error) {
	// Version 7 ids sort in creation order, also within one clock tick.
	eid, err := uuid.NewV7()
	if err != nil {
		return Entry{}, errors.Wrap(err, "entry id")
	}
	e := Entry{
		EntryID:         eid.String(),
		Collection:      collection,
		ID:              id,
		ChangeSet:       changes.Clone(),
		CreateIfMissing: createIfMissing,
		CreatedAt:       q.now().UTC(),
	}
	rec, err := e.record()
	if err != nil {
		return Entry{}, errors.Wrap(err, "encode entry")
	}
	if _, err := q.db.Upsert(ctx, QueueCollection, e.EntryID, rec, true); err != nil {
		return Entry{}, errors.Wrap(err, "enqueue")
	}
	return e, nil
}

// Pending returns every queued entry in the order it was enqueued. The
// order comes from the entry ids, so a wall clock that stands still or
// steps back does not reorder writes.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	recs, err := q.db.GetAll(ctx, QueueCollection)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		e, err := entryFromRecord(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "decode entry %s", rec.ID())
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

// Remove deletes the given entries from the queue.
func (q *Queue) Remove(ctx context.Context, entries ...Entry) error {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EntryID
	}
	_, err := q.db.Delete(ctx, QueueCollection, ids...)
	return err
}

// Writer applies writes locally right away and queues them for the remote.
type Writer struct {
	// mu keeps the local write order and the queue order the same.
	mu     sync.Mutex
	db     *store.DB
	queue  *Queue
	logger *zap.Logger
}

func NewWriter(db *store.DB, queue *Queue, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{db: db, queue: queue, logger: logger}
}

// Write upserts the record locally and enqueues the same change set. The
// local record is returned even if it has not reached the remote yet.
func (w *Writer) Write(ctx context.Context, collection, id string, changes store.Record, createIfMissing bool) (store.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, err := w.db.Upsert(ctx, collection, id, changes, createIfMissing)
	if err != nil {
		return nil, err
	}
	e, err := w.queue.Enqueue(ctx, collection, id, changes, createIfMissing)
	if err != nil {
		return nil, err
	}
	w.logger.Debug("write queued",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.String("entry", e.EntryID))
	return rec, nil
}
