// Package memory is an in-process record store for local development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/domain"
)

// Repository stores records in memory. Transactions are serialised and
// rolled back by replaying an undo log.
type Repository struct {
	mu      sync.RWMutex
	records map[int64]backend.Record
	nextID  int64
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{records: make(map[int64]backend.Record)}
}

// InTx implements backend.Repository.
func (r *Repository) InTx(ctx context.Context, fn func(tx backend.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{repo: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// List implements backend.Repository.
func (r *Repository) List(ctx context.Context, accountID string, entityType domain.EntityType, q backend.ListQuery) ([]backend.Record, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]backend.Record, 0)
	for _, rec := range r.records {
		if rec.AccountID != accountID || rec.EntityType != entityType {
			continue
		}
		if !q.ChangedAfter.IsZero() && !rec.UpdatedAt.After(q.ChangedAfter) {
			continue
		}
		if !q.CreatedSince.IsZero() && rec.CreatedAt.Before(q.CreatedSince) {
			continue
		}
		matched = append(matched, clone(rec))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if q.Offset >= len(matched) {
		return []backend.Record{}, false, nil
	}
	matched = matched[q.Offset:]
	hasMore := len(matched) > q.Limit
	if hasMore {
		matched = matched[:q.Limit]
	}
	return matched, hasMore, nil
}

// Len returns the number of stored records, deleted ones included.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

type undo struct {
	id      int64
	prev    backend.Record
	existed bool
}

type memoryTx struct {
	repo *Repository
	log  []undo
}

func (t *memoryTx) Get(_ context.Context, accountID string, entityType domain.EntityType, id int64) (*backend.Record, error) {
	rec, ok := t.repo.records[id]
	if !ok || rec.AccountID != accountID || rec.EntityType != entityType {
		return nil, nil
	}
	out := clone(rec)
	return &out, nil
}

func (t *memoryTx) FindByClientRef(_ context.Context, accountID string, entityType domain.EntityType, clientRef string) (*backend.Record, error) {
	for _, rec := range t.repo.records {
		if rec.AccountID == accountID && rec.EntityType == entityType && rec.ClientRef == clientRef {
			out := clone(rec)
			return &out, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) Referencing(_ context.Context, accountID string, entityType domain.EntityType, field string, parentID int64) ([]backend.Record, error) {
	var out []backend.Record
	for _, rec := range t.repo.records {
		if rec.AccountID != accountID || rec.EntityType != entityType || rec.Deleted {
			continue
		}
		if id, ok := rec.Fields.Int64(field); ok && id == parentID {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) Insert(_ context.Context, rec *backend.Record) error {
	t.repo.nextID++
	rec.ID = t.repo.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	t.log = append(t.log, undo{id: rec.ID})
	t.repo.records[rec.ID] = clone(*rec)
	return nil
}

func (t *memoryTx) Update(_ context.Context, rec backend.Record, _ backend.ChangeKind) error {
	prev, ok := t.repo.records[rec.ID]
	if !ok {
		return backend.ErrRecordNotFound
	}
	t.log = append(t.log, undo{id: rec.ID, prev: prev, existed: true})
	t.repo.records[rec.ID] = clone(rec)
	return nil
}

func (t *memoryTx) rollback() {
	for i := len(t.log) - 1; i >= 0; i-- {
		u := t.log[i]
		if u.existed {
			t.repo.records[u.id] = u.prev
		} else {
			delete(t.repo.records, u.id)
		}
	}
	t.log = nil
}

func clone(rec backend.Record) backend.Record {
	rec.Fields = rec.Fields.Clone()
	return rec
}
