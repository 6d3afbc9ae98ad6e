// Package backend is the reference remote service the sync engine talks to.
// It owns server-side records, idempotent creation, soft-delete cascades and
// checkpoint issuance; HTTP lives in package api and storage in the memory
// and postgres packages.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/fitsync/internal/domain"
)

var (
	// ErrRecordNotFound is returned for unknown or deleted records.
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidReference is returned when a reference field points at a
	// missing or deleted parent.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrDuplicateClientRef is returned by Tx.Insert when a concurrent create
	// with the same idempotency key committed first.
	ErrDuplicateClientRef = errors.New("duplicate client reference")
)

// ValidationError wraps payload validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Record is a server-side entity.
type Record struct {
	ID         int64
	AccountID  string
	EntityType domain.EntityType
	ClientRef  string
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Fields     domain.Fields
}

// Remote converts the record to its wire form.
func (r Record) Remote() domain.RemoteRecord {
	fields := r.Fields
	if r.Deleted {
		fields = nil
	}
	return domain.RemoteRecord{
		ID:        r.ID,
		Deleted:   r.Deleted,
		ClientRef: r.ClientRef,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Fields:    fields,
	}
}

// ChangeKind names a record write for the change feed.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "record.created"
	ChangeUpdated ChangeKind = "record.updated"
	ChangeDeleted ChangeKind = "record.deleted"
)

// ChangeEvent is the change-feed payload written for every record write.
type ChangeEvent struct {
	Kind       ChangeKind          `json:"kind"`
	AccountID  string              `json:"accountId"`
	EntityType domain.EntityType   `json:"entityType"`
	ID         int64               `json:"id"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	Record     domain.RemoteRecord `json:"record"`
}

// NewChangeEvent describes a write of rec.
func NewChangeEvent(kind ChangeKind, rec Record) ChangeEvent {
	return ChangeEvent{
		Kind:       kind,
		AccountID:  rec.AccountID,
		EntityType: rec.EntityType,
		ID:         rec.ID,
		UpdatedAt:  rec.UpdatedAt,
		Record:     rec.Remote(),
	}
}

// ListQuery selects one page of changes for an account and entity type.
type ListQuery struct {
	Offset int
	Limit  int
	// ChangedAfter filters on updatedAt; zero returns everything.
	ChangedAfter time.Time
	// CreatedSince filters on createdAt; zero returns everything.
	CreatedSince time.Time
}

// Repository persists records. Writes go through InTx so that a delete and
// its cascade commit together.
type Repository interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	List(ctx context.Context, accountID string, entityType domain.EntityType, q ListQuery) ([]Record, bool, error)
}

// Tx is a repository transaction. Get and FindByClientRef return nil when
// nothing matches; deleted records are returned.
type Tx interface {
	Get(ctx context.Context, accountID string, entityType domain.EntityType, id int64) (*Record, error)
	FindByClientRef(ctx context.Context, accountID string, entityType domain.EntityType, clientRef string) (*Record, error)
	// Referencing lists live records of entityType whose field holds parentID.
	Referencing(ctx context.Context, accountID string, entityType domain.EntityType, field string, parentID int64) ([]Record, error)
	// Insert assigns rec.ID.
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec Record, kind ChangeKind) error
}
