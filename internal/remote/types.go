package remote

import (
	"context"
	"time"

	"example.com/fitsync/internal/domain"
)

// Mutation is one logical remote write produced by the drain planner.
type Mutation struct {
	Operation domain.Operation
	Resource  string
	// GlobalID addresses UPDATE and DELETE calls.
	GlobalID int64
	// OpID is sent as the Idempotency-Key of a CREATE.
	OpID string
	// Body holds the entity fields with references rewritten to global ids.
	Body       domain.Fields
	Checkpoint domain.Checkpoint
}

// Outcome is the result kind of an acknowledged call.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
)

// Rejection describes a permanent refusal.
type Rejection struct {
	Kind   string `json:"type"`
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

// Result is the remote side's answer to a mutation.
type Result struct {
	Outcome Outcome
	// GlobalID is set for accepted CREATE calls.
	GlobalID int64
	// Replayed is true when the server matched the Idempotency-Key of an
	// earlier CREATE.
	Replayed  bool
	Rejection *Rejection
}

// PullQuery selects one page of remote changes.
type PullQuery struct {
	Offset    int
	Limit     int
	StartDate time.Time
	// EndDate is the previous checkpoint; the server returns records changed
	// after it.
	EndDate domain.Checkpoint
}

// Page is one page of remote changes plus the checkpoint the server issued
// with it.
type Page struct {
	Records    []domain.RemoteRecord
	HasMore    bool
	Checkpoint domain.Checkpoint
}

// TokenSource supplies bearer tokens. Refresh is the implementer's concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
