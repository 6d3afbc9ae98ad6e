package domain

import "time"

// Operation is the kind of mutation recorded in the sync queue.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncQueueEntry is one pending mutation in the local mutation log.
type SyncQueueEntry struct {
	ID            int64
	OpID          string
	EntityType    EntityType
	LocalEntityID int64
	Operation     Operation
	Payload       []byte
	// GlobalID is captured for DELETE entries, whose row no longer exists.
	GlobalID  *int64
	CreatedAt int64
	Attempts  int
	Ambiguous bool
	// Dispatched is set once a CREATE has been handed to the remote and
	// stays set until the outcome is known not to have been applied.
	Dispatched bool
	LastError  string
}

// Row is a local entity row. Reference fields in Fields hold local ids.
type Row struct {
	LocalID    int64
	GlobalID   *int64
	SyncFailed bool
	UpdatedAt  time.Time
	Fields     Fields
}

// Synced reports whether the remote service has accepted the entity.
func (r *Row) Synced() bool {
	return r != nil && r.GlobalID != nil
}

// Rejection keeps a mutation the remote service refused, or one that ran out
// of attempts, for later reconciliation by the user.
type Rejection struct {
	ID            int64
	OpID          string
	EntityType    EntityType
	LocalEntityID int64
	Operation     Operation
	Payload       []byte
	Kind          string
	Status        int
	Detail        string
	RejectedAt    time.Time
}
