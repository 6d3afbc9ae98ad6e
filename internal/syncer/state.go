package syncer

import (
	"errors"
	"fmt"
	"time"

	"example.com/fitsync/internal/domain"
)

// State is the orchestrator's position in a pass.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StatePulling
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StatePulling:
		return "pulling"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what a pass reports to the background scheduler.
type Outcome int

const (
	// OutcomeSuccess means the pass drained and committed.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry means a recoverable failure; the scheduler should retry
	// with backoff.
	OutcomeRetry
	// OutcomeFailure means the pass aborted on a local or protocol error.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses an outcome name.
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "success":
		*o = OutcomeSuccess
	case "retry":
		*o = OutcomeRetry
	case "failure":
		*o = OutcomeFailure
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// FatalError wraps local storage and serialization failures that abort a
// pass.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

// Report summarises one pass. It is the explicit state returned from each
// invocation; nothing about a pass is kept in the engine beyond the last
// report.
type Report struct {
	PassID        string            `json:"passId,omitempty"`
	Reason        string            `json:"reason"`
	Outcome       Outcome           `json:"outcome"`
	FailureReason string            `json:"failureReason,omitempty"`
	Superseded    bool              `json:"superseded,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	Duration      time.Duration     `json:"duration"`
	Sent          int               `json:"sent"`
	Coalesced     int               `json:"coalesced"`
	Annihilated   int               `json:"annihilated"`
	Discarded     int               `json:"discarded"`
	Deferred      int               `json:"deferred"`
	Rejected      int               `json:"rejected"`
	Retryable     int               `json:"retryable"`
	Quarantined   int               `json:"quarantined"`
	Ambiguous     int               `json:"ambiguous"`
	// Unreachable is set when a call failed at the connectivity level.
	Unreachable   bool              `json:"unreachable,omitempty"`
	Pulled        int               `json:"pulled"`
	Applied       int               `json:"applied"`
	Skipped       int               `json:"skipped"`
	Linked        int               `json:"linked"`
	Checkpoint    domain.Checkpoint `json:"checkpoint,omitempty"`
	Advanced      bool              `json:"checkpointAdvanced"`
}

// Status is a snapshot of the engine for observability.
type Status struct {
	State       State   `json:"-"`
	StateName   string  `json:"state"`
	Running     bool    `json:"running"`
	LastFailure string  `json:"lastFailure,omitempty"`
	LastReport  *Report `json:"lastReport,omitempty"`
}
