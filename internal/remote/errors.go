package remote

import (
	"errors"
	"fmt"
	"net"
)

// Class groups call failures by how the sync engine reacts to them.
type Class int

const (
	// ClassTransient covers 5xx, 408 and 429 responses.
	ClassTransient Class = iota
	// ClassTimeout is a call that exceeded its deadline; the server-side
	// outcome is unknown.
	ClassTimeout
	// ClassConnectivity means the service could not be reached, including
	// an open circuit breaker.
	ClassConnectivity
	// ClassUnauthorized is a 401; token refresh belongs to the session
	// collaborator, so the pass stops.
	ClassUnauthorized
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassConnectivity:
		return "connectivity"
	case ClassUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// ErrProtocol reports a response that does not follow the remote contract.
var ErrProtocol = errors.New("remote protocol violation")

// CallError is a retryable call failure.
type CallError struct {
	Class      Class
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s failure (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s failure: %v", e.Class, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// StopsDrain reports whether further calls in the same pass are pointless.
func (e *CallError) StopsDrain() bool {
	return e.Class == ClassConnectivity || e.Class == ClassUnauthorized
}

// Ambiguous reports whether the request may have reached the server.
func (e *CallError) Ambiguous() bool {
	switch e.Class {
	case ClassTimeout:
		return true
	case ClassConnectivity:
		var opErr *net.OpError
		if errors.As(e.Err, &opErr) && opErr.Op == "dial" {
			return false
		}
		var dnsErr *net.DNSError
		if errors.As(e.Err, &dnsErr) {
			return false
		}
		return !errors.Is(e.Err, errCircuitOpen)
	default:
		return false
	}
}

// AsCallError extracts a CallError from err.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RejectedError is returned by Pull when the service refuses the query.
type RejectedError struct {
	Rejection Rejection
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected request (status %d, %s): %s", e.Rejection.Status, e.Rejection.Kind, e.Rejection.Detail)
}
