package domain

import (
	"fmt"
	"strings"
	"time"
)

// Checkpoint is the server-issued last-sync marker. The zero value means the
// account has never completed a pass.
type Checkpoint string

// CheckpointFromTime formats t as a checkpoint.
func CheckpointFromTime(t time.Time) Checkpoint {
	return Checkpoint(t.UTC().Format(time.RFC3339Nano))
}

// IsZero reports whether no checkpoint has been committed.
func (c Checkpoint) IsZero() bool {
	return strings.TrimSpace(string(c)) == ""
}

// Time parses the checkpoint.
func (c Checkpoint) Time() (time.Time, error) {
	if c.IsZero() {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(c))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid checkpoint %q: %w", string(c), err)
	}
	return t, nil
}

// After reports whether c is strictly newer than other. Unparseable values
// never compare as newer.
func (c Checkpoint) After(other Checkpoint) bool {
	ct, err := c.Time()
	if err != nil || c.IsZero() {
		return false
	}
	if other.IsZero() {
		return true
	}
	ot, err := other.Time()
	if err != nil {
		return true
	}
	return ct.After(ot)
}

// String returns the raw marker.
func (c Checkpoint) String() string {
	return string(c)
}
