package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"example.com/fitsync/internal/domain"
)

// InsertRejection records a refused or quarantined mutation.
func (t *Tx) InsertRejection(ctx context.Context, r domain.Rejection) error {
	rejectedAt := r.RejectedAt
	if rejectedAt.IsZero() {
		rejectedAt = t.now()
	}
	payload := r.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sync_rejections (op_id, entity_type, local_entity_id, operation, payload, kind, status, detail, rejected_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OpID, string(r.EntityType), r.LocalEntityID, string(r.Operation), string(payload),
		r.Kind, r.Status, r.Detail, rejectedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// Rejections lists rejections, newest first.
func (t *Tx) Rejections(ctx context.Context) ([]domain.Rejection, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, op_id, entity_type, local_entity_id, operation, payload, kind, status, detail, rejected_at
         FROM sync_rejections ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Rejection, 0)
	for rows.Next() {
		var (
			r          domain.Rejection
			entType    string
			op         string
			payload    string
			rejectedAt int64
		)
		if err := rows.Scan(&r.ID, &r.OpID, &entType, &r.LocalEntityID, &op, &payload, &r.Kind, &r.Status, &r.Detail, &rejectedAt); err != nil {
			return nil, err
		}
		r.EntityType = domain.EntityType(entType)
		r.Operation = domain.Operation(op)
		r.Payload = []byte(payload)
		r.RejectedAt = time.UnixMilli(rejectedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Checkpoint returns the committed last-sync marker for an account.
func (t *Tx) Checkpoint(ctx context.Context, accountID string) (domain.Checkpoint, error) {
	var value string
	err := t.tx.QueryRowContext(ctx, `SELECT last_sync FROM sync_checkpoints WHERE account_id = ?`, accountID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint: %w", err)
	}
	return domain.Checkpoint(value), nil
}

// AdvanceCheckpoint stores cp only if it is newer than the committed value,
// reporting whether it moved.
func (t *Tx) AdvanceCheckpoint(ctx context.Context, accountID string, cp domain.Checkpoint) (bool, error) {
	if _, err := cp.Time(); err != nil {
		return false, err
	}
	current, err := t.Checkpoint(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !cp.After(current) {
		return false, nil
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO sync_checkpoints (account_id, last_sync, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(account_id) DO UPDATE SET last_sync = excluded.last_sync, updated_at = excluded.updated_at`,
		accountID, cp.String(), t.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("store checkpoint: %w", err)
	}
	return true, nil
}

// SaveJob persists a pending run-now request.
func (t *Tx) SaveJob(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (name, requested_at) VALUES (?, ?)
         ON CONFLICT(name) DO UPDATE SET requested_at = excluded.requested_at`,
		name, t.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save job %s: %w", name, err)
	}
	return nil
}

// DeleteJob removes a pending run-now request.
func (t *Tx) DeleteJob(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	return nil
}

// PendingJobs lists persisted run-now requests in request order.
func (t *Tx) PendingJobs(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT name FROM scheduled_jobs ORDER BY requested_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
