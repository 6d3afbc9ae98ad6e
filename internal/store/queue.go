package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"example.com/fitsync/internal/domain"
)

const entryColumns = `id, op_id, entity_type, local_entity_id, operation, payload, global_id, created_at, attempts, ambiguous, dispatched, last_error`

// AppendEntry adds a mutation to the log and returns its queue id.
func (t *Tx) AppendEntry(ctx context.Context, entry domain.SyncQueueEntry) (int64, error) {
	if !entry.Operation.Valid() {
		return 0, fmt.Errorf("append entry: invalid operation %q", entry.Operation)
	}
	if entry.OpID == "" {
		return 0, errors.New("append entry: missing op id")
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sync_queue (op_id, entity_type, local_entity_id, operation, payload, global_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.OpID, string(entry.EntityType), entry.LocalEntityID, string(entry.Operation), string(payload),
		nullableInt(entry.GlobalID), t.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	return res.LastInsertId()
}

// Entries returns the whole log in creation order.
func (t *Tx) Entries(ctx context.Context) ([]domain.SyncQueueEntry, error) {
	return t.queryEntries(ctx, `SELECT `+entryColumns+` FROM sync_queue ORDER BY id`)
}

// EntriesFor returns the log entries of one entity in creation order.
func (t *Tx) EntriesFor(ctx context.Context, entityType domain.EntityType, localID int64) ([]domain.SyncQueueEntry, error) {
	return t.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM sync_queue WHERE entity_type = ? AND local_entity_id = ? ORDER BY id`,
		string(entityType), localID)
}

// EntryByOpID finds an entry by its operation id, returning nil if absent.
func (t *Tx) EntryByOpID(ctx context.Context, opID string) (*domain.SyncQueueEntry, error) {
	entries, err := t.queryEntries(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE op_id = ?`, opID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// DeleteEntries consumes entries.
func (t *Tx) DeleteEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM sync_queue WHERE id IN (%s)`, ids)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

// MarkDispatched records that entries are about to be sent. A crash before
// the outcome is stored leaves the marker behind.
func (t *Tx) MarkDispatched(ctx context.Context, ids []int64) error {
	return t.setDispatched(ctx, ids, true)
}

// ClearDispatched drops the marker after a failure that proves the remote
// did not apply the call.
func (t *Tx) ClearDispatched(ctx context.Context, ids []int64) error {
	return t.setDispatched(ctx, ids, false)
}

func (t *Tx) setDispatched(ctx context.Context, ids []int64, dispatched bool) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE sync_queue SET dispatched = ? WHERE id IN (%s)`, ids)
	args = append([]any{boolToInt(dispatched)}, args...)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// MarkAttempt increments attempts and stores the failure. The ambiguous flag
// is sticky until ClearAmbiguous.
func (t *Tx) MarkAttempt(ctx context.Context, ids []int64, lastError string, ambiguous bool) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE sync_queue SET attempts = attempts + 1, last_error = ?, ambiguous = MAX(ambiguous, ?) WHERE id IN (%s)`, ids)
	args = append([]any{lastError, boolToInt(ambiguous)}, args...)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	return nil
}

// ClearAmbiguous resets every ambiguous and dispatched marker and reports how
// many entries carried one. It runs after a complete pull: a CREATE the pull
// did not link never reached the remote.
func (t *Tx) ClearAmbiguous(ctx context.Context) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE sync_queue SET ambiguous = 0, dispatched = 0 WHERE ambiguous = 1 OR dispatched = 1`)
	if err != nil {
		return 0, fmt.Errorf("clear ambiguous: %w", err)
	}
	return res.RowsAffected()
}

// PendingLocalIDs returns the local ids of one type that still have queued
// mutations.
func (t *Tx) PendingLocalIDs(ctx context.Context, entityType domain.EntityType) (map[int64]struct{}, error) {
	return t.idSet(ctx, `SELECT DISTINCT local_entity_id FROM sync_queue WHERE entity_type = ?`, string(entityType))
}

// PendingDeleteGlobalIDs returns server ids with a queued DELETE.
func (t *Tx) PendingDeleteGlobalIDs(ctx context.Context, entityType domain.EntityType) (map[int64]struct{}, error) {
	return t.idSet(ctx,
		`SELECT DISTINCT global_id FROM sync_queue WHERE entity_type = ? AND operation = 'DELETE' AND global_id IS NOT NULL`,
		string(entityType))
}

// QueueDepth counts queued entries.
func (t *Tx) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (t *Tx) idSet(ctx context.Context, query string, args ...any) (map[int64]struct{}, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (t *Tx) queryEntries(ctx context.Context, query string, args ...any) ([]domain.SyncQueueEntry, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SyncQueueEntry, 0)
	for rows.Next() {
		var (
			e          domain.SyncQueueEntry
			entType    string
			op         string
			payload    string
			globalID   sql.NullInt64
			ambiguous  int
			dispatched int
		)
		if err := rows.Scan(&e.ID, &e.OpID, &entType, &e.LocalEntityID, &op, &payload, &globalID,
			&e.CreatedAt, &e.Attempts, &ambiguous, &dispatched, &e.LastError); err != nil {
			return nil, err
		}
		e.EntityType = domain.EntityType(entType)
		e.Operation = domain.Operation(op)
		e.Payload = []byte(payload)
		e.GlobalID = int64Ptr(globalID)
		e.Ambiguous = ambiguous != 0
		e.Dispatched = dispatched != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func inClause(format string, ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return fmt.Sprintf(format, placeholders), args
}
