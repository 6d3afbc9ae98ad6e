package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/fitsync/internal/domain"
)

// Tx exposes the store's operations inside one transaction.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// Now returns the store clock.
func (t *Tx) Now() time.Time {
	return t.now()
}

// InsertEntity adds a row and returns its local id. Reference fields are
// written to their columns and must hold local ids.
func (t *Tx) InsertEntity(ctx context.Context, desc domain.Descriptor, fields domain.Fields, globalID *int64, updatedAt time.Time) (int64, error) {
	data, refs, err := splitFields(desc, fields)
	if err != nil {
		return 0, err
	}

	cols := []string{"global_id", "updated_at", "data"}
	args := []any{nullableInt(globalID), updatedAt.UnixMilli(), data}
	for i, ref := range desc.Refs {
		cols = append(cols, ref.Column)
		args = append(args, refs[i])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", desc.Table, strings.Join(cols, ", "), placeholders)

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", desc.Type, err)
	}
	return res.LastInsertId()
}

// UpdateEntity replaces a row's data and reference columns.
func (t *Tx) UpdateEntity(ctx context.Context, desc domain.Descriptor, localID int64, fields domain.Fields, updatedAt time.Time) error {
	data, refs, err := splitFields(desc, fields)
	if err != nil {
		return err
	}

	sets := []string{"data = ?", "updated_at = ?"}
	args := []any{data, updatedAt.UnixMilli()}
	for i, ref := range desc.Refs {
		sets = append(sets, ref.Column+" = ?")
		args = append(args, refs[i])
	}
	args = append(args, localID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", desc.Table, strings.Join(sets, ", "))

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", desc.Type, localID, err)
	}
	return requireAffected(res, desc, localID)
}

// DeleteEntity removes a row; children follow the foreign key actions.
// It reports whether a row was removed.
func (t *Tx) DeleteEntity(ctx context.Context, desc domain.Descriptor, localID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", desc.Table), localID)
	if err != nil {
		return false, fmt.Errorf("delete %s %d: %w", desc.Type, localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Entity loads one row, returning nil when it does not exist.
func (t *Tx) Entity(ctx context.Context, desc domain.Descriptor, localID int64) (*domain.Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectColumns(desc), desc.Table)
	row, err := scanRow(desc, t.tx.QueryRowContext(ctx, query, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %d: %w", desc.Type, localID, err)
	}
	return row, nil
}

// Entities lists every row of a table by local id.
func (t *Tx) Entities(ctx context.Context, desc domain.Descriptor) ([]domain.Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", selectColumns(desc), desc.Table)
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", desc.Type, err)
	}
	defer rows.Close()

	out := make([]domain.Row, 0)
	for rows.Next() {
		row, err := scanRow(desc, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// LocalIDByGlobal maps a server id to the local id.
func (t *Tx) LocalIDByGlobal(ctx context.Context, desc domain.Descriptor, globalID int64) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, fmt.Sprintf("SELECT id FROM %s WHERE global_id = ?", desc.Table), globalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s global %d: %w", desc.Type, globalID, err)
	}
	return id, true, nil
}

// SetGlobalID records the server id for a row and clears its unsynced flag.
func (t *Tx) SetGlobalID(ctx context.Context, desc domain.Descriptor, localID, globalID int64) error {
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET global_id = ?, sync_failed = 0 WHERE id = ?", desc.Table), globalID, localID)
	if err != nil {
		return fmt.Errorf("set global id %s %d: %w", desc.Type, localID, err)
	}
	return requireAffected(res, desc, localID)
}

// SetSyncFailed flags or unflags a row as not synced.
func (t *Tx) SetSyncFailed(ctx context.Context, desc domain.Descriptor, localID int64, failed bool) error {
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET sync_failed = ? WHERE id = ?", desc.Table), boolToInt(failed), localID)
	if err != nil {
		return fmt.Errorf("flag %s %d: %w", desc.Type, localID, err)
	}
	return nil
}

func requireAffected(res sql.Result, desc domain.Descriptor, localID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", domain.ErrEntityNotFound, desc.Type, localID)
	}
	return nil
}

func selectColumns(desc domain.Descriptor) string {
	cols := []string{"id", "global_id", "sync_failed", "updated_at", "data"}
	for _, ref := range desc.Refs {
		cols = append(cols, ref.Column)
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(desc domain.Descriptor, s scanner) (*domain.Row, error) {
	var (
		row       domain.Row
		globalID  sql.NullInt64
		failed    int
		updatedAt int64
		data      string
	)
	refs := make([]sql.NullInt64, len(desc.Refs))
	dest := []any{&row.LocalID, &globalID, &failed, &updatedAt, &data}
	for i := range refs {
		dest = append(dest, &refs[i])
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	fields, err := domain.DecodeFields([]byte(data))
	if err != nil {
		return nil, err
	}
	for i, ref := range desc.Refs {
		if refs[i].Valid {
			fields[ref.Field] = refs[i].Int64
		}
	}
	row.GlobalID = int64Ptr(globalID)
	row.SyncFailed = failed != 0
	row.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	row.Fields = fields
	return &row, nil
}

// splitFields separates reference columns from the JSON data column.
func splitFields(desc domain.Descriptor, fields domain.Fields) (string, []any, error) {
	data := fields.Clone()
	refs := make([]any, len(desc.Refs))
	for i, ref := range desc.Refs {
		if id, ok := data.Int64(ref.Field); ok {
			refs[i] = id
		}
		delete(data, ref.Field)
	}
	raw, err := data.Encode()
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", desc.Type, err)
	}
	return string(raw), refs, nil
}
