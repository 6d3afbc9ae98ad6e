// Package postgres stores backend records in Postgres and writes a
// change-feed outbox row in the same transaction as every record write.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/observability"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// Migrate applies the embedded migrations in name order. They are
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		contents, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// Repository provides Postgres-backed persistence for records and outbox
// events.
type Repository struct {
	pool  *pgxpool.Pool
	topic string
}

// NewRepository constructs a Repository publishing change events to topic.
func NewRepository(pool *pgxpool.Pool, topic string) *Repository {
	return &Repository{pool: pool, topic: topic}
}

// InTx implements backend.Repository.
func (r *Repository) InTx(ctx context.Context, fn func(tx backend.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ptx := &pgTx{tx: tx, topic: r.topic}
	if err = fn(ptx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	if !ptx.lastWrite.IsZero() {
		observability.RecordChangePersisted(ptx.lastWrite)
	}
	return nil
}

const selectRecord = `SELECT id, account_id, entity_type, client_ref, deleted, fields, created_at, updated_at FROM records`

// List implements backend.Repository.
func (r *Repository) List(ctx context.Context, accountID string, entityType domain.EntityType, q backend.ListQuery) ([]backend.Record, bool, error) {
	query := selectRecord + `
        WHERE account_id = $1 AND entity_type = $2
          AND ($3::timestamptz IS NULL OR updated_at > $3)
          AND ($4::timestamptz IS NULL OR created_at >= $4)
        ORDER BY id
        OFFSET $5 LIMIT $6`

	rows, err := r.pool.Query(ctx, query, accountID, string(entityType), nullTime(q.ChangedAfter), nullTime(q.CreatedSince), q.Offset, q.Limit+1)
	if err != nil {
		return nil, false, err
	}
	records, err := collect(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(records) > q.Limit
	if hasMore {
		records = records[:q.Limit]
	}
	return records, hasMore, nil
}

type pgTx struct {
	tx        pgx.Tx
	topic     string
	lastWrite time.Time
}

func (t *pgTx) Get(ctx context.Context, accountID string, entityType domain.EntityType, id int64) (*backend.Record, error) {
	row := t.tx.QueryRow(ctx, selectRecord+` WHERE account_id = $1 AND entity_type = $2 AND id = $3 FOR UPDATE`, accountID, string(entityType), id)
	return scanOne(row)
}

func (t *pgTx) FindByClientRef(ctx context.Context, accountID string, entityType domain.EntityType, clientRef string) (*backend.Record, error) {
	row := t.tx.QueryRow(ctx, selectRecord+` WHERE account_id = $1 AND entity_type = $2 AND client_ref = $3`, accountID, string(entityType), clientRef)
	return scanOne(row)
}

func (t *pgTx) Referencing(ctx context.Context, accountID string, entityType domain.EntityType, field string, parentID int64) ([]backend.Record, error) {
	rows, err := t.tx.Query(ctx, selectRecord+`
        WHERE account_id = $1 AND entity_type = $2 AND NOT deleted AND fields->>$3 = $4
        ORDER BY id FOR UPDATE`,
		accountID, string(entityType), field, strconv.FormatInt(parentID, 10))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *pgTx) Insert(ctx context.Context, rec *backend.Record) error {
	body, err := rec.Fields.Encode()
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO records (account_id, entity_type, client_ref, deleted, fields, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING id`

	err = t.tx.QueryRow(ctx, stmt,
		rec.AccountID,
		string(rec.EntityType),
		nullIfEmpty(rec.ClientRef),
		rec.Deleted,
		body,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return backend.ErrDuplicateClientRef
		}
		return err
	}
	return t.insertOutbox(ctx, backend.ChangeCreated, *rec)
}

func (t *pgTx) Update(ctx context.Context, rec backend.Record, kind backend.ChangeKind) error {
	body, err := rec.Fields.Encode()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE records SET deleted = $1, fields = $2, updated_at = $3 WHERE id = $4`,
		rec.Deleted, body, rec.UpdatedAt, rec.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return backend.ErrRecordNotFound
	}
	return t.insertOutbox(ctx, kind, rec)
}

func (t *pgTx) insertOutbox(ctx context.Context, kind backend.ChangeKind, rec backend.Record) error {
	body, err := json.Marshal(backend.NewChangeEvent(kind, rec))
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (account_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err = t.tx.Exec(ctx, stmt,
		rec.AccountID,
		string(rec.EntityType),
		rec.ID,
		string(kind),
		t.topic,
		rec.AccountID,
		body,
	)
	if err == nil && rec.UpdatedAt.After(t.lastWrite) {
		t.lastWrite = rec.UpdatedAt
	}
	return err
}

func scanOne(row pgx.Row) (*backend.Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collect(rows pgx.Rows) ([]backend.Record, error) {
	defer rows.Close()
	out := make([]backend.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (backend.Record, error) {
	var (
		rec        backend.Record
		entityType string
		clientRef  *string
		fields     []byte
	)
	if err := row.Scan(&rec.ID, &rec.AccountID, &entityType, &clientRef, &rec.Deleted, &fields, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return backend.Record{}, err
	}
	rec.EntityType = domain.EntityType(entityType)
	if clientRef != nil {
		rec.ClientRef = *clientRef
	}
	decoded, err := domain.DecodeFields(fields)
	if err != nil {
		return backend.Record{}, err
	}
	rec.Fields = decoded
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
