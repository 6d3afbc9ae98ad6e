package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DLQWriter persists failed events for investigation and later retry.
type DLQWriter struct {
	pool      *pgxpool.Pool
	baseDelay time.Duration
}

// NewDLQWriter initialises a writer backed by the provided connection pool.
// Retries of a failed event back off exponentially from baseDelay.
func NewDLQWriter(pool *pgxpool.Pool, baseDelay time.Duration) *DLQWriter {
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQWriter{pool: pool, baseDelay: baseDelay}
}

// Write records a failed outbox message in the DLQ alongside the supplied reason.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO outbox_dlq (account_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, partition_key, retry_count, last_attempt_at, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW(), NOW() + $11::interval)`,
		msg.AccountID, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason, msg.AggregateType, msg.AggregateID, msg.PartitionKey,
		msg.Retries, backoffDelay(w.baseDelay, msg.Retries+1),
	)
	return err
}

// DLQManager re-queues failed outbox messages once their backoff elapsed and
// quarantines entries that exhausted their retries.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	interval   time.Duration
	batchSize  int
	logger     zerolog.Logger
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, interval time.Duration, batchSize int, logger zerolog.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &DLQManager{
		pool:       pool,
		maxRetries: maxRetries,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger.With().Str("component", "outbox-dlq").Logger(),
	}
}

// Serve implements suture.Service.
func (m *DLQManager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := m.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("dlq pass failed")
		}
		if n > 0 {
			m.logger.Info().Int("requeued", n).Msg("dlq entries requeued")
		}
	}
}

func (m *DLQManager) String() string {
	return "outbox-dlq-manager"
}

// RunOnce processes a batch of DLQ entries and returns the count of
// successfully re-queued messages.
func (m *DLQManager) RunOnce(ctx context.Context) (int, error) {
	const query = `SELECT dlq_id, account_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, m.batchSize)
	if err != nil {
		return 0, err
	}
	entries := make([]dlqEntry, 0)
	for rows.Next() {
		var e dlqEntry
		if scanErr := rows.Scan(&e.ID, &e.AccountID, &e.EventID, &e.EventType, &e.Topic, &e.Payload, &e.Reason, &e.AggregateType, &e.AggregateID, &e.PartitionKey, &e.RetryCount); scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, e)
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}

	processed := 0
	for _, entry := range entries {
		requeued, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		if requeued {
			processed++
		}
	}
	return processed, err
}

// handleEntry quarantines an exhausted entry or moves it back to the outbox.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (bool, error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, "retry limit reached", entry.ID); err != nil {
			return false, err
		}
		quarantinedCounter.Inc()
		return false, tx.Commit(ctx)
	}

	const stmt = `INSERT INTO outbox (account_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, retries)
                   VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := tx.Exec(ctx, stmt, entry.AccountID, entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic, entry.PartitionKey, entry.Payload, entry.RetryCount+1); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// backoffDelay is the wait before retry attempt n, capped at one hour.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

type dlqEntry struct {
	ID            int64
	AccountID     string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   int64
	PartitionKey  string
	RetryCount    int
}
