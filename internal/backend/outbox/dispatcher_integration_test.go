//go:build integration

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/backend/postgres"
	"example.com/fitsync/internal/domain"
)

const topic = "fitsync.changes"

func TestDispatcherPublishesMessages(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	seedRecord(t, ctx, pool)

	producer := &stubProducer{}
	dispatcher := NewDispatcher(pool, producer, NewDLQWriter(pool, time.Minute), 10*time.Millisecond, 5, zerolog.Nop())

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, topic, producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)
	require.Equal(t, "acct", string(producer.writes[0].messages[0].Key))

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)

	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1, "published rows are not delivered twice")
}

func TestDispatcherRoutesFailuresThroughDLQ(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	seedRecord(t, ctx, pool)

	producer := &stubProducer{err: errors.New("kafka write failed")}
	dispatcher := NewDispatcher(pool, producer, NewDLQWriter(pool, time.Millisecond), 10*time.Millisecond, 5, zerolog.Nop())

	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues(topic))
	require.NoError(t, dispatcher.processBatch(ctx))
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues(topic)), 0.0001)

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)

	manager := NewDLQManager(pool, 1, time.Minute, 10, zerolog.Nop())
	time.Sleep(10 * time.Millisecond)
	requeued, err := manager.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	var retries int
	require.NoError(t, pool.QueryRow(ctx, `SELECT retries FROM outbox WHERE published_at IS NULL`).Scan(&retries))
	require.Equal(t, 1, retries)

	// The second failure exhausts the single retry.
	require.NoError(t, dispatcher.processBatch(ctx))
	time.Sleep(10 * time.Millisecond)
	requeued, err = manager.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, requeued)

	var quarantined int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&quarantined))
	require.Equal(t, 1, quarantined)
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("fitsync"),
		postgrescontainer.WithUsername("fitsync"),
		postgrescontainer.WithPassword("fitsync"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	return pool
}

func seedRecord(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	registry := domain.DefaultRegistry()
	desc, err := registry.Lookup(domain.TypeExercise)
	require.NoError(t, err)
	svc := backend.NewService(postgres.NewRepository(pool, topic), registry, backend.Options{}, zerolog.Nop())
	_, _, err = svc.Create(ctx, "acct", desc, domain.Fields{"name": "Squat"}, "op-1")
	require.NoError(t, err)
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}
