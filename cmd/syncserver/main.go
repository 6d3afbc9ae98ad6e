// Command syncserver runs the reference remote service the sync agent talks
// to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/thejerf/suture/v4"

	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/backend/api"
	"example.com/fitsync/internal/backend/changefeed"
	"example.com/fitsync/internal/backend/memory"
	"example.com/fitsync/internal/backend/outbox"
	"example.com/fitsync/internal/backend/postgres"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/supervisor"
	httptransport "example.com/fitsync/internal/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $SYNCSERVER_CONFIG)")
	issueFor := flag.String("issue-token", "", "print a development token for this account and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of -issue-token tokens")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncserver: %v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.Log)
	defer logging.Close()

	authCfg := auth.Config{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer}
	if *issueFor != "" {
		token, err := auth.Issue(authCfg, *issueFor, []string{auth.ScopeSyncRead, auth.ScopeSyncWrite}, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "syncserver: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, authCfg, logging.With().Str("service", "syncserver").Logger()); err != nil {
		logging.Error().Err(err).Msg("syncserver stopped")
		_ = logging.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, authCfg auth.Config, logger zerolog.Logger) error {
	sup := supervisor.New("syncserver", logger, supervisor.Config{ShutdownTimeout: cfg.HTTP.ShutdownTimeout})

	repo, cleanup, err := openRepository(ctx, cfg, sup, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	service := backend.NewService(repo, domain.DefaultRegistry(), backend.Options{
		CheckpointLag: cfg.CheckpointLag,
		MaxPageSize:   cfg.MaxPageSize,
	}, logger)

	router := api.NewHandler(service, logger).Router(
		auth.NewMiddleware(authCfg, auth.SkipHealth),
		map[string]http.Handler{"/metrics": observability.Handler()},
	)
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTP.Address,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, router)
	sup.Add(httptransport.NewService("syncserver-http", server, cfg.HTTP.ShutdownTimeout, logger))

	logger.Info().
		Str("address", cfg.HTTP.Address).
		Str("storage", cfg.Storage.Driver).
		Msg("syncserver starting")

	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openRepository selects the storage driver. With postgres and at least one
// Kafka broker, the change-feed dispatcher and DLQ manager join the
// supervisor, plus the audit consumer when a consumer group is set.
func openRepository(ctx context.Context, cfg config.Server, sup *suture.Supervisor, logger zerolog.Logger) (backend.Repository, func(), error) {
	if cfg.Storage.Driver != "postgres" {
		return memory.NewRepository(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	repo := postgres.NewRepository(pool, cfg.Kafka.Topic)

	if len(cfg.Kafka.Brokers) == 0 {
		logger.Warn().Msg("no kafka brokers configured; change feed stays in the outbox")
		return repo, pool.Close, nil
	}

	producer := outbox.NewKafkaProducer(cfg.Kafka.Brokers)
	dlq := outbox.NewDLQWriter(pool, cfg.Kafka.BaseDelay)
	sup.Add(outbox.NewDispatcher(pool, producer, dlq, cfg.Kafka.PollInterval, cfg.Kafka.BatchSize, logger))
	sup.Add(outbox.NewDLQManager(pool, cfg.Kafka.MaxRetries, cfg.Kafka.PollInterval*10, cfg.Kafka.BatchSize, logger))

	if cfg.Kafka.ConsumerGroup != "" {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Kafka.Brokers,
			GroupID:        cfg.Kafka.ConsumerGroup,
			Topic:          cfg.Kafka.Topic,
			MinBytes:       1e3,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
		})
		sup.Add(changefeed.NewProcessor(reader, changefeed.NewAuditHandler(pool), logger))
	}

	cleanup := func() {
		if err := producer.Close(); err != nil {
			logger.Warn().Err(err).Msg("close kafka producer")
		}
		pool.Close()
	}
	return repo, cleanup, nil
}
