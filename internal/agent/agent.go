// Package agent wires the on-device sync components together and runs them
// under one supervisor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/connectivity"
	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/recorder"
	"example.com/fitsync/internal/remote"
	"example.com/fitsync/internal/scheduler"
	"example.com/fitsync/internal/store"
	"example.com/fitsync/internal/supervisor"
	"example.com/fitsync/internal/syncer"
	httptransport "example.com/fitsync/internal/transport/http"
)

// Unique job names handed to the scheduler.
const (
	PeriodicJob = "fitsync-periodic-sync"
	NowJob      = "fitsync-sync-now"
)

// Agent owns the local store and the services that keep it in sync.
type Agent struct {
	cfg      config.Agent
	logger   zerolog.Logger
	registry *domain.Registry

	Store     *store.Store
	Recorder  *recorder.Recorder
	Client    *remote.Client
	Engine    *syncer.Engine
	Monitor   *connectivity.Monitor
	Scheduler *scheduler.Scheduler

	listener net.Listener
}

// New opens the store and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg config.Agent, logger zerolog.Logger) (*Agent, error) {
	registry := domain.DefaultRegistry()
	logger = logger.With().Str("account", cfg.AccountID).Logger()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	client, err := remote.New(remote.Config{
		BaseURL:          cfg.Remote.BaseURL,
		ProbeURL:         cfg.Remote.ProbeURL,
		Timeout:          cfg.Remote.Timeout,
		ProbeTimeout:     cfg.Remote.ProbeTimeout,
		MaxRetries:       cfg.Remote.MaxRetries,
		RetryBaseDelay:   cfg.Remote.RetryBaseDelay,
		IdempotentCreate: cfg.Remote.IdempotentCreate,
		RateLimit:        cfg.Remote.RateLimit,
		RateBurst:        cfg.Remote.RateBurst,
		BreakerFailures:  cfg.Remote.BreakerFailures,
		BreakerTimeout:   cfg.Remote.BreakerTimeout,
	}, auth.StaticTokenSource(cfg.Remote.Token), nil, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine := syncer.New(st, client, registry, syncer.Config{
		AccountID:        cfg.AccountID,
		PageSize:         cfg.Sync.PageSize,
		MaxAttempts:      cfg.Sync.MaxAttempts,
		HistoryHorizon:   cfg.Sync.HistoryHorizon,
		IdempotentCreate: cfg.Remote.IdempotentCreate,
	}, logger)

	monitor := connectivity.New(client, connectivity.Config{
		Interval: cfg.Connectivity.ProbeInterval,
		Timeout:  cfg.Remote.ProbeTimeout,
	}, logger)

	sched := scheduler.New(scheduler.Config{
		RetryBaseDelay: cfg.Sync.RetryBaseDelay,
		RetryMaxDelay:  cfg.Sync.RetryMaxDelay,
		Network:        monitor.Reachable,
	}, st, logger)

	a := &Agent{
		cfg:       cfg,
		logger:    logger.With().Str("component", "agent").Logger(),
		registry:  registry,
		Store:     st,
		Recorder:  recorder.New(st, registry, logger),
		Client:    client,
		Engine:    engine,
		Monitor:   monitor,
		Scheduler: sched,
	}
	sched.Register(NowJob, a.syncWork("resumed"))
	monitor.OnReachable(func() {
		a.logger.Info().Msg("remote reachable; scheduling sync")
		a.Scheduler.EnqueueUniqueNow(NowJob, a.syncWork("connectivity"))
	})
	return a, nil
}

// Registry returns the entity registry.
func (a *Agent) Registry() *domain.Registry {
	return a.registry
}

// WithListener makes the status API serve on l instead of binding the
// configured address.
func (a *Agent) WithListener(l net.Listener) *Agent {
	a.listener = l
	return a
}

// SyncNow asks the scheduler for a pass as soon as possible.
func (a *Agent) SyncNow(reason string) {
	a.Scheduler.EnqueueUniqueNow(NowJob, a.syncWork(reason))
}

// Run starts the monitor, the scheduler and the status API and blocks until
// ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	sup := supervisor.New("fitsync-agent", a.logger, supervisor.Config{ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout})
	sup.Add(a.Monitor)
	sup.Add(a.Scheduler)

	if a.cfg.HTTP.Address != "" || a.listener != nil {
		server := httptransport.NewServer(httptransport.ServerConfig{
			Address:      a.cfg.HTTP.Address,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, a.StatusHandler())
		svc := httptransport.NewService("agent-http", server, a.cfg.HTTP.ShutdownTimeout, a.logger)
		if a.listener != nil {
			svc.WithListener(a.listener)
		}
		sup.Add(svc)
	}

	// The first reachable edge runs the startup pass; the timer takes over
	// one interval later.
	constraints := scheduler.Constraints{RequiresNetwork: a.cfg.Sync.RequireNetwork}
	a.Scheduler.EnqueueUniquePeriodicAfter(PeriodicJob, a.cfg.Sync.Interval, a.cfg.Sync.Interval, constraints, a.syncWork("periodic"))

	a.logger.Info().Str("remote", a.cfg.Remote.BaseURL).Dur("interval", a.cfg.Sync.Interval).Msg("agent started")
	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close releases the local store.
func (a *Agent) Close() error {
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// syncWork adapts a pass to the scheduler's result contract. A pass that hit
// a connectivity failure marks the remote unreachable so the next reachable
// edge triggers another pass.
func (a *Agent) syncWork(reason string) scheduler.Work {
	return func(ctx context.Context) scheduler.Result {
		report := a.Engine.Sync(ctx, reason)
		if report.Unreachable {
			a.Monitor.Observe(false)
		}
		switch report.Outcome {
		case syncer.OutcomeSuccess:
			return scheduler.Success
		case syncer.OutcomeRetry:
			return scheduler.Retry
		default:
			return scheduler.Failure
		}
	}
}
