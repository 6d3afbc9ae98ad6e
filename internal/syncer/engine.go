// Package syncer is the sync orchestrator: it drains the mutation log
// against the remote service, pulls remote changes and commits the per-account
// checkpoint.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/remote"
	"example.com/fitsync/internal/store"
)

// RemoteClient is the subset of the remote client the engine needs.
type RemoteClient interface {
	Send(ctx context.Context, m remote.Mutation) (remote.Result, error)
	Pull(ctx context.Context, resource string, q remote.PullQuery) (remote.Page, error)
}

// Config tunes the engine.
type Config struct {
	AccountID string
	// PageSize bounds each pull request and each pull transaction.
	PageSize int
	// MaxAttempts quarantines an entry after this many retryable failures.
	MaxAttempts int
	// HistoryHorizon limits the first pull to records created within it;
	// zero pulls everything.
	HistoryHorizon time.Duration
	// IdempotentCreate mirrors the remote client setting; when false a
	// CREATE that may have been applied is held until a pull resolves it.
	IdempotentCreate bool
}

const maxDrainRounds = 3

// Engine runs sync passes, at most one at a time.
type Engine struct {
	store    *store.Store
	client   RemoteClient
	registry *domain.Registry
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	state atomic.Int32

	mu          sync.Mutex
	running     bool
	pending     bool
	lastReport  *Report
	lastFailure string
}

// New constructs an Engine.
func New(st *store.Store, client RemoteClient, registry *domain.Registry, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Engine{
		store:    st,
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "syncer").Str("account", cfg.AccountID).Logger(),
		now:      time.Now,
	}
}

// Sync runs a pass. A call that arrives while a pass is in flight returns
// immediately with Superseded set and schedules exactly one follow-up pass,
// which the in-flight caller runs before returning.
func (e *Engine) Sync(ctx context.Context, reason string) Report {
	e.mu.Lock()
	if e.running {
		e.pending = true
		e.mu.Unlock()
		triggersCoalesced.Inc()
		e.logger.Debug().Str("reason", reason).Msg("trigger folded into running pass")
		return Report{Reason: reason, Outcome: OutcomeSuccess, Superseded: true, StartedAt: e.now()}
	}
	e.running = true
	e.mu.Unlock()

	var report Report
	for {
		report = e.runPass(ctx, reason)

		e.mu.Lock()
		e.lastReport = &report
		if report.Outcome == OutcomeFailure {
			e.lastFailure = report.FailureReason
		}
		if !e.pending || ctx.Err() != nil {
			e.running = false
			e.pending = false
			e.mu.Unlock()
			break
		}
		e.pending = false
		e.mu.Unlock()
		reason = "follow-up"
	}
	return report
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Status returns a snapshot for observability.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.State()
	out := Status{State: st, StateName: st.String(), Running: e.running, LastFailure: e.lastFailure}
	if e.lastReport != nil {
		r := *e.lastReport
		out.LastReport = &r
	}
	return out
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	if prev != s {
		stateGauge.Set(float64(s))
		e.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state transition")
	}
}

// pass carries the working state of one pass.
type pass struct {
	report     Report
	checkpoint domain.Checkpoint
	horizon    time.Time
	stopped    bool
	failed     map[entityKey]struct{}
}

func (e *Engine) runPass(ctx context.Context, reason string) Report {
	start := e.now()
	p := &pass{
		report: Report{PassID: uuid.NewString(), Reason: reason, StartedAt: start},
		failed: make(map[entityKey]struct{}),
	}
	log := e.logger.With().Str("pass", p.report.PassID).Str("reason", reason).Logger()
	log.Info().Msg("sync pass started")

	finish := func(outcome Outcome, cause error) Report {
		p.report.Outcome = outcome
		p.report.Duration = e.now().Sub(start)
		if cause != nil {
			p.report.FailureReason = cause.Error()
		}
		if outcome == OutcomeFailure {
			e.setState(StateFailed)
			log.Error().Err(cause).Msg("sync pass failed")
		}
		e.setState(StateIdle)

		passCounter.WithLabelValues(outcome.String()).Inc()
		passDuration.Observe(p.report.Duration.Seconds())
		if depth, err := e.store.QueueDepth(context.WithoutCancel(ctx)); err == nil {
			observability.RecordQueueDepth(depth)
		}

		ev := log.Info()
		if outcome != OutcomeSuccess {
			ev = log.Warn()
		}
		ev.Str("outcome", outcome.String()).
			Int("sent", p.report.Sent).
			Int("coalesced", p.report.Coalesced).
			Int("annihilated", p.report.Annihilated).
			Int("rejected", p.report.Rejected).
			Int("retryable", p.report.Retryable).
			Int("deferred", p.report.Deferred).
			Int("pulled", p.report.Pulled).
			Int("applied", p.report.Applied).
			Bool("checkpoint_advanced", p.report.Advanced).
			Dur("duration", p.report.Duration).
			Msg("sync pass finished")
		return p.report
	}

	cp, err := e.store.Checkpoint(ctx, e.cfg.AccountID)
	if err != nil {
		if ctx.Err() != nil {
			return finish(OutcomeRetry, ctx.Err())
		}
		return finish(OutcomeFailure, fatal("load checkpoint", err))
	}
	p.checkpoint = cp
	p.report.Checkpoint = cp
	if e.cfg.HistoryHorizon > 0 && cp.IsZero() {
		p.horizon = start.Add(-e.cfg.HistoryHorizon)
	}

	e.setState(StateDraining)
	if err := e.drain(ctx, p); err != nil {
		if isCancellation(ctx, err) {
			return finish(OutcomeRetry, err)
		}
		return finish(OutcomeFailure, err)
	}
	if p.stopped {
		return finish(OutcomeRetry, errors.New("remote unreachable; pull skipped"))
	}

	e.setState(StatePulling)
	newCP, err := e.pull(ctx, p)
	if err != nil {
		if isCancellation(ctx, err) {
			return finish(OutcomeRetry, err)
		}
		if ce, ok := remote.AsCallError(err); ok {
			p.report.Unreachable = ce.Class == remote.ClassConnectivity
			return finish(OutcomeRetry, err)
		}
		return finish(OutcomeFailure, err)
	}

	e.setState(StateCommitting)
	if err := e.commit(ctx, p, newCP); err != nil {
		if isCancellation(ctx, err) {
			return finish(OutcomeRetry, err)
		}
		return finish(OutcomeFailure, err)
	}

	if p.report.Retryable > 0 || p.report.Ambiguous > 0 {
		return finish(OutcomeRetry, nil)
	}
	return finish(OutcomeSuccess, nil)
}

// commit advances the checkpoint and releases ambiguous CREATEs that the
// pull did not link.
func (e *Engine) commit(ctx context.Context, p *pass, cp domain.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if !cp.IsZero() {
			advanced, err := tx.AdvanceCheckpoint(ctx, e.cfg.AccountID, cp)
			if err != nil {
				return err
			}
			p.report.Advanced = advanced
		}
		if _, err := tx.ClearAmbiguous(ctx); err != nil {
			return err
		}
		current, err := tx.Checkpoint(ctx, e.cfg.AccountID)
		if err != nil {
			return err
		}
		p.report.Checkpoint = current
		return nil
	})
	if err != nil {
		return fatal("commit checkpoint", err)
	}
	if t, err := p.report.Checkpoint.Time(); err == nil {
		observability.RecordCheckpoint(t)
	}
	return nil
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
