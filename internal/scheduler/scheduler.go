// Package scheduler runs background work: uniquely named periodic jobs and
// run-as-soon-as-possible jobs, one at a time, retrying with exponential
// backoff when the work asks for it.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Result is what a unit of work reports back.
type Result int

const (
	// Success completes the run.
	Success Result = iota
	// Retry reruns the work after a backoff delay.
	Retry
	// Failure completes the run without retrying.
	Failure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Work is a unit of background work.
type Work func(ctx context.Context) Result

// Constraints gate when a job may start.
type Constraints struct {
	RequiresNetwork bool
}

// JobStore persists pending run-now requests across restarts.
type JobStore interface {
	SaveJob(ctx context.Context, name string) error
	DeleteJob(ctx context.Context, name string) error
	PendingJobs(ctx context.Context) ([]string, error)
}

// Config tunes retries and constraint polling.
type Config struct {
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// ConstraintPoll is how long a due job waits before its constraints are
	// checked again.
	ConstraintPoll time.Duration
	// Network reports connectivity for RequiresNetwork; nil means always
	// connected.
	Network func() bool
}

type job struct {
	name        string
	work        Work
	periodic    bool
	interval    time.Duration
	constraints Constraints
	due         time.Time
	seq         uint64
	backoff     *backoff.ExponentialBackOff
}

// Scheduler executes jobs sequentially on its own goroutine.
type Scheduler struct {
	cfg    Config
	jobs   JobStore
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	periodic   map[string]*job
	pending    map[string]*job
	registered map[string]Work
	seq        uint64
	wake       chan struct{}
}

// New constructs a Scheduler. jobs may be nil.
func New(cfg Config, jobs JobStore, logger zerolog.Logger) *Scheduler {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.ConstraintPoll <= 0 {
		cfg.ConstraintPoll = 5 * time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		jobs:       jobs,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		periodic:   make(map[string]*job),
		pending:    make(map[string]*job),
		registered: make(map[string]Work),
		wake:       make(chan struct{}, 1),
	}
}

// Register associates work with a run-now job name so a request persisted
// before a restart can be resumed.
func (s *Scheduler) Register(name string, work Work) {
	s.mu.Lock()
	s.registered[name] = work
	s.mu.Unlock()
}

// EnqueueUniquePeriodic schedules work every interval, starting now. If a
// periodic job with the same name exists the call is a no-op and returns
// false.
func (s *Scheduler) EnqueueUniquePeriodic(name string, interval time.Duration, constraints Constraints, work Work) bool {
	return s.EnqueueUniquePeriodicAfter(name, interval, 0, constraints, work)
}

// EnqueueUniquePeriodicAfter is EnqueueUniquePeriodic with the first run
// held back by delay.
func (s *Scheduler) EnqueueUniquePeriodicAfter(name string, interval, delay time.Duration, constraints Constraints, work Work) bool {
	s.mu.Lock()
	if _, ok := s.periodic[name]; ok {
		s.mu.Unlock()
		return false
	}
	s.periodic[name] = &job{
		name:        name,
		work:        work,
		periodic:    true,
		interval:    interval,
		constraints: constraints,
		due:         s.now().Add(delay),
		seq:         s.nextSeq(),
		backoff:     s.newBackoff(),
	}
	s.mu.Unlock()

	s.logger.Debug().Str("job", name).Dur("interval", interval).Dur("delay", delay).Msg("periodic job scheduled")
	s.signal()
	return true
}

// EnqueueUniqueNow schedules work to run as soon as possible. A request of
// the same name that has not started yet is replaced; a running one is left
// alone and the new request runs after it.
func (s *Scheduler) EnqueueUniqueNow(name string, work Work) {
	s.mu.Lock()
	_, replaced := s.pending[name]
	s.registered[name] = work
	s.pending[name] = &job{
		name:    name,
		work:    work,
		due:     s.now(),
		seq:     s.nextSeq(),
		backoff: s.newBackoff(),
	}
	s.mu.Unlock()

	if replaced {
		jobsReplaced.WithLabelValues(name).Inc()
	}
	if s.jobs != nil {
		if err := s.jobs.SaveJob(context.Background(), name); err != nil {
			s.logger.Warn().Err(err).Str("job", name).Msg("persist job request")
		}
	}
	s.signal()
}

// NextRun reports when the periodic job name is next due.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.periodic[name]
	if !ok {
		return time.Time{}, false
	}
	return j.due, true
}

// Cancel removes a periodic job and any pending run-now request of name.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	delete(s.periodic, name)
	_, hadPending := s.pending[name]
	delete(s.pending, name)
	s.mu.Unlock()
	if hadPending && s.jobs != nil {
		if err := s.jobs.DeleteJob(context.Background(), name); err != nil {
			s.logger.Warn().Err(err).Str("job", name).Msg("forget job request")
		}
	}
}

// Wake re-evaluates due jobs, for example after connectivity returns.
func (s *Scheduler) Wake() {
	s.signal()
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.restore(ctx)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next, wait := s.next()
		if next != nil {
			s.run(ctx, next)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var timeout <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timeout:
		}
	}
}

func (s *Scheduler) String() string {
	return "scheduler"
}

func (s *Scheduler) restore(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	names, err := s.jobs.PendingJobs(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load pending jobs")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.pending[name]; ok {
			continue
		}
		work, ok := s.registered[name]
		if !ok {
			s.logger.Warn().Str("job", name).Msg("pending job has no registered work")
			continue
		}
		s.pending[name] = &job{name: name, work: work, due: s.now(), seq: s.nextSeq(), backoff: s.newBackoff()}
		s.logger.Info().Str("job", name).Msg("resumed pending job")
	}
}

// next returns the job to run now, or how long to wait for the earliest one.
// Run-now jobs win ties over periodic ones.
func (s *Scheduler) next() (*job, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]*job, 0, len(s.pending)+len(s.periodic))
	for _, j := range s.pending {
		candidates = append(candidates, j)
	}
	for _, j := range s.periodic {
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if !ja.due.Equal(jb.due) {
			return ja.due.Before(jb.due)
		}
		if ja.periodic != jb.periodic {
			return !ja.periodic
		}
		return ja.seq < jb.seq
	})

	var wait time.Duration
	for _, j := range candidates {
		if j.due.After(now) {
			d := j.due.Sub(now)
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		if !s.satisfied(j.constraints) {
			j.due = now.Add(s.cfg.ConstraintPoll)
			jobsDeferred.WithLabelValues(j.name).Inc()
			if wait == 0 || s.cfg.ConstraintPoll < wait {
				wait = s.cfg.ConstraintPoll
			}
			continue
		}
		if !j.periodic {
			delete(s.pending, j.name)
		}
		return j, 0
	}
	return nil, wait
}

func (s *Scheduler) satisfied(c Constraints) bool {
	if c.RequiresNetwork && s.cfg.Network != nil {
		return s.cfg.Network()
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	logger := s.logger.With().Str("job", j.name).Logger()
	logger.Debug().Msg("job started")
	start := time.Now()

	result := j.work(ctx)

	jobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		// Shutdown interrupted the run; a persisted request survives it.
		logger.Debug().Msg("job interrupted")
		return
	}
	jobRuns.WithLabelValues(j.name, result.String()).Inc()

	s.mu.Lock()
	superseded := false
	if !j.periodic {
		_, superseded = s.pending[j.name]
	}
	var delay time.Duration
	switch {
	case result == Retry && !superseded:
		delay = j.backoff.NextBackOff()
		j.due = s.now().Add(delay)
		if j.periodic {
			break
		}
		s.pending[j.name] = j
	case j.periodic:
		j.backoff.Reset()
		j.due = s.now().Add(j.interval)
	}
	s.mu.Unlock()

	switch {
	case result == Retry && !superseded:
		logger.Info().Dur("retry_in", delay).Msg("job will retry")
	case !j.periodic && !superseded && s.jobs != nil:
		if err := s.jobs.DeleteJob(context.WithoutCancel(ctx), j.name); err != nil {
			logger.Warn().Err(err).Msg("forget job request")
		}
		logger.Debug().Str("result", result.String()).Msg("job finished")
	default:
		logger.Debug().Str("result", result.String()).Msg("job finished")
	}
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.MaxInterval = s.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Scheduler) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
