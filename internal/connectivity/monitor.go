// Package connectivity tracks whether the remote service is reachable and
// reports unreachable to reachable transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var reachableGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "fitsync",
	Subsystem: "connectivity",
	Name:      "reachable",
	Help:      "1 when the remote service answered the last probe.",
})

func init() {
	prometheus.MustRegister(reachableGauge)
}

// Prober checks whether the remote service answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config tunes probing.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor probes the remote service and notifies listeners when it becomes
// reachable. No event is emitted when it becomes unreachable.
type Monitor struct {
	prober Prober
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	reachable bool
	listeners []func()
}

// New returns a monitor that starts out unreachable.
func New(prober Prober, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		logger: logger.With().Str("component", "connectivity").Logger(),
	}
}

// OnReachable registers fn to run on every unreachable to reachable edge.
func (m *Monitor) OnReachable(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Reachable reports the last observed state.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Observe records an externally learned reachability state. Listeners run on
// the caller's goroutine, outside the monitor lock.
func (m *Monitor) Observe(reachable bool) {
	m.mu.Lock()
	edge := reachable && !m.reachable
	changed := reachable != m.reachable
	m.reachable = reachable
	var listeners []func()
	if edge {
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if changed {
		if reachable {
			reachableGauge.Set(1)
			m.logger.Info().Msg("remote reachable")
		} else {
			reachableGauge.Set(0)
			m.logger.Info().Msg("remote unreachable")
		}
	}
	for _, fn := range listeners {
		fn()
	}
}

// Serve implements suture.Service. It probes once immediately and then on
// every interval tick.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	err := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
	}
	m.Observe(err == nil)
}

func (m *Monitor) String() string {
	return "connectivity-monitor"
}
