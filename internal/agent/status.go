package agent

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/syncer"
	httptransport "example.com/fitsync/internal/transport/http"
)

// Status is the agent snapshot served by GET /status and printed by the CLI.
type Status struct {
	AccountID  string            `json:"accountId"`
	Remote     string            `json:"remote"`
	Reachable  bool              `json:"reachable"`
	Checkpoint domain.Checkpoint `json:"checkpoint,omitempty"`
	QueueDepth int               `json:"queueDepth"`
	Rejections int               `json:"rejections"`
	Engine     syncer.Status     `json:"engine"`
}

// Snapshot collects the current status.
func (a *Agent) Snapshot(ctx context.Context) (Status, error) {
	cp, err := a.Store.Checkpoint(ctx, a.cfg.AccountID)
	if err != nil {
		return Status{}, err
	}
	depth, err := a.Store.QueueDepth(ctx)
	if err != nil {
		return Status{}, err
	}
	rejections, err := a.Store.Rejections(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		AccountID:  a.cfg.AccountID,
		Remote:     a.cfg.Remote.BaseURL,
		Reachable:  a.Monitor.Reachable(),
		Checkpoint: cp,
		QueueDepth: depth,
		Rejections: len(rejections),
		Engine:     a.Engine.Status(),
	}, nil
}

// StatusHandler serves the local status API.
func (a *Agent) StatusHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httptransport.RequestLogger(a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())
	r.Get("/status", a.handleStatus)
	r.Post("/sync", a.handleSync)
	return r
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Snapshot(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("status snapshot failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"type": "server_error", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *Agent) handleSync(w http.ResponseWriter, r *http.Request) {
	a.SyncNow("manual")
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "job": NowJob})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
