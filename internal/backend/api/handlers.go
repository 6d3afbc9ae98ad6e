// Package api exposes the reference backend over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/backend"
	"example.com/fitsync/internal/domain"
	httptransport "example.com/fitsync/internal/transport/http"
)

const (
	headerLastSync       = "X-Last-Sync"
	headerCheckpoint     = "X-Checkpoint"
	headerIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

// Handler coordinates HTTP requests with the backend service.
type Handler struct {
	service *backend.Service
	logger  zerolog.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *backend.Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger.With().Str("component", "api").Logger()}
}

// Router wires the endpoints behind bearer authentication. extra is mounted
// unauthenticated, for example /metrics.
func (h *Handler) Router(authn auth.Middleware, extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httptransport.RequestLogger(h.logger))

	r.Get("/healthz", healthz)
	for path, handler := range extra {
		r.Handle(path, handler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(authn.Wrap)
		r.Use(requireValidLastSync)
		r.With(auth.RequireScope(auth.ScopeSyncRead)).Get("/{resource}", h.list)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeSyncWrite))
			r.Post("/{resource}", h.create)
			r.Put("/{resource}/{id}", h.update)
			r.Delete("/{resource}/{id}", h.delete)
		})
	})
	return r
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requireValidLastSync(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get(headerLastSync); raw != "" {
			if _, err := domain.Checkpoint(raw).Time(); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "malformed "+headerLastSync+" header")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	claims, desc, ok := h.resolve(w, r)
	if !ok {
		return
	}
	fields, ok := decodeBody(w, r)
	if !ok {
		return
	}

	rec, replay, err := h.service.Create(r.Context(), claims.AccountID(), desc, fields, r.Header.Get(headerIdempotencyKey))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	requestCounter.WithLabelValues(desc.Resource, "create", strconv.Itoa(status)).Inc()
	writeJSON(w, status, rec.Remote())
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	claims, desc, ok := h.resolve(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	fields, ok := decodeBody(w, r)
	if !ok {
		return
	}

	rec, err := h.service.Update(r.Context(), claims.AccountID(), desc, id, fields)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	requestCounter.WithLabelValues(desc.Resource, "update", "200").Inc()
	writeJSON(w, http.StatusOK, rec.Remote())
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	claims, desc, ok := h.resolve(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), claims.AccountID(), desc, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	requestCounter.WithLabelValues(desc.Resource, "delete", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	claims, desc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	var q backend.ListQuery
	var err error
	if q.Offset, err = intParam(query.Get("offset"), 0); err != nil || q.Offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
		return
	}
	if q.Limit, err = intParam(query.Get("limit"), 100); err != nil || q.Limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	if raw := query.Get("startDate"); raw != "" {
		if q.CreatedSince, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid startDate")
			return
		}
	}
	if raw := query.Get("endDate"); raw != "" {
		if q.ChangedAfter, err = domain.Checkpoint(raw).Time(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid endDate")
			return
		}
	}

	page, err := h.service.List(r.Context(), claims.AccountID(), desc, q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	data := make([]domain.RemoteRecord, 0, len(page.Records))
	for _, rec := range page.Records {
		data = append(data, rec.Remote())
	}
	requestCounter.WithLabelValues(desc.Resource, "list", "200").Inc()
	w.Header().Set(headerCheckpoint, page.Checkpoint.String())
	writeJSON(w, http.StatusOK, domain.RemotePage{HasMore: page.HasMore, Data: data})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*auth.Claims, domain.Descriptor, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.AccountID() == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, domain.Descriptor{}, false
	}
	desc, ok := h.service.Registry().ByResource(chi.URLParam(r, "resource"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return nil, domain.Descriptor{}, false
	}
	return claims, desc, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, backend.ErrInvalidReference):
		writeError(w, http.StatusUnprocessableEntity, "invalid_reference", err.Error())
	case backend.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request) (domain.Fields, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "body too large")
		return nil, false
	}
	fields, err := domain.DecodeFields(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return nil, false
	}
	return fields, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return 0, false
	}
	return id, true
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorResponse{Type: kind, Detail: detail})
}

type errorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}
