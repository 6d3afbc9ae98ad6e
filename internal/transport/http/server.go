// Package httptransport builds the HTTP servers of the agent status API and
// the reference backend.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// ServerConfig contains tunables for the HTTP server.
type ServerConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates *http.Server with provided handler.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Service runs an *http.Server under a suture supervisor.
type Service struct {
	name            string
	server          *http.Server
	shutdownTimeout time.Duration
	logger          zerolog.Logger
	// listener, when set, is served instead of binding server.Addr.
	listener net.Listener
}

// NewService wraps server as a supervised service.
func NewService(name string, server *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Service{
		name:            name,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		logger:          logger.With().Str("component", name).Logger(),
	}
}

// WithListener serves on an existing listener; tests use it to bind :0.
func (s *Service) WithListener(l net.Listener) *Service {
	s.listener = l
	return s
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Info().Str("address", s.listener.Addr().String()).Msg("http server listening")
			err = s.server.Serve(s.listener)
		} else {
			s.logger.Info().Str("address", s.server.Addr).Msg("http server listening")
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", s.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string {
	return s.name
}

// RequestLogger logs one line per request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
