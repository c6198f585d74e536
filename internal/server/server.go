// Package server exposes the operation catalog over HTTP for clients that
// are not stdio-attached.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/dispatch"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/tracing"
)

// maxRequestBody bounds operation payloads (16 MiB).
const maxRequestBody = 16 << 20

// Server binds the chi router to the configured address and provides
// graceful shutdown support.
type Server struct {
	router     chi.Router
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	httpSrv    *http.Server
	metrics    http.HandlerFunc
}

// New creates a Server over the dispatcher. metricsHandler serves the
// Prometheus exposition; a nil handler disables the endpoint.
func New(dispatcher *dispatch.Dispatcher, metricsHandler http.HandlerFunc, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, tracingEnabled bool, logger zerolog.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metricsHandler,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Post("/rpc/{op}", s.handleOperation)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler)
	}

	s.router = r
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Router returns the underlying chi.Router, useful for tests.
func (s *Server) Router() chi.Router { return s.router }

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleOperation runs one catalog operation.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	if !s.dispatcher.Has(op) {
		s.writeError(w, errs.Validation("unknown operation %q", op), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindValidation, err, "reading request body"), http.StatusBadRequest)
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), op, body)
	if err != nil {
		s.writeError(w, err, statusForKind(errs.KindOf(err)))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHealth reports liveness plus backend reachability through the
// status operation's backend section.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.Dispatch(r.Context(), "status", nil)
	if err != nil {
		s.writeError(w, err, http.StatusServiceUnavailable)
		return
	}
	status, _ := result.(map[string]interface{})
	reply := map[string]interface{}{"status": "ok"}
	if backendInfo, ok := status["backend"]; ok {
		reply["backend"] = backendInfo
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// handleStatus serves the full status operation.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.Dispatch(r.Context(), "status", nil)
	if err != nil {
		s.writeError(w, err, statusForKind(errs.KindOf(err)))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// statusForKind maps taxonomy kinds onto HTTP status codes.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindBackendTimeout, errs.KindWaitTimeout:
		return http.StatusGatewayTimeout
	case errs.KindBackendUnavailable, errs.KindAllBackendsFailed, errs.KindShutdown:
		return http.StatusServiceUnavailable
	case errs.KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON serialises a success reply.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encoding response")
	}
}

// writeError serialises the structured error envelope.
func (s *Server) writeError(w http.ResponseWriter, err error, status int) {
	s.writeJSON(w, status, dispatch.ErrorEnvelope(err))
}
