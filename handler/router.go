package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"knowledge-agent/internal/metrics"
	"knowledge-agent/internal/usecase"
)

// RouterDeps are the collaborators of the standalone HTTP server.
type RouterDeps struct {
	Asker    usecase.Asker
	Sessions SessionClearer
	// Health reports backend reachability; nil means healthy.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter wires HTTP routes to the query gate.
func NewRouter(deps RouterDeps) (http.Handler, error) {
	if deps.Asker == nil {
		return nil, errors.New("handler: asker must not be nil")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &server{deps: deps, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Post("/query", s.handleQuery)
		if deps.Sessions != nil {
			api.Delete("/sessions/{id}", s.handleClearSession)
		}
		api.Get("/health", s.handleHealth)
	})
	r.Handle("/metrics", metrics.Handler())

	return r, nil
}

type server struct {
	deps   RouterDeps
	logger *zap.Logger
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerCorrelationID, correlationID(r))

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_body"})
		return
	}
	req, err := decodeAsk(raw)
	if err != nil {
		status, body, _ := rejection(emptyResult, err)
		respondJSON(w, status, body)
		return
	}

	res, err := s.deps.Asker.Ask(r.Context(), req.input(clientIP(r)))
	if err != nil {
		status, body, headers := rejection(res, err)
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerCorrelationID, correlationID(r))
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorValidation), Reason: "missing_session_id"})
		return
	}
	if err := s.deps.Sessions.Clear(r.Context(), id); err != nil {
		s.logger.Error("session_clear_failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: string(usecase.ErrorMemoryUnavailable), Reason: "session_clear_failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// correlationID prefers the caller's header and falls back to chi's request id.
func correlationID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerCorrelationID)); v != "" {
		return v
	}
	return middleware.GetReqID(r.Context())
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
