// Package api serves the read-only HTTP surface: engine state as JSON
// for the dashboard/alerting layer, plus the Prometheus metrics and
// health endpoints. All endpoints are pull-style; push consumers use the
// engine's transition subscription instead.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cboxdk/queuepilot/internal/aggregate"
	"github.com/cboxdk/queuepilot/internal/config"
	"github.com/cboxdk/queuepilot/internal/engine"
	"github.com/cboxdk/queuepilot/internal/scale"
	"github.com/cboxdk/queuepilot/internal/telemetry"
	"github.com/cboxdk/queuepilot/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server is the HTTP server for the engine's external read surface.
type Server struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	engine  *engine.Engine
	emitter *telemetry.EventEmitter

	limiter    *rate.Limiter
	httpServer *http.Server
}

// NewServer creates the HTTP server. metricsHandler serves the
// Prometheus registry; emitter may be nil, disabling the events
// endpoint.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, emitter *telemetry.EventEmitter, metricsHandler http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		engine:  eng,
		emitter: emitter,
		limiter: rate.NewLimiter(rate.Limit(cfg.API.RequestsPerSecond), cfg.API.Burst),
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.MetricsPath, metricsHandler)
	mux.HandleFunc("GET "+cfg.HealthPath, s.handleHealthz)

	if cfg.API.Enabled {
		base := cfg.API.BasePath
		mux.HandleFunc("GET "+base+"/resources", s.handleResources)
		mux.HandleFunc("GET "+base+"/resources/{id}/stats", s.handleStats)
		mux.HandleFunc("GET "+base+"/resources/{id}/health", s.handleHealth)
		mux.HandleFunc("GET "+base+"/resources/{id}/fairness", s.handleFairness)
		mux.HandleFunc("GET "+base+"/resources/{id}/decision", s.handleDecision)
		mux.HandleFunc("GET "+base+"/bottlenecks", s.handleBottlenecks)
		mux.HandleFunc("GET "+base+"/events", s.handleEvents)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      s.rateLimitMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving. It returns when the listener stops.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP server starting",
		zap.String("bind_address", s.cfg.BindAddress),
		zap.Bool("api_enabled", s.cfg.API.Enabled))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resourceSummary is the list view of one resource.
type resourceSummary struct {
	ResourceID string             `json:"resource_id"`
	Kind       types.ResourceKind `json:"resource_kind"`
	Health     string             `json:"health"`
	Stats      *types.AggregateStats `json:"stats,omitempty"`
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.ResourceIDs()
	out := make([]resourceSummary, 0, len(ids))
	for _, id := range ids {
		summary := resourceSummary{ResourceID: id}
		if stats, err := s.engine.Stats(id); err == nil {
			summary.Kind = stats.Kind
			statsCopy := stats
			summary.Stats = &statsCopy
		}
		if state, err := s.engine.Health(id); err == nil {
			summary.Health = state.Level.String()
		}
		out = append(out, summary)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Health(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleFairness(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, ok := s.engine.Fairness(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no fairness report for resource %q", id))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	decision, err := s.engine.Decision(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Bottlenecks())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.emitter == nil {
		s.writeError(w, http.StatusNotFound, "event storage not configured")
		return
	}

	filter := telemetry.EventFilter{
		ResourceID: r.URL.Query().Get("resource_id"),
		Type:       telemetry.EventType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := s.emitter.GetEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// writeLookupError maps engine lookup failures onto 404 instead of
// fabricating zeroed state for unknown resources.
func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, aggregate.ErrUnknownResource) || errors.Is(err, scale.ErrPoolNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
