package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/middleware"
	"github.com/magehq/backend/internal/patterns"
	"github.com/magehq/backend/internal/streaming"
	"github.com/magehq/backend/internal/workflow"
)

// HealthProbe reports per-component liveness. A nil map value means the
// component is healthy.
type HealthProbe func(ctx context.Context) map[string]error

// Deps are the platform components the API exposes.
type Deps struct {
	Metrics   *metrics.Metrics
	Breakers  *circuitbreaker.Manager
	Streams   *streaming.Registry
	Patterns  *patterns.Service
	Workflows *workflow.Router
	Health    HealthProbe
}

// Server is the HTTP surface: health and metrics for operators, the
// breaker/stream/pattern endpoints for diagnostics, and the workflow
// endpoints for tenants.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	logger  *slog.Logger
	limiter *middleware.RateLimiter
	http    *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(slog.String("component", "api")),
		limiter: middleware.NewRateLimiter(cfg.RateLimitPerMinute, logger),
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware, s.logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet)
	v1.HandleFunc("/breakers/{name}/reset", s.handleBreakerReset).Methods(http.MethodPost)

	v1.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}/metrics", s.handleStreamMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}/retry-dlq", s.handleStreamRetryDLQ).Methods(http.MethodPost)

	v1.HandleFunc("/patterns/stats", s.handlePatternStats).Methods(http.MethodGet)
	v1.HandleFunc("/patterns/export", s.handlePatternExport).Methods(http.MethodGet)
	v1.HandleFunc("/patterns/import", s.handlePatternImport).Methods(http.MethodPost)

	// Tenant-scoped surface: validated tenant plus per-tenant rate limit.
	wf := v1.PathPrefix("/workflows").Subrouter()
	wf.Handle("", tenantChain(s.logger, s.limiter, http.HandlerFunc(s.handleWorkflowSubmit))).Methods(http.MethodPost)
	wf.Handle("/{id}", tenantChain(s.logger, s.limiter, http.HandlerFunc(s.handleWorkflowGet))).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func tenantChain(logger *slog.Logger, rl *middleware.RateLimiter, h http.Handler) http.Handler {
	return middleware.Tenant(logger, rl.Middleware(h))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Company-ID, X-App-ID, X-User-ID, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			return
		}
		s.logger.Debug("request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)))
	})
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the rate limiter sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	return s.http.Shutdown(ctx)
}
