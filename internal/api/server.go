package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/HyphaGroup/portcullis/internal/auth"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/session"
)

// Version is reported by GET / and /status consumers.
const Version = "0.1.0"

// Server is the HTTP gateway: routes, middleware stack, and the handlers
// that translate requests into session operations.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	auth     *auth.Authenticator
	limiter  *auth.RateLimiter
	httpSrv  *http.Server

	probeMu      sync.Mutex
	probeVersion string
	probeErr     error
	probeAt      time.Time
}

// NewServer wires the gateway from its collaborators.
func NewServer(cfg *config.Config, sessions *session.Manager, authenticator *auth.Authenticator) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		auth:     authenticator,
		limiter:  auth.NewRateLimiter(cfg.Security.RateLimit.RequestsPerSecond, cfg.Security.RateLimit.Burst),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full middleware stack. Health, readiness, and
// metrics stay unauthenticated; the user-facing routes go through auth
// and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	protected := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(auth.RateLimitMiddleware(s.limiter)(h))
	}
	mux.Handle("/chat", protected(s.handleChat))
	mux.Handle("/threads", protected(s.handleThreads))
	mux.Handle("/history", protected(s.handleHistory))

	handler := metrics.Middleware(mux)
	handler = CORSMiddleware(s.cfg.Server.CORSOrigins)(handler)
	return RequestIDMiddleware(handler)
}

// Serve runs the HTTP listener until Shutdown.
func (s *Server) Serve() error {
	logger.Info("🚀 Portcullis gateway listening on %s", s.httpSrv.Addr)
	logger.Info("💚 Health check: http://localhost:%d/health", s.cfg.Server.Port)
	logger.Info("📊 Metrics: http://localhost:%d/metrics", s.cfg.Server.Port)

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleRoot serves the service descriptor. The "/" pattern catches every
// unrouted path, so anything else is a 404.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, RootResponse{
		Name:    "portcullis",
		Version: Version,
		Endpoints: map[string]string{
			"chat":    "/chat",
			"threads": "/threads",
			"history": "/history",
			"status":  "/status",
			"health":  "/health",
			"ready":   "/ready",
			"metrics": "/metrics",
		},
	})
}

// handleHealth is a basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReady verifies the server can reach the upstream binary
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if _, err := s.cfg.ResolveBinary(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"codex binary unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
