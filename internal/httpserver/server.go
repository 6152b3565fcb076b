package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bot-match/internal/metrics"
	"bot-match/internal/wa"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sessions is the command surface of the session manager.
type Sessions interface {
	Connect(ctx context.Context, sessionID, displayName string) error
	RequestPairingArtifact(ctx context.Context, sessionID string, timeout time.Duration) (wa.PairingArtifact, error)
	Status(ctx context.Context, sessionID string) (wa.SessionView, error)
	Sessions(ctx context.Context) ([]wa.SessionView, error)
	Disconnect(ctx context.Context, number string) error
	Send(ctx context.Context, toNumber, text string, image []byte) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Sessions       Sessions
	PairingTimeout time.Duration
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics and session command endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	if deps.PairingTimeout <= 0 {
		deps.PairingTimeout = 30 * time.Second
	}
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Routes builds the router, mounted under the base path when one is set.
func (s *Server) Routes() http.Handler {
	api := chi.NewRouter()
	api.Use(chiMiddleware.RequestID)
	api.Use(chiMiddleware.RealIP)
	api.Use(chiMiddleware.Recoverer)
	api.Use(s.requestLogger)

	api.Get("/healthz", healthHandler)
	api.Handle("/metrics", promhttp.Handler())
	api.Post("/whatsapp-connect", s.handleConnect)
	api.Get("/whatsapp-status/{sessionId}", s.handleStatus)
	api.Get("/whatsapp-numbers", s.handleNumbers)
	api.Post("/whatsapp-disconnect", s.handleDisconnect)
	api.Post("/send-message", s.handleSendMessage)

	if s.basePath == "" {
		return api
	}
	root := chi.NewRouter()
	root.Mount(s.basePath, api)
	return root
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.countRequest(r, ww.Status())
		if r.URL.Path == "/metrics" || strings.HasSuffix(r.URL.Path, "/healthz") {
			return
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) countRequest(r *http.Request, status int) {
	if s.metrics == nil {
		return
	}
	route := "unmatched"
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		route = rctx.RoutePattern()
	}
	s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
