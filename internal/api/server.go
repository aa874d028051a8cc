package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/parley/internal/events"
	"github.com/mattjoyce/parley/internal/queue"
	"github.com/mattjoyce/parley/internal/state"
)

// QueueView exposes the registry's read side.
type QueueView interface {
	Snapshot() []queue.EntryStatus
}

// DrainCounter reports running drain loops.
type DrainCounter interface {
	Active() int
}

// TurnLister reads the turn log.
type TurnLister interface {
	RecentTurns(ctx context.Context, identity string, limit int) ([]state.Turn, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token for every route except /healthz.
	APIKey string
}

// Server is the admin HTTP API.
type Server struct {
	config    Config
	queues    QueueView
	drains    DrainCounter
	turns     TurnLister
	events    *events.Hub
	logger    *slog.Logger
	startedAt time.Time
}

func New(config Config, queues QueueView, drains DrainCounter, turns TurnLister, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		queues:    queues,
		drains:    drains,
		turns:     turns,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start listens on Config.Listen and serves until ctx is cancelled, then
// shuts down with a short grace period. It returns ctx.Err() after a clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("API server listening", "addr", ln.Addr().String())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info("API server stopped")
	return ctx.Err()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/queues", s.handleQueues)
		r.Get("/turns", s.handleTurns)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
