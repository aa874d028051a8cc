package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/parley/internal/log"
	"github.com/mattjoyce/parley/internal/queue"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	submitter Submitter
	contexts  ContextFactory
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new webhook server instance.
func New(config Config, submitter Submitter, contexts ContextFactory, logger *slog.Logger) *Server {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	config.PublicURL = strings.TrimRight(config.PublicURL, "/")

	return &Server{
		config:    config,
		submitter: submitter,
		contexts:  contexts,
		logger:    logger,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting",
		"listen", s.config.Listen,
		"path", s.config.Path,
		"validate_signature", s.config.ValidateSignature,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleInbound)

	return r
}

// loggingMiddleware logs HTTP requests (excludes message bodies).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleInbound accepts one Twilio message webhook. Processing happens after
// the empty TwiML reply, so Twilio never waits on the assistant.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	if s.config.ValidateSignature {
		signature := r.Header.Get(SignatureHeader)
		if err := verifyTwilioSignature(s.requestURL(r), r.PostForm, signature, s.config.AuthToken); err != nil {
			s.logger.Warn("webhook signature verification failed",
				"path", r.URL.Path,
				"signature_present", signature != "",
				"request_id", middleware.GetReqID(r.Context()),
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	identity := queue.Identity(from)
	logger := log.WithIdentity(from)

	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")
	if strings.TrimSpace(body) == "" {
		// Media-only and reaction events carry no text for the assistant.
		logger.Info("ignoring message without text", "message_sid", sid, "num_media", r.PostForm.Get("NumMedia"))
		s.respondTwiML(w)
		return
	}

	item, err := s.submitter.Submit(identity, queue.Message{
		Body:       body,
		MessageSID: sid,
		ReceivedAt: time.Now().UTC(),
	}, s.contexts(identity))
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		// Twilio does not redeliver; the sender sees silence for this one.
		logger.Warn("inbound message rejected", "message_sid", sid, "error", err)
	case err != nil:
		logger.Error("failed to submit inbound message", "message_sid", sid, "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	default:
		logger.Info("inbound message accepted", "message_sid", sid, "item_id", item.ID)
		logger.Debug("inbound message body", "item_id", item.ID, "body_len", len(body))
	}

	s.respondTwiML(w)
}

// requestURL rebuilds the URL Twilio signed.
func (s *Server) requestURL(r *http.Request) string {
	if s.config.PublicURL != "" {
		return s.config.PublicURL + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) respondTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}
