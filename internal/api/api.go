// Package api provides the HTTP server for PackPipe.
//
// It exposes health and job status endpoints, receives Twilio webhooks and
// serves published media and pack bundles.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/BTreeMap/PackPipe/internal/packs"
	"github.com/BTreeMap/PackPipe/internal/store"
)

// Constants for server configuration
const (
	// DefaultServerAddress is the default listen address
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// maxWebhookBody caps Twilio webhook request bodies
	maxWebhookBody = "1M"
)

// JobReader looks up jobs for the status endpoint.
type JobReader interface {
	GetJob(id string) (*store.Job, error)
}

// WebhookHandler consumes Twilio inbound forms.
type WebhookHandler interface {
	HandleWebhook(form url.Values) error
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr      string
	StoreMode string // "durable" or "memory", reported by /health
	MediaDir  string // files served under /media/
	Webhook   WebhookHandler
	Packs     packs.Publisher
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStoreMode sets the store mode reported by /health.
func WithStoreMode(mode string) Option {
	return func(o *Opts) { o.StoreMode = mode }
}

// WithMediaDir enables /media/:name backed by dir.
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// WithWebhook enables POST /twilio/webhook.
func WithWebhook(h WebhookHandler) Option {
	return func(o *Opts) { o.Webhook = h }
}

// WithPacks enables /packs/:name.
func WithPacks(p packs.Publisher) Option {
	return func(o *Opts) { o.Packs = p }
}

// Server is the PackPipe HTTP server.
type Server struct {
	echo *echo.Echo
	jobs JobReader
	opts Opts
}

// NewServer creates a server. Routes whose dependency is not configured
// are not registered.
func NewServer(jobs JobReader, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress, StoreMode: "memory"}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, jobs: jobs, opts: cfg}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/jobs/:id", s.jobHandler)
	if s.opts.Webhook != nil {
		s.echo.POST("/twilio/webhook", s.twilioWebhookHandler, middleware.BodyLimit(maxWebhookBody))
	}
	if s.opts.MediaDir != "" {
		s.echo.GET("/media/:name", s.mediaHandler)
	}
	if s.opts.Packs != nil {
		s.echo.GET("/packs/:name", s.packHandler)
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := s.echo.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	return s.echo.Shutdown(shutdownCtx)
}

// requestLogger logs each request through slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Debug("Server.request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration", time.Since(start))
			return nil
		}
	}
}
