// Package ipc serves a run's live state over HTTP: health, Prometheus
// metrics, progress, run history and a server-sent event stream.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/shotdiff/pkg/logging"
	"github.com/odvcencio/shotdiff/pkg/orchestrator"
	"github.com/odvcencio/shotdiff/pkg/storage"
	"github.com/odvcencio/shotdiff/pkg/telemetry"
)

const (
	shutdownTimeout   = 5 * time.Second
	keepaliveInterval = 30 * time.Second
)

// Config controls the server.
type Config struct {
	BindAddress string
	// AllowRemote permits binding to a non-loopback address. The server has
	// no authentication.
	AllowRemote bool
}

// ProgressSource reports the live state of a run. *orchestrator.Orchestrator
// implements it.
type ProgressSource interface {
	Progress() orchestrator.Progress
}

// RunHistory lists past runs. *storage.HistoryStore implements it.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
	FlakyItems(ctx context.Context, minRetries, limit int) ([]storage.FlakyItem, error)
}

// Server hosts the read-only HTTP API.
type Server struct {
	cfg        Config
	progress   ProgressSource
	history    RunHistory
	hub        *telemetry.Hub
	logger     *logging.Logger
	httpServer *http.Server
}

// NewServer creates a server. history and hub may be nil.
func NewServer(cfg Config, progress ProgressSource, history RunHistory, hub *telemetry.Hub, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		cfg:      cfg,
		progress: progress,
		history:  history,
		hub:      hub,
		logger:   logger.Component("ipc"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/progress", s.handleProgress)
		r.Get("/sessions", s.handleSessions)
		r.Get("/runs", s.handleRuns)
		r.Get("/flaky", s.handleFlaky)
		r.Get("/events", s.handleEvents)
	})
	return router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("serving progress API", slog.String("addr", s.cfg.BindAddress))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) validateStartupConfig() error {
	if strings.TrimSpace(s.cfg.BindAddress) == "" {
		return fmt.Errorf("progress server address is empty")
	}
	if !s.cfg.AllowRemote && !isLoopbackBindAddress(s.cfg.BindAddress) {
		return fmt.Errorf("refusing to bind progress server to %q: it has no authentication, bind to a loopback address", s.cfg.BindAddress)
	}
	return nil
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	switch strings.ToLower(host) {
	case "":
		return false
	case "localhost":
		return true
	default:
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}

// securityHeadersMiddleware adds standard security headers to responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
