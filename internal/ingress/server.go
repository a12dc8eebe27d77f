package ingress

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPConfig carries the http.Server tuning knobs, mirrored from the
// reference framework's Config.HTTP block.
type HTTPConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestDeadline   time.Duration
}

// Listener wraps an http.Server built from a Server's handler, grounded
// on the reference framework's BaseAgent.Start/Stop lifecycle.
type Listener struct {
	httpServer *http.Server
	shutdownTO time.Duration
}

// NewListener builds a Listener ready to Start.
func NewListener(s *Server, cfg HTTPConfig) *Listener {
	return &Listener{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           s.Handler(cfg.RequestDeadline),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		shutdownTO: cfg.ShutdownTimeout,
	}
}

// Start blocks serving HTTP until the listener is closed or fails. It
// never returns http.ErrServerClosed as an error, matching net/http's
// documented graceful-shutdown contract.
func (l *Listener) Start() error {
	if err := l.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ingress: listen: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests before closing the server.
func (l *Listener) Stop(ctx context.Context) error {
	shutdownCtx := ctx
	if l.shutdownTO > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, l.shutdownTO)
		defer cancel()
	}
	return l.httpServer.Shutdown(shutdownCtx)
}
