package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/toolbridge/internal/concurrency"
	"github.com/harunnryd/toolbridge/internal/config"
	"github.com/harunnryd/toolbridge/internal/daemon"
	"github.com/harunnryd/toolbridge/internal/ingress"
	"github.com/harunnryd/toolbridge/internal/logger"
)

type HTTPServerComponent struct {
	daemon       *daemon.Daemon
	cfg          *config.ServerConfig
	querier      ingress.Querier
	version      string
	dependencies []string
	logger       *slog.Logger

	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.ServerConfig, q ingress.Querier, version string, log *slog.Logger) *HTTPServerComponent {
	return NewHTTPServerComponentWithDependencies(d, cfg, q, version, log, []string{"Bridge"})
}

func NewHTTPServerComponentWithDependencies(d *daemon.Daemon, cfg *config.ServerConfig, q ingress.Querier, version string, log *slog.Logger, deps []string) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:       d,
		cfg:          cfg,
		querier:      q,
		version:      version,
		dependencies: append([]string(nil), deps...),
		logger:       logger.Or(log),
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return append([]string(nil), h.dependencies...)
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	handler := ingress.NewHandler(h.querier, h.componentHealth, h.version, h.logger)
	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	h.logger.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Port)
	return nil
}

// Start binds the port before returning so an address in use fails startup.
func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	server := h.server
	concurrency.SafeGo("http-server", func() {
		h.logger.Info("HTTP server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}, nil)

	h.started = true
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	server := h.server
	h.mu.Unlock()

	// Not under h.mu: in-flight /health requests read component state.
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		h.logger.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.logger.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case !h.initialized:
		return daemon.Unhealthy(h.Name(), "not initialized"), nil
	case !h.started:
		return daemon.Unhealthy(h.Name(), "not started"), nil
	}
	return daemon.Healthy(h.Name()), nil
}

// Addr is the bound address once started, useful when port 0 was configured.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HTTPServerComponent) componentHealth(ctx context.Context) map[string]ingress.ComponentStatus {
	out := map[string]ingress.ComponentStatus{}
	if h.daemon == nil {
		return out
	}
	for name, ch := range h.daemon.ComponentHealth(ctx) {
		out[name] = ingress.ComponentStatus{Healthy: ch.Healthy, Error: ch.ErrorText()}
	}
	return out
}
