package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/toolbridge/internal/concurrency"
	"github.com/harunnryd/toolbridge/internal/config"
	"github.com/harunnryd/toolbridge/internal/lock"
	"github.com/harunnryd/toolbridge/internal/logger"
)

// Daemon runs registered components in dependency order and stops them in
// reverse when its context ends.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	components []Component
	order      []string
	health     HealthStatus
	startedAt  time.Time
	instance   *lock.InstanceLock
	mu         sync.RWMutex
	monitorEnd chan struct{}
}

func NewDaemon(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	return &Daemon{
		cfg:        cfg,
		logger:     logger.Or(log),
		components: make([]Component, 0),
		health:     StatusStarting,
		monitorEnd: make(chan struct{}),
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	d.logger.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Start blocks until ctx is done, then shuts everything down. Signal handling
// belongs to the caller.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("toolbridge daemon starting", "port", d.cfg.Server.Port)
	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := d.acquireInstanceLock(ctx); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}
	defer d.releaseInstanceLock()

	initialized, err := d.initializeComponents(ctx)
	if err != nil {
		d.rollback(ctx, initialized)
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		timeout := config.MustDuration(d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout)
		_ = d.gracefulShutdown(context.Background(), timeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	d.logger.Info("toolbridge daemon is running", "components", len(d.components))

	concurrency.SafeGo("daemon-health-monitor", func() { d.monitorHealth(ctx) }, func(r any) {
		d.logger.Error("Health monitor crashed", "panic", r)
	})

	<-ctx.Done()

	d.logger.Info("Context cancelled, initiating graceful shutdown", "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.monitorEnd)

	timeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}
	if err := d.gracefulShutdown(context.Background(), timeout); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.startedAt.IsZero() {
		return 0
	}
	return time.Since(d.startedAt)
}

// ComponentHealth polls every component. A component that errors is reported
// unhealthy with that error.
func (d *Daemon) ComponentHealth(ctx context.Context) map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(components))
	for _, comp := range components {
		health, err := comp.Health(ctx)
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.componentByName(name)
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) validateConfig() error {
	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}
	if d.cfg.ToolHost.ScriptPath == "" {
		return fmt.Errorf("toolhost.script_path is required")
	}
	d.logger.Info("Configuration validated", "port", d.cfg.Server.Port, "script", d.cfg.ToolHost.ScriptPath)
	return nil
}

func (d *Daemon) acquireInstanceLock(ctx context.Context) error {
	if d.cfg.Daemon.LockDir == "" {
		d.logger.Warn("daemon.lock_dir is empty, running without instance lock")
		return nil
	}

	l, err := lock.Acquire(ctx, d.cfg.Daemon.LockDir, d.cfg.Server.Port, lock.Options{
		Timeout: config.MustDuration(d.cfg.Daemon.LockTimeout, config.DefaultDaemonLockTimeout),
		Retry:   config.MustDuration(d.cfg.Daemon.LockRetry, config.DefaultDaemonLockRetry),
	})
	if err != nil {
		return err
	}
	d.instance = l
	return nil
}

func (d *Daemon) releaseInstanceLock() {
	if d.instance == nil {
		return
	}
	if err := d.instance.Close(); err != nil {
		d.logger.Warn("Failed to release instance lock", "error", err)
	}
}

// initializeComponents returns the names it initialized so a failure can
// roll back exactly those.
func (d *Daemon) initializeComponents(ctx context.Context) ([]string, error) {
	if err := d.validateDependencies(); err != nil {
		return nil, fmt.Errorf("dependency validation failed: %w", err)
	}

	order, err := d.resolveInitOrder()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve init order: %w", err)
	}
	d.order = order

	done := make([]string, 0, len(order))
	for _, name := range order {
		comp := d.componentByName(name)
		d.logger.Debug("Initializing component", "component", name)
		if err := comp.Init(ctx); err != nil {
			d.logger.Error("Component initialization failed", "component", name, "error", err)
			return done, fmt.Errorf("component %s init failed: %w", name, err)
		}
		done = append(done, name)
	}

	d.logger.Info("All components initialized", "count", len(done))
	return done, nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, name := range d.order {
		comp := d.componentByName(name)
		if err := comp.Start(ctx); err != nil {
			d.logger.Error("Component startup failed", "component", name, "error", err)
			return fmt.Errorf("component %s startup failed: %w", name, err)
		}
		d.logger.Debug("Component started", "component", name)
	}
	return nil
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	d.logger.Info("Graceful shutdown initiated", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	concurrency.SafeGo("daemon-shutdown", func() { done <- d.stopComponents(shutdownCtx, d.order) }, func(r any) {
		done <- fmt.Errorf("shutdown panicked: %v", r)
	})

	select {
	case err := <-done:
		if err != nil {
			d.logger.Error("Shutdown completed with error", "error", err)
		} else {
			d.logger.Info("Graceful shutdown completed")
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		d.logger.Error("Shutdown timeout exceeded", "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// stopComponents stops names in reverse. Individual failures are joined and
// do not stop the rest.
func (d *Daemon) stopComponents(ctx context.Context, names []string) error {
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		comp := d.componentByName(name)
		if comp == nil {
			continue
		}
		if err := comp.Stop(ctx); err != nil {
			d.logger.Error("Component stop failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		d.logger.Debug("Component stopped", "component", name)
	}

	d.setHealth(StatusStopped)
	return errors.Join(errs...)
}

func (d *Daemon) rollback(ctx context.Context, initialized []string) {
	d.logger.Warn("Rolling back initialized components", "count", len(initialized))
	_ = d.stopComponents(ctx, initialized)
}

func (d *Daemon) componentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) monitorHealth(ctx context.Context) {
	interval := config.MustDuration(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.monitorEnd:
			return
		case <-ticker.C:
			d.checkComponentHealth(ctx)
		}
	}
}

func (d *Daemon) checkComponentHealth(ctx context.Context) {
	healths := d.ComponentHealth(ctx)
	unhealthy := 0
	for name, health := range healths {
		if !health.Healthy {
			unhealthy++
			d.logger.Warn("Component unhealthy", "component", name, "error", health.Error)
		}
	}

	if unhealthy > 0 {
		d.logger.Warn("Daemon has unhealthy components", "count", unhealthy, "total", len(healths))
	} else {
		d.logger.Debug("All components healthy", "count", len(healths))
	}
}

func (d *Daemon) validateDependencies() error {
	names := make(map[string]bool, len(d.components))
	for _, comp := range d.components {
		if names[comp.Name()] {
			return fmt.Errorf("component %s registered twice", comp.Name())
		}
		names[comp.Name()] = true
	}

	for _, comp := range d.components {
		for _, dep := range comp.Dependencies() {
			if !names[dep] {
				return fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}
	return nil
}

// resolveInitOrder is a depth-first topological sort over Dependencies,
// keeping registration order among independent components.
func (d *Daemon) resolveInitOrder() ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	order := make([]string, 0, len(d.components))

	var visit func(name string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}

		comp := d.componentByName(name)
		if comp == nil {
			return fmt.Errorf("component %s not found", name)
		}

		visiting[name] = true
		for _, dep := range comp.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}

	d.logger.Debug("Initialization order resolved", "order", order)
	return order, nil
}
