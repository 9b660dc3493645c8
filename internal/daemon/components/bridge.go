package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/toolbridge/internal/bridge"
	"github.com/harunnryd/toolbridge/internal/config"
	"github.com/harunnryd/toolbridge/internal/conversation"
	"github.com/harunnryd/toolbridge/internal/daemon"
	"github.com/harunnryd/toolbridge/internal/logger"
	"github.com/harunnryd/toolbridge/internal/model"
)

// BridgeComponent keeps one connected bridge for the daemon. When a run
// leaves the bridge closed, the next query connects a fresh one.
type BridgeComponent struct {
	cfg     *config.Config
	opts    bridge.Options
	gen     model.Generator
	logger  *slog.Logger
	current *bridge.Bridge
	lastErr error
	started bool
	mu      sync.Mutex
}

// NewBridgeComponent uses gen when non-nil; otherwise Init builds a model
// router from cfg.Models.
func NewBridgeComponent(cfg *config.Config, gen model.Generator, opts bridge.Options) *BridgeComponent {
	return &BridgeComponent{cfg: cfg, gen: gen, opts: opts, logger: logger.Or(opts.Logger)}
}

func (b *BridgeComponent) Name() string {
	return "Bridge"
}

func (b *BridgeComponent) Dependencies() []string {
	return nil
}

func (b *BridgeComponent) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gen != nil {
		return nil
	}
	router, err := model.NewRouter(b.cfg.Models)
	if err != nil {
		return fmt.Errorf("model router init: %w", err)
	}
	b.gen = router
	b.logger.Info("Bridge initialized", "component", b.Name(), "models", router.ListModels())
	return nil
}

// Start connects eagerly so a broken tool host fails the daemon at startup.
func (b *BridgeComponent) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.connectLocked(ctx); err != nil {
		return err
	}
	b.started = true
	return nil
}

func (b *BridgeComponent) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.started = false
	if b.current == nil {
		return nil
	}
	err := b.current.Close()
	b.current = nil
	return err
}

// Query runs on the live bridge, reconnecting first if the previous one was
// torn down.
func (b *BridgeComponent) Query(ctx context.Context, query string) (*conversation.Conversation, error) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge component not started")
	}
	br, err := b.connectLocked(ctx)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return br.Query(ctx, query)
}

func (b *BridgeComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.started:
		return daemon.Unhealthy(b.Name(), "not started"), nil
	case b.current == nil || b.current.Closed():
		if b.lastErr != nil {
			return &daemon.ComponentHealth{Name: b.Name(), Error: fmt.Errorf("tool host disconnected: %w", b.lastErr)}, nil
		}
		return daemon.Unhealthy(b.Name(), "tool host disconnected, reconnects on next query"), nil
	}
	return daemon.Healthy(b.Name()), nil
}

func (b *BridgeComponent) connectLocked(ctx context.Context) (*bridge.Bridge, error) {
	if b.current != nil && !b.current.Closed() {
		return b.current, nil
	}
	if b.current != nil {
		b.logger.Warn("Reconnecting tool host after session teardown", "script", b.cfg.ToolHost.ScriptPath)
	}

	br, err := bridge.Connect(ctx, *b.cfg, b.gen, b.opts)
	if err != nil {
		b.lastErr = err
		return nil, err
	}
	b.current = br
	b.lastErr = nil
	return br, nil
}
