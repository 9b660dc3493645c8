// Package bridge wires transport, session, catalog and orchestrator into one
// connected unit that answers queries against a single tool host.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/toolbridge/internal/catalog"
	"github.com/harunnryd/toolbridge/internal/config"
	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/guard"
	"github.com/harunnryd/toolbridge/internal/logger"
	"github.com/harunnryd/toolbridge/internal/model"
	"github.com/harunnryd/toolbridge/internal/model/contract"
	"github.com/harunnryd/toolbridge/internal/orchestrator"
	"github.com/harunnryd/toolbridge/internal/session"
	"github.com/harunnryd/toolbridge/internal/transport"
)

// OpenFunc starts a tool host channel. transport.Open is the default.
type OpenFunc func(ctx context.Context, cmd transport.Command) (*transport.Transport, error)

type Options struct {
	Open          OpenFunc
	ClientVersion string
	Logger        *slog.Logger
}

type Bridge struct {
	guard   *guard.Guard
	session *session.Session
	catalog *catalog.Catalog
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger

	mu     sync.Mutex
	closed atomic.Bool
}

// Connect launches the configured tool host, completes the handshake and
// loads the catalog. On any failure everything acquired so far is released.
func Connect(ctx context.Context, cfg config.Config, gen model.Generator, opts Options) (*Bridge, error) {
	log := logger.Or(opts.Logger)
	open := opts.Open
	if open == nil {
		open = transport.Open
	}

	g := guard.New(log)
	timeouts := cfg.ToolHost.Timeouts()

	tr, err := open(ctx, transport.Command{
		ScriptPath:    cfg.ToolHost.ScriptPath,
		PythonCommand: cfg.ToolHost.PythonCommand,
		NodeCommand:   cfg.ToolHost.NodeCommand,
		CloseTimeout:  timeouts.Close,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	sess := session.New(tr, session.Options{
		HandshakeTimeout: timeouts.Handshake,
		CallTimeout:      timeouts.Call,
		ClientVersion:    opts.ClientVersion,
		Logger:           log,
	})
	// The session owns the transport; closing it closes both.
	if err := g.Push("session", sess); err != nil {
		return nil, err
	}

	fail := func(err error) (*Bridge, error) {
		if cerr := g.Close(); cerr != nil {
			log.Warn("Cleanup after failed connect", "error", cerr)
		}
		return nil, err
	}

	if err := sess.Initialize(ctx); err != nil {
		return fail(err)
	}

	cat := catalog.New()
	tools, err := cat.Fetch(ctx, sess)
	if err != nil {
		return fail(err)
	}

	orch := orchestrator.New(gen, sess, cat, orchestrator.Options{
		Sampling: samplingFrom(cfg.Models.Sampling),
		MaxTurns: cfg.Orchestrator.MaxTurns,
		Logger:   log,
	})

	log.Info("Bridge connected", "script", cfg.ToolHost.ScriptPath, "server", sess.ServerInfo().Name, "tools", len(tools))

	return &Bridge{
		guard:   g,
		session: sess,
		catalog: cat,
		orch:    orch,
		logger:  log,
	}, nil
}

// Query runs one conversation. Runs are serialized. A failure that leaves the
// session unusable closes the bridge.
func (b *Bridge) Query(ctx context.Context, query string) (*conversation.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, tbErrors.InvalidState("bridge is closed")
	}

	conv, err := b.orch.Run(ctx, query)
	if err != nil {
		log := logger.FromContext(ctx, b.logger)
		if tbErrors.IsFatalToSession(err) || tbErrors.IsCategory(err, tbErrors.ErrInvalidState) {
			log.Error("Session unusable, closing bridge", "query", query, "category", tbErrors.Category(err), "error", err)
			_ = b.closeLocked()
		}
		return conv, err
	}
	return conv, nil
}

func (b *Bridge) Tools() []session.ToolDescriptor {
	return b.catalog.Tools()
}

func (b *Bridge) ServerName() string {
	return b.session.ServerInfo().Name
}

// Closed does not wait for an in-flight query.
func (b *Bridge) Closed() bool {
	return b.closed.Load()
}

// Close tears down the session and the tool host. It waits for an in-flight
// query to finish.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Bridge) closeLocked() error {
	b.closed.Store(true)
	return b.guard.Close()
}

// Run is the scoped form: connect, answer one query, tear down.
func Run(ctx context.Context, cfg config.Config, gen model.Generator, opts Options, query string) (*conversation.Conversation, error) {
	var conv *conversation.Conversation
	err := guard.Scope(ctx, opts.Logger, func(ctx context.Context, g *guard.Guard) error {
		b, err := Connect(ctx, cfg, gen, opts)
		if err != nil {
			return err
		}
		if err := g.Push("bridge", b); err != nil {
			return err
		}

		conv, err = b.Query(ctx, query)
		return err
	})
	return conv, err
}

// Inspect connects only long enough to read the catalog.
func Inspect(ctx context.Context, cfg config.Config, opts Options) ([]session.ToolDescriptor, error) {
	var tools []session.ToolDescriptor
	err := guard.Scope(ctx, opts.Logger, func(ctx context.Context, g *guard.Guard) error {
		b, err := Connect(ctx, cfg, nil, opts)
		if err != nil {
			return err
		}
		if err := g.Push("bridge", b); err != nil {
			return err
		}
		tools = b.Tools()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inspect tool host: %w", err)
	}
	return tools, nil
}

// samplingFrom fills unset fields from the defaults. Temperature 0 is a valid
// setting and is kept; only a negative temperature falls back.
func samplingFrom(s config.SamplingConfig) contract.Sampling {
	out := contract.DefaultSampling()
	if s.MaxTokens > 0 {
		out.MaxTokens = s.MaxTokens
	}
	if s.Temperature >= 0 {
		out.Temperature = s.Temperature
	}
	if s.TopP > 0 {
		out.TopP = s.TopP
	}
	if s.CandidateCount > 0 {
		out.CandidateCount = s.CandidateCount
	}
	return out
}
