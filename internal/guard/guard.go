// Package guard owns the closers acquired while bringing a bridge up and
// releases them in reverse order exactly once.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/toolbridge/internal/logger"
)

type entry struct {
	name   string
	closer io.Closer
}

type Guard struct {
	mu       sync.Mutex
	entries  []entry
	closed   bool
	once     sync.Once
	closeErr error
	logger   *slog.Logger
}

func New(log *slog.Logger) *Guard {
	return &Guard{logger: logger.Or(log)}
}

// Push registers c. Pushing onto a closed guard closes c immediately so it
// cannot leak.
func (g *Guard) Push(name string, c io.Closer) error {
	g.mu.Lock()
	if !g.closed {
		g.entries = append(g.entries, entry{name: name, closer: c})
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	if err := c.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// Close releases everything in LIFO order. Later calls return the first
// result.
func (g *Guard) Close() error {
	g.once.Do(func() {
		g.mu.Lock()
		g.closed = true
		entries := g.entries
		g.entries = nil
		g.mu.Unlock()

		var errs []error
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if err := e.closer.Close(); err != nil {
				g.logger.Warn("Failed to release resource", "resource", e.name, "error", err)
				errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
				continue
			}
			g.logger.Debug("Resource released", "resource", e.name)
		}
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

func (g *Guard) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Scope runs fn with a fresh guard and closes it on every exit path, panics
// included. A body error takes precedence; a close error is joined to it.
func Scope(ctx context.Context, log *slog.Logger, fn func(ctx context.Context, g *Guard) error) (err error) {
	g := New(log)
	defer func() {
		if r := recover(); r != nil {
			_ = g.Close()
			panic(r)
		}
		if cerr := g.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(ctx, g)
}
