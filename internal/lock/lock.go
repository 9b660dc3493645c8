// Package lock keeps two daemons from serving the same port from one host.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/toolbridge/internal/config"

	"github.com/gofrs/flock"
)

type Options struct {
	Timeout time.Duration
	Retry   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout: config.MustDuration(config.DefaultDaemonLockTimeout, config.DefaultDaemonLockTimeout),
		Retry:   config.MustDuration(config.DefaultDaemonLockRetry, config.DefaultDaemonLockRetry),
	}
}

// InstanceLock is an advisory file lock held for the daemon's lifetime.
type InstanceLock struct {
	fileLock   *flock.Flock
	path       string
	acquiredAt time.Time
	mu         sync.RWMutex
}

// Path is the lock file used for a daemon listening on port.
func Path(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("toolbridge-%d.lock", port))
}

// Acquire takes the lock for port, retrying until opts.Timeout or ctx ends.
func Acquire(ctx context.Context, dir string, port int, opts Options) (*InstanceLock, error) {
	if opts.Timeout <= 0 || opts.Retry <= 0 {
		def := DefaultOptions()
		if opts.Timeout <= 0 {
			opts.Timeout = def.Timeout
		}
		if opts.Retry <= 0 {
			opts.Retry = def.Retry
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := Path(dir, port)
	fileLock := flock.New(path)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, opts.Retry)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("port %d is locked by another instance (timeout after %v)", port, opts.Timeout)
		}
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}

	l := &InstanceLock{fileLock: fileLock, path: path, acquiredAt: time.Now()}
	slog.Info("Instance lock acquired",
		"path", path,
		"acquired_at", l.acquiredAt.Format(time.RFC3339Nano),
	)
	return l, nil
}

// Close releases the lock. Calling it again is a no-op.
func (l *InstanceLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLock == nil {
		return nil
	}

	held := time.Since(l.acquiredAt)
	err := l.fileLock.Unlock()
	if err != nil {
		slog.Error("Failed to release instance lock", "path", l.path, "error", err)
	} else {
		slog.Info("Instance lock released", "path", l.path, "held_duration_ms", held.Milliseconds())
	}

	l.fileLock = nil
	return err
}

func (l *InstanceLock) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fileLock != nil
}

func (l *InstanceLock) Path() string {
	return l.path
}
