// Package transport launches a tool host script as a child process and
// carries MCP JSON-RPC messages over its standard streams.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/toolbridge/internal/concurrency"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/logger"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const defaultCloseTimeout = 5 * time.Second

// Conn is the request/response surface of an MCP client transport.
type Conn interface {
	SendRequest(ctx context.Context, request mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error)
	SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error
	Close() error
}

// Command describes the tool host to launch.
type Command struct {
	ScriptPath    string
	PythonCommand string
	NodeCommand   string
	CloseTimeout  time.Duration
	Logger        *slog.Logger
}

// Transport owns one tool host channel. Close is safe to call any number of times.
type Transport struct {
	conn         Conn
	cmd          *exec.Cmd
	script       string
	logger       *slog.Logger
	closeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open validates the script, resolves its interpreter and starts the child.
// Every failure is an ErrLaunch.
func Open(ctx context.Context, c Command) (*Transport, error) {
	log := logger.Or(c.Logger)

	interpreter, err := Resolve(c)
	if err != nil {
		return nil, err
	}

	var captured *exec.Cmd
	stdio := mcptransport.NewStdioWithOptions(interpreter, nil, []string{c.ScriptPath},
		mcptransport.WithCommandFunc(func(_ context.Context, command string, _ []string, args []string) (*exec.Cmd, error) {
			// The child must outlive the request that opened it, so no CommandContext.
			captured = exec.Command(command, args...)
			return captured, nil
		}),
	)

	log.Info("Starting tool host", "interpreter", interpreter, "script", c.ScriptPath)
	if err := stdio.Start(ctx); err != nil {
		if captured != nil && captured.Process != nil {
			_ = captured.Process.Kill()
		}
		return nil, tbErrors.WrapWithCategory(err, fmt.Sprintf("spawn %s %s", interpreter, c.ScriptPath), tbErrors.ErrLaunch)
	}

	t := &Transport{
		conn:         stdio,
		cmd:          captured,
		script:       c.ScriptPath,
		logger:       log,
		closeTimeout: c.CloseTimeout,
	}
	if t.closeTimeout <= 0 {
		t.closeTimeout = defaultCloseTimeout
	}

	if stderr := stdio.Stderr(); stderr != nil {
		concurrency.SafeGo("toolhost-stderr", func() { t.drainStderr(stderr) }, nil)
	}

	log.Info("Tool host started", "script", c.ScriptPath, "pid", t.Pid())
	return t, nil
}

// New wraps an already-connected conn, such as an in-process MCP server.
func New(conn Conn, log *slog.Logger) *Transport {
	return &Transport{
		conn:         conn,
		script:       "in-process",
		logger:       logger.Or(log),
		closeTimeout: defaultCloseTimeout,
	}
}

// Resolve maps the script extension to an interpreter found on PATH.
func Resolve(c Command) (string, error) {
	if c.ScriptPath == "" {
		return "", tbErrors.Launch("tool host script path is empty")
	}

	candidates, ok := interpreterCandidates(filepath.Ext(c.ScriptPath), c)
	if !ok {
		return "", tbErrors.Launch(fmt.Sprintf("server script must be a .py or .js file, got %q", c.ScriptPath))
	}

	info, err := os.Stat(c.ScriptPath)
	if err != nil {
		return "", tbErrors.WrapWithCategory(err, "tool host script", tbErrors.ErrLaunch)
	}
	if info.IsDir() {
		return "", tbErrors.Launch(fmt.Sprintf("tool host script %q is a directory", c.ScriptPath))
	}

	var lookErr error
	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err == nil {
			return path, nil
		}
		lookErr = errors.Join(lookErr, err)
	}
	return "", tbErrors.WrapWithCategory(lookErr, "interpreter not found", tbErrors.ErrLaunch)
}

func interpreterCandidates(ext string, c Command) ([]string, bool) {
	switch ext {
	case ".py":
		if c.PythonCommand == "" || c.PythonCommand == "python" {
			return []string{"python", "python3"}, true
		}
		return []string{c.PythonCommand}, true
	case ".js":
		if c.NodeCommand == "" {
			return []string{"node"}, true
		}
		return []string{c.NodeCommand}, true
	default:
		return nil, false
	}
}

func (t *Transport) SendRequest(ctx context.Context, request mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	if t.closed.Load() {
		return nil, tbErrors.Protocol("transport is closed")
	}
	return t.conn.SendRequest(ctx, request)
}

func (t *Transport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	if t.closed.Load() {
		return tbErrors.Protocol("transport is closed")
	}
	return t.conn.SendNotification(ctx, notification)
}

// Pid is the child's process id, or 0 when there is no child.
func (t *Transport) Pid() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// Close shuts the channel and makes sure the child is gone. Repeated calls
// return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.shutdown()
	})
	return t.closeErr
}

func (t *Transport) shutdown() error {
	t.logger.Info("Stopping tool host", "script", t.script, "pid", t.Pid())

	done := make(chan error, 1)
	go func() { done <- t.conn.Close() }()

	select {
	case err := <-done:
		t.kill()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.logger.Debug("Tool host exited", "pid", t.Pid(), "status", exitErr.String())
				return nil
			}
			if t.cmd != nil {
				// The conn gave up before reaping the child.
				_ = t.cmd.Wait()
			}
			return fmt.Errorf("close tool host channel: %w", err)
		}
		return nil
	case <-time.After(t.closeTimeout):
		t.logger.Warn("Tool host did not exit gracefully, killing", "pid", t.Pid())
		t.kill()
		<-done
		return nil
	}
}

func (t *Transport) kill() {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.logger.Debug("Kill tool host", "pid", t.cmd.Process.Pid, "error", err)
	}
}

func (t *Transport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("Tool host stderr", "pid", t.Pid(), "line", scanner.Text())
	}
}
