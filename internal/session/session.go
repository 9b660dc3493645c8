// Package session speaks the tool host protocol over a transport: the
// initialize handshake, tools/list and tools/call.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/logger"
	"github.com/harunnryd/toolbridge/internal/transport"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCallTimeout      = 60 * time.Second

	// maxListPages bounds tools/list pagination against a host that never
	// stops returning cursors.
	maxListPages = 100
)

// errNotSent marks a request that never reached the host because the caller
// gave up while waiting for the gate.
var errNotSent = errors.New("request not sent")

// ToolDescriptor is one tool advertised by the host. It is not modified after fetch.
type ToolDescriptor struct {
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	ArgumentSchema map[string]any `json:"argument_schema" yaml:"argument_schema"`
}

type Options struct {
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	ClientName       string
	ClientVersion    string
	Logger           *slog.Logger
}

// Session is a single protocol session over a transport it owns. At most one
// request is outstanding at any time.
type Session struct {
	conn   transport.Conn
	opts   Options
	logger *slog.Logger

	// gate is a single-slot semaphore: holding it means owning the channel.
	gate   chan struct{}
	nextID atomic.Int64

	mu         sync.RWMutex
	state      State
	poisoned   error
	serverInfo mcp.Implementation

	closeOnce sync.Once
	closeErr  error
}

func New(conn transport.Conn, opts Options) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = "toolbridge"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}

	return &Session{
		conn:   conn,
		opts:   opts,
		logger: logger.Or(opts.Logger),
		gate:   make(chan struct{}, 1),
		state:  StateDisconnected,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ServerInfo is the implementation name and version the host reported.
func (s *Session) ServerInfo() mcp.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// Initialize performs the handshake. It may run once, from Disconnected.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return tbErrors.InvalidState(fmt.Sprintf("initialize in state %s", state))
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	hsCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    s.opts.ClientName,
			Version: s.opts.ClientVersion,
		},
	}

	resp, err := s.send(hsCtx, "initialize", params)
	if err != nil {
		if ctxErr := deadlineErr(hsCtx, ctx); ctxErr != nil {
			return tbErrors.WrapWithCategory(ctxErr, fmt.Sprintf("no initialize response within %s", s.opts.HandshakeTimeout), tbErrors.ErrHandshake)
		}
		return tbErrors.WrapWithCategory(err, "initialize", tbErrors.ErrHandshake)
	}
	if resp.Error != nil {
		return tbErrors.Handshake(fmt.Sprintf("initialize rejected (code %d): %s", resp.Error.Code, resp.Error.Message))
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return tbErrors.WrapWithCategory(err, "decode initialize result", tbErrors.ErrHandshake)
	}
	if result.ProtocolVersion == "" {
		return tbErrors.Handshake("initialize result has no protocol version")
	}
	if result.Capabilities.Tools == nil {
		return tbErrors.Handshake("tool host does not advertise the tools capability")
	}

	notification := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: "notifications/initialized",
		},
	}
	if err := s.conn.SendNotification(hsCtx, notification); err != nil {
		return tbErrors.WrapWithCategory(err, "send initialized notification", tbErrors.ErrHandshake)
	}

	s.mu.Lock()
	if s.state != StateHandshaking {
		// Closed underneath us.
		s.mu.Unlock()
		return tbErrors.InvalidState("session closed during handshake")
	}
	s.state = StateReady
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	s.logger.Info("Tool host initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

type listToolsResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
	NextCursor mcp.Cursor `json:"nextCursor,omitempty"`
}

// ListTools returns every tool the host advertises, following pagination.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := s.requireReady("tools/list"); err != nil {
		return nil, err
	}

	var (
		tools  []ToolDescriptor
		seen   = map[string]bool{}
		cursor mcp.Cursor
	)

	for page := 0; ; page++ {
		if page >= maxListPages {
			return nil, s.poison(tbErrors.Protocol(fmt.Sprintf("tools/list did not finish after %d pages", maxListPages)))
		}

		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := s.send(ctx, "tools/list", params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, s.abandoned("tools/list", err, ctx.Err())
			}
			return nil, s.poison(tbErrors.WrapWithCategory(err, "tools/list", tbErrors.ErrProtocol))
		}
		if resp.Error != nil {
			return nil, s.poison(tbErrors.Protocol(fmt.Sprintf("tools/list failed (code %d): %s", resp.Error.Code, resp.Error.Message)))
		}

		var result listToolsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, s.poison(tbErrors.WrapWithCategory(err, "decode tools/list result", tbErrors.ErrProtocol))
		}

		for _, tool := range result.Tools {
			if tool.Name == "" {
				return nil, s.poison(tbErrors.Protocol("tools/list returned a tool without a name"))
			}
			if seen[tool.Name] {
				return nil, s.poison(tbErrors.Protocol(fmt.Sprintf("tools/list returned %q twice", tool.Name)))
			}
			seen[tool.Name] = true

			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			tools = append(tools, ToolDescriptor{
				Name:           tool.Name,
				Description:    tool.Description,
				ArgumentSchema: schema,
			})
		}

		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	s.logger.Info("Discovered tools", "count", len(tools))
	return tools, nil
}

type callToolResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// CallTool invokes a tool and returns its text output. A failure the host
// reports is an ErrToolInvocation; the session stays usable after one.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := s.requireReady("tools/call"); err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.send(callCtx, "tools/call", mcp.CallToolParams{Name: name, Arguments: args})

	// The deadline wins over whatever the transport made of it.
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", s.poison(tbErrors.Timeout(fmt.Sprintf("tools/call %s: no response within %s", name, s.opts.CallTimeout)))
	}
	if ctx.Err() != nil {
		return "", s.abandoned("tools/call "+name, err, ctx.Err())
	}
	if err != nil {
		return "", s.poison(tbErrors.WrapWithCategory(err, "tools/call "+name, tbErrors.ErrProtocol))
	}
	if resp.Error != nil {
		return "", tbErrors.ToolInvocation(fmt.Sprintf("tool %s failed (code %d): %s", name, resp.Error.Code, resp.Error.Message))
	}
	if len(resp.Result) == 0 {
		return "", s.poison(tbErrors.Protocol(fmt.Sprintf("tools/call %s: empty result", name)))
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", s.poison(tbErrors.WrapWithCategory(err, "decode tools/call result", tbErrors.ErrProtocol))
	}
	if result.Content == nil {
		return "", s.poison(tbErrors.Protocol(fmt.Sprintf("tools/call %s: result has no content", name)))
	}

	text := extractText(result.Content)
	s.logger.Debug("Tool call finished", "tool", name, "is_error", result.IsError, "duration_ms", time.Since(start).Milliseconds())

	if result.IsError {
		return "", tbErrors.ToolInvocation(fmt.Sprintf("tool %s returned error: %s", name, text))
	}
	return text, nil
}

// Close moves the session to Closed and closes the transport. Repeated calls
// return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		s.closeErr = s.conn.Close()
		s.logger.Debug("Session closed")
	})
	return s.closeErr
}

func (s *Session) requireReady(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.poisoned != nil {
		return tbErrors.WrapWithCategory(s.poisoned, op+": session is unusable", tbErrors.ErrInvalidState)
	}
	if s.state != StateReady {
		return tbErrors.InvalidState(fmt.Sprintf("%s in state %s", op, s.state))
	}
	return nil
}

// poison marks the session unusable after a transport-level failure.
func (s *Session) poison(err error) error {
	s.mu.Lock()
	if s.poisoned == nil {
		s.poisoned = err
	}
	s.mu.Unlock()
	return err
}

// abandoned reports a request the caller cancelled. Once the request was
// written the host may still be working on it, so the channel can no longer
// guarantee one outstanding request and the session is poisoned.
func (s *Session) abandoned(op string, sendErr, ctxErr error) error {
	if errors.Is(sendErr, errNotSent) {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return s.poison(tbErrors.WrapWithCategory(ctxErr, op+" abandoned while in flight", tbErrors.ErrProtocol))
}

func (s *Session) send(ctx context.Context, method string, params any) (*mcptransport.JSONRPCResponse, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	req := mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(s.nextID.Add(1)),
		Method:  method,
		Params:  params,
	}

	resp, err := s.conn.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("no response")
	}
	return resp, nil
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errNotSent, ctx.Err())
	}
	// select picks randomly when both are ready; honour a context that was
	// already done.
	if err := ctx.Err(); err != nil {
		<-s.gate
		return fmt.Errorf("%w: %w", errNotSent, err)
	}
	return nil
}

func (s *Session) release() {
	<-s.gate
}

// deadlineErr returns the context error when the handshake window, not the
// caller, ended the request.
func deadlineErr(inner, outer context.Context) error {
	if err := inner.Err(); err != nil {
		if outer.Err() != nil {
			return outer.Err()
		}
		return err
	}
	return nil
}

func extractText(blocks []json.RawMessage) string {
	parts := make([]string, 0, len(blocks))
	for _, raw := range blocks {
		var block struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Resource struct {
				URI  string `json:"uri"`
				Text string `json:"text"`
			} `json:"resource"`
		}
		if err := json.Unmarshal(raw, &block); err != nil {
			parts = append(parts, string(raw))
			continue
		}
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "resource":
			if block.Resource.Text != "" {
				parts = append(parts, block.Resource.Text)
			} else {
				parts = append(parts, fmt.Sprintf("[resource: %s]", block.Resource.URI))
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", block.Type))
		}
	}
	return strings.Join(parts, "\n")
}
