package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/toolbridge/internal/catalog"
	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/model/contract"
	anthropicProvider "github.com/harunnryd/toolbridge/internal/model/providers/anthropic"
	"github.com/harunnryd/toolbridge/internal/session"
	"github.com/harunnryd/toolbridge/internal/transport"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contract.CompletionResponse), args.Error(1)
}

type MockToolCaller struct {
	mock.Mock
}

func (m *MockToolCaller) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	called := m.Called(ctx, name, args)
	return called.String(0), called.Error(1)
}

type staticCatalog map[string]session.ToolDescriptor

func (c staticCatalog) Require(name string) (session.ToolDescriptor, error) {
	t, ok := c[name]
	if !ok {
		return session.ToolDescriptor{}, tbErrors.UnknownTool(name)
	}
	return t, nil
}

func (c staticCatalog) Declarations() []contract.ToolDef {
	defs := make([]contract.ToolDef, 0, len(c))
	for _, t := range c {
		defs = append(defs, contract.ToolDef{Name: t.Name, Description: t.Description, Parameters: t.ArgumentSchema})
	}
	return defs
}

var calcCatalog = staticCatalog{
	"calculator": {Name: "calculator", Description: "Add two numbers", ArgumentSchema: map[string]any{"type": "object"}},
	"sleepy":     {Name: "sleepy", Description: "Never answers", ArgumentSchema: map[string]any{"type": "object"}},
}

func text(s string) *contract.CompletionResponse {
	return &contract.CompletionResponse{Blocks: []conversation.ContentBlock{conversation.TextBlock{Text: s}}}
}

func blocks(b ...conversation.ContentBlock) *contract.CompletionResponse {
	return &contract.CompletionResponse{Blocks: b}
}

func call(id, name string, args map[string]any) conversation.ToolInvocationRequest {
	return conversation.ToolInvocationRequest{CallID: id, Name: name, Arguments: args}
}

func viewLen(n int) interface{} {
	return mock.MatchedBy(func(req contract.CompletionRequest) bool { return len(req.Messages) == n })
}

func assertFinishedWithText(t *testing.T, conv *conversation.Conversation) {
	t.Helper()
	last, ok := conv.Last()
	require.True(t, ok)
	assert.Equal(t, conversation.RoleAssistant, last.Role)
	assert.Equal(t, conversation.KindText, last.Kind)
	assert.NoError(t, conv.Validate())
}

func TestRunDirectAnswer(t *testing.T) {
	gen := &MockGenerator{}
	tools := &MockToolCaller{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(req contract.CompletionRequest) bool {
		return len(req.Messages) == 1 && len(req.Tools) == 2 && req.Sampling == contract.DefaultSampling()
	})).Return(text("4"), nil).Once()

	o := New(gen, tools, calcCatalog, Options{Sampling: contract.DefaultSampling(), MaxTurns: DefaultMaxTurns})
	conv, err := o.Run(context.Background(), "what is 2+2")
	require.NoError(t, err)

	assert.Equal(t, 2, conv.Len())
	assert.Equal(t, "4", conv.Answer())
	assertFinishedWithText(t, conv)
	gen.AssertExpectations(t)
	tools.AssertNotCalled(t, "CallTool", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunToolCall(t *testing.T) {
	gen := &MockGenerator{}
	tools := &MockToolCaller{}
	args := map[string]any{"a": 2.0, "b": 2.0}

	gen.On("Generate", mock.Anything, viewLen(1)).Return(blocks(call("c1", "calculator", args)), nil).Once()
	gen.On("Generate", mock.Anything, viewLen(3)).Return(text("2+2 is 4"), nil).Once()
	tools.On("CallTool", mock.Anything, "calculator", args).Return("4", nil).Once()

	o := New(gen, tools, calcCatalog, Options{})
	conv, err := o.Run(context.Background(), "what is 2+2")
	require.NoError(t, err)

	require.Equal(t, 4, conv.Len())
	msgs := conv.Messages()
	assert.Equal(t, conversation.KindBlocks, msgs[1].Kind)
	assert.Equal(t, []conversation.ToolResult{{CallID: "c1", Content: "4"}}, msgs[2].Results)
	assertFinishedWithText(t, conv)
	gen.AssertExpectations(t)
	tools.AssertExpectations(t)
}

func TestRunUnknownToolDoesNoIO(t *testing.T) {
	gen := &MockGenerator{}
	tools := &MockToolCaller{}

	gen.On("Generate", mock.Anything, viewLen(1)).Return(blocks(call("c1", "unknown_tool", nil)), nil).Once()
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(req contract.CompletionRequest) bool {
		if len(req.Messages) != 3 {
			return false
		}
		r := req.Messages[2].Results
		return len(r) == 1 && r[0].IsError && r[0].CallID == "c1"
	})).Return(text("that tool does not exist"), nil).Once()

	o := New(gen, tools, calcCatalog, Options{})
	conv, err := o.Run(context.Background(), "use a tool I made up")
	require.NoError(t, err)

	assert.Equal(t, 4, conv.Len())
	assert.Contains(t, conv.Messages()[2].Results[0].Content, "unknown_tool")
	assertFinishedWithText(t, conv)
	gen.AssertNumberOfCalls(t, "Generate", 2)
	tools.AssertNotCalled(t, "CallTool", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunToolInvocationErrorBecomesResult(t *testing.T) {
	gen := &MockGenerator{}
	tools := &MockToolCaller{}

	gen.On("Generate", mock.Anything, viewLen(1)).Return(blocks(call("c1", "calculator", map[string]any{"a": "x"})), nil).Once()
	gen.On("Generate", mock.Anything, viewLen(3)).Return(text("the calculator rejected that"), nil).Once()
	tools.On("CallTool", mock.Anything, "calculator", mock.Anything).
		Return("", tbErrors.ToolInvocation("tool calculator returned error: a must be a number")).Once()

	o := New(gen, tools, calcCatalog, Options{})
	conv, err := o.Run(context.Background(), "add x and 2")
	require.NoError(t, err)

	result := conv.Messages()[2].Results[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "a must be a number")
	assertFinishedWithText(t, conv)
}

func TestRunTimeoutAborts(t *testing.T) {
	gen := &MockGenerator{}
	tools := &MockToolCaller{}

	gen.On("Generate", mock.Anything, viewLen(1)).Return(blocks(call("c1", "sleepy", nil)), nil).Once()
	tools.On("CallTool", mock.Anything, "sleepy", mock.Anything).
		Return("", tbErrors.Timeout("tools/call sleepy: no response within 1s")).Once()

	o := New(gen, tools, calcCatalog, Options{})
	conv, err := o.Run(context.Background(), "wait forever")
	require.Error(t, err)

	assert.ErrorIs(t, err, tbErrors.ErrOrchestration)
	assert.ErrorIs(t, err, tbErrors.ErrTimeout)

	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "sleepy", oe.Tool)
	assert.Equal(t, "c1", oe.CallID)
	assert.Equal(t, 1, oe.Turn)
	assert.Equal(t, "wait forever", oe.Query)

	// No result was appended for the timed-out call.
	assert.Equal(t, 2, conv.Len())
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRunModelErrorAborts(t *testing.T) {
	gen := &MockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(nil, tbErrors.Transient("model request failed")).Once()

	o := New(gen, &MockToolCaller{}, calcCatalog, Options{})
	conv, err := o.Run(context.Background(), "hello")

	assert.ErrorIs(t, err, tbErrors.ErrOrchestration)
	assert.ErrorIs(t, err, tbErrors.ErrTransient)
	assert.Equal(t, 1, conv.Len())
}

func TestRunEmptyResponse(t *testing.T) {
	gen := &MockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(blocks(), nil).Once()

	o := New(gen, &MockToolCaller{}, calcCatalog, Options{})
	_, err := o.Run(context.Background(), "hello")

	assert.ErrorIs(t, err, tbErrors.ErrOrchestration)
	assert.ErrorIs(t, err, tbErrors.ErrInvalidModelOutput)
}

func TestRunUnsupportedModelBlockAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [
				{"type": "server_tool_use", "id": "srvtoolu_1", "name": "web_search", "input": {"query": "2+2"}},
				{"type": "text", "text": "partial"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	tools := &MockToolCaller{}
	gen := anthropicProvider.New("test", srv.URL, "claude-3-5-sonnet-20241022")
	o := New(gen, tools, calcCatalog, Options{Sampling: contract.DefaultSampling()})
	conv, err := o.Run(context.Background(), "what is 2+2")

	require.Error(t, err)
	assert.ErrorIs(t, err, tbErrors.ErrOrchestration)
	assert.ErrorIs(t, err, tbErrors.ErrInvalidModelOutput)
	assert.Equal(t, 1, conv.Len())
	assert.Empty(t, conv.Answer())
	tools.AssertNotCalled(t, "CallTool", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunMaxTurns(t *testing.T) {
	gen := &MockGenerator{}
	tools := &MockToolCaller{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(blocks(call("c", "calculator", nil)), nil)
	tools.On("CallTool", mock.Anything, "calculator", mock.Anything).Return("0", nil)

	o := New(gen, tools, calcCatalog, Options{MaxTurns: 2})
	conv, err := o.Run(context.Background(), "loop forever")

	assert.ErrorIs(t, err, tbErrors.ErrOrchestration)
	assert.ErrorIs(t, err, tbErrors.ErrMaxTurns)
	gen.AssertNumberOfCalls(t, "Generate", 2)
	assert.Equal(t, 5, conv.Len())
}

func TestRunCancelled(t *testing.T) {
	gen := &MockGenerator{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(gen, &MockToolCaller{}, calcCatalog, Options{})
	_, err := o.Run(ctx, "hello")

	assert.ErrorIs(t, err, tbErrors.ErrOrchestration)
	assert.ErrorIs(t, err, context.Canceled)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestRunEchoesTextBlocks(t *testing.T) {
	gen := &MockGenerator{}
	tools := &MockToolCaller{}

	gen.On("Generate", mock.Anything, viewLen(1)).Return(blocks(
		conversation.TextBlock{Text: "Let me add those."},
		call("c1", "calculator", map[string]any{"a": 1.0, "b": 1.0}),
	), nil).Once()
	// The echo is folded out of the model view, so results follow the request.
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(req contract.CompletionRequest) bool {
		return len(req.Messages) == 3 && req.Messages[2].Kind == conversation.KindToolResults
	})).Return(text("2"), nil).Once()
	tools.On("CallTool", mock.Anything, "calculator", mock.Anything).Return("2", nil).Once()

	o := New(gen, tools, calcCatalog, Options{})
	conv, err := o.Run(context.Background(), "1+1")
	require.NoError(t, err)

	msgs := conv.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, conversation.AssistantText("Let me add those."), msgs[2])
	assert.Equal(t, conversation.KindToolResults, msgs[3].Kind)
	assertFinishedWithText(t, conv)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Query: "q", Turn: 3, Tool: "calculator", CallID: "c9", Cause: tbErrors.ErrTimeout}
	assert.Equal(t, "orchestration failed at turn 3 (tool calculator, call_id c9): timeout", err.Error())

	bare := &Error{Turn: 1}
	assert.ErrorIs(t, bare, tbErrors.ErrOrchestration)
}

func TestRunAgainstLiveToolHost(t *testing.T) {
	host := server.NewMCPServer("calc-host", "1.0.0", server.WithToolCapabilities(false))
	host.AddTool(mcp.NewTool("calculator",
		mcp.WithDescription("Add two numbers"),
		mcp.WithNumber("a", mcp.Required()),
		mcp.WithNumber("b", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		if a+b == 4 {
			return mcp.NewToolResultText("4"), nil
		}
		return mcp.NewToolResultText("not four"), nil
	})

	inner := mcptransport.NewInProcessTransport(host)
	require.NoError(t, inner.Start(context.Background()))
	sess := session.New(transport.New(inner, nil), session.Options{HandshakeTimeout: 5 * time.Second, CallTimeout: 5 * time.Second})
	t.Cleanup(func() { _ = sess.Close() })
	require.NoError(t, sess.Initialize(context.Background()))

	cat := catalog.New()
	_, err := cat.Fetch(context.Background(), sess)
	require.NoError(t, err)

	gen := &MockGenerator{}
	gen.On("Generate", mock.Anything, viewLen(1)).
		Return(blocks(call("toolu_1", "calculator", map[string]any{"a": 2, "b": 2})), nil).Once()
	gen.On("Generate", mock.Anything, viewLen(3)).Return(text("4"), nil).Once()

	o := New(gen, sess, cat, Options{Sampling: contract.DefaultSampling()})
	conv, err := o.Run(context.Background(), "what is 2+2")
	require.NoError(t, err)

	require.Equal(t, 4, conv.Len())
	assert.Equal(t, []conversation.ToolResult{{CallID: "toolu_1", Content: "4"}}, conv.Messages()[2].Results)
	assert.Equal(t, "4", conv.Answer())
}
