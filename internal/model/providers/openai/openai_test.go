package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/model/contract"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToolCall(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_abc",
						"type": "function",
						"function": {"name": "calculator", "arguments": "{\"a\":2,\"b\":2}"}
					}]
				}
			}]
		}`))
	}))
	defer srv.Close()

	p := NewCompatible("ollama", "test", srv.URL+"/", "llama3")
	resp, err := p.Generate(context.Background(), contract.CompletionRequest{
		Messages: []conversation.Message{conversation.UserText("what is 2+2?")},
		Tools: []contract.ToolDef{{
			Name:        "calculator",
			Description: "adds numbers",
			Parameters:  map[string]interface{}{"type": "object"},
		}},
		Sampling: contract.DefaultSampling(),
	})
	require.NoError(t, err)

	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, 1000, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 0.0001)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "calculator", got.Tools[0].Function.Name)

	require.Len(t, resp.Blocks, 1)
	call, ok := resp.Blocks[0].(conversation.ToolInvocationRequest)
	require.True(t, ok)
	assert.Equal(t, "call_abc", call.CallID)
	assert.Equal(t, "calculator", call.Name)
	assert.Equal(t, map[string]any{"a": float64(2), "b": float64(2)}, call.Arguments)
}

func TestGenerateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	p := New("test", srv.URL, "gpt-4o")
	_, err := p.Generate(context.Background(), contract.CompletionRequest{
		Messages: []conversation.Message{conversation.UserText("hi")},
	})
	assert.ErrorIs(t, err, tbErrors.ErrInvalidModelOutput)
}

func TestFromMessageBadArguments(t *testing.T) {
	_, err := fromMessage(openai.ChatCompletionMessage{
		ToolCalls: []openai.ToolCall{{ID: "c1", Function: openai.FunctionCall{Name: "calculator", Arguments: "{not json"}}},
	})
	assert.ErrorIs(t, err, tbErrors.ErrInvalidModelOutput)
}

func TestFromMessageTextThenCalls(t *testing.T) {
	resp, err := fromMessage(openai.ChatCompletionMessage{
		Content:   "let me check",
		ToolCalls: []openai.ToolCall{{Function: openai.FunctionCall{Name: "calculator"}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Blocks, 2)
	assert.Equal(t, conversation.TextBlock{Text: "let me check"}, resp.Blocks[0])
	call := resp.Blocks[1].(conversation.ToolInvocationRequest)
	assert.Equal(t, "call_1", call.CallID)
	assert.Empty(t, call.Arguments)
}

func TestToMessages(t *testing.T) {
	msgs, err := toMessages([]conversation.Message{
		conversation.UserText("divide 1 by 0"),
		conversation.AssistantBlocks([]conversation.ContentBlock{
			conversation.TextBlock{Text: "dividing"},
			conversation.ToolInvocationRequest{CallID: "c1", Name: "divide", Arguments: map[string]any{"a": 1, "b": 0}},
		}),
		conversation.ToolResults(conversation.ToolResult{CallID: "c1", Content: "division by zero", IsError: true}),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, openai.ChatMessageRoleUser, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "dividing", msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.JSONEq(t, `{"a":1,"b":0}`, msgs[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, openai.ChatMessageRoleTool, msgs[2].Role)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "ERROR: division by zero", msgs[2].Content)
}
