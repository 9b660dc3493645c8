package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/model/contract"

	"github.com/sashabaranov/go-openai"
)

// Provider talks to any OpenAI-compatible chat completions endpoint.
type Provider struct {
	client       *openai.Client
	model        string
	providerType string
}

func New(apiKey, baseURL, model string) *Provider {
	return NewCompatible("openai", apiKey, baseURL, model)
}

// NewCompatible is New for OpenAI-compatible backends such as Ollama or Z.ai.
func NewCompatible(providerType, apiKey, baseURL, model string) *Provider {
	if apiKey == "" && providerType == "openai" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	return &Provider{client: openai.NewClientWithConfig(cfg), model: model, providerType: providerType}
}

func (p *Provider) Name() string {
	return p.model
}

func (p *Provider) Type() string {
	return p.providerType
}

func (p *Provider) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	messages, err := toMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	var tools []openai.Tool
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   req.Sampling.MaxTokens,
		Temperature: float32(req.Sampling.Temperature),
		TopP:        float32(req.Sampling.TopP),
		N:           req.Sampling.CandidateCount,
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, tbErrors.InvalidModelOutput("no choices returned")
	}

	return fromMessage(resp.Choices[0].Message)
}

func fromMessage(msg openai.ChatCompletionMessage) (*contract.CompletionResponse, error) {
	out := &contract.CompletionResponse{}
	if msg.Content != "" {
		out.Blocks = append(out.Blocks, conversation.TextBlock{Text: msg.Content})
	}

	for i, tc := range msg.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, tbErrors.WrapWithCategory(err, "decode arguments for "+tc.Function.Name, tbErrors.ErrInvalidModelOutput)
			}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		out.Blocks = append(out.Blocks, conversation.ToolInvocationRequest{
			CallID:    id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return out, nil
}

// toMessages flattens the log into chat messages: one assistant message per
// structured turn carrying its tool_calls, one tool message per result.
func toMessages(messages []conversation.Message) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage

	for _, m := range messages {
		switch m.Kind {
		case conversation.KindText:
			out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Text})
		case conversation.KindBlocks:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var text []string
			for _, b := range m.Blocks {
				switch v := b.(type) {
				case conversation.TextBlock:
					text = append(text, v.Text)
				case conversation.ToolInvocationRequest:
					args, err := json.Marshal(v.Arguments)
					if err != nil {
						return nil, fmt.Errorf("encode arguments for %s: %w", v.Name, err)
					}
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   v.CallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      v.Name,
							Arguments: string(args),
						},
					})
				}
			}
			msg.Content = strings.Join(text, "\n")
			out = append(out, msg)
		case conversation.KindToolResults:
			for _, r := range m.Results {
				content := r.Content
				if r.IsError {
					content = "ERROR: " + content
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: r.CallID,
				})
			}
		}
	}

	return out, nil
}
