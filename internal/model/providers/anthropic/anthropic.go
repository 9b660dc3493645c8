package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/model/contract"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type Provider struct {
	client anthropic.Client
	model  string
}

func New(apiKey, baseURL, model string) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{client: anthropic.NewClient(opts...), model: model}
}

func (p *Provider) Name() string {
	return p.model
}

func (p *Provider) Type() string {
	return "anthropic"
}

func (p *Provider) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	var tools []anthropic.ToolUnionParam
	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{Properties: map[string]interface{}{}}
		if t.Parameters != nil {
			if props, ok := t.Parameters["properties"].(map[string]interface{}); ok {
				schema.Properties = props
			}
			schema.Required = requiredFields(t.Parameters)
		}
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	modelName := req.Model
	if modelName == "" {
		modelName = p.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: int64(req.Sampling.MaxTokens),
		Messages:  toMessages(req.Messages),
		Tools:     tools,
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = int64(contract.DefaultSampling().MaxTokens)
	}
	// Anthropic recommends against setting both; temperature wins unless top_p narrows.
	params.Temperature = anthropic.Float(req.Sampling.Temperature)
	if req.Sampling.TopP > 0 && req.Sampling.TopP < 1 {
		params.TopP = anthropic.Float(req.Sampling.TopP)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	resp := &contract.CompletionResponse{}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Blocks = append(resp.Blocks, conversation.TextBlock{Text: b.Text})
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, tbErrors.WrapWithCategory(err, "decode tool_use input for "+b.Name, tbErrors.ErrInvalidModelOutput)
				}
			}
			resp.Blocks = append(resp.Blocks, conversation.ToolInvocationRequest{
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		default:
			return nil, tbErrors.InvalidModelOutput(fmt.Sprintf("unsupported content block %q", block.Type))
		}
	}

	return resp, nil
}

// toMessages converts the log, merging consecutive same-role turns into one
// message as the Messages API expects.
func toMessages(messages []conversation.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		switch m.Kind {
		case conversation.KindText:
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		case conversation.KindBlocks:
			for _, b := range m.Blocks {
				switch v := b.(type) {
				case conversation.TextBlock:
					blocks = append(blocks, anthropic.NewTextBlock(v.Text))
				case conversation.ToolInvocationRequest:
					input := v.Arguments
					if input == nil {
						input = map[string]any{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(v.CallID, input, v.Name))
				}
			}
		case conversation.KindToolResults:
			for _, r := range m.Results {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
			}
		}

		role := anthropic.MessageParamRoleUser
		if m.Role == conversation.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	return out
}

func requiredFields(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
