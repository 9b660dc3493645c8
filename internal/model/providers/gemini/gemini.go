package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/model/contract"

	"github.com/oklog/ulid/v2"
	"google.golang.org/genai"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

type Provider struct {
	client *genai.Client
	model  string
}

func New(apiKey, baseURL, model string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string {
	return p.model
}

func (p *Provider) Type() string {
	return "gemini"
}

func (p *Provider) Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	cfg, err := toConfig(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, toContents(req.Messages), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	return fromResponse(resp)
}

func toConfig(req contract.CompletionRequest) (*genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.Sampling.MaxTokens),
		Temperature:     genai.Ptr(float32(req.Sampling.Temperature)),
		TopP:            genai.Ptr(float32(req.Sampling.TopP)),
		CandidateCount:  int32(req.Sampling.CandidateCount),
	}

	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range req.Tools {
			schema, err := toSchema(t.Parameters)
			if err != nil {
				return nil, tbErrors.InvalidInput(fmt.Sprintf("tool %s: argument schema: %v", t.Name, err))
			}
			decls = append(decls, &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: schema})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg, nil
}

func toSchema(params map[string]any) (*genai.Schema, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var schema genai.Schema
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

func toContents(messages []conversation.Message) []*genai.Content {
	names := contract.ToolNames(messages)

	var contents []*genai.Content
	for _, m := range messages {
		switch m.Kind {
		case conversation.KindText:
			role := roleUser
			if m.Role == conversation.RoleAssistant {
				role = roleModel
			}
			contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Text}}})
		case conversation.KindBlocks:
			c := &genai.Content{Role: roleModel}
			for _, b := range m.Blocks {
				switch v := b.(type) {
				case conversation.TextBlock:
					c.Parts = append(c.Parts, &genai.Part{Text: v.Text})
				case conversation.ToolInvocationRequest:
					c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: v.CallID, Name: v.Name, Args: v.Arguments}})
				}
			}
			contents = append(contents, c)
		case conversation.KindToolResults:
			c := &genai.Content{Role: roleUser}
			for _, r := range m.Results {
				key := "output"
				if r.IsError {
					key = "error"
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       r.CallID,
					Name:     names[r.CallID],
					Response: map[string]any{key: r.Content},
				}})
			}
			contents = append(contents, c)
		}
	}
	return contents
}

// fromResponse keeps text and function calls. Any other part kind (code
// execution, inline data, thoughts) is invalid output for this loop.
func fromResponse(resp *genai.GenerateContentResponse) (*contract.CompletionResponse, error) {
	out := &contract.CompletionResponse{}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			fc := part.FunctionCall
			id := fc.ID
			if id == "" {
				id = "call_" + ulid.Make().String()
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			out.Blocks = append(out.Blocks, conversation.ToolInvocationRequest{CallID: id, Name: fc.Name, Arguments: args})
		case part.Thought:
			return nil, tbErrors.InvalidModelOutput("unsupported content part \"thought\"")
		case part.Text != "":
			out.Blocks = append(out.Blocks, conversation.TextBlock{Text: part.Text})
		default:
			if kind := partKind(part); kind != "" {
				return nil, tbErrors.InvalidModelOutput(fmt.Sprintf("unsupported content part %q", kind))
			}
		}
	}
	return out, nil
}

// partKind names the payload of a part that is neither text nor a function
// call, or "" for an empty part.
func partKind(part *genai.Part) string {
	switch {
	case part.ExecutableCode != nil:
		return "executable_code"
	case part.CodeExecutionResult != nil:
		return "code_execution_result"
	case part.InlineData != nil:
		return "inline_data"
	case part.FileData != nil:
		return "file_data"
	case part.FunctionResponse != nil:
		return "function_response"
	}
	return ""
}
