// Package conversation holds the append-only message log a single query run
// builds up while talking to the model and the tool host.
package conversation

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is one unit of a model response. The set of implementations is
// closed: TextBlock and ToolInvocationRequest.
type ContentBlock interface {
	contentBlock()
}

type TextBlock struct {
	Text string
}

// ToolInvocationRequest asks the bridge to run a catalog tool. CallID is an
// opaque token linking the request to its ToolResult.
type ToolInvocationRequest struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

func (TextBlock) contentBlock()             {}
func (ToolInvocationRequest) contentBlock() {}

type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

type Kind int

const (
	KindText Kind = iota
	KindBlocks
	KindToolResults
)

// Message is a tagged union keyed by Kind. Only the field matching Kind is set.
type Message struct {
	Role    Role
	Kind    Kind
	Text    string
	Blocks  []ContentBlock
	Results []ToolResult
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Kind: KindText, Text: text}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Kind: KindText, Text: text}
}

func AssistantBlocks(blocks []ContentBlock) Message {
	return Message{Role: RoleAssistant, Kind: KindBlocks, Blocks: append([]ContentBlock(nil), blocks...)}
}

// ToolResults reports results back to the model as a user turn.
func ToolResults(results ...ToolResult) Message {
	return Message{Role: RoleUser, Kind: KindToolResults, Results: append([]ToolResult(nil), results...)}
}

// ToolRequests returns the tool invocation requests of a structured message.
func (m Message) ToolRequests() []ToolInvocationRequest {
	if m.Kind != KindBlocks {
		return nil
	}
	var out []ToolInvocationRequest
	for _, b := range m.Blocks {
		if req, ok := b.(ToolInvocationRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

type wireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   *string        `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role    Role `json:"role"`
	Content any  `json:"content"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := wireMessage{Role: m.Role}

	switch m.Kind {
	case KindText:
		out.Content = m.Text
	case KindBlocks:
		blocks := make([]wireBlock, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch v := b.(type) {
			case TextBlock:
				blocks = append(blocks, wireBlock{Type: "text", Text: v.Text})
			case ToolInvocationRequest:
				input := v.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, wireBlock{Type: "tool_use", ID: v.CallID, Name: v.Name, Input: input})
			default:
				return nil, fmt.Errorf("unsupported content block %T", b)
			}
		}
		out.Content = blocks
	case KindToolResults:
		blocks := make([]wireBlock, 0, len(m.Results))
		for _, r := range m.Results {
			content := r.Content
			blocks = append(blocks, wireBlock{Type: "tool_result", ToolUseID: r.CallID, Content: &content, IsError: r.IsError})
		}
		out.Content = blocks
	default:
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}

	return json.Marshal(out)
}
