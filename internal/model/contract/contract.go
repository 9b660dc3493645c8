package contract

import "github.com/harunnryd/toolbridge/internal/conversation"

// Sampling controls generation. Providers ignore fields they cannot express.
type Sampling struct {
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"top_p"`
	CandidateCount int     `json:"candidate_count"`
}

func DefaultSampling() Sampling {
	return Sampling{MaxTokens: 1000, Temperature: 0.7, TopP: 1.0, CandidateCount: 1}
}

type CompletionRequest struct {
	Model    string                 `json:"model"`
	Messages []conversation.Message `json:"messages"`
	Tools    []ToolDef              `json:"tools,omitempty"`
	Sampling Sampling               `json:"sampling"`
}

type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// CompletionResponse holds the model's content blocks in emission order.
type CompletionResponse struct {
	Blocks []conversation.ContentBlock
}

// FinalText reports whether the response is exactly one text block.
func (r *CompletionResponse) FinalText() (string, bool) {
	if r == nil || len(r.Blocks) != 1 {
		return "", false
	}
	tb, ok := r.Blocks[0].(conversation.TextBlock)
	return tb.Text, ok
}

// ToolNames maps call ids to tool names across a message log. Providers whose
// wire format needs the name next to a tool result use it.
func ToolNames(messages []conversation.Message) map[string]string {
	names := map[string]string{}
	for _, m := range messages {
		for _, req := range m.ToolRequests() {
			names[req.CallID] = req.Name
		}
	}
	return names
}
