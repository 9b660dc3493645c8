package conversation

import (
	"encoding/json"
	"fmt"
)

// Conversation is an append-only log owned by one run at a time.
type Conversation struct {
	messages []Message
}

// New seeds a conversation with the user's query.
func New(query string) *Conversation {
	return &Conversation{messages: []Message{UserText(query)}}
}

func (c *Conversation) Append(m Message) {
	c.messages = append(c.messages, m)
}

func (c *Conversation) Len() int {
	return len(c.messages)
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

func (c *Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Answer is the most recent assistant text message.
func (c *Conversation) Answer() string {
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if m.Role == RoleAssistant && m.Kind == KindText {
			return m.Text
		}
	}
	return ""
}

// Validate checks result pairing: every ToolResult answers a request from the
// latest structured assistant message, exactly once.
func (c *Conversation) Validate() error {
	pending := map[string]bool{}
	for i, m := range c.messages {
		switch {
		case m.Kind == KindBlocks:
			for id := range pending {
				return fmt.Errorf("message %d: call %q has no result", i, id)
			}
			for _, req := range m.ToolRequests() {
				pending[req.CallID] = true
			}
		case m.Kind == KindToolResults:
			for _, r := range m.Results {
				if !pending[r.CallID] {
					return fmt.Errorf("message %d: orphaned result for call %q", i, r.CallID)
				}
				delete(pending, r.CallID)
			}
		}
	}
	for id := range pending {
		return fmt.Errorf("call %q has no result", id)
	}
	return nil
}

// ModelView is the log as sent to the model. Text blocks of a structured
// message are echoed as separate assistant messages by the loop; those echoes
// are folded back so tool results directly follow their requests.
func (c *Conversation) ModelView() []Message {
	out := make([]Message, 0, len(c.messages))
	echoes := map[string]int{}

	for _, m := range c.messages {
		switch {
		case m.Kind == KindBlocks:
			clear(echoes)
			for _, b := range m.Blocks {
				if tb, ok := b.(TextBlock); ok {
					echoes[tb.Text]++
				}
			}
		case m.Role == RoleAssistant && m.Kind == KindText && echoes[m.Text] > 0:
			echoes[m.Text]--
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.messages)
}
