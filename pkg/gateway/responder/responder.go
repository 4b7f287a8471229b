// Package responder defines the model backend behind relay turns and chat
// completions.
package responder

import (
	"context"
	"encoding/json"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of the conversation history. Assistant messages may
// carry tool calls; tool messages answer exactly one call.
type Message struct {
	Role      string     `json:"role"`
	Text      string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"name,omitempty"`
	Output     any    `json:"output,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

type Request struct {
	Agent    agents.Config
	Messages []Message
}

// Step is one model response: text, tool calls, or both.
type Step struct {
	Text      string
	ToolCalls []ToolCall
}

// Responder runs one model step. onDelta, when non-nil, receives text as it
// is produced; the returned Step always carries the full text.
type Responder interface {
	Step(ctx context.Context, req Request, onDelta func(delta string)) (Step, error)
}

type Func func(ctx context.Context, req Request, onDelta func(delta string)) (Step, error)

func (f Func) Step(ctx context.Context, req Request, onDelta func(delta string)) (Step, error) {
	return f(ctx, req, onDelta)
}

// LastUserText returns the text of the most recent user message.
func LastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Text
		}
	}
	return ""
}
