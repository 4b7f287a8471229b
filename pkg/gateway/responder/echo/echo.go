// Package echo is an offline responder for local runs and tests. It repeats
// the user's text, and "/call <tool> <json>" asks the client to run a tool.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
)

const callPrefix = "/call "

type Responder struct {
	// ChunkSize splits replies into deltas of at most this many runes.
	ChunkSize int
}

func New() *Responder {
	return &Responder{ChunkSize: 8}
}

func (r *Responder) Step(ctx context.Context, req responder.Request, onDelta func(string)) (responder.Step, error) {
	if err := ctx.Err(); err != nil {
		return responder.Step{}, err
	}
	if len(req.Messages) == 0 {
		return responder.Step{}, fmt.Errorf("echo: no messages")
	}

	last := req.Messages[len(req.Messages)-1]
	switch last.Role {
	case responder.RoleTool:
		return r.emit(toolSummary(req.Messages), onDelta), nil
	case responder.RoleUser:
		text := strings.TrimSpace(last.Text)
		if call, ok := parseCall(text, req); ok {
			return responder.Step{ToolCalls: []responder.ToolCall{call}}, nil
		}
		return r.emit("You said: "+text, onDelta), nil
	default:
		return responder.Step{}, nil
	}
}

func (r *Responder) emit(text string, onDelta func(string)) responder.Step {
	if onDelta != nil {
		size := r.ChunkSize
		if size <= 0 {
			size = len(text)
		}
		runes := []rune(text)
		for i := 0; i < len(runes); i += size {
			end := min(i+size, len(runes))
			onDelta(string(runes[i:end]))
		}
	}
	return responder.Step{Text: text}
}

func parseCall(text string, req responder.Request) (responder.ToolCall, bool) {
	if !strings.HasPrefix(text, callPrefix) {
		return responder.ToolCall{}, false
	}
	name, args, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(text, callPrefix)), " ")
	declared := false
	for _, tool := range req.Agent.Tools {
		if tool.Name == name {
			declared = true
			break
		}
	}
	if !declared {
		return responder.ToolCall{}, false
	}
	args = strings.TrimSpace(args)
	if args == "" || !json.Valid([]byte(args)) {
		args = "{}"
	}
	return responder.ToolCall{
		ID:        "call_" + uuid.NewString(),
		Name:      name,
		Arguments: json.RawMessage(args),
	}, true
}

// toolSummary reports the message of every tool result after the last
// assistant tool-call step.
func toolSummary(msgs []responder.Message) string {
	var parts []string
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role == responder.RoleTool; i-- {
		parts = append([]string{describeOutput(msgs[i])}, parts...)
	}
	return strings.Join(parts, " ")
}

func describeOutput(m responder.Message) string {
	if out, ok := m.Output.(map[string]any); ok {
		if msg, ok := out["message"].(string); ok && msg != "" {
			return msg
		}
	}
	data, err := json.Marshal(m.Output)
	if err != nil {
		return m.ToolName + " finished"
	}
	return fmt.Sprintf("%s returned %s", m.ToolName, data)
}
