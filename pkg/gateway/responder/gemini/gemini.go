// Package gemini runs responder steps against the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/vango-go/vai-voicedesk/pkg/core"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
)

const upstreamName = "gemini"

// Content roles on the Gemini wire.
const (
	roleUser  = "user"
	roleModel = "model"
)

// generator is the part of *genai.Models the responder uses.
type generator interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type Responder struct {
	gen    generator
	model  string
	logger *slog.Logger
}

func New(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Responder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newWithGenerator(client.Models, model, logger), nil
}

func newWithGenerator(gen generator, model string, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{gen: gen, model: model, logger: logger}
}

func (r *Responder) Step(ctx context.Context, req responder.Request, onDelta func(string)) (responder.Step, error) {
	contents, err := toContents(req.Messages)
	if err != nil {
		return responder.Step{}, err
	}
	if len(contents) == 0 {
		return responder.Step{}, core.NewInvalidRequestErrorWithParam("at least one message is required", "messages")
	}

	var (
		step responder.Step
		text strings.Builder
	)
	for resp, err := range r.gen.GenerateContentStream(ctx, r.model, contents, toConfig(req)) {
		if err != nil {
			if ctx.Err() != nil {
				return responder.Step{}, ctx.Err()
			}
			return responder.Step{}, core.NewUpstreamError(upstreamName, err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
				if onDelta != nil {
					onDelta(part.Text)
				}
			}
			if fc := part.FunctionCall; fc != nil {
				call, err := fromFunctionCall(fc)
				if err != nil {
					r.logger.Warn("dropping undecodable function call", "name", fc.Name, "error", err)
					continue
				}
				step.ToolCalls = append(step.ToolCalls, call)
			}
		}
	}
	step.Text = text.String()
	return step, nil
}

func fromFunctionCall(fc *genai.FunctionCall) (responder.ToolCall, error) {
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return responder.ToolCall{}, err
	}
	id := strings.TrimSpace(fc.ID)
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return responder.ToolCall{ID: id, Name: fc.Name, Arguments: raw}, nil
}

func toConfig(req responder.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.Agent.Instructions) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.Agent.Instructions}}}
	}
	if len(req.Agent.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Agent.Tools))
		for _, tool := range req.Agent.Tools {
			decl := &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
			if tool.Parameters != nil {
				decl.ParametersJsonSchema = tool.Parameters
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// toContents maps history onto Gemini roles. Consecutive tool results are
// sent together as one user turn of function responses.
func toContents(msgs []responder.Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case responder.RoleUser:
			if strings.TrimSpace(m.Text) == "" {
				continue
			}
			out = append(out, &genai.Content{Role: roleUser, Parts: []*genai.Part{{Text: m.Text}}})
		case responder.RoleAssistant:
			c := &genai.Content{Role: roleModel}
			if m.Text != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Text})
			}
			for _, call := range m.ToolCalls {
				args := map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, core.NewInvalidRequestErrorWithParam("tool call arguments must be a JSON object", "tool_calls.arguments")
					}
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}})
			}
			if len(c.Parts) > 0 {
				out = append(out, c)
			}
		case responder.RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: toolResponse(m),
			}}
			if n := len(out); n > 0 && out[n-1].Role == roleUser && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: roleUser, Parts: []*genai.Part{part}})
		default:
			return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unsupported role %q", m.Role), "messages.role")
		}
	}
	return out, nil
}

func toolResponse(m responder.Message) map[string]any {
	key := "output"
	if m.IsError {
		key = "error"
	}
	if obj, ok := m.Output.(map[string]any); ok && !m.IsError {
		return obj
	}
	return map[string]any{key: m.Output}
}
