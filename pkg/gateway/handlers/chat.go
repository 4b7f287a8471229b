package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/core"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
)

type chatRequest struct {
	Agent    string              `json:"agent,omitempty"`
	Messages []responder.Message `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Agent     string               `json:"agent"`
	Model     string               `json:"model"`
	Message   chatMessage          `json:"message"`
	ToolCalls []responder.ToolCall `json:"tool_calls"`
}

// ChatCompletionsHandler handles POST /api/chat/completions: one
// non-streaming model step over the supplied history with the agent's tools.
type ChatCompletionsHandler struct {
	Config    config.Config
	Responder responder.Responder
	Agents    agents.Registry
	Logger    *slog.Logger
}

func (h ChatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	reqID := requestIDFromContext(r.Context())

	var req chatRequest
	if cerr := decodeBody(w, r, h.Config.MaxBodyBytes, &req); cerr != nil {
		writeCoreErrorJSON(w, reqID, cerr, http.StatusBadRequest)
		return
	}
	if cerr := h.validate(req); cerr != nil {
		writeCoreErrorJSON(w, reqID, cerr, http.StatusBadRequest)
		return
	}
	agentName := strings.TrimSpace(req.Agent)
	if agentName == "" {
		agentName = h.Config.Agent
	}
	agent, ok := h.Agents.Lookup(agentName)
	if !ok {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("unknown agent", "agent"), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}

	step, err := h.Responder.Step(ctx, responder.Request{Agent: agent, Messages: req.Messages}, nil)
	if err != nil {
		h.logger().Warn("chat completion failed", "request_id", reqID, "agent", agentName, "error", err)
		apierror.Write(w, reqID, err)
		return
	}

	toolCalls := step.ToolCalls
	if toolCalls == nil {
		toolCalls = []responder.ToolCall{}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Agent:     agentName,
		Model:     h.Config.Model,
		Message:   chatMessage{Role: responder.RoleAssistant, Content: step.Text},
		ToolCalls: toolCalls,
	})
}

func (h ChatCompletionsHandler) validate(req chatRequest) *core.Error {
	if len(req.Messages) == 0 {
		return core.NewInvalidRequestErrorWithParam("no messages provided", "messages")
	}
	if h.Config.MaxMessages > 0 && len(req.Messages) > h.Config.MaxMessages {
		return core.NewInvalidRequestErrorWithParam(fmt.Sprintf("at most %d messages are allowed", h.Config.MaxMessages), "messages")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case responder.RoleUser, responder.RoleAssistant:
		case responder.RoleTool:
			if strings.TrimSpace(m.ToolCallID) == "" {
				return core.NewInvalidRequestErrorWithParam("tool messages require tool_call_id", fmt.Sprintf("messages[%d].tool_call_id", i))
			}
		default:
			return core.NewInvalidRequestErrorWithParam("role must be one of user|assistant|tool", fmt.Sprintf("messages[%d].role", i))
		}
	}
	return nil
}

func (h ChatCompletionsHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
