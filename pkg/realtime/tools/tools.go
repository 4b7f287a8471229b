// Package tools maps tool names to local handlers and runs them on behalf of
// the remote agent.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
)

const DefaultTimeout = 10 * time.Second

var ErrToolNotFound = errors.New("tool not found")

// Result is what a handler hands back to the conversation. It serializes flat:
// success and message next to any extra fields.
type Result struct {
	Success bool
	Message string
	Code    string
	Fields  map[string]any
}

func OK(message string, fields map[string]any) Result {
	return Result{Success: true, Message: message, Fields: fields}
}

func Fail(code, message string) Result {
	return Result{Success: false, Code: code, Message: message}
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["success"] = r.Success
	out["message"] = r.Message
	if r.Code != "" {
		out["code"] = r.Code
	}
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Result{}
	if v, ok := raw["success"].(bool); ok {
		r.Success = v
	}
	if v, ok := raw["message"].(string); ok {
		r.Message = v
	}
	if v, ok := raw["code"].(string); ok {
		r.Code = v
	}
	delete(raw, "success")
	delete(raw, "message")
	delete(raw, "code")
	if len(raw) > 0 {
		r.Fields = raw
	}
	return nil
}

// Handler runs one tool call. args is always a JSON object.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func (r *Registry) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// RegisterAgent registers the handlers for every tool the agent declares.
// A declared tool without a handler is skipped with a warning so the model
// still receives a failure result when it calls it.
func (r *Registry) RegisterAgent(agent agents.Config, handlers map[string]Handler) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	for _, name := range agent.ToolNames() {
		handler, ok := handlers[name]
		if !ok {
			r.logger.Warn("agent tool has no handler", "agent", agent.Name, "tool", name)
			continue
		}
		if err := r.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.TrimSpace(name)]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke runs the named handler under the registry timeout. Handler errors,
// timeouts and panics are folded into a failure Result. The only error
// returned is ErrToolNotFound, alongside a failure Result describing it.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	name = strings.TrimSpace(name)
	handler, ok := r.Lookup(name)
	if !ok {
		return Fail("tool_not_registered", fmt.Sprintf("Tool '%s' was called but no handler is registered.", name)), ErrToolNotFound
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	toolCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.run(toolCtx, name, handler, args)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, context.DeadlineExceeded):
		return Fail("tool_timeout", "Tool execution timed out."), nil
	case errors.Is(err, context.Canceled):
		return Fail("tool_canceled", "Tool execution was canceled."), nil
	default:
		return Fail("tool_execution_failed", fmt.Sprintf("Error executing tool: %v", err)), nil
	}
}

// run waits for the handler or ctx, whichever finishes first. A handler that
// ignores ctx keeps running in the background; its late result is dropped.
func (r *Registry) run(ctx context.Context, name string, handler Handler, args json.RawMessage) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool handler panic", "tool", name, "panic", rec)
				out = outcome{err: fmt.Errorf("tool %q panicked: %v", name, rec)}
			}
			done <- out
		}()
		out.res, out.err = handler(ctx, args)
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		r.logger.Warn("tool handler abandoned", "tool", name, "error", ctx.Err())
		return Result{}, ctx.Err()
	}
}
