// Package reconciler applies inbound agent-service events to a session's
// transcript and routes tool calls to local handlers.
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/vai-voicedesk/pkg/realtime/eventlog"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/protocol"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/tools"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/transcript"
)

// Category classifies what Handle did with an event.
type Category string

const (
	CategoryTerminated   Category = "terminated"
	CategoryMessage      Category = "message"
	CategoryDelta        Category = "delta"
	CategoryCompleted    Category = "completed"
	CategoryError        Category = "error"
	CategoryToolCall     Category = "tool_call"
	CategoryUnrecognized Category = "unrecognized"
	CategoryMalformed    Category = "malformed"
)

var (
	ErrMissingItemID   = errors.New("missing item id")
	ErrMissingCallID   = errors.New("missing call id")
	ErrUnknownItem     = errors.New("unknown item id")
	ErrUnsupportedRole = errors.New("unsupported role")
	ErrDuplicateCall   = errors.New("duplicate tool call")
)

// Effect reports what handling one event did. Err is set when the event was
// discarded; it is informational and never ends the session.
type Effect struct {
	Category   Category
	Disconnect bool
	CallID     string
	Err        error
}

// Outbound delivers client events back to the agent service.
type Outbound interface {
	Send(ctx context.Context, event any) error
}

// Invoker runs a named tool.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (tools.Result, error)
}

// Deps wires a Reconciler. Tools and Logger are optional.
type Deps struct {
	Transcript *transcript.Store
	Events     *eventlog.Log
	Tools      Invoker
	Outbound   Outbound
	Logger     *slog.Logger
}

// Reconciler must be driven from a single goroutine; Handle is not safe for
// concurrent use. Tool handlers run on their own goroutines.
type Reconciler struct {
	transcript *transcript.Store
	events     *eventlog.Log
	tools      Invoker
	out        Outbound
	logger     *slog.Logger

	wg        sync.WaitGroup
	callsMu   sync.Mutex
	seenCalls map[string]struct{}
}

// New returns a Reconciler over deps. A nil Tools gets an empty registry, so
// every call is answered with tool_not_registered.
func New(deps Deps) (*Reconciler, error) {
	if deps.Transcript == nil {
		return nil, fmt.Errorf("reconciler: transcript store is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("reconciler: event log is required")
	}
	if deps.Outbound == nil {
		return nil, fmt.Errorf("reconciler: outbound is required")
	}
	r := &Reconciler{
		transcript: deps.Transcript,
		events:     deps.Events,
		tools:      deps.Tools,
		out:        deps.Outbound,
		logger:     deps.Logger,
		seenCalls:  make(map[string]struct{}),
	}
	if r.tools == nil {
		r.tools = tools.NewRegistry(tools.Options{Logger: deps.Logger})
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Handle records raw in the event log and then applies it. It never panics on
// bad input and never blocks on tool execution.
func (r *Reconciler) Handle(ctx context.Context, raw []byte) Effect {
	r.events.LogInbound(raw, "")

	ev, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("discarding malformed event", "error", err)
		return Effect{Category: CategoryMalformed, Err: err}
	}

	switch e := ev.(type) {
	case protocol.SessionTerminated:
		r.transcript.CreateBreadcrumb("WebSocket connection terminated", json.RawMessage(raw))
		return Effect{Category: CategoryTerminated, Disconnect: true}
	case protocol.Message:
		return r.handleMessage(e)
	case protocol.MessageDelta:
		return r.handleDelta(e)
	case protocol.MessageCompleted:
		return r.handleCompleted(e)
	case protocol.SessionError:
		r.transcript.CreateBreadcrumb("Error: "+compact(raw), json.RawMessage(raw))
		return Effect{Category: CategoryError}
	case protocol.ToolCall:
		return r.handleToolCall(ctx, e)
	default:
		r.logger.Debug("ignoring unrecognized event", "type", ev.EventType())
		return Effect{Category: CategoryUnrecognized}
	}
}

func (r *Reconciler) handleMessage(e protocol.Message) Effect {
	eff := Effect{Category: CategoryMessage}
	itemID := strings.TrimSpace(e.Item.ID)
	if itemID == "" {
		eff.Err = ErrMissingItemID
		r.logger.Warn("discarding message without item id", "type", e.Type)
		return eff
	}
	part := e.Item.FirstPart()

	switch e.Item.Role {
	case protocol.RoleAssistant:
		if _, _, err := r.transcript.CreateMessage(itemID, protocol.RoleAssistant, ""); err != nil {
			eff.Err = err
			r.logger.Warn("discarding assistant message", "item_id", itemID, "error", err)
			return eff
		}
		if part.Text != "" {
			if err := r.transcript.ReplaceText(itemID, part.Text); err != nil {
				eff.Err = err
			}
		}
	case protocol.RoleUser:
		text := part.Transcript
		if text == "" {
			text = part.Text
		}
		if text == "" {
			return eff
		}
		if existing, ok := r.transcript.Get(itemID); ok {
			if existing.Kind != transcript.KindMessage || existing.Role != protocol.RoleUser {
				eff.Err = fmt.Errorf("%w: %s", transcript.ErrRoleConflict, itemID)
				r.logger.Warn("discarding user message", "item_id", itemID, "error", eff.Err)
				return eff
			}
			eff.Err = r.transcript.ReplaceText(itemID, text)
			return eff
		}
		if _, _, err := r.transcript.CreateMessage(itemID, protocol.RoleUser, text); err != nil {
			eff.Err = err
		}
	default:
		eff.Err = fmt.Errorf("%w: %q", ErrUnsupportedRole, e.Item.Role)
		r.logger.Warn("discarding message", "item_id", itemID, "error", eff.Err)
	}
	return eff
}

func (r *Reconciler) handleDelta(e protocol.MessageDelta) Effect {
	eff := Effect{Category: CategoryDelta}
	itemID := strings.TrimSpace(e.ItemID)
	if itemID == "" {
		eff.Err = ErrMissingItemID
		r.logger.Warn("discarding delta without item id")
		return eff
	}
	if !r.transcript.Has(itemID) {
		eff.Err = fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
		r.logger.Warn("discarding delta for unknown item", "item_id", itemID)
		return eff
	}
	if err := r.transcript.AppendText(itemID, e.Delta); err != nil {
		eff.Err = err
		r.logger.Warn("discarding delta", "item_id", itemID, "error", err)
	}
	return eff
}

func (r *Reconciler) handleCompleted(e protocol.MessageCompleted) Effect {
	eff := Effect{Category: CategoryCompleted}
	itemID := strings.TrimSpace(e.ItemID)
	if itemID == "" {
		eff.Err = ErrMissingItemID
		r.logger.Warn("discarding completion without item id")
		return eff
	}
	if !r.transcript.Has(itemID) {
		eff.Err = fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
		r.logger.Warn("discarding completion for unknown item", "item_id", itemID)
		return eff
	}
	if err := r.transcript.SetStatus(itemID, transcript.StatusDone); err != nil {
		eff.Err = err
		r.logger.Warn("discarding completion", "item_id", itemID, "error", err)
	}
	return eff
}

func (r *Reconciler) handleToolCall(ctx context.Context, call protocol.ToolCall) Effect {
	eff := Effect{Category: CategoryToolCall}
	callID := strings.TrimSpace(call.CallID)
	if callID == "" {
		eff.Err = ErrMissingCallID
		r.logger.Warn("discarding tool call without call id", "tool", call.Name)
		return eff
	}
	eff.CallID = callID

	r.callsMu.Lock()
	if _, dup := r.seenCalls[callID]; dup {
		r.callsMu.Unlock()
		eff.Err = fmt.Errorf("%w: %s", ErrDuplicateCall, callID)
		r.logger.Warn("discarding duplicate tool call", "call_id", callID, "tool", call.Name)
		return eff
	}
	r.seenCalls[callID] = struct{}{}
	r.callsMu.Unlock()

	// Tool calls outlive the caller's cancellation; their result delivery is
	// gated by the session state instead.
	toolCtx := context.WithoutCancel(ctx)
	name := strings.TrimSpace(call.Name)
	args := call.Arguments

	if call.Invalid != nil {
		eff.Err = call.Invalid
		r.logger.Warn("answering undecodable tool call", "call_id", callID, "tool", name, "error", call.Invalid)
		code := "invalid_tool_call"
		if call.Invalid.Param == "arguments" {
			code = "invalid_arguments"
		}
		r.sendResult(toolCtx, callID, name, tools.Fail(code, call.Invalid.Message))
		return eff
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.tools.Invoke(toolCtx, name, args)
		if errors.Is(err, tools.ErrToolNotFound) {
			r.logger.Warn("tool not registered", "call_id", callID, "tool", name)
		} else if err != nil {
			res = tools.Fail("tool_execution_failed", err.Error())
		}
		r.deliver(toolCtx, callID, name, res)
	}()
	return eff
}

// sendResult delivers res off the caller's goroutine.
func (r *Reconciler) sendResult(ctx context.Context, callID, name string, res tools.Result) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deliver(ctx, callID, name, res)
	}()
}

func (r *Reconciler) deliver(ctx context.Context, callID, name string, res tools.Result) {
	if err := r.out.Send(ctx, protocol.NewToolResult(callID, res, !res.Success)); err != nil {
		r.logger.Debug("tool result not delivered", "call_id", callID, "tool", name, "error", err)
	}
}

// Wait blocks until every in-flight tool call has finished and its result
// delivery has been attempted.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func compact(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
