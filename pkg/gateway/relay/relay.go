// Package relay runs one realtime websocket connection: it reads client
// events, drives model turns through a responder and streams the assistant's
// messages and tool calls back to the client.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/protocol"
)

// Termination reasons sent in session.terminated.
const (
	ReasonClientEnded    = "client_ended"
	ReasonMaxDuration    = "max_duration"
	ReasonServerDraining = "server_draining"
)

// Error codes sent in session.error.
const (
	CodeBadRequest      = "bad_request"
	CodeTurnFailed      = "turn_failed"
	CodeToolRoundsLimit = "tool_rounds_exceeded"
	CodeUnknownToolCall = "unknown_tool_call"
	CodeToolTimeout     = "tool_timeout"
	CodeBackpressure    = "backpressure"
)

const defaultOutboundBuffer = 64

var errSessionClosed = errors.New("relay session closed")

type Config struct {
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	TurnTimeout        time.Duration
	ToolResultTimeout  time.Duration
	MaxToolRounds      int
	MaxMessageBytes    int64
	OutboundQueueSize  int
}

type Deps struct {
	Conn      *websocket.Conn
	Responder responder.Responder
	Agent     agents.Config
	SessionID string
	Logger    *slog.Logger
	Config    Config
	// Draining, when closed, ends the session with server_draining once the
	// current turn completes.
	Draining <-chan struct{}
	// NewID generates assistant item ids.
	NewID func() string
}

type Session struct {
	conn      *websocket.Conn
	responder responder.Responder
	agent     agents.Config
	sessionID string
	logger    *slog.Logger
	cfg       Config
	draining  <-chan struct{}
	newID     func() string

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan []byte
	outboundNormal   chan []byte

	cancelOnce  sync.Once
	cancelCh    chan struct{}
	reasonMu    sync.Mutex
	closeReason string

	waitersMu sync.Mutex
	waiters   map[string]chan protocol.ClientToolResult
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type turnResult struct {
	history []responder.Message
	err     error
}

func New(deps Deps) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("relay: conn must not be nil")
	}
	if deps.Responder == nil {
		return nil, fmt.Errorf("relay: responder must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return "msg_" + uuid.NewString() }
	}
	cfg := deps.Config
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	if cfg.ToolResultTimeout <= 0 {
		cfg.ToolResultTimeout = 15 * time.Second
	}
	queueSize := cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = defaultOutboundBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:             deps.Conn,
		responder:        deps.Responder,
		agent:            deps.Agent,
		sessionID:        deps.SessionID,
		logger:           logger.With("session_id", deps.SessionID),
		cfg:              cfg,
		draining:         deps.Draining,
		newID:            newID,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan []byte, 8),
		outboundNormal:   make(chan []byte, queueSize),
		cancelCh:         make(chan struct{}),
		waiters:          make(map[string]chan protocol.ClientToolResult),
	}, nil
}

// Run blocks until the connection ends. It returns nil for orderly
// terminations and the read or write error otherwise.
func (s *Session) Run() error {
	defer s.cancel()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 16)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.outboundPriority,
			normal:       s.outboundNormal,
			closeReason:  s.reason,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	var maxDuration <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxSessionDuration)
		defer timer.Stop()
		maxDuration = timer.C
	}

	var wg sync.WaitGroup
	defer func() {
		s.cancel()
		wg.Wait()
	}()

	terminate := func(reason string) error {
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		s.setReason(reason)
		s.awaitNormalFlush(wait)
		_ = s.sendPriority(protocol.NewTerminated(reason))
		s.logger.Info("relay session terminated", "reason", reason)
		s.cancel()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	var (
		history        []responder.Message
		pending        []responder.Message
		turnBusy       bool
		turnCh         = make(chan turnResult, 1)
		draining       = s.draining
		drainRequested bool
	)
	startTurn := func() {
		if turnBusy || drainRequested || len(pending) == 0 {
			return
		}
		next := pending[0]
		pending = pending[1:]
		turnHistory := append(append([]responder.Message(nil), history...), next)
		turnBusy = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.runTurn(turnHistory)
			turnCh <- turnResult{history: out, err: err}
		}()
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.cancelCh:
			return terminate(s.reason())
		case <-draining:
			// Let an in-flight turn finish; no new turns start.
			draining = nil
			drainRequested = true
			if !turnBusy {
				return terminate(ReasonServerDraining)
			}
		case <-maxDuration:
			return terminate(ReasonMaxDuration)
		case err, ok := <-writerErrCh:
			if ok && err != nil {
				s.logger.Warn("relay writer failed", "error", err)
				return err
			}
			return nil
		case res := <-turnCh:
			turnBusy = false
			history = res.history
			if res.err != nil && !errors.Is(res.err, errSessionClosed) {
				s.logger.Warn("relay turn failed", "error", res.err)
			}
			if drainRequested {
				return terminate(ReasonServerDraining)
			}
			startTurn()
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Info("relay client closed connection")
					return nil
				}
				s.logger.Info("relay read ended", "error", frame.err)
				return frame.err
			}
			if frame.messageType != websocket.TextMessage {
				_ = s.sendError(CodeBadRequest, "binary frames are not supported")
				continue
			}
			ev, err := protocol.DecodeClientEvent(frame.data)
			if err != nil {
				_ = s.sendError(CodeBadRequest, err.Error())
				continue
			}
			switch ev := ev.(type) {
			case protocol.ClientMessage:
				text := strings.TrimSpace(ev.Text())
				if text == "" {
					_ = s.sendError(CodeBadRequest, "session.message has no text")
					continue
				}
				pending = append(pending, responder.Message{Role: responder.RoleUser, Text: text})
				startTurn()
			case protocol.ClientToolResult:
				if !s.dispatchToolResult(ev) {
					_ = s.sendError(CodeUnknownToolCall, fmt.Sprintf("no pending tool call %q", ev.CallID))
				}
			case protocol.ClientSessionEnd:
				return terminate(ReasonClientEnded)
			}
		}
	}
}

// runTurn answers the last message of history. It returns the history
// extended with every assistant step and tool result of the turn.
func (s *Session) runTurn(history []responder.Message) ([]responder.Message, error) {
	ctx, cancel := s.newTurnContext()
	defer cancel()

	for round := 0; ; round++ {
		if round >= s.cfg.MaxToolRounds {
			_ = s.sendError(CodeToolRoundsLimit, fmt.Sprintf("turn exceeded %d tool rounds", s.cfg.MaxToolRounds))
			return history, nil
		}

		itemID := s.newID()
		started := false
		var sendErr error
		onDelta := func(delta string) {
			if sendErr != nil || delta == "" {
				return
			}
			if !started {
				started = true
				if sendErr = s.send(protocol.NewAssistantMessage(itemID, "")); sendErr != nil {
					return
				}
			}
			sendErr = s.send(protocol.NewDelta(itemID, delta))
		}

		step, err := s.responder.Step(ctx, responder.Request{Agent: s.agent, Messages: history}, onDelta)
		if sendErr != nil {
			return history, sendErr
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return history, errSessionClosed
			}
			if started {
				_ = s.send(protocol.NewCompleted(itemID))
			}
			msg := "the assistant could not respond"
			if errors.Is(err, context.DeadlineExceeded) {
				msg = "the assistant timed out"
			}
			_ = s.sendError(CodeTurnFailed, msg)
			return history, err
		}

		if !started && step.Text != "" {
			started = true
			if err := s.send(protocol.NewAssistantMessage(itemID, step.Text)); err != nil {
				return history, err
			}
		}
		if started {
			if err := s.send(protocol.NewCompleted(itemID)); err != nil {
				return history, err
			}
		}
		history = append(history, responder.Message{Role: responder.RoleAssistant, Text: step.Text, ToolCalls: step.ToolCalls})

		if len(step.ToolCalls) == 0 {
			return history, nil
		}
		for _, call := range step.ToolCalls {
			result, err := s.callClientTool(ctx, call)
			if err != nil {
				return history, err
			}
			history = append(history, result)
		}
	}
}

// callClientTool sends session.tool_call and waits for the matching
// session.tool_result. A timeout becomes a failure result for the model.
func (s *Session) callClientTool(ctx context.Context, call responder.ToolCall) (responder.Message, error) {
	callID := strings.TrimSpace(call.ID)
	if callID == "" {
		callID = "call_" + uuid.NewString()
	}
	out := responder.Message{Role: responder.RoleTool, ToolCallID: callID, ToolName: call.Name}

	waiter := s.registerToolResultWaiter(callID)
	defer s.unregisterToolResultWaiter(callID)

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := s.send(protocol.NewToolCall(callID, call.Name, args)); err != nil {
		return out, err
	}

	timer := time.NewTimer(s.cfg.ToolResultTimeout)
	defer timer.Stop()
	select {
	case result := <-waiter:
		out.Output = result.Output
		out.IsError = result.IsError
		return out, nil
	case <-timer.C:
		s.logger.Warn("client tool result timed out", "call_id", callID, "tool", call.Name)
		out.IsError = true
		out.Output = map[string]any{
			"success": false,
			"code":    CodeToolTimeout,
			"message": "The tool did not respond in time.",
		}
		return out, nil
	case <-ctx.Done():
		if s.ctx.Err() != nil {
			return out, errSessionClosed
		}
		return out, ctx.Err()
	}
}

func (s *Session) newTurnContext() (context.Context, context.CancelFunc) {
	if s.cfg.TurnTimeout > 0 {
		return context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	}
	return context.WithCancel(s.ctx)
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) registerToolResultWaiter(callID string) chan protocol.ClientToolResult {
	ch := make(chan protocol.ClientToolResult, 1)
	s.waitersMu.Lock()
	s.waiters[callID] = ch
	s.waitersMu.Unlock()
	return ch
}

func (s *Session) unregisterToolResultWaiter(callID string) {
	s.waitersMu.Lock()
	delete(s.waiters, callID)
	s.waitersMu.Unlock()
}

func (s *Session) dispatchToolResult(result protocol.ClientToolResult) bool {
	s.waitersMu.Lock()
	ch, ok := s.waiters[strings.TrimSpace(result.CallID)]
	s.waitersMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
	default:
	}
	return true
}

// send queues a normal frame, blocking while the queue is full so streamed
// text is never dropped.
func (s *Session) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundNormal <- payload:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

// awaitNormalFlush gives frames already queued a bounded chance to reach the
// writer so session.terminated is not written ahead of them.
func (s *Session) awaitNormalFlush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(s.outboundNormal) > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *Session) sendPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- payload:
		return nil
	default:
		return fmt.Errorf("relay: %s", CodeBackpressure)
	}
}

func (s *Session) sendError(code, message string) error {
	return s.send(protocol.NewServerError(code, message))
}

func (s *Session) setReason(reason string) {
	s.reasonMu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	s.reasonMu.Unlock()
}

func (s *Session) reason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.closeReason
}

// Cancel ends the session, telling the client why in session.terminated.
func (s *Session) Cancel(reason string) {
	if s == nil {
		return
	}
	s.setReason(reason)
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// SendWarning sends a non-fatal session.error.
func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendError(code, message)
}

func (s *Session) SessionID() string { return s.sessionID }
