// Package session owns one conversational session with the agent service:
// its connection lifecycle, transcript and event log.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vango-go/vai-voicedesk/pkg/realtime/bootstrap"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/eventlog"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/protocol"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/reconciler"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/transcript"
)

type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
)

var (
	ErrNotDisconnected  = errors.New("session: connect requires a disconnected session")
	ErrNotConnected     = errors.New("session: not connected")
	ErrConnectCanceled  = errors.New("session: connect canceled by disconnect")
	ErrMissingBootstrap = errors.New("session: bootstrapper is required")
	ErrMissingDialer    = errors.New("session: dialer is required")
)

// Conn is an established transport. Messages is closed when the transport
// stops delivering, after which Err reports why (nil for a clean close).
type Conn interface {
	Messages() <-chan []byte
	Send(ctx context.Context, data []byte) error
	Close() error
	Err() error
}

type Dialer interface {
	Dial(ctx context.Context, cred bootstrap.Credential) (Conn, error)
}

type Bootstrapper interface {
	CreateSession(ctx context.Context) (bootstrap.Credential, error)
}

type Deps struct {
	Bootstrap  Bootstrapper
	Dialer     Dialer
	Tools      reconciler.Invoker
	Transcript *transcript.Store
	Events     *eventlog.Log
	Logger     *slog.Logger
	NewID      func() string

	// OnStatus observes every status transition. It runs synchronously and
	// must not call back into the session.
	OnStatus func(Status)
}

// Session is safe for concurrent use. Inbound events are applied by a single
// consumer goroutine per connection.
type Session struct {
	bootstrap Bootstrapper
	dialer    Dialer
	store     *transcript.Store
	events    *eventlog.Log
	rec       *reconciler.Reconciler
	logger    *slog.Logger
	newID     func() string
	onStatus  func(Status)

	// applyMu serializes transcript writes between the consumer goroutine
	// and local teardown so no mutation lands after a disconnect.
	applyMu sync.Mutex

	mu            sync.Mutex
	status        Status
	gen           uint64
	cred          bootstrap.Credential
	conn          Conn
	cancelConnect context.CancelFunc
	done          chan struct{}

	wg sync.WaitGroup
}

func New(deps Deps) (*Session, error) {
	if deps.Bootstrap == nil {
		return nil, ErrMissingBootstrap
	}
	if deps.Dialer == nil {
		return nil, ErrMissingDialer
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Transcript
	if store == nil {
		store = transcript.New(transcript.Options{})
	}
	events := deps.Events
	if events == nil {
		events = eventlog.New(eventlog.Options{Logger: logger})
	}

	s := &Session{
		bootstrap: deps.Bootstrap,
		dialer:    deps.Dialer,
		store:     store,
		events:    events,
		logger:    logger,
		newID:     deps.NewID,
		onStatus:  deps.OnStatus,
		status:    StatusDisconnected,
		done:      closedChan(),
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}

	rec, err := reconciler.New(reconciler.Deps{
		Transcript: store,
		Events:     events,
		Tools:      deps.Tools,
		Outbound:   s,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	s.rec = rec
	return s, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SessionID is the id issued by the last successful bootstrap.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.SessionID
}

func (s *Session) Transcript() *transcript.Store { return s.store }

func (s *Session) Events() *eventlog.Log { return s.events }

// Done is closed when the current connection ends. It is already closed while
// the session is disconnected.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Connect bootstraps a credential, dials the transport and starts consuming
// inbound events. On failure the session returns to Disconnected and the
// caller must call Connect again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusDisconnected {
		s.mu.Unlock()
		return ErrNotDisconnected
	}
	s.gen++
	gen := s.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancelConnect = cancel
	s.status = StatusConnecting
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer cancel()

	s.emitStatus(StatusConnecting)
	s.breadcrumb(gen, "Connecting to agent service...", nil)

	cred, err := s.bootstrap.CreateSession(attemptCtx)
	if err != nil {
		return s.failConnect(gen, fmt.Errorf("create session: %w", err))
	}
	s.mu.Lock()
	if s.gen == gen {
		s.cred = cred
	}
	s.mu.Unlock()
	s.breadcrumb(gen, "Session created: "+cred.SessionID, nil)

	conn, err := s.dialer.Dial(attemptCtx, cred)
	if err != nil {
		return s.failConnect(gen, fmt.Errorf("dial: %w", err))
	}

	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrConnectCanceled
	}
	s.conn = conn
	s.status = StatusConnected
	s.cancelConnect = nil
	s.mu.Unlock()

	s.logger.Info("session connected", "session_id", cred.SessionID)
	s.emitStatus(StatusConnected)
	s.breadcrumb(gen, "Connection established", nil)

	s.wg.Add(1)
	go s.consume(gen, conn)
	return nil
}

func (s *Session) failConnect(gen uint64, err error) error {
	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnecting {
		s.mu.Unlock()
		return ErrConnectCanceled
	}
	s.status = StatusDisconnected
	s.cancelConnect = nil
	done := s.done
	s.mu.Unlock()

	s.logger.Warn("session connect failed", "error", err)
	s.store.CreateBreadcrumb("Connection error: "+err.Error(), nil)
	close(done)
	s.emitStatus(StatusDisconnected)
	return err
}

// consume applies inbound frames in arrival order until the transport stops
// or the connection is superseded.
func (s *Session) consume(gen uint64, conn Conn) {
	defer s.wg.Done()
	ctx := context.Background()
	for raw := range conn.Messages() {
		s.applyMu.Lock()
		if !s.current(gen) {
			s.applyMu.Unlock()
			return
		}
		eff := s.rec.Handle(ctx, raw)
		s.applyMu.Unlock()

		if eff.Disconnect {
			s.teardown(gen, "")
			return
		}
	}

	title := "Connection closed"
	if err := conn.Err(); err != nil {
		title = "Connection error: " + err.Error()
	}
	s.teardown(gen, title)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.status == StatusConnected
}

// teardown moves a still-current connection to Disconnected, closes the
// transport and appends title when set. Stale generations are ignored.
func (s *Session) teardown(gen uint64, title string) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	s.status = StatusDisconnected
	done := s.done
	sessionID := s.cred.SessionID
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if title != "" {
		s.store.CreateBreadcrumb(title, nil)
	}
	s.logger.Info("session disconnected", "session_id", sessionID, "reason", title)
	close(done)
	s.emitStatus(StatusDisconnected)
}

// Disconnect tears the session down locally. It closes the transport at most
// once; calling it on a disconnected session does nothing.
func (s *Session) Disconnect() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	switch s.status {
	case StatusDisconnected:
		s.mu.Unlock()
		return
	case StatusConnecting:
		if s.cancelConnect != nil {
			s.cancelConnect()
			s.cancelConnect = nil
		}
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	s.status = StatusDisconnected
	done := s.done
	sessionID := s.cred.SessionID
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("transport close failed", "session_id", sessionID, "error", err)
		}
	}
	s.store.CreateBreadcrumb("Disconnected from agent service", nil)
	s.logger.Info("session disconnected", "session_id", sessionID, "reason", "local")
	close(done)
	s.emitStatus(StatusDisconnected)
}

// Send marshals event and writes it to the transport. While the session is
// not connected the event is dropped and ErrNotConnected is returned.
func (s *Session) Send(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.status == StatusConnected && conn != nil
	s.mu.Unlock()
	if !connected {
		s.logger.Info("dropping outbound event while not connected", "type", protocol.TypeOf(data))
		return ErrNotConnected
	}

	s.events.LogOutbound(data, "")
	if err := conn.Send(ctx, data); err != nil {
		s.logger.Warn("outbound send failed", "type", protocol.TypeOf(data), "error", err)
		return err
	}
	return nil
}

// SendUserText records a user message locally and sends it to the agent.
// Blank text is ignored.
func (s *Session) SendUserText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.Status() != StatusConnected {
		s.logger.Info("dropping user text while not connected")
		return ErrNotConnected
	}

	id := s.newID()
	s.applyMu.Lock()
	if _, _, err := s.store.CreateMessage(id, protocol.RoleUser, text); err != nil {
		s.applyMu.Unlock()
		return err
	}
	_ = s.store.SetStatus(id, transcript.StatusDone)
	s.applyMu.Unlock()

	return s.Send(ctx, protocol.NewUserText(id, text))
}

// Wait blocks until the consumer goroutines and in-flight tool calls have
// finished.
func (s *Session) Wait() {
	s.wg.Wait()
	s.rec.Wait()
}

func (s *Session) breadcrumb(gen uint64, title string, data any) {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.store.CreateBreadcrumb(title, data)
}

func (s *Session) emitStatus(status Status) {
	if s.onStatus != nil {
		s.onStatus(status)
	}
}
