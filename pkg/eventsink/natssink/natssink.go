// Package natssink fans diagnostic event-log entries out to NATS so they can
// be observed outside the client process.
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vango-go/vai-voicedesk/pkg/realtime/eventlog"
)

const DefaultSubjectPrefix = "voicedesk.session"

// Publisher is the subset of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published per entry.
type Message struct {
	SessionID string          `json:"session_id"`
	EntryID   int64           `json:"entry_id"`
	Direction string          `json:"direction"`
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RawText   string          `json:"raw_text,omitempty"`
}

type Sink struct {
	pub       Publisher
	prefix    string
	sessionID func() string
	close     func()
}

// New wraps an existing publisher. sessionID is read at publish time so a
// reconnecting session is reported under its current id.
func New(pub Publisher, prefix string, sessionID func() string) *Sink {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	return &Sink{pub: pub, prefix: prefix, sessionID: sessionID, close: func() {}}
}

// Connect dials NATS and returns a sink that owns the connection.
func Connect(url, prefix string, sessionID func() string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("voicedesk"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s := New(nc, prefix, sessionID)
	s.close = func() { _ = nc.Drain() }
	return s, nil
}

// Subject is <prefix>.<session>.events; sessions without an id use "pending".
func (s *Sink) Subject() string {
	id := sanitizeToken(s.sessionID())
	if id == "" {
		id = "pending"
	}
	return s.prefix + "." + id + ".events"
}

func (s *Sink) Publish(_ context.Context, entry eventlog.Entry) error {
	msg := Message{
		SessionID: s.sessionID(),
		EntryID:   entry.ID,
		Direction: string(entry.Direction),
		Name:      entry.Name,
		Timestamp: entry.Timestamp.UTC(),
	}
	if json.Valid(entry.Payload) {
		msg.Payload = json.RawMessage(entry.Payload)
	} else {
		msg.RawText = string(entry.Payload)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := s.pub.Publish(s.Subject(), data); err != nil {
		return fmt.Errorf("publish entry %d: %w", entry.ID, err)
	}
	return nil
}

func (s *Sink) Close() {
	s.close()
}

// sanitizeToken keeps a subject token free of separators and wildcards.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
