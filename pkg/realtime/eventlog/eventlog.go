// Package eventlog records every raw event a session sends or receives, in
// observation order, independent of how the event was interpreted.
package eventlog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/realtime/protocol"
)

type Direction string

const (
	Inbound  Direction = "server"
	Outbound Direction = "client"
)

// UnparsedName labels payloads that carry no readable type.
const UnparsedName = "unparsed"

// Entry is immutable once appended. Payload holds the raw bytes verbatim.
type Entry struct {
	ID        int64
	Direction Direction
	Name      string
	Payload   []byte
	Timestamp time.Time
	Expanded  bool
}

// Sink receives a copy of every appended entry.
type Sink interface {
	Publish(ctx context.Context, entry Entry) error
}

type Options struct {
	Sink   Sink
	Logger *slog.Logger
	Now    func() time.Time
}

type Log struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64

	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	subMu sync.Mutex
	subs  map[int]func(Entry)
	subID int
}

func New(opts Options) *Log {
	l := &Log{
		nextID: 1,
		sink:   opts.Sink,
		logger: opts.Logger,
		now:    opts.Now,
		subs:   make(map[int]func(Entry)),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

func (l *Log) LogInbound(raw []byte, suffix string) Entry {
	return l.append(Inbound, raw, suffix)
}

func (l *Log) LogOutbound(raw []byte, suffix string) Entry {
	return l.append(Outbound, raw, suffix)
}

// Name derives the display label for raw: its type plus an optional suffix.
func Name(raw []byte, suffix string) string {
	typ := protocol.TypeOf(raw)
	if typ == "" {
		typ = UnparsedName
	}
	return strings.TrimSpace(typ + " " + strings.TrimSpace(suffix))
}

func (l *Log) append(dir Direction, raw []byte, suffix string) Entry {
	payload := append([]byte(nil), raw...)
	l.mu.Lock()
	entry := Entry{
		ID:        l.nextID,
		Direction: dir,
		Name:      Name(payload, suffix),
		Payload:   payload,
		Timestamp: l.now(),
	}
	l.nextID++
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Publish(context.Background(), entry); err != nil {
			l.logger.Warn("event log sink publish failed", "entry_id", entry.ID, "name", entry.Name, "error", err)
		}
	}
	l.notify(entry)
	return entry
}

func (l *Log) ToggleExpand(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].Expanded = !l.entries[i].Expanded
			return true
		}
	}
	return false
}

// Snapshot returns the entries in observation order. Payload slices are
// shared and must not be modified.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) Subscribe(fn func(Entry)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	l.subMu.Lock()
	id := l.subID
	l.subID++
	l.subs[id] = fn
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
		})
	}
}

func (l *Log) notify(entry Entry) {
	l.subMu.Lock()
	fns := make([]func(Entry), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.subMu.Unlock()
	for _, fn := range fns {
		fn(entry)
	}
}
