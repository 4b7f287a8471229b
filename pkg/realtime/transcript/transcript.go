// Package transcript holds the ordered, append-only record of a conversation:
// messages from either party plus breadcrumbs for connection and error notices.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind tells a conversation message from a breadcrumb.
type Kind string

const (
	KindMessage    Kind = "message"
	KindBreadcrumb Kind = "breadcrumb"
)

// Status is the lifecycle of a message item.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

var (
	ErrMissingID     = errors.New("transcript: item id is required")
	ErrUnknownItem   = errors.New("transcript: unknown item")
	ErrRoleConflict  = errors.New("transcript: item already owned by a different role")
	ErrKindConflict  = errors.New("transcript: item already exists with a different kind")
	ErrNotAMessage   = errors.New("transcript: item is not a message")
	ErrInvalidStatus = errors.New("transcript: invalid status")
)

// Item is a value copy of one transcript entry. Data is shared with the store
// and must be treated as read-only.
type Item struct {
	ID        string
	Kind      Kind
	Role      string
	Text      string
	Title     string
	Data      json.RawMessage
	Status    Status
	CreatedAt time.Time
	Seq       uint64
	Expanded  bool
}

// Op names the mutation carried by a Change.
type Op string

const (
	OpCreated  Op = "created"
	OpText     Op = "text"
	OpStatus   Op = "status"
	OpExpanded Op = "expanded"
)

// Change describes one mutation, delivered to subscribers after it is applied.
type Change struct {
	Op   Op
	Item Item
}

// Options overrides the clock and id source, mostly for tests.
type Options struct {
	Now   func() time.Time
	NewID func() string
}

// Store is safe for concurrent readers. Callers are expected to funnel writes
// through a single goroutine so mutations apply in arrival order.
type Store struct {
	mu    sync.RWMutex
	items []*Item
	index map[string]int
	seq   uint64

	now   func() time.Time
	newID func() string

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// New returns an empty Store. Zero Options use time.Now and random UUIDs.
func New(opts Options) *Store {
	s := &Store{
		index: make(map[string]int),
		now:   opts.Now,
		newID: opts.NewID,
		subs:  make(map[int]func(Change)),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s
}

// CreateMessage adds a message item. It reports created=false when an item
// with the same id and role already exists; the existing item is left as is.
func (s *Store) CreateMessage(id, role, text string) (Item, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Item{}, false, ErrMissingID
	}
	s.mu.Lock()
	if idx, ok := s.index[id]; ok {
		existing := s.items[idx]
		out := *existing
		s.mu.Unlock()
		if existing.Kind != KindMessage {
			return out, false, fmt.Errorf("%w: %s", ErrKindConflict, id)
		}
		if existing.Role != role {
			return out, false, fmt.Errorf("%w: %s is %s", ErrRoleConflict, id, existing.Role)
		}
		return out, false, nil
	}
	item := s.appendLocked(&Item{
		ID:     id,
		Kind:   KindMessage,
		Role:   role,
		Text:   text,
		Status: StatusInProgress,
	})
	s.mu.Unlock()

	s.notify(Change{Op: OpCreated, Item: item})
	return item, true, nil
}

// CreateBreadcrumb appends a diagnostic entry with a fresh id. data is
// marshalled once and never changed afterwards.
func (s *Store) CreateBreadcrumb(title string, data any) Item {
	raw := encodeData(data)
	s.mu.Lock()
	item := s.appendLocked(&Item{
		ID:     s.newID(),
		Kind:   KindBreadcrumb,
		Title:  title,
		Data:   raw,
		Status: StatusDone,
	})
	s.mu.Unlock()

	s.notify(Change{Op: OpCreated, Item: item})
	return item
}

func encodeData(data any) json.RawMessage {
	switch v := data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return append(json.RawMessage(nil), v...)
	case []byte:
		if json.Valid(v) {
			return append(json.RawMessage(nil), v...)
		}
		b, _ := json.Marshal(string(v))
		return b
	default:
		b, err := json.Marshal(v)
		if err != nil {
			b, _ = json.Marshal(fmt.Sprint(v))
		}
		return b
	}
}

func (s *Store) appendLocked(item *Item) Item {
	s.seq++
	item.Seq = s.seq
	item.CreatedAt = s.now()
	s.index[item.ID] = len(s.items)
	s.items = append(s.items, item)
	return *item
}

// AppendText appends delta to a message. An empty delta is a no-op.
func (s *Store) AppendText(id, delta string) error {
	return s.updateText(id, delta, true)
}

// ReplaceText overwrites the full text of a message.
func (s *Store) ReplaceText(id, text string) error {
	return s.updateText(id, text, false)
}

func (s *Store) updateText(id, text string, isDelta bool) error {
	s.mu.Lock()
	item, err := s.messageLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if isDelta {
		if text == "" {
			s.mu.Unlock()
			return nil
		}
		item.Text += text
	} else {
		if item.Text == text {
			s.mu.Unlock()
			return nil
		}
		item.Text = text
	}
	out := *item
	s.mu.Unlock()

	s.notify(Change{Op: OpText, Item: out})
	return nil
}

// SetStatus sets a message's status. Setting the current status again is a no-op.
func (s *Store) SetStatus(id string, status Status) error {
	if status != StatusInProgress && status != StatusDone {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	item, err := s.messageLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if item.Status == status {
		s.mu.Unlock()
		return nil
	}
	item.Status = status
	out := *item
	s.mu.Unlock()

	s.notify(Change{Op: OpStatus, Item: out})
	return nil
}

func (s *Store) messageLocked(id string) (*Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrMissingID
	}
	idx, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	item := s.items[idx]
	if item.Kind != KindMessage {
		return nil, fmt.Errorf("%w: %s", ErrNotAMessage, id)
	}
	return item, nil
}

// ToggleExpand flips the display flag of any item.
func (s *Store) ToggleExpand(id string) error {
	s.mu.Lock()
	idx, ok := s.index[strings.TrimSpace(id)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	item := s.items[idx]
	item.Expanded = !item.Expanded
	out := *item
	s.mu.Unlock()

	s.notify(Change{Op: OpExpanded, Item: out})
	return nil
}

func (s *Store) Get(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[strings.TrimSpace(id)]
	if !ok {
		return Item{}, false
	}
	return *s.items[idx], true
}

func (s *Store) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Snapshot returns the items in insertion order.
func (s *Store) Snapshot() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, len(s.items))
	for i, item := range s.items {
		out[i] = *item
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Subscribe registers fn for every subsequent change. fn runs on the writer's
// goroutine and must not call back into the store's mutators.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	if len(s.subs) == 0 {
		s.subMu.Unlock()
		return
	}
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
