// Package notes persists the side effects of the healthcare agent's tools:
// doctor notes, appointment confirmations and reschedules.
package notes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrInvalid = errors.New("notes: invalid record")

type Note struct {
	ID          string
	SessionID   string
	PatientName string
	Category    string
	Priority    string
	Body        string
	CreatedAt   time.Time
}

type Confirmation struct {
	ID              string
	SessionID       string
	PatientName     string
	AppointmentDate string
	AppointmentTime string
	Confirmed       bool
	CreatedAt       time.Time
}

type Reschedule struct {
	ID        string
	SessionID string
	Date      string
	Time      string
	CreatedAt time.Time
}

// Store is implemented by MemoryStore and PostgresStore.
type Store interface {
	RecordNote(ctx context.Context, n Note) (Note, error)
	RecordConfirmation(ctx context.Context, c Confirmation) (Confirmation, error)
	RecordReschedule(ctx context.Context, r Reschedule) (Reschedule, error)
	// ListNotes returns notes oldest first. An empty patient name lists all.
	ListNotes(ctx context.Context, patientName string) ([]Note, error)
	Close()
}

func (n Note) validate() error {
	if strings.TrimSpace(n.PatientName) == "" {
		return fmt.Errorf("%w: patient name is required", ErrInvalid)
	}
	if strings.TrimSpace(n.Body) == "" {
		return fmt.Errorf("%w: note body is required", ErrInvalid)
	}
	return nil
}

func (r Reschedule) validate() error {
	if strings.TrimSpace(r.Date) == "" || strings.TrimSpace(r.Time) == "" {
		return fmt.Errorf("%w: date and time are required", ErrInvalid)
	}
	return nil
}

type MemoryStore struct {
	mu            sync.Mutex
	notes         []Note
	confirmations []Confirmation
	reschedules   []Reschedule
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) RecordNote(_ context.Context, n Note) (Note, error) {
	if err := n.validate(); err != nil {
		return Note{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = uuid.New().String()
	n.CreatedAt = s.now().UTC()
	s.notes = append(s.notes, n)
	return n, nil
}

func (s *MemoryStore) RecordConfirmation(_ context.Context, c Confirmation) (Confirmation, error) {
	if strings.TrimSpace(c.PatientName) == "" {
		return Confirmation{}, fmt.Errorf("%w: patient name is required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.New().String()
	c.CreatedAt = s.now().UTC()
	s.confirmations = append(s.confirmations, c)
	return c, nil
}

func (s *MemoryStore) RecordReschedule(_ context.Context, r Reschedule) (Reschedule, error) {
	if err := r.validate(); err != nil {
		return Reschedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.New().String()
	r.CreatedAt = s.now().UTC()
	s.reschedules = append(s.reschedules, r)
	return r, nil
}

func (s *MemoryStore) ListNotes(_ context.Context, patientName string) ([]Note, error) {
	patientName = strings.TrimSpace(patientName)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Note, 0, len(s.notes))
	for _, n := range s.notes {
		if patientName == "" || strings.EqualFold(n.PatientName, patientName) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Confirmations returns a copy of the recorded confirmations.
func (s *MemoryStore) Confirmations() []Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Confirmation(nil), s.confirmations...)
}

// Reschedules returns a copy of the recorded reschedules.
func (s *MemoryStore) Reschedules() []Reschedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reschedule(nil), s.reschedules...)
}

func (s *MemoryStore) Close() {}
