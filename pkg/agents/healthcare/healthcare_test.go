package healthcare

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/notes"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/tools"
)

type fixedRand struct{ values []int }

func (r *fixedRand) IntN(n int) int {
	if len(r.values) == 0 {
		return 0
	}
	v := r.values[0]
	r.values = r.values[1:]
	return v % n
}

func newHandlers(store notes.Store, rnd Rand) map[string]tools.Handler {
	h := &Handlers{
		Store:     store,
		Now:       func() time.Time { return time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC) }, // Monday
		Rand:      rnd,
		SessionID: func() string { return "sess_1" },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return h.Map()
}

func call(t *testing.T, handlers map[string]tools.Handler, name, args string) tools.Result {
	t.Helper()
	handler, ok := handlers[name]
	if !ok {
		t.Fatalf("no handler for %s", name)
	}
	res, err := handler(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("%s error: %v", name, err)
	}
	return res
}

func TestConfigDeclaresEveryHandledTool(t *testing.T) {
	cfg := Config()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	handlers := newHandlers(nil, nil)
	if len(cfg.Tools) != len(handlers) {
		t.Fatalf("tools=%d handlers=%d", len(cfg.Tools), len(handlers))
	}
	for _, name := range cfg.ToolNames() {
		if _, ok := handlers[name]; !ok {
			t.Fatalf("declared tool %s has no handler", name)
		}
	}
}

func TestConfirmAppointment(t *testing.T) {
	store := notes.NewMemoryStore()
	handlers := newHandlers(store, nil)

	res := call(t, handlers, ToolConfirmAppointment, `{"confirmed":true,"patientName":"Ada","appointmentDate":"2026-10-21"}`)
	if !res.Success || !strings.Contains(res.Message, "confirmed successfully") {
		t.Fatalf("res=%+v", res)
	}
	res = call(t, handlers, ToolConfirmAppointment, `{"confirmed":false,"patientName":"Ada"}`)
	if !strings.Contains(res.Message, "can't make") {
		t.Fatalf("res=%+v", res)
	}
	got := store.Confirmations()
	if len(got) != 2 || got[0].AppointmentTime != "10:00 AM" || got[0].SessionID != "sess_1" {
		t.Fatalf("confirmations=%+v", got)
	}
}

func TestConfirmAppointment_RequiresPatient(t *testing.T) {
	res := call(t, newHandlers(nil, nil), ToolConfirmAppointment, `{"confirmed":true}`)
	if res.Success || res.Code != "invalid_arguments" {
		t.Fatalf("res=%+v", res)
	}
}

func TestFindNextAvailableTime_PreferredDayAndTime(t *testing.T) {
	// 3 + 0 days from Monday Oct 19 is Thursday Oct 22; next Saturday is Oct 24.
	handlers := newHandlers(nil, &fixedRand{values: []int{0, 1}})
	res := call(t, handlers, ToolFindNextAvailableTime, `{"patientName":"Ada","preferredDayOfWeek":"Saturday","preferredTimeOfDay":"Afternoon"}`)
	if res.Fields["nextAvailableDate"] != "Saturday, October 24, 2026" {
		t.Fatalf("date=%v", res.Fields["nextAvailableDate"])
	}
	if res.Fields["nextAvailableTime"] != "2:00 PM" {
		t.Fatalf("time=%v", res.Fields["nextAvailableTime"])
	}
	if !strings.Contains(res.Message, "Saturday, October 24, 2026 at 2:00 PM") {
		t.Fatalf("message=%q", res.Message)
	}
}

func TestFindNextAvailableTime_NoPreferences(t *testing.T) {
	// offset 4 -> Oct 26 (3+4=7 days), time of day index 2 (Evening), slot index 1.
	handlers := newHandlers(nil, &fixedRand{values: []int{4, 2, 1}})
	res := call(t, handlers, ToolFindNextAvailableTime, `{"patientName":"Ada"}`)
	if res.Fields["nextAvailableDate"] != "Monday, October 26, 2026" || res.Fields["nextAvailableTime"] != "5:00 PM" {
		t.Fatalf("fields=%v", res.Fields)
	}
}

func TestGetMedicationInfo(t *testing.T) {
	handlers := newHandlers(nil, nil)
	res := call(t, handlers, ToolGetMedicationInfo, `{"medicationName":"Lisinopril","infoType":"SideEffects"}`)
	if !res.Success || res.Message != "Here is the sideeffects information for Lisinopril." {
		t.Fatalf("res=%+v", res)
	}
	if info, _ := res.Fields["information"].(string); !strings.HasPrefix(info, "Common side effects of Lisinopril") {
		t.Fatalf("information=%q", info)
	}

	res = call(t, handlers, ToolGetMedicationInfo, `{"medicationName":"Lisinopril","infoType":"Price"}`)
	if info, _ := res.Fields["information"].(string); !strings.Contains(info, "don't have specific Price information") {
		t.Fatalf("information=%q", info)
	}
}

func TestRecordDoctorNotes_DefaultsPriority(t *testing.T) {
	store := notes.NewMemoryStore()
	handlers := newHandlers(store, nil)
	res := call(t, handlers, ToolRecordDoctorNotes, `{"patientName":"Ada","notes":"dizzy in the mornings","category":"Symptoms"}`)
	if !res.Success || res.Message != "I've recorded your symptoms for the doctor. This information will be available before your appointment." {
		t.Fatalf("res=%+v", res)
	}
	got, _ := store.ListNotes(context.Background(), "Ada")
	if len(got) != 1 || got[0].Priority != "Medium" || got[0].Category != "Symptoms" {
		t.Fatalf("notes=%+v", got)
	}
}

func TestRescheduleAppointment(t *testing.T) {
	store := notes.NewMemoryStore()
	handlers := newHandlers(store, nil)
	res := call(t, handlers, ToolRescheduleAppointment, `{"date":"2026-10-28","time":"10:00 AM"}`)
	if !res.Success || res.Message != "Your appointment has been rescheduled to 2026-10-28 at 10:00 AM." {
		t.Fatalf("res=%+v", res)
	}
	if len(store.Reschedules()) != 1 {
		t.Fatalf("reschedules=%d", len(store.Reschedules()))
	}

	res = call(t, handlers, ToolRescheduleAppointment, `{"date":"2026-10-28"}`)
	if res.Success {
		t.Fatalf("expected failure without time: %+v", res)
	}
}

func TestInvalidArguments(t *testing.T) {
	res := call(t, newHandlers(nil, nil), ToolRecordDoctorNotes, `[]`)
	if res.Success || res.Code != "invalid_arguments" {
		t.Fatalf("res=%+v", res)
	}
}
