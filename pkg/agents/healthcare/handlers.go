package healthcare

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/notes"
	"github.com/vango-go/vai-voicedesk/pkg/realtime/tools"
)

var slotsByTimeOfDay = map[string][]string{
	"Morning":   {"9:00 AM", "10:00 AM", "11:00 AM"},
	"Afternoon": {"1:00 PM", "2:00 PM", "3:00 PM"},
	"Evening":   {"4:00 PM", "5:00 PM"},
}

var medicationTemplates = map[string]string{
	"Dosage":       "The recommended dosage for %s is twice daily with food. Each dose is 10mg.",
	"SideEffects":  "Common side effects of %s include mild headache, nausea, and dizziness. Contact your doctor if you experience severe side effects.",
	"GeneralInfo":  "%s is used to treat high blood pressure and certain heart conditions. It works by relaxing blood vessels.",
	"Interactions": "%s may interact with alcohol, grapefruit juice, and certain antihistamines. Always consult with your doctor about potential interactions.",
	"Schedule":     "%s should be taken at consistent times each day, typically with breakfast and dinner.",
}

// Rand is the randomness used to pick open slots.
type Rand interface {
	IntN(n int) int
}

type defaultRand struct{}

func (defaultRand) IntN(n int) int { return rand.IntN(n) }

type Handlers struct {
	Store     notes.Store
	Now       func() time.Time
	Rand      Rand
	SessionID func() string
	Logger    *slog.Logger
}

func (h *Handlers) defaults() {
	if h.Store == nil {
		h.Store = notes.NewMemoryStore()
	}
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Rand == nil {
		h.Rand = defaultRand{}
	}
	if h.SessionID == nil {
		h.SessionID = func() string { return "" }
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
}

// Map returns the handler for every tool the agent declares.
func (h *Handlers) Map() map[string]tools.Handler {
	h.defaults()
	return map[string]tools.Handler{
		ToolConfirmAppointment:    h.ConfirmAppointment,
		ToolFindNextAvailableTime: h.FindNextAvailableTime,
		ToolGetMedicationInfo:     h.GetMedicationInfo,
		ToolRecordDoctorNotes:     h.RecordDoctorNotes,
		ToolRescheduleAppointment: h.RescheduleAppointment,
	}
}

func decodeArgs(args json.RawMessage, dst any) *tools.Result {
	if err := json.Unmarshal(args, dst); err != nil {
		res := tools.Fail("invalid_arguments", fmt.Sprintf("Invalid tool arguments: %v", err))
		return &res
	}
	return nil
}

func missing(fields ...string) tools.Result {
	return tools.Fail("invalid_arguments", "Missing required argument: "+strings.Join(fields, ", "))
}

func (h *Handlers) ConfirmAppointment(ctx context.Context, args json.RawMessage) (tools.Result, error) {
	var in struct {
		Confirmed       bool   `json:"confirmed"`
		PatientName     string `json:"patientName"`
		AppointmentDate string `json:"appointmentDate"`
		AppointmentTime string `json:"appointmentTime"`
	}
	if res := decodeArgs(args, &in); res != nil {
		return *res, nil
	}
	if strings.TrimSpace(in.PatientName) == "" {
		return missing("patientName"), nil
	}
	if strings.TrimSpace(in.AppointmentTime) == "" {
		in.AppointmentTime = "10:00 AM"
	}
	if _, err := h.Store.RecordConfirmation(ctx, notes.Confirmation{
		SessionID:       h.SessionID(),
		PatientName:     strings.TrimSpace(in.PatientName),
		AppointmentDate: strings.TrimSpace(in.AppointmentDate),
		AppointmentTime: strings.TrimSpace(in.AppointmentTime),
		Confirmed:       in.Confirmed,
	}); err != nil {
		return tools.Result{}, fmt.Errorf("record confirmation: %w", err)
	}
	h.Logger.Info("appointment confirmation recorded", "patient", in.PatientName, "confirmed", in.Confirmed,
		"date", in.AppointmentDate, "time", in.AppointmentTime)

	if in.Confirmed {
		return tools.OK("Appointment confirmed successfully. We look forward to seeing you.", nil), nil
	}
	return tools.OK("We've noted that you can't make this appointment time.", nil), nil
}

func (h *Handlers) FindNextAvailableTime(_ context.Context, args json.RawMessage) (tools.Result, error) {
	var in struct {
		PatientName        string `json:"patientName"`
		PreferredDayOfWeek string `json:"preferredDayOfWeek"`
		PreferredTimeOfDay string `json:"preferredTimeOfDay"`
	}
	if res := decodeArgs(args, &in); res != nil {
		return *res, nil
	}

	date := h.Now().AddDate(0, 0, 3+h.Rand.IntN(5))
	if day, ok := parseWeekday(in.PreferredDayOfWeek); ok {
		date = date.AddDate(0, 0, (int(day)+7-int(date.Weekday()))%7)
	}
	formattedDate := date.Format("Monday, January 2, 2006")

	slots, ok := slotsByTimeOfDay[canonical(in.PreferredTimeOfDay, timesOfDay)]
	if !ok {
		slots = slotsByTimeOfDay[timesOfDay[h.Rand.IntN(len(timesOfDay))]]
	}
	slot := slots[h.Rand.IntN(len(slots))]

	h.Logger.Info("next available time found", "patient", in.PatientName, "date", formattedDate, "time", slot)
	return tools.OK(
		fmt.Sprintf("The next available appointment is on %s at %s. Would you like to schedule this time?", formattedDate, slot),
		map[string]any{
			"nextAvailableDate": formattedDate,
			"nextAvailableTime": slot,
		},
	), nil
}

func (h *Handlers) GetMedicationInfo(_ context.Context, args json.RawMessage) (tools.Result, error) {
	var in struct {
		MedicationName string `json:"medicationName"`
		InfoType       string `json:"infoType"`
	}
	if res := decodeArgs(args, &in); res != nil {
		return *res, nil
	}
	name := strings.TrimSpace(in.MedicationName)
	infoType := strings.TrimSpace(in.InfoType)
	if name == "" || infoType == "" {
		return missing("medicationName", "infoType"), nil
	}

	information := fmt.Sprintf("I don't have specific %s information for %s. Please ask your doctor for details during your appointment.", infoType, name)
	if tmpl, ok := medicationTemplates[canonical(infoType, infoTypes)]; ok {
		information = fmt.Sprintf(tmpl, name)
	}
	return tools.OK(
		fmt.Sprintf("Here is the %s information for %s.", strings.ToLower(infoType), name),
		map[string]any{
			"medicationName": name,
			"infoType":       infoType,
			"information":    information,
		},
	), nil
}

func (h *Handlers) RecordDoctorNotes(ctx context.Context, args json.RawMessage) (tools.Result, error) {
	var in struct {
		PatientName string `json:"patientName"`
		Notes       string `json:"notes"`
		Category    string `json:"category"`
		Priority    string `json:"priority"`
	}
	if res := decodeArgs(args, &in); res != nil {
		return *res, nil
	}
	if strings.TrimSpace(in.PatientName) == "" || strings.TrimSpace(in.Notes) == "" {
		return missing("patientName", "notes"), nil
	}
	category := canonical(in.Category, categories)
	if category == "" {
		category = "General"
	}
	priority := canonical(in.Priority, priorities)
	if priority == "" {
		priority = "Medium"
	}

	note, err := h.Store.RecordNote(ctx, notes.Note{
		SessionID:   h.SessionID(),
		PatientName: strings.TrimSpace(in.PatientName),
		Category:    category,
		Priority:    priority,
		Body:        strings.TrimSpace(in.Notes),
	})
	if err != nil {
		return tools.Result{}, fmt.Errorf("record doctor note: %w", err)
	}
	h.Logger.Info("doctor note recorded", "patient", note.PatientName, "category", category, "priority", priority)

	return tools.OK(
		fmt.Sprintf("I've recorded your %s for the doctor. This information will be available before your appointment.", strings.ToLower(category)),
		map[string]any{"noteId": note.ID},
	), nil
}

func (h *Handlers) RescheduleAppointment(ctx context.Context, args json.RawMessage) (tools.Result, error) {
	var in struct {
		Date string `json:"date"`
		Time string `json:"time"`
	}
	if res := decodeArgs(args, &in); res != nil {
		return *res, nil
	}
	if strings.TrimSpace(in.Date) == "" || strings.TrimSpace(in.Time) == "" {
		return missing("date", "time"), nil
	}
	r, err := h.Store.RecordReschedule(ctx, notes.Reschedule{
		SessionID: h.SessionID(),
		Date:      strings.TrimSpace(in.Date),
		Time:      strings.TrimSpace(in.Time),
	})
	if err != nil {
		return tools.Result{}, fmt.Errorf("record reschedule: %w", err)
	}
	h.Logger.Info("appointment rescheduled", "date", r.Date, "time", r.Time)

	return tools.OK(
		fmt.Sprintf("Your appointment has been rescheduled to %s at %s.", r.Date, r.Time),
		map[string]any{"date": r.Date, "time": r.Time},
	), nil
}

func parseWeekday(s string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(strings.TrimSpace(s), d.String()) {
			return d, true
		}
	}
	return 0, false
}

// canonical returns the allowed value matching s case-insensitively, or "".
func canonical(s string, allowed []string) string {
	s = strings.TrimSpace(s)
	for _, v := range allowed {
		if strings.EqualFold(s, v) {
			return v
		}
	}
	return ""
}
