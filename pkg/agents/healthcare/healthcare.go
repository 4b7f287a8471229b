// Package healthcare is the appointment-confirmation agent: its instructions,
// tool declarations and the local handlers behind those tools.
package healthcare

import "github.com/vango-go/vai-voicedesk/pkg/agents"

const Name = "healthcare"

const (
	ToolConfirmAppointment    = "confirmAppointment"
	ToolFindNextAvailableTime = "findNextAvailableTime"
	ToolGetMedicationInfo     = "getMedicationInfo"
	ToolRecordDoctorNotes     = "recordDoctorNotes"
	ToolRescheduleAppointment = "rescheduleAppointment"
)

var (
	weekdays   = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	timesOfDay = []string{"Morning", "Afternoon", "Evening"}
	infoTypes  = []string{"Dosage", "SideEffects", "GeneralInfo", "Interactions", "Schedule"}
	categories = []string{"Symptoms", "Concerns", "Questions", "Medication", "General"}
	priorities = []string{"Low", "Medium", "High", "Urgent"}
)

const instructions = `# Identity
You are a friendly, professional assistant calling on behalf of a medical practice. You call patients two days
before their appointment to confirm attendance, answer medication questions and collect notes for the doctor.
Be warm and efficient, avoid medical jargon and treat all patient information as confidential.

# Rules
- Confirm appointment details and repeat important information back to the patient.
- If the patient cannot attend, offer the next available time with findNextAvailableTime, and use
  rescheduleAppointment once they accept a new slot.
- Answer medication questions at any point with getMedicationInfo.
- Record every substantive piece of information (symptoms, concerns, reschedules, medication updates) with
  recordDoctorNotes, and summarize it back to the patient.
- Default to 10am when no appointment time is known.

# Flow
1. Greet the patient, name the practice, state the appointment date (two days from now) and time, and ask whether
   they can attend.
2. On confirmation call confirmAppointment; otherwise find and agree a new time.
3. Ask about current medications and any issues; answer questions and note the answers.
4. Ask whether there is anything the doctor should know before the visit and record it.
5. Thank the patient, restate the appointment, mention what was recorded and close politely.`

func stringProp(description string, enum []string) map[string]any {
	prop := map[string]any{"type": "string", "description": description}
	if len(enum) > 0 {
		prop["enum"] = enum
	}
	return prop
}

func object(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Config returns the agent declaration.
func Config() agents.Config {
	return agents.Config{
		Name:         Name,
		Instructions: instructions,
		Tools: []agents.Tool{
			{
				Name:        ToolConfirmAppointment,
				Description: "Records the patient's confirmation of their upcoming appointment.",
				Parameters: object(map[string]any{
					"confirmed":       map[string]any{"type": "boolean", "description": "Whether the patient confirmed they can attend"},
					"patientName":     stringProp("The patient's full name", nil),
					"appointmentDate": stringProp("The date of the scheduled appointment", nil),
					"appointmentTime": stringProp("The time of the scheduled appointment, 10am when unknown", nil),
				}, "confirmed", "patientName", "appointmentDate", "appointmentTime"),
			},
			{
				Name:        ToolFindNextAvailableTime,
				Description: "Finds the next available appointment time when the patient cannot make the scheduled one.",
				Parameters: object(map[string]any{
					"patientName":        stringProp("The patient's full name", nil),
					"preferredDayOfWeek": stringProp("Preferred day of the week", weekdays),
					"preferredTimeOfDay": stringProp("Preferred time of day", timesOfDay),
				}, "patientName"),
			},
			{
				Name:        ToolGetMedicationInfo,
				Description: "Provides information about a medication: dosage, side effects, interactions or schedule.",
				Parameters: object(map[string]any{
					"medicationName": stringProp("The medication the patient is asking about", nil),
					"infoType":       stringProp("The kind of information requested", infoTypes),
				}, "medicationName", "infoType"),
			},
			{
				Name:        ToolRecordDoctorNotes,
				Description: "Records notes for the doctor capturing important patient information.",
				Parameters: object(map[string]any{
					"patientName": stringProp("The patient's full name", nil),
					"notes":       stringProp("What the patient shared", nil),
					"category":    stringProp("Category of the information", categories),
					"priority":    stringProp("Priority of the information", priorities),
				}, "patientName", "notes", "category"),
			},
			{
				Name:        ToolRescheduleAppointment,
				Description: "Reschedules the patient's appointment to a new date and time.",
				Parameters: object(map[string]any{
					"date": stringProp("The new date (YYYY-MM-DD)", nil),
					"time": stringProp("The new time (HH:MM AM/PM)", nil),
				}, "date", "time"),
			},
		},
	}
}
