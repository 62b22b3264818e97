package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medisched/ehr-scheduling/internal/schedule"
)

type CreateAppointmentRequest struct {
	DoctorID  string    `json:"doctor_id"`
	PatientID string    `json:"patient_id"`
	Start     time.Time `json:"start"`
	Purpose   string    `json:"purpose"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type RescheduleAppointmentRequest struct {
	NewStart time.Time `json:"new_start"`
	Reason   string    `json:"reason"`
}

type AppointmentResponse struct {
	ID             uuid.UUID  `json:"id"`
	Reference      string     `json:"reference"`
	DoctorID       string     `json:"doctor_id"`
	PatientID      string     `json:"patient_id"`
	Start          time.Time  `json:"start"`
	End            time.Time  `json:"end"`
	Purpose        string     `json:"purpose"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedBy *string    `json:"last_modified_by,omitempty"`
	LastModifiedAt *time.Time `json:"last_modified_at,omitempty"`
}

type SlotResponse struct {
	ID        string    `json:"id"`
	DoctorID  string    `json:"doctor_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

type AuditResponse struct {
	Action     string     `json:"action"`
	Reason     string     `json:"reason"`
	OldStatus  string     `json:"old_status"`
	NewStatus  string     `json:"new_status"`
	OldStart   *time.Time `json:"old_start,omitempty"`
	NewStart   *time.Time `json:"new_start,omitempty"`
	ActorID    string     `json:"actor_id"`
	ModifiedAt time.Time  `json:"modified_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *schedule.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		Reference:      a.Reference,
		DoctorID:       a.DoctorID,
		PatientID:      a.PatientID,
		Start:          a.Start,
		End:            a.End,
		Purpose:        a.Purpose,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt,
		LastModifiedBy: a.LastModifiedBy,
		LastModifiedAt: a.LastModifiedAt,
	}
}

func toAppointmentResponses(appts []schedule.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	return out
}

func toSlotResponses(slots []schedule.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{
			ID:        s.ID,
			DoctorID:  s.DoctorID,
			Start:     s.Start,
			End:       s.End,
			Available: s.Available,
		})
	}
	return out
}

func toAuditResponses(audits []schedule.Audit) []AuditResponse {
	out := make([]AuditResponse, 0, len(audits))
	for _, au := range audits {
		out = append(out, AuditResponse{
			Action:     string(au.Action),
			Reason:     au.Reason,
			OldStatus:  string(au.OldStatus),
			NewStatus:  string(au.NewStatus),
			OldStart:   au.OldStart,
			NewStart:   au.NewStart,
			ActorID:    au.ActorID,
			ModifiedAt: au.ModifiedAt,
		})
	}
	return out
}
