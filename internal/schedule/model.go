package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusCancelled
}

type AuditAction string

const (
	ActionConfirm    AuditAction = "confirm"
	ActionCancel     AuditAction = "cancel"
	ActionReschedule AuditAction = "reschedule"
)

// Appointment is the durable booking record. Cancellation is a status
// change, never a delete.
type Appointment struct {
	ID             uuid.UUID
	DoctorID       string
	PatientID      string
	Start          time.Time
	End            time.Time
	Purpose        string
	Reference      string
	Status         Status
	CreatedAt      time.Time
	LastModifiedBy *string
	LastModifiedAt *time.Time
}

// Overlaps applies the half-open interval test: [a.Start, a.End) and
// [start, end) overlap iff a.Start < end and start < a.End.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return a.Start.Before(end) && start.Before(a.End)
}

// Audit is one immutable record of a state transition. OldStart/NewStart
// are only set for reschedules.
type Audit struct {
	ID            int64
	AppointmentID uuid.UUID
	Action        AuditAction
	Reason        string
	OldStatus     Status
	NewStatus     Status
	OldStart      *time.Time
	NewStart      *time.Time
	ActorID       string
	ModifiedAt    time.Time
}

// Slot is a derived candidate booking interval for a doctor. Slots are
// recomputed from appointments on every query and never persisted.
type Slot struct {
	ID        string
	DoctorID  string
	Start     time.Time
	End       time.Time
	Available bool
}

// SlotID is deterministic for a (doctor, start) pair so clients can
// reference a slot from a previous listing when booking.
func SlotID(doctorID string, start time.Time) string {
	return fmt.Sprintf("%s-%s", doctorID, start.UTC().Format("20060102T1504"))
}

// newReference builds the human-readable booking reference. Cosmetic;
// never used for identity or conflict checks.
func newReference(createdAt time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("APT-%s-%s", createdAt.UTC().Format("20060102"), suffix)
}
