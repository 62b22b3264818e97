package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotUnavailable     = errors.New("slot is unavailable")
	ErrSlotContended       = errors.New("slot is currently being booked, please retry")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAdvanceNotice       = errors.New("minimum advance notice not met")
)

// Repository contains all store interactions needed by the service.
//
// CreateAppointment and RescheduleWithAudit re-check interval overlap
// inside their own transaction, so the no-double-booking invariant
// holds even without the distributed lock.
type Repository interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ListActiveInRange returns non-cancelled appointments for the
	// doctor whose [start, end) intervals overlap [from, to).
	ListActiveInRange(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error)

	// Calendar and dashboard listings (all statuses).
	ListByDoctorRange(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error)

	// CreateAppointment inserts the record, failing with
	// ErrSlotUnavailable if another active appointment for the doctor
	// overlaps its interval.
	CreateAppointment(ctx context.Context, appt *Appointment) error

	// TransitionWithAudit applies a status change guarded by the
	// expected current status and writes the audit row atomically with
	// it. Returns ErrInvalidTransition if the status moved underneath.
	TransitionWithAudit(ctx context.Context, id uuid.UUID, from Status, audit Audit) (*Appointment, error)

	// RescheduleWithAudit moves the appointment to a new interval,
	// resets it to requested, and writes the audit row, all in one
	// transaction. The appointment's own current interval is excluded
	// from the overlap check. The audit's OldStart and OldStatus are
	// overwritten from the row as read inside the transaction.
	RescheduleWithAudit(ctx context.Context, id uuid.UUID, from Status, newStart, newEnd time.Time, audit Audit) (*Appointment, error)

	// ListAudits returns the append-only history, oldest first.
	ListAudits(ctx context.Context, appointmentID uuid.UUID) ([]Audit, error)

	// FindRequestedBefore returns appointments still requested whose
	// start time has passed. Used by the no-show sweeper.
	FindRequestedBefore(ctx context.Context, cutoff time.Time) ([]Appointment, error)
}
