package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepository is an in-memory Repository for tests and local tooling.
// A single mutex stands in for the store's transactions, so the same
// check-then-write guarantees hold under concurrent use.
type MemRepository struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]Appointment
	audits []Audit
	nextID int64
}

func NewMemRepository() *MemRepository {
	return &MemRepository{
		byID:   make(map[uuid.UUID]Appointment),
		nextID: 1,
	}
}

func (r *MemRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemRepository) ListActiveInRange(_ context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeInRangeLocked(doctorID, from, to, uuid.Nil), nil
}

func (r *MemRepository) ListByDoctorRange(_ context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.byID {
		if a.DoctorID == doctorID && !a.Start.Before(from) && a.Start.Before(to) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (r *MemRepository) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.byID {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemRepository) CreateAppointment(_ context.Context, appt *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.activeInRangeLocked(appt.DoctorID, appt.Start, appt.End, uuid.Nil)) > 0 {
		return ErrSlotUnavailable
	}

	r.byID[appt.ID] = *appt
	return nil
}

func (r *MemRepository) TransitionWithAudit(_ context.Context, id uuid.UUID, from Status, audit Audit) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrInvalidTransition
	}

	actor := audit.ActorID
	at := audit.ModifiedAt
	a.Status = audit.NewStatus
	a.LastModifiedBy = &actor
	a.LastModifiedAt = &at

	r.byID[id] = a
	r.appendAuditLocked(audit)
	return &a, nil
}

func (r *MemRepository) RescheduleWithAudit(_ context.Context, id uuid.UUID, from Status, newStart, newEnd time.Time, audit Audit) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrInvalidTransition
	}

	if len(r.activeInRangeLocked(a.DoctorID, newStart, newEnd, id)) > 0 {
		return nil, ErrSlotUnavailable
	}

	oldStart := a.Start
	audit.OldStart = &oldStart
	audit.OldStatus = a.Status

	actor := audit.ActorID
	at := audit.ModifiedAt
	a.Start = newStart
	a.End = newEnd
	a.Status = StatusRequested
	a.LastModifiedBy = &actor
	a.LastModifiedAt = &at

	r.byID[id] = a
	r.appendAuditLocked(audit)
	return &a, nil
}

func (r *MemRepository) ListAudits(_ context.Context, appointmentID uuid.UUID) ([]Audit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Audit
	for _, au := range r.audits {
		if au.AppointmentID == appointmentID {
			out = append(out, au)
		}
	}
	return out, nil
}

func (r *MemRepository) FindRequestedBefore(_ context.Context, cutoff time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.byID {
		if a.Status == StatusRequested && a.Start.Before(cutoff) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (r *MemRepository) activeInRangeLocked(doctorID string, from, to time.Time, exclude uuid.UUID) []Appointment {
	var out []Appointment
	for _, a := range r.byID {
		if a.ID == exclude || a.DoctorID != doctorID || a.Status.Terminal() {
			continue
		}
		if a.Overlaps(from, to) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out
}

func (r *MemRepository) appendAuditLocked(audit Audit) {
	audit.ID = r.nextID
	r.nextID++
	r.audits = append(r.audits, audit)
}

func sortByStart(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool { return appts[i].Start.Before(appts[j].Start) })
}
