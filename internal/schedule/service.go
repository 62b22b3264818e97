package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medisched/ehr-scheduling/internal/identity"
	"github.com/medisched/ehr-scheduling/internal/redislock"
)

// SystemActorID stamps audit rows written by background workers rather
// than a real user.
const SystemActorID = "system"

// Service owns the appointment lifecycle: create, confirm, cancel,
// reschedule. It is stateless between calls; all durable state lives in
// the repository.
type Service struct {
	repo      Repository
	directory identity.Directory
	locker    redislock.Locker
	policy    Policy
	log       *logrus.Entry
}

func NewService(repo Repository, directory identity.Directory, locker redislock.Locker, policy Policy, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		repo:      repo,
		directory: directory,
		locker:    locker,
		policy:    policy,
		log:       log,
	}
}

// CreateAppointment books a new appointment with status requested.
// The availability check and the insert run under a per-slot lock, and
// the repository re-checks overlap in its transaction, so two
// concurrent requests for the same slot produce exactly one booking.
func (s *Service) CreateAppointment(ctx context.Context, doctorID, patientID string, start time.Time, purpose string) (*Appointment, error) {
	if _, err := s.directory.FindUserByID(ctx, doctorID); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, fmt.Errorf("doctor %s: %w", doctorID, err)
		}
		return nil, fmt.Errorf("resolve doctor: %w", err)
	}
	if _, err := s.directory.FindUserByID(ctx, patientID); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, fmt.Errorf("patient %s: %w", patientID, err)
		}
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	start = start.UTC()

	var created *Appointment

	err := s.locker.WithSlotLock(ctx, doctorID, start, func(lockCtx context.Context) error {
		if err := s.checkAvailable(lockCtx, doctorID, start, uuid.Nil); err != nil {
			return err
		}

		now := time.Now().UTC()
		appt := &Appointment{
			ID:        uuid.New(),
			DoctorID:  doctorID,
			PatientID: patientID,
			Start:     start,
			End:       start.Add(s.policy.SlotDuration),
			Purpose:   purpose,
			Reference: newReference(now),
			Status:    StatusRequested,
			CreatedAt: now,
		}

		if err := s.repo.CreateAppointment(lockCtx, appt); err != nil {
			if errors.Is(err, ErrSlotUnavailable) {
				return err
			}
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, redislock.ErrLockNotAcquired) {
			return nil, ErrSlotContended
		}
		return nil, err
	}

	return created, nil
}

// ConfirmAppointment moves a requested appointment to confirmed and
// records the transition. Authorization is the caller's concern.
func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID, actorID string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if appt.Status != StatusRequested {
		return nil, ErrInvalidTransition
	}

	audit := Audit{
		AppointmentID: id,
		Action:        ActionConfirm,
		Reason:        "appointment confirmed",
		OldStatus:     appt.Status,
		NewStatus:     StatusConfirmed,
		ActorID:       actorID,
		ModifiedAt:    time.Now().UTC(),
	}

	return s.repo.TransitionWithAudit(ctx, id, StatusRequested, audit)
}

// CancelAppointment cancels a requested or confirmed appointment.
// Non-elevated actors must leave the minimum advance notice.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, actorID, reason string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if appt.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	if err := s.enforceNotice(ctx, appt, actorID); err != nil {
		return nil, err
	}

	audit := Audit{
		AppointmentID: id,
		Action:        ActionCancel,
		Reason:        reason,
		OldStatus:     appt.Status,
		NewStatus:     StatusCancelled,
		ActorID:       actorID,
		ModifiedAt:    time.Now().UTC(),
	}

	return s.repo.TransitionWithAudit(ctx, id, appt.Status, audit)
}

// RescheduleAppointment moves an active appointment to a new start and
// always resets it to requested for re-confirmation. The appointment's
// own interval is excluded from the conflict check.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, newStart time.Time, actorID, reason string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if appt.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	if err := s.enforceNotice(ctx, appt, actorID); err != nil {
		return nil, err
	}

	newStart = newStart.UTC()

	var updated *Appointment

	err = s.locker.WithSlotLock(ctx, appt.DoctorID, newStart, func(lockCtx context.Context) error {
		if err := s.checkAvailable(lockCtx, appt.DoctorID, newStart, appt.ID); err != nil {
			return err
		}

		// Old status and start are filled by the repository from its
		// locked read; values captured here could be stale by the time
		// the transaction runs.
		audit := Audit{
			AppointmentID: id,
			Action:        ActionReschedule,
			Reason:        reason,
			NewStatus:     StatusRequested,
			NewStart:      &newStart,
			ActorID:       actorID,
			ModifiedAt:    time.Now().UTC(),
		}

		var err error
		updated, err = s.repo.RescheduleWithAudit(lockCtx, id, appt.Status, newStart, newStart.Add(s.policy.SlotDuration), audit)
		return err
	})
	if err != nil {
		if errors.Is(err, redislock.ErrLockNotAcquired) {
			return nil, ErrSlotContended
		}
		return nil, err
	}

	return updated, nil
}

// GetAppointment returns a single appointment by id.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

// AppointmentHistory returns the audit trail, oldest first.
func (s *Service) AppointmentHistory(ctx context.Context, id uuid.UUID) ([]Audit, error) {
	if _, err := s.repo.GetAppointmentByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAudits(ctx, id)
}

// DoctorSchedule lists a doctor's appointments (all statuses) for the
// calendar day containing date.
func (s *Service) DoctorSchedule(ctx context.Context, doctorID string, date time.Time) ([]Appointment, error) {
	from, to := s.dayBounds(date)
	appts, err := s.repo.ListByDoctorRange(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list doctor schedule: %w", err)
	}
	return appts, nil
}

// PatientAppointments lists a patient's appointments, newest first.
func (s *Service) PatientAppointments(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list patient appointments: %w", err)
	}
	return appts, nil
}

// SweepUnconfirmed cancels appointments still requested after their
// start time has passed. Intended to be called periodically by the
// sweeper worker. Returns the number of appointments cancelled.
func (s *Service) SweepUnconfirmed(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	stale, err := s.repo.FindRequestedBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find unconfirmed appointments: %w", err)
	}

	swept := 0
	for _, appt := range stale {
		audit := Audit{
			AppointmentID: appt.ID,
			Action:        ActionCancel,
			Reason:        "not confirmed before start time",
			OldStatus:     StatusRequested,
			NewStatus:     StatusCancelled,
			ActorID:       SystemActorID,
			ModifiedAt:    now,
		}

		_, err := s.repo.TransitionWithAudit(ctx, appt.ID, StatusRequested, audit)
		if err != nil {
			// Lost a race with a concurrent confirm or cancel; skip.
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			s.log.WithError(err).WithField("appointment_id", appt.ID).Warn("sweep: cancel failed")
			continue
		}
		swept++
	}

	return swept, nil
}

// enforceNotice applies the advance-notice window. The assigned doctor
// and elevated roles bypass it.
func (s *Service) enforceNotice(ctx context.Context, appt *Appointment, actorID string) error {
	if actorID == appt.DoctorID || actorID == SystemActorID {
		return nil
	}

	roles, err := s.directory.RolesForUser(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolve actor roles: %w", err)
	}
	if identity.HasOverride(roles) {
		return nil
	}

	if !s.policy.HasMinNotice(appt.Start, time.Now().UTC()) {
		return ErrAdvanceNotice
	}
	return nil
}

// dayBounds anchors date's calendar-day components at clinic-zone
// midnight, mirroring Policy.DaySlots.
func (s *Service) dayBounds(date time.Time) (time.Time, time.Time) {
	y, m, d := date.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.policy.tz())
	return from.UTC(), from.Add(24 * time.Hour).UTC()
}
