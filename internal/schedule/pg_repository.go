package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const appointmentCols = `id, doctor_id, patient_id, start_time, end_time, purpose, reference, status, created_at, last_modified_by, last_modified_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var modifiedBy *string
	var modifiedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.Start,
		&a.End,
		&a.Purpose,
		&a.Reference,
		&a.Status,
		&a.CreatedAt,
		&modifiedBy,
		&modifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.LastModifiedBy = modifiedBy
	a.LastModifiedAt = modifiedAt
	return &a, nil
}

func scanAudit(row pgx.Row) (*Audit, error) {
	var au Audit
	var oldStart, newStart *time.Time

	err := row.Scan(
		&au.ID,
		&au.AppointmentID,
		&au.Action,
		&au.Reason,
		&au.OldStatus,
		&au.NewStatus,
		&oldStart,
		&newStart,
		&au.ActorID,
		&au.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}

	au.OldStart = oldStart
	au.NewStart = newStart
	return &au, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// lockDoctorCalendar serializes booking writes per doctor within the
// current transaction. SELECT ... FOR UPDATE cannot guard against two
// inserts that each see no existing rows, so an advisory lock on the
// doctor id closes that gap.
func lockDoctorCalendar(ctx context.Context, tx pgx.Tx, doctorID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, doctorID)
	if err != nil {
		return fmt.Errorf("lock doctor calendar: %w", err)
	}
	return nil
}

func hasOverlap(ctx context.Context, tx pgx.Tx, doctorID string, start, end time.Time, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE doctor_id = $1
			  AND status <> 'cancelled'
			  AND start_time < $3
			  AND end_time > $2
			  AND id <> $4
		)
	`, doctorID, start, end, exclude).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, au Audit) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_audits
			(appointment_id, action, reason, old_status, new_status, old_start, new_start, actor_id, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, au.AppointmentID, au.Action, au.Reason, au.OldStatus, au.NewStatus, au.OldStart, au.NewStart, au.ActorID, au.ModifiedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// Interface methods

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveInRange(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status <> 'cancelled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListByDoctorRange(ctx context.Context, doctorID string, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE doctor_id = $1
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, appt *Appointment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDoctorCalendar(ctx, tx, appt.DoctorID); err != nil {
		return err
	}

	conflict, err := hasOverlap(ctx, tx, appt.DoctorID, appt.Start, appt.End, uuid.Nil)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if conflict {
		return ErrSlotUnavailable
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments
			(id, doctor_id, patient_id, start_time, end_time, purpose, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, appt.ID, appt.DoctorID, appt.PatientID, appt.Start, appt.End, appt.Purpose, appt.Reference, appt.Status, appt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) TransitionWithAudit(ctx context.Context, id uuid.UUID, from Status, audit Audit) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    last_modified_by = $4,
		    last_modified_at = $5
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentCols+`
	`, id, from, audit.NewStatus, audit.ActorID, audit.ModifiedAt)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, r.classifyMissedUpdate(ctx, tx, id)
		}
		return nil, err
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return appt, nil
}

func (r *PgRepository) RescheduleWithAudit(ctx context.Context, id uuid.UUID, from Status, newStart, newEnd time.Time, audit Audit) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var doctorID string
	var curStart time.Time
	var curStatus Status
	err = tx.QueryRow(ctx, `
		SELECT doctor_id, start_time, status FROM appointments WHERE id = $1 FOR UPDATE
	`, id).Scan(&doctorID, &curStart, &curStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	if curStatus != from {
		return nil, ErrInvalidTransition
	}

	// The audit's old values come from the row just locked, not from
	// whatever snapshot the caller read before entering the transaction.
	audit.OldStart = &curStart
	audit.OldStatus = curStatus

	if err := lockDoctorCalendar(ctx, tx, doctorID); err != nil {
		return nil, err
	}

	conflict, err := hasOverlap(ctx, tx, doctorID, newStart, newEnd, id)
	if err != nil {
		return nil, fmt.Errorf("check overlap: %w", err)
	}
	if conflict {
		return nil, ErrSlotUnavailable
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $3,
		    end_time = $4,
		    status = 'requested',
		    last_modified_by = $5,
		    last_modified_at = $6
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentCols+`
	`, id, from, newStart, newEnd, audit.ActorID, audit.ModifiedAt)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return appt, nil
}

func (r *PgRepository) ListAudits(ctx context.Context, appointmentID uuid.UUID) ([]Audit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, action, reason, old_status, new_status, old_start, new_start, actor_id, modified_at
		FROM appointment_audits
		WHERE appointment_id = $1
		ORDER BY modified_at, id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Audit
	for rows.Next() {
		au, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *au)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindRequestedBefore(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE status = 'requested'
		  AND start_time < $1
		ORDER BY start_time
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// classifyMissedUpdate decides whether a guarded update missed because
// the row is gone or because its status moved underneath us.
func (r *PgRepository) classifyMissedUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAppointmentNotFound
	}
	return ErrInvalidTransition
}
