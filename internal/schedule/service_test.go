package schedule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medisched/ehr-scheduling/internal/identity"
	"github.com/medisched/ehr-scheduling/internal/redislock"
)

func newTestService(t *testing.T) (*Service, *MemRepository) {
	t.Helper()

	dir := identity.NewMemDirectory()
	dir.AddUser(identity.User{ID: "dr-1", Name: "Dr. Reyes"}, identity.RoleDoctor)
	dir.AddUser(identity.User{ID: "dr-2", Name: "Dr. Okafor"}, identity.RoleDoctor)
	dir.AddUser(identity.User{ID: "pat-1", Name: "Ana Marin"}, identity.RolePatient)
	dir.AddUser(identity.User{ID: "pat-2", Name: "Luis Vega"}, identity.RolePatient)
	dir.AddUser(identity.User{ID: "admin-1", Name: "Clinic Admin"}, identity.RoleAdmin)

	repo := NewMemRepository()
	svc := NewService(repo, dir, redislock.NoopLocker{}, DefaultPolicy(), nil)
	return svc, repo
}

// futureSlot returns a working-hours grid slot far enough out that the
// advance-notice window never interferes unless a test wants it to.
func futureSlot(hh, mm int) time.Time {
	d := time.Now().UTC().AddDate(0, 0, 7)
	return time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, time.UTC)
}

func TestCreateAppointment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	appt, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", futureSlot(11, 0), "checkup")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if appt.Status != StatusRequested {
		t.Fatalf("status = %s, want %s", appt.Status, StatusRequested)
	}
	if appt.End.Sub(appt.Start) != 30*time.Minute {
		t.Fatalf("duration = %s, want 30m", appt.End.Sub(appt.Start))
	}
	if !strings.HasPrefix(appt.Reference, "APT-") {
		t.Fatalf("reference %q missing APT- prefix", appt.Reference)
	}

	// No audit row until the first transition.
	audits, err := svc.AppointmentHistory(ctx, appt.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(audits) != 0 {
		t.Fatalf("got %d audit rows after create, want 0", len(audits))
	}
}

func TestCreateAppointmentRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateAppointment(ctx, "nope", "pat-1", futureSlot(11, 0), ""); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("unknown doctor: got %v, want ErrUserNotFound", err)
	}
	if _, err := svc.CreateAppointment(ctx, "dr-1", "nope", futureSlot(11, 0), ""); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("unknown patient: got %v, want ErrUserNotFound", err)
	}
	if _, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", futureSlot(8, 0), ""); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("outside working hours: got %v, want ErrSlotUnavailable", err)
	}
}

// The scenario from the design: doctor with a confirmed 10:00-10:30 on
// 2025-06-10. The 10:00 slot must show unavailable, everything else
// available; booking 10:00 fails, booking 11:00 succeeds.
func TestSlotScenario(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	existing := &Appointment{
		ID:        uuid.New(),
		DoctorID:  "dr-1",
		PatientID: "pat-2",
		Start:     day.Add(10 * time.Hour),
		End:       day.Add(10*time.Hour + 30*time.Minute),
		Status:    StatusConfirmed,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateAppointment(ctx, existing); err != nil {
		t.Fatalf("seed existing: %v", err)
	}

	slots, err := svc.AvailableSlots(ctx, "dr-1", day)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 16 {
		t.Fatalf("got %d slots, want 16", len(slots))
	}
	for _, s := range slots {
		wantAvailable := !s.Start.Equal(existing.Start)
		if s.Available != wantAvailable {
			t.Fatalf("slot %v available = %v, want %v", s.Start, s.Available, wantAvailable)
		}
	}

	if _, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", existing.Start, "checkup"); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("booking taken slot: got %v, want ErrSlotUnavailable", err)
	}

	appt, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", day.Add(11*time.Hour), "checkup")
	if err != nil {
		t.Fatalf("booking free slot: %v", err)
	}
	if appt.Status != StatusRequested {
		t.Fatalf("status = %s, want %s", appt.Status, StatusRequested)
	}

	// Same slot, different doctor: no conflict.
	if _, err := svc.CreateAppointment(ctx, "dr-2", "pat-2", existing.Start, "checkup"); err != nil {
		t.Fatalf("other doctor same time: %v", err)
	}
}

func TestAvailableSlotsDeterministic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", futureSlot(9, 30), ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	day := futureSlot(0, 0)
	first, err := svc.AvailableSlots(ctx, "dr-1", day)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.AvailableSlots(ctx, "dr-1", day)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("slot %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestDoctorScheduleClinicZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	repo := NewMemRepository()
	p := DefaultPolicy()
	p.ClinicTZ = loc
	svc := NewService(repo, identity.NewMemDirectory(), redislock.NoopLocker{}, p, nil)
	ctx := context.Background()

	// 15:00 UTC on June 10 is 11:00 that same day in New York. A query
	// for date=2025-06-10, parsed as midnight UTC, must find it rather
	// than listing the clinic day of June 9.
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	start := day.Add(15 * time.Hour)
	appt := &Appointment{
		ID:        uuid.New(),
		DoctorID:  "dr-1",
		PatientID: "pat-1",
		Start:     start,
		End:       start.Add(30 * time.Minute),
		Status:    StatusConfirmed,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateAppointment(ctx, appt); err != nil {
		t.Fatal(err)
	}

	got, err := svc.DoctorSchedule(ctx, "dr-1", day)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d appointments for June 10, want 1", len(got))
	}
	if !got[0].Start.Equal(start) {
		t.Fatalf("listed %v, want %v", got[0].Start, start)
	}
}

func TestConfirmAppointment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	appt, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", futureSlot(11, 0), "")
	if err != nil {
		t.Fatal(err)
	}

	confirmed, err := svc.ConfirmAppointment(ctx, appt.ID, "dr-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("status = %s, want %s", confirmed.Status, StatusConfirmed)
	}
	if confirmed.LastModifiedBy == nil || *confirmed.LastModifiedBy != "dr-1" {
		t.Fatal("last modifier not stamped")
	}

	audits, _ := svc.AppointmentHistory(ctx, appt.ID)
	if len(audits) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(audits))
	}
	if audits[0].Action != ActionConfirm || audits[0].OldStatus != StatusRequested || audits[0].NewStatus != StatusConfirmed {
		t.Fatalf("unexpected audit row: %+v", audits[0])
	}

	// Confirming again is an invalid transition.
	if _, err := svc.ConfirmAppointment(ctx, appt.ID, "dr-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double confirm: got %v, want ErrInvalidTransition", err)
	}

	if _, err := svc.ConfirmAppointment(ctx, uuid.New(), "dr-1"); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("missing appointment: got %v, want ErrAppointmentNotFound", err)
	}
}

func TestCancelAppointment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	appt, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", futureSlot(11, 0), "")
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := svc.CancelAppointment(ctx, appt.ID, "pat-1", "cannot make it")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", cancelled.Status, StatusCancelled)
	}

	audits, _ := svc.AppointmentHistory(ctx, appt.ID)
	if len(audits) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(audits))
	}
	if audits[0].Action != ActionCancel || audits[0].Reason != "cannot make it" {
		t.Fatalf("unexpected audit row: %+v", audits[0])
	}

	// Cancelling again: invalid transition and no second audit row.
	if _, err := svc.CancelAppointment(ctx, appt.ID, "pat-1", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double cancel: got %v, want ErrInvalidTransition", err)
	}
	audits, _ = svc.AppointmentHistory(ctx, appt.ID)
	if len(audits) != 1 {
		t.Fatalf("audit rows grew to %d after rejected cancel", len(audits))
	}

	// The slot opens up again.
	if _, err := svc.CreateAppointment(ctx, "dr-1", "pat-2", appt.Start, ""); err != nil {
		t.Fatalf("rebooking cancelled slot: %v", err)
	}
}

func TestCancelAdvanceNotice(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	// Tomorrow-ish: inside the 24h window. Seed directly so times do
	// not depend on working hours of the wall clock when tests run.
	soon := time.Now().UTC().Add(23 * time.Hour)
	appt := &Appointment{
		ID:        uuid.New(),
		DoctorID:  "dr-1",
		PatientID: "pat-1",
		Start:     soon,
		End:       soon.Add(30 * time.Minute),
		Status:    StatusConfirmed,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateAppointment(ctx, appt); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CancelAppointment(ctx, appt.ID, "pat-1", "too late"); !errors.Is(err, ErrAdvanceNotice) {
		t.Fatalf("patient inside window: got %v, want ErrAdvanceNotice", err)
	}
	if _, err := svc.RescheduleAppointment(ctx, appt.ID, futureSlot(9, 0), "pat-1", "too late"); !errors.Is(err, ErrAdvanceNotice) {
		t.Fatalf("patient reschedule inside window: got %v, want ErrAdvanceNotice", err)
	}

	// Admins bypass the window.
	if _, err := svc.CancelAppointment(ctx, appt.ID, "admin-1", "clinic closure"); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestCancelAssignedDoctorBypassesWindow(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(2 * time.Hour)
	appt := &Appointment{
		ID:        uuid.New(),
		DoctorID:  "dr-1",
		PatientID: "pat-1",
		Start:     soon,
		End:       soon.Add(30 * time.Minute),
		Status:    StatusRequested,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateAppointment(ctx, appt); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CancelAppointment(ctx, appt.ID, "dr-1", "emergency"); err != nil {
		t.Fatalf("assigned doctor cancel: %v", err)
	}
}

func TestRescheduleAppointment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	appt, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", futureSlot(11, 0), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ConfirmAppointment(ctx, appt.ID, "dr-1"); err != nil {
		t.Fatal(err)
	}

	newStart := futureSlot(14, 0)
	moved, err := svc.RescheduleAppointment(ctx, appt.ID, newStart, "pat-1", "work conflict")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	// Reschedule always resets to requested for re-confirmation.
	if moved.Status != StatusRequested {
		t.Fatalf("status = %s, want %s", moved.Status, StatusRequested)
	}
	if !moved.Start.Equal(newStart) || !moved.End.Equal(newStart.Add(30*time.Minute)) {
		t.Fatalf("interval not moved: %v-%v", moved.Start, moved.End)
	}

	audits, _ := svc.AppointmentHistory(ctx, appt.ID)
	if len(audits) != 2 {
		t.Fatalf("got %d audit rows, want 2 (confirm + reschedule)", len(audits))
	}
	last := audits[len(audits)-1]
	if last.Action != ActionReschedule || last.OldStatus != StatusConfirmed || last.NewStatus != StatusRequested {
		t.Fatalf("unexpected reschedule audit: %+v", last)
	}
	if last.OldStart == nil || !last.OldStart.Equal(futureSlot(11, 0)) {
		t.Fatalf("old start not recorded: %v", last.OldStart)
	}
	if last.NewStart == nil || !last.NewStart.Equal(newStart) {
		t.Fatalf("new start not recorded: %v", last.NewStart)
	}

	// The old slot is free again.
	if _, err := svc.CreateAppointment(ctx, "dr-1", "pat-2", futureSlot(11, 0), ""); err != nil {
		t.Fatalf("rebooking vacated slot: %v", err)
	}
}

// When two reschedules race, the loser of the first commit still holds
// a snapshot with the original start. The audit row must record the
// start the row actually had inside the transaction, not that snapshot.
func TestRescheduleAuditOldValuesFromRow(t *testing.T) {
	repo := NewMemRepository()
	ctx := context.Background()

	origStart := futureSlot(10, 0)
	appt := &Appointment{
		ID:        uuid.New(),
		DoctorID:  "dr-1",
		PatientID: "pat-1",
		Start:     origStart,
		End:       origStart.Add(30 * time.Minute),
		Status:    StatusRequested,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.CreateAppointment(ctx, appt); err != nil {
		t.Fatal(err)
	}

	// First mover relocates the appointment.
	mid := futureSlot(12, 0)
	first := Audit{
		AppointmentID: appt.ID,
		Action:        ActionReschedule,
		NewStatus:     StatusRequested,
		NewStart:      &mid,
		ActorID:       "admin-1",
		ModifiedAt:    time.Now().UTC(),
	}
	if _, err := repo.RescheduleWithAudit(ctx, appt.ID, StatusRequested, mid, mid.Add(30*time.Minute), first); err != nil {
		t.Fatalf("first reschedule: %v", err)
	}

	// Second mover arrives carrying the stale original start.
	final := futureSlot(14, 0)
	staleOld := origStart
	second := Audit{
		AppointmentID: appt.ID,
		Action:        ActionReschedule,
		OldStart:      &staleOld,
		NewStatus:     StatusRequested,
		NewStart:      &final,
		ActorID:       "pat-1",
		ModifiedAt:    time.Now().UTC(),
	}
	if _, err := repo.RescheduleWithAudit(ctx, appt.ID, StatusRequested, final, final.Add(30*time.Minute), second); err != nil {
		t.Fatalf("second reschedule: %v", err)
	}

	audits, err := repo.ListAudits(ctx, appt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 2 {
		t.Fatalf("got %d audit rows, want 2", len(audits))
	}
	last := audits[1]
	if last.OldStart == nil || !last.OldStart.Equal(mid) {
		t.Fatalf("audit old start = %v, want %v from the row at transaction time", last.OldStart, mid)
	}
	if last.OldStatus != StatusRequested {
		t.Fatalf("audit old status = %s, want %s", last.OldStatus, StatusRequested)
	}
}

func TestRescheduleRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", futureSlot(11, 0), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.CreateAppointment(ctx, "dr-1", "pat-2", futureSlot(12, 0), "")
	if err != nil {
		t.Fatal(err)
	}

	// Onto another booking: unavailable.
	if _, err := svc.RescheduleAppointment(ctx, a.ID, b.Start, "admin-1", ""); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("onto occupied slot: got %v, want ErrSlotUnavailable", err)
	}

	// Onto its own slot: the appointment does not conflict with itself.
	if _, err := svc.RescheduleAppointment(ctx, a.ID, a.Start, "admin-1", "no-op move"); err != nil {
		t.Fatalf("onto own slot: %v", err)
	}

	// Outside working hours.
	if _, err := svc.RescheduleAppointment(ctx, a.ID, futureSlot(18, 0), "admin-1", ""); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("outside hours: got %v, want ErrSlotUnavailable", err)
	}

	// Out of a cancelled appointment.
	if _, err := svc.CancelAppointment(ctx, b.ID, "admin-1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RescheduleAppointment(ctx, b.ID, futureSlot(15, 0), "admin-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rescheduling cancelled: got %v, want ErrInvalidTransition", err)
	}
}

// Concurrent creates for the identical slot must yield exactly one
// booking; everyone else gets a slot-unavailable rejection.
func TestConcurrentCreateSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	start := futureSlot(10, 0)

	const attempts = 32

	var wg sync.WaitGroup
	var successes, conflicts counter
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateAppointment(ctx, "dr-1", "pat-1", start, "race")
			switch {
			case err == nil:
				successes.inc()
			case errors.Is(err, ErrSlotUnavailable):
				conflicts.inc()
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.load() != 1 {
		t.Fatalf("got %d successful bookings, want exactly 1", successes.load())
	}
	if conflicts.load() != attempts-1 {
		t.Fatalf("got %d conflicts, want %d", conflicts.load(), attempts-1)
	}
}

func TestSweepUnconfirmed(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	stale := &Appointment{
		ID: uuid.New(), DoctorID: "dr-1", PatientID: "pat-1",
		Start: past, End: past.Add(30 * time.Minute),
		Status: StatusRequested, CreatedAt: past.Add(-24 * time.Hour),
	}
	kept := &Appointment{
		ID: uuid.New(), DoctorID: "dr-1", PatientID: "pat-2",
		Start: past.Add(time.Hour), End: past.Add(90 * time.Minute),
		Status: StatusConfirmed, CreatedAt: past.Add(-24 * time.Hour),
	}
	for _, a := range []*Appointment{stale, kept} {
		if err := repo.CreateAppointment(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	swept, err := svc.SweepUnconfirmed(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d, want 1", swept)
	}

	got, _ := svc.GetAppointment(ctx, stale.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("stale status = %s, want cancelled", got.Status)
	}
	audits, _ := svc.AppointmentHistory(ctx, stale.ID)
	if len(audits) != 1 || audits[0].ActorID != SystemActorID {
		t.Fatalf("unexpected sweep audit: %+v", audits)
	}

	untouched, _ := svc.GetAppointment(ctx, kept.ID)
	if untouched.Status != StatusConfirmed {
		t.Fatalf("confirmed appointment was swept: %s", untouched.Status)
	}
}

// counter is a tiny helper to keep the concurrency test readable.
type counter struct {
	mu sync.Mutex
	n  int
}

func (a *counter) inc() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *counter) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
