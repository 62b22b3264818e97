package schedule

import (
	"time"

	"github.com/medisched/ehr-scheduling/internal/config"
)

// Policy carries the clinic's scheduling rules. It is plain injected
// configuration, immutable after construction, safe for concurrent use.
//
// Appointments are stored and compared in UTC throughout; only the
// working-hours check converts into the clinic's wall-clock zone.
type Policy struct {
	DayStart     time.Duration // offset from midnight in clinic time, e.g. 9h
	DayEnd       time.Duration // offset from midnight in clinic time, e.g. 17h
	SlotDuration time.Duration
	Buffer       time.Duration // advisory, not part of conflict checks
	CancelWindow time.Duration // minimum notice for non-elevated cancel/reschedule
	ClinicTZ     *time.Location
}

func DefaultPolicy() Policy {
	return Policy{
		DayStart:     9 * time.Hour,
		DayEnd:       17 * time.Hour,
		SlotDuration: 30 * time.Minute,
		Buffer:       15 * time.Minute,
		CancelWindow: 24 * time.Hour,
		ClinicTZ:     time.UTC,
	}
}

func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		DayStart:     cfg.ClinicOpen,
		DayEnd:       cfg.ClinicClose,
		SlotDuration: cfg.SlotDuration,
		Buffer:       cfg.BufferDuration,
		CancelWindow: cfg.CancelWindow,
		ClinicTZ:     cfg.ClinicTZ,
	}
}

func (p Policy) tz() *time.Location {
	if p.ClinicTZ == nil {
		return time.UTC
	}
	return p.ClinicTZ
}

// WithinWorkingHours reports whether [start, end) sits inside the
// clinic day. The end boundary is inclusive: a slot ending exactly at
// closing time is fine.
func (p Policy) WithinWorkingHours(start, end time.Time) bool {
	s := start.In(p.tz())
	e := end.In(p.tz())

	if s.Year() != e.Year() || s.YearDay() != e.YearDay() {
		return false
	}

	return clockOffset(s) >= p.DayStart && clockOffset(e) <= p.DayEnd
}

// ValidDuration accepts exact slot-length intervals only, no partial slots.
func (p Policy) ValidDuration(start, end time.Time) bool {
	return end.Sub(start) == p.SlotDuration
}

// HasMinNotice reports whether the appointment start is far enough away
// for a non-elevated actor to still cancel or reschedule it.
func (p Policy) HasMinNotice(apptStart, now time.Time) bool {
	return apptStart.After(now.Add(p.CancelWindow))
}

// DaySlots returns the candidate slot start times (UTC) for the
// calendar day named by date's year, month and day, stepping by the
// slot duration from opening while the full slot still fits before
// closing. The date is a plain calendar day, not an instant: its
// components are read as-is and anchored at clinic-zone midnight, so
// the same YYYY-MM-DD yields the same clinic day whatever zone the
// caller parsed it in.
func (p Policy) DaySlots(date time.Time) []time.Time {
	y, m, d := date.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, p.tz())
	closing := midnight.Add(p.DayEnd)

	var starts []time.Time
	for cur := midnight.Add(p.DayStart); !cur.Add(p.SlotDuration).After(closing); cur = cur.Add(p.SlotDuration) {
		starts = append(starts, cur.UTC())
	}
	return starts
}

func clockOffset(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}
