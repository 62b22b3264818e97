package schedule

import (
	"context"
	"fmt"
	"time"
)

// AvailableSlots derives the ordered slot list for a doctor on the
// calendar day containing date. Slots are computed fresh from the
// doctor's non-cancelled appointments on every call, so the result can
// never go stale. An unknown doctor simply has no conflicting
// appointments and yields an all-available day.
func (s *Service) AvailableSlots(ctx context.Context, doctorID string, date time.Time) ([]Slot, error) {
	starts := s.policy.DaySlots(date)
	if len(starts) == 0 {
		return nil, nil
	}

	dayFrom := starts[0]
	dayTo := starts[len(starts)-1].Add(s.policy.SlotDuration)

	active, err := s.repo.ListActiveInRange(ctx, doctorID, dayFrom, dayTo)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}

	slots := make([]Slot, 0, len(starts))
	for _, start := range starts {
		end := start.Add(s.policy.SlotDuration)

		available := true
		for _, a := range active {
			if a.Overlaps(start, end) {
				available = false
				break
			}
		}

		slots = append(slots, Slot{
			ID:        SlotID(doctorID, start),
			DoctorID:  doctorID,
			Start:     start,
			End:       end,
			Available: available,
		})
	}

	return slots, nil
}
