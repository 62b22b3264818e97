package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// checkAvailable answers whether [start, start+slot) is bookable for the
// doctor. exclude skips the appointment being rescheduled so it does not
// conflict with itself. Business rejections come back as
// ErrSlotUnavailable; anything else is an infrastructure failure.
func (s *Service) checkAvailable(ctx context.Context, doctorID string, start time.Time, exclude uuid.UUID) error {
	end := start.Add(s.policy.SlotDuration)

	if !s.policy.WithinWorkingHours(start, end) {
		return ErrSlotUnavailable
	}

	active, err := s.repo.ListActiveInRange(ctx, doctorID, start, end)
	if err != nil {
		return fmt.Errorf("list active appointments: %w", err)
	}

	for _, a := range active {
		if a.ID == exclude {
			continue
		}
		if a.Overlaps(start, end) {
			return ErrSlotUnavailable
		}
	}

	return nil
}
