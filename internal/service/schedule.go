package service

import (
	"time"

	"github.com/google/uuid"

	"fulfillment-worker/internal/domain"
)

// slotSource identifies the allocation a window of sessions belongs to.
type slotSource struct {
	AllocationID string
	StudentID    string
	TrainerID    string
	CourseID     string
}

// buildWindow materializes the next `count` session slots starting from
// `first`, following the cadence policy in the hints. Ordinary purchases
// land on consecutive eligible days; Sunday-only purchases land weekly on
// Sundays. One policy, parameterized by the hints.
func buildWindow(src slotSource, hints domain.SchedulingHints, first time.Time, count int) []domain.Session {
	if count <= 0 {
		return nil
	}

	sessions := make([]domain.Session, 0, count)
	d := hints.NextSlot(first)
	for i := 0; i < count; i++ {
		sessions = append(sessions, domain.Session{
			ID:            uuid.NewString(),
			AllocationID:  src.AllocationID,
			StudentID:     src.StudentID,
			TrainerID:     src.TrainerID,
			CourseID:      src.CourseID,
			ScheduledDate: d,
			ScheduledTime: hints.TimeSlot,
			Status:        domain.SessionScheduled,
		})
		d = hints.Advance(d)
	}
	return sessions
}

// windowDeficit computes how many sessions to create so the rolling window
// reaches `window` future sessions without exceeding the purchased total.
// totalCap of zero means uncapped.
func windowDeficit(window, future, existingTotal, totalCap int) int {
	deficit := window - future
	if deficit <= 0 {
		return 0
	}
	if totalCap > 0 {
		remaining := totalCap - existingTotal
		if remaining < deficit {
			deficit = remaining
		}
	}
	if deficit < 0 {
		return 0
	}
	return deficit
}

// truncateToDay drops the time-of-day part, keeping date comparisons in UTC.
func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
