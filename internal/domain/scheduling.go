package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

const (
	defaultTimeSlot        = "15:00"
	defaultDurationMinutes = 60
	sundayDurationMinutes  = 90
)

// SchedulingHints is the explicit shape of the scheduling part of purchase
// metadata. It is decoded once at the boundary; workers never poke at raw
// JSON fields.
type SchedulingHints struct {
	StartDate       string  `json:"start_date,omitempty"` // YYYY-MM-DD
	TimeSlot        string  `json:"time_slot,omitempty"`  // HH:MM
	Cadence         Cadence `json:"cadence,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
	SundayOnly      bool    `json:"sunday_only,omitempty"`
	ExcludeWeekdays []int   `json:"exclude_weekdays,omitempty"` // time.Weekday values
}

// DecodeSchedulingHints parses hints out of a metadata blob and applies
// defaults. A nil or empty blob yields pure defaults. Sunday-only purchases
// collapse to a weekly cadence at the longer per-session duration.
func DecodeSchedulingHints(metadata json.RawMessage, now time.Time) (SchedulingHints, error) {
	var h SchedulingHints
	if len(metadata) > 0 {
		var wrapper struct {
			Scheduling *SchedulingHints `json:"scheduling,omitempty"`
		}
		if err := json.Unmarshal(metadata, &wrapper); err != nil {
			return SchedulingHints{}, fmt.Errorf("decode scheduling hints: %w", err)
		}
		if wrapper.Scheduling != nil {
			h = *wrapper.Scheduling
		}
	}

	if h.StartDate == "" {
		h.StartDate = now.AddDate(0, 0, 1).Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", h.StartDate); err != nil {
		return SchedulingHints{}, fmt.Errorf("invalid start_date %q: %w", h.StartDate, err)
	}
	if h.TimeSlot == "" {
		h.TimeSlot = defaultTimeSlot
	}
	if _, err := time.Parse("15:04", h.TimeSlot); err != nil {
		return SchedulingHints{}, fmt.Errorf("invalid time_slot %q: %w", h.TimeSlot, err)
	}

	if h.SundayOnly {
		h.Cadence = CadenceWeekly
		if h.DurationMinutes == 0 {
			h.DurationMinutes = sundayDurationMinutes
		}
	} else {
		if h.Cadence == "" {
			h.Cadence = CadenceDaily
		}
		if h.DurationMinutes == 0 {
			h.DurationMinutes = defaultDurationMinutes
		}
	}

	return h, nil
}

// Start returns the parsed start date. DecodeSchedulingHints validated it.
func (h SchedulingHints) Start() time.Time {
	t, _ := time.Parse("2006-01-02", h.StartDate)
	return t
}

func (h SchedulingHints) excluded(day time.Weekday) bool {
	for _, d := range h.ExcludeWeekdays {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

// NextSlot returns the first eligible session date at or after the given
// date. Sunday-only purchases land on the next Sunday; daily purchases skip
// configured weekday exclusions.
func (h SchedulingHints) NextSlot(from time.Time) time.Time {
	d := from
	if h.SundayOnly {
		for d.Weekday() != time.Sunday {
			d = d.AddDate(0, 0, 1)
		}
		return d
	}
	for h.excluded(d.Weekday()) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Advance steps from one session date to the next per the cadence.
func (h SchedulingHints) Advance(d time.Time) time.Time {
	if h.Cadence == CadenceWeekly {
		return d.AddDate(0, 0, 7)
	}
	return h.NextSlot(d.AddDate(0, 0, 1))
}
