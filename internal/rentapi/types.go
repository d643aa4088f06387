package rentapi

import "time"

// Booking status values owned by the business API. The automation sweep is
// the only writer of time-driven transitions.
const (
	StatusBooked              = "booked"
	StatusPendingConfirmation = "pending_confirmation"
	StatusConfirmed           = "confirmed"
	StatusInUse               = "in_use"
	StatusNoShow              = "no_show"
)

type Booking struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	PlannedStart time.Time  `json:"planned_start_time"`
	ActualStart  *time.Time `json:"actual_start_time,omitempty"`
	// DurationMin is the rental duration in minutes.
	DurationMin int   `json:"duration"`
	ChatID      int64 `json:"chat_id"`
}

// PlannedReturn derives the expected return time: actual start when the
// equipment went out, planned start otherwise.
func (b Booking) PlannedReturn() time.Time {
	start := b.PlannedStart
	if b.ActualStart != nil && !b.ActualStart.IsZero() {
		start = *b.ActualStart
	}
	return start.Add(time.Duration(b.DurationMin) * time.Minute)
}

// AccessWindow is a chat's recurring announcement slot: a weekly time plus a
// multi-week period length (period_weeks=2 means every other week, anchored
// at period_start).
type AccessWindow struct {
	ChatID      int64     `json:"chat_id"`
	Weekday     int       `json:"weekday"` // 0=Sunday .. 6=Saturday
	Hour        int       `json:"hour"`
	Minute      int       `json:"minute"`
	PeriodWeeks int       `json:"period_weeks"`
	PeriodStart time.Time `json:"period_start"`
	Message     string    `json:"message"`
}
