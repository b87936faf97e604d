package timer

import (
	"math"
	"time"
)

// State is the remaining-time view of a session deadline at a given instant.
type State struct {
	RemainingSeconds int64 `json:"remaining_seconds"`
	IsPaused         bool  `json:"is_paused"`
	IsExpired        bool  `json:"is_expired"`
}

// GetState computes the remaining time for a deadline. Accumulated pause time extends the
// effective deadline. While pausedAt is set the clock is frozen at pausedAt.
func GetState(deadline time.Time, totalPausedSeconds int64, pausedAt *time.Time, now time.Time) State {
	reference := now
	if pausedAt != nil {
		reference = *pausedAt
	}

	remaining := int64(math.Floor(deadline.Sub(reference).Seconds())) + totalPausedSeconds

	return State{
		RemainingSeconds: remaining,
		IsPaused:         pausedAt != nil,
		IsExpired:        remaining <= 0,
	}
}

// EffectiveDeadline returns the deadline shifted by accumulated pause time.
func EffectiveDeadline(deadline time.Time, totalPausedSeconds int64) time.Time {
	return deadline.Add(time.Duration(totalPausedSeconds) * time.Second)
}

// CalculateDeadline returns start + durationMinutes.
func CalculateDeadline(start time.Time, durationMinutes int) time.Time {
	return start.Add(time.Duration(durationMinutes) * time.Minute)
}

// CalculateProctorAutoAdjustment returns the compensation, in whole seconds, owed to a
// candidate for proctor response time beyond the grace window. The grace window itself is
// never compensated.
func CalculateProctorAutoAdjustment(lockedAt, unlockTime time.Time, maxResponseMinutes int) int64 {
	waited := int64(unlockTime.Sub(lockedAt) / time.Second)
	adjustment := waited - int64(maxResponseMinutes)*60
	if adjustment < 0 {
		return 0
	}
	return adjustment
}

// EffectiveDurationMinutes applies accommodations to a base exam duration.
func EffectiveDurationMinutes(base int, multiplier float64, extraMinutes int) int {
	if multiplier <= 0 {
		multiplier = 1
	}
	minutes := int(math.Ceil(float64(base)*multiplier)) + extraMinutes
	if minutes < 0 {
		return 0
	}
	return minutes
}
