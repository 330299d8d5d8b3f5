// Package schedule computes when an exercise inject becomes due.
package schedule

import (
	"sort"
	"time"

	"injectline/internal/domain"
)

// ScheduledAt returns the instant an inject with the given offset is due.
// The offset is divided by the speed multiplier, shifted by every pause that
// began before the candidate instant and rounded up to the next minute.
func ScheduledAt(ex domain.Exercise, dependsDuration time.Duration, speed float64, now time.Time) (time.Time, bool) {
	if ex.Start == nil {
		return time.Time{}, false
	}
	if speed < 1 {
		speed = 1
	}
	candidate := ex.Start.Add(time.Duration(float64(dependsDuration) / speed))

	pauses := append([]domain.Pause(nil), ex.Pauses...)
	sort.Slice(pauses, func(i, j int) bool { return pauses[i].Date.Before(pauses[j].Date) })
	for _, p := range pauses {
		if !p.Date.Before(candidate) {
			continue
		}
		if p.Duration != nil {
			candidate = candidate.Add(*p.Duration)
			continue
		}
		if elapsed := now.Sub(p.Date); elapsed > 0 {
			candidate = candidate.Add(elapsed)
		}
	}
	return CeilMinute(candidate), true
}

// CeilMinute rounds up to the next whole minute; aligned instants are kept.
func CeilMinute(t time.Time) time.Time {
	truncated := t.Truncate(time.Minute)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Minute)
}

// Due reports whether the inject is due at now.
func Due(ex domain.Exercise, dependsDuration time.Duration, speed float64, now time.Time) bool {
	at, ok := ScheduledAt(ex, dependsDuration, speed, now)
	return ok && !at.After(now)
}
