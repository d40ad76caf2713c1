// Package ratelimit holds the pure accounting rules for the three request
// windows. The atomic increment itself lives in the store; everything here is
// a function of (last reset, now) so tests can drive window crossings with a
// fixed clock.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/ecowatch/ecowatch/pkg/models"
)

// Window is one rate-limiting accounting period.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
	WindowMonth  Window = "month"
)

// Windows lists the accounting periods in check order.
var Windows = []Window{WindowMinute, WindowDay, WindowMonth}

// ShouldReset reports whether a window's counter is due for a reset. The
// minute window rolls 60s after its last reset; day and month windows reset
// on UTC calendar boundaries. An unset lastReset always resets.
func ShouldReset(w Window, lastReset *time.Time, now time.Time) bool {
	if lastReset == nil {
		return true
	}
	last := lastReset.UTC()
	now = now.UTC()
	switch w {
	case WindowMinute:
		return now.Sub(last) >= time.Minute
	case WindowDay:
		ly, lm, ld := last.Date()
		ny, nm, nd := now.Date()
		return ny > ly || (ny == ly && (nm > lm || (nm == lm && nd > ld)))
	case WindowMonth:
		ly, lm, _ := last.Date()
		ny, nm, _ := now.Date()
		return ny > ly || (ny == ly && nm > lm)
	}
	return false
}

// Rejection reports which ceiling blocked an admission. It satisfies error so
// the store can return it from the atomic admit call.
type Rejection struct {
	Window Window
	Limit  int
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window (limit %d)", r.Window, r.Limit)
}

// Classify returns the first window, in minute -> day -> month order, whose
// ceiling would block an admission at the given time, applying any due resets
// first. Nil means the request would be admitted.
func Classify(limits models.RateLimit, usage models.Usage, now time.Time) *Rejection {
	checks := []struct {
		window    Window
		limit     int
		used      int
		lastReset *time.Time
	}{
		{WindowMinute, limits.PerMinute, usage.ThisMinute, usage.MinuteResetAt},
		{WindowDay, limits.PerDay, usage.Today, usage.DayResetAt},
		{WindowMonth, limits.PerMonth, usage.ThisMonth, usage.MonthResetAt},
	}
	for _, c := range checks {
		used := c.used
		if ShouldReset(c.window, c.lastReset, now) {
			used = 0
		}
		if used >= c.limit {
			return &Rejection{Window: c.window, Limit: c.limit}
		}
	}
	return nil
}

// Remaining is the headroom left under a ceiling, floored at zero.
func Remaining(limit, used int) int {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

// RetryAfter is a conservative wait before the given window can admit again.
func RetryAfter(w Window, now time.Time) time.Duration {
	now = now.UTC()
	switch w {
	case WindowDay:
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		return next.Sub(now)
	case WindowMonth:
		next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return next.Sub(now)
	default:
		return time.Minute
	}
}
