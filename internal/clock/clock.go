// Package clock provides the single source of wall-clock time used across
// the engine. Every component that needs "now" takes a Clock instead of
// calling time.Now() directly, so tests can inject a fixed or steppable
// clock and the blackout-window / slot-alignment logic has one place to
// reason about timezones.
package clock

import "time"

// Clock is the minimal time source the engine depends on. No component
// holds a package-level clock; each is constructed with one explicitly,
// matching the rest of the engine's avoidance of process-wide singletons.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now().
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Frozen is a test Clock that always returns a fixed instant.
type Frozen struct {
	At time.Time
}

func (f Frozen) Now() time.Time { return f.At }

// SlotStart returns the start of the 15-minute window containing t, in t's
// own location. Markets are aligned to wall-clock :00/:15/:30/:45.
func SlotStart(t time.Time) time.Time {
	t = t.Truncate(time.Minute)
	minute := t.Minute()
	aligned := minute - (minute % 15)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), aligned, 0, 0, t.Location())
}

// InBlackout reports whether t falls within the configured daily blackout
// window [start, end) in loc. Used to suppress new entries during known
// low-liquidity / high-noise periods (e.g. nightly exchange maintenance).
func InBlackout(t time.Time, loc *time.Location, startHour, startMin, endHour, endMin int) bool {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), startHour, startMin, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), endHour, endMin, 0, 0, loc)
	if end.Before(start) {
		// window wraps midnight
		return !local.Before(start) || local.Before(end)
	}
	return !local.Before(start) && local.Before(end)
}

// DayBucket returns the YYYY-MM-DD key for t in loc, the reset boundary
// for daily PnL and circuit-breaker accounting.
func DayBucket(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
