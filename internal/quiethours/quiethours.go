// Package quiethours evaluates per-tenant send windows. A window is a
// pair of wall-clock times in the tenant's timezone and may wrap past
// midnight (21:00-09:00). Non-transactional messages claimed during the
// window are deferred to its end, never skipped.
package quiethours

import (
	"fmt"
	"time"
)

// Window is a tenant's quiet-hours policy.
type Window struct {
	Enabled  bool
	Start    string // "21:00", tenant-local wall clock
	End      string // "09:00"
	Timezone string // IANA name, e.g. "America/New_York"
}

// Contains reports whether now falls inside the window. The boundary
// semantics are half-open: quiet at the start minute, not quiet at the
// end minute.
func (w Window) Contains(now time.Time) (bool, error) {
	if !w.Enabled {
		return false, nil
	}

	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", w.Timezone, err)
	}

	startMin, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	endMin, err := parseClock(w.End)
	if err != nil {
		return false, err
	}
	if startMin == endMin {
		return false, nil
	}

	local := now.In(loc)
	nowMin := local.Hour()*60 + local.Minute()

	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin, nil
	}

	// Wrapping window, e.g. 21:00-09:00.
	return nowMin >= startMin || nowMin < endMin, nil
}

// WindowEnd returns when the window containing now closes, in UTC.
// Only meaningful when Contains(now) is true.
func (w Window) WindowEnd(now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", w.Timezone, err)
	}

	endMin, err := parseClock(w.End)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), endMin/60, endMin%60, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}

	return end.UTC(), nil
}

// NextLocalMidnight returns the start of the next calendar day in the
// given timezone, in UTC. Used to defer messages over a daily cap.
func NextLocalMidnight(now time.Time, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	return midnight.AddDate(0, 0, 1).UTC(), nil
}

// LocalDate formats now as the tenant-local calendar date, the key the
// daily counters are bucketed by.
func LocalDate(now time.Time, timezone string) (string, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return now.In(loc).Format("2006-01-02"), nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
