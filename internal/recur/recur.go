// Package recur computes next-run instants for recurrence rules and
// converts wall-clock timestamps between the user's zone, UTC and the
// portal's implicit zone. All functions are pure; offsets are minutes
// ahead of UTC.
package recur

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const wallClockLayout = "2006-01-02T15:04"

// ParseTimeOfDay parses "HH:mm" into hour and minute.
func ParseTimeOfDay(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time of day %q: want HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("time of day %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time of day %q: bad minute", s)
	}
	return h, m, nil
}

// LocalWallClockToUTC interprets a "YYYY-MM-DDTHH:mm" string as wall-clock
// time in a zone offsetMin minutes ahead of UTC and returns the equivalent
// UTC instant. The second return is false on malformed input; callers omit
// the dependent field rather than failing outright.
func LocalWallClockToUTC(s string, offsetMin int) (time.Time, bool) {
	t, err := time.ParseInLocation(wallClockLayout, s, zone(offsetMin))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// UserLocalToPortalLocal resolves a user-local "YYYY-MM-DDTHH:mm" string to
// its true UTC instant and re-renders it as "YYYY-MM-DDTHH:mm:ss" wall-clock
// fields in the portal's zone. The portal parses timestamps with no zone
// marker in its own fixed offset, so a deadline set by a user elsewhere has
// to go through both conversions.
func UserLocalToPortalLocal(s string, userOffsetMin, portalOffsetMin int) (string, bool) {
	utc, ok := LocalWallClockToUTC(s, userOffsetMin)
	if !ok {
		return "", false
	}
	return utc.In(zone(portalOffsetMin)).Format("2006-01-02T15:04:05"), true
}

// NextDaily returns the UTC instant of the next occurrence of timeOfDay in
// the user's zone, strictly after from. An occurrence at or before the
// current local time rolls to the next day, so a tie never re-fires the
// same instant.
func NextDaily(timeOfDay string, userOffsetMin int, from time.Time) (time.Time, error) {
	h, m, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	loc := zone(userOffsetMin)
	localNow := from.In(loc)
	run := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), h, m, 0, 0, loc)
	if !run.After(localNow) {
		run = run.AddDate(0, 0, 1)
	}
	return run.UTC(), nil
}

// NextMonthly returns the UTC instant of the next monthly occurrence. The
// target day is clamped to the last day of the target month (day 31 in
// February yields the 28th or 29th); an occurrence at or before local-now
// advances to the following month and re-clamps.
func NextMonthly(dayOfMonth int, timeOfDay string, userOffsetMin int, from time.Time) (time.Time, error) {
	h, m, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	loc := zone(userOffsetMin)
	localNow := from.In(loc)
	y, mo := localNow.Year(), localNow.Month()
	run := time.Date(y, mo, clampDay(y, mo, dayOfMonth), h, m, 0, 0, loc)
	if !run.After(localNow) {
		y, mo = nextMonth(y, mo)
		run = time.Date(y, mo, clampDay(y, mo, dayOfMonth), h, m, 0, 0, loc)
	}
	return run.UTC(), nil
}

// NextInterval truncates from to the minute and adds stepMinutes. Used for
// fast-cycle testing rules, not real recurrence.
func NextInterval(stepMinutes int, from time.Time) time.Time {
	if stepMinutes < 1 {
		stepMinutes = 1
	}
	return from.UTC().Truncate(time.Minute).Add(time.Duration(stepMinutes) * time.Minute)
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	// day 0 of the next month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func clampDay(year int, month time.Month, day int) int {
	if day < 1 {
		return 1
	}
	if n := DaysInMonth(year, month); day > n {
		return n
	}
	return day
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

func zone(offsetMin int) *time.Location {
	if offsetMin == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", offsetMin), offsetMin*60)
}
