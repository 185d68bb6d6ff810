package recur

import (
	"testing"
	"time"
)

func utc(y int, mo time.Month, d, h, m int) time.Time {
	return time.Date(y, mo, d, h, m, 0, 0, time.UTC)
}

func TestNextDaily(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		timeOfDay string
		offsetMin int
		from      time.Time
		want      time.Time
	}{
		{
			// local now 04:00, target 05:00 still ahead today
			name: "before target same day", timeOfDay: "05:00", offsetMin: 180,
			from: utc(2025, time.June, 10, 1, 0), want: utc(2025, time.June, 10, 2, 0),
		},
		{
			// local now 06:00, target already passed
			name: "after target rolls to tomorrow", timeOfDay: "05:00", offsetMin: 180,
			from: utc(2025, time.June, 10, 3, 0), want: utc(2025, time.June, 11, 2, 0),
		},
		{
			// exact tie favours the next occurrence
			name: "tie rolls forward", timeOfDay: "05:00", offsetMin: 180,
			from: utc(2025, time.June, 10, 2, 0), want: utc(2025, time.June, 11, 2, 0),
		},
		{
			name: "negative offset", timeOfDay: "23:30", offsetMin: -300,
			from: utc(2025, time.June, 10, 12, 0), want: utc(2025, time.June, 11, 4, 30),
		},
		{
			name: "utc zone", timeOfDay: "00:00", offsetMin: 0,
			from: utc(2025, time.June, 10, 12, 0), want: utc(2025, time.June, 11, 0, 0),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDaily(tt.timeOfDay, tt.offsetMin, tt.from)
			if err != nil {
				t.Fatalf("NextDaily error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextDaily = %v, want %v", got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "99:99", "5", "aa:bb"} {
		if _, err := NextDaily(bad, 180, utc(2025, time.June, 10, 1, 0)); err == nil {
			t.Fatalf("expected error for time of day %q", bad)
		}
	}
}

func TestNextMonthly(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		dayOfMonth int
		timeOfDay  string
		offsetMin  int
		from       time.Time
		want       time.Time
	}{
		{
			// day 31 in April clamps to the 30th, not May
			name: "clamp to april 30", dayOfMonth: 31, timeOfDay: "09:00", offsetMin: 0,
			from: utc(2025, time.April, 10, 0, 0), want: utc(2025, time.April, 30, 9, 0),
		},
		{
			// passed this month, advance and re-clamp
			name: "advance and reclamp", dayOfMonth: 31, timeOfDay: "09:00", offsetMin: 0,
			from: utc(2025, time.May, 31, 10, 0), want: utc(2025, time.June, 30, 9, 0),
		},
		{
			name: "february clamp", dayOfMonth: 30, timeOfDay: "12:00", offsetMin: 0,
			from: utc(2025, time.February, 1, 0, 0), want: utc(2025, time.February, 28, 12, 0),
		},
		{
			name: "leap february", dayOfMonth: 31, timeOfDay: "12:00", offsetMin: 0,
			from: utc(2024, time.February, 1, 0, 0), want: utc(2024, time.February, 29, 12, 0),
		},
		{
			name: "december wraps to january", dayOfMonth: 15, timeOfDay: "08:00", offsetMin: 0,
			from: utc(2025, time.December, 20, 0, 0), want: utc(2026, time.January, 15, 8, 0),
		},
		{
			// offset shifts the local calendar: 22:00 UTC on the 14th is
			// already the 15th locally at UTC+3
			name: "offset crosses date line", dayOfMonth: 15, timeOfDay: "06:00", offsetMin: 180,
			from: utc(2025, time.July, 14, 22, 0), want: utc(2025, time.July, 15, 3, 0),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextMonthly(tt.dayOfMonth, tt.timeOfDay, tt.offsetMin, tt.from)
			if err != nil {
				t.Fatalf("NextMonthly error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextMonthly = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := NextMonthly(15, "99:99", 0, utc(2025, time.June, 10, 1, 0)); err == nil {
		t.Fatal("expected error for malformed time of day")
	}
}

func TestNextInterval(t *testing.T) {
	t.Parallel()
	from := time.Date(2025, time.June, 10, 12, 5, 37, 123456, time.UTC)
	got := NextInterval(1, from)
	want := utc(2025, time.June, 10, 12, 6)
	if !got.Equal(want) {
		t.Fatalf("NextInterval = %v, want %v", got, want)
	}
	if got.Second() != 0 || got.Nanosecond() != 0 {
		t.Fatalf("expected zero seconds, got %v", got)
	}

	got = NextInterval(15, from)
	if want := utc(2025, time.June, 10, 12, 20); !got.Equal(want) {
		t.Fatalf("NextInterval(15) = %v, want %v", got, want)
	}

	// invalid step degrades to one minute
	got = NextInterval(0, from)
	if want := utc(2025, time.June, 10, 12, 6); !got.Equal(want) {
		t.Fatalf("NextInterval(0) = %v, want %v", got, want)
	}
}

func TestLocalWallClockToUTC(t *testing.T) {
	t.Parallel()
	got, ok := LocalWallClockToUTC("2025-08-26T18:00", 180)
	if !ok {
		t.Fatal("expected ok")
	}
	if want := utc(2025, time.August, 26, 15, 0); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	for _, bad := range []string{"", "2025-08-26", "26.08.2025 18:00", "2025-13-01T10:00", "garbage"} {
		if _, ok := LocalWallClockToUTC(bad, 180); ok {
			t.Fatalf("expected failure for %q", bad)
		}
	}
}

func TestUserLocalToPortalLocal(t *testing.T) {
	t.Parallel()
	// identity: same offsets keep the same wall-clock fields
	got, ok := UserLocalToPortalLocal("2025-08-26T18:00", 360, 360)
	if !ok || got != "2025-08-26T18:00:00" {
		t.Fatalf("identity case: got %q ok=%v", got, ok)
	}

	// user UTC+3, portal UTC+6: portal clock is three hours ahead
	got, ok = UserLocalToPortalLocal("2025-08-26T18:00", 180, 360)
	if !ok || got != "2025-08-26T21:00:00" {
		t.Fatalf("cross-zone case: got %q ok=%v", got, ok)
	}

	// conversion can cross a date boundary
	got, ok = UserLocalToPortalLocal("2025-08-26T23:30", 0, 360)
	if !ok || got != "2025-08-27T05:30:00" {
		t.Fatalf("date boundary case: got %q ok=%v", got, ok)
	}

	if _, ok := UserLocalToPortalLocal("not-a-date", 0, 360); ok {
		t.Fatal("expected failure for malformed input")
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	h, m, err := ParseTimeOfDay("23:15")
	if err != nil {
		t.Fatalf("ParseTimeOfDay error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	for _, bad := range []string{"24:00", "12:60", "5", "aa:bb", ""} {
		if _, _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDaysInMonth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		year  int
		month time.Month
		want  int
	}{
		{2025, time.February, 28},
		{2024, time.February, 29},
		{2025, time.April, 30},
		{2025, time.December, 31},
	}
	for _, tt := range tests {
		if got := DaysInMonth(tt.year, tt.month); got != tt.want {
			t.Fatalf("DaysInMonth(%d, %v) = %d, want %d", tt.year, tt.month, got, tt.want)
		}
	}
}
