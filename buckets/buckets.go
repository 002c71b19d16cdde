// Package buckets implements the calendar bucketing shared by market-data
// benchmarks and portfolio reports. All alignment happens on the
// Europe/Berlin local calendar regardless of the host timezone.
package buckets

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Period selects a bucketing rule.
type Period string

// Supported aggregation periods.
const (
	Day   Period = "d"
	Week  Period = "w"
	Month Period = "m"
	Year  Period = "y"
)

// DayLabel is the single bucket label of the Day period.
const DayLabel = "today"

var errInvalidPeriod = errors.New("invalid period")

// WeekdayLabels is the canonical Mon..Sun label order.
var WeekdayLabels = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

var (
	berlinOnce sync.Once
	berlin     *time.Location
)

// Location returns the Europe/Berlin location. Falls back to UTC only when
// the tz database is unavailable.
func Location() *time.Location {
	berlinOnce.Do(func() {
		loc, err := time.LoadLocation("Europe/Berlin")
		if err != nil {
			loc = time.UTC
		}
		berlin = loc
	})
	return berlin
}

// ParsePeriod validates a raw period token.
func ParsePeriod(raw string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case Day, Week, Month, Year:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", errInvalidPeriod, raw)
}

// Bucket is one aggregation slot. End is the inclusive upper bound used to
// select the last value at-or-before it.
type Bucket struct {
	Label string
	End   time.Time
}

// For returns the canonical bucket list for period ending at now.
func For(p Period, now time.Time) ([]Bucket, error) {
	switch p {
	case Day:
		return DayBuckets(now), nil
	case Week:
		return WeekBuckets(now), nil
	case Month:
		return MonthBuckets(now), nil
	case Year:
		return YearBuckets(now), nil
	}
	return nil, fmt.Errorf("%w: %q", errInvalidPeriod, string(p))
}

// DayBuckets returns the single "today" bucket ending now.
func DayBuckets(now time.Time) []Bucket {
	local := now.In(Location())
	return []Bucket{{Label: DayLabel, End: local}}
}

// WeekBuckets covers the seven calendar days ending today, reordered into
// the canonical Mon..Sun presentation. Each bucket ends at that day's
// 23:59:59 Berlin wall clock.
func WeekBuckets(now time.Time) []Bucket {
	local := now.In(Location())
	byLabel := make(map[string]Bucket, 7)
	for i := 6; i >= 0; i-- {
		day := local.AddDate(0, 0, -i)
		label := day.Format("Mon")
		byLabel[label] = Bucket{Label: label, End: endOfDay(day)}
	}
	out := make([]Bucket, 0, 7)
	for _, label := range WeekdayLabels {
		out = append(out, byLabel[label])
	}
	return out
}

// MonthBuckets returns the last four ISO-week Fridays oldest-first, labeled
// W-3..W0. W0 is the Friday of the current ISO week at 23:59:59 Berlin even
// when that instant is still ahead; selection then falls back to the latest
// available close.
func MonthBuckets(now time.Time) []Bucket {
	w0 := ISOWeekFriday(now)
	out := make([]Bucket, 0, 4)
	for i := 3; i >= 0; i-- {
		out = append(out, Bucket{
			Label: fmt.Sprintf("W-%d", i),
			End:   w0.AddDate(0, 0, -7*i),
		})
	}
	out[3].Label = "W0"
	return out
}

// YearBuckets returns one bucket per YTD month in calendar order, labeled
// with three-letter month names. Completed months end at their last day
// 23:59:59 Berlin; the current month ends now.
func YearBuckets(now time.Time) []Bucket {
	local := now.In(Location())
	out := make([]Bucket, 0, int(local.Month()))
	for m := time.January; m <= local.Month(); m++ {
		firstOfNext := time.Date(local.Year(), m+1, 1, 0, 0, 0, 0, Location())
		end := firstOfNext.Add(-time.Second)
		if end.After(local) {
			end = local
		}
		out = append(out, Bucket{Label: end.Format("Jan"), End: end})
	}
	return out
}

// ISOWeekFriday returns the Friday of now's ISO week at 23:59:59 Berlin.
func ISOWeekFriday(now time.Time) time.Time {
	local := now.In(Location())
	// Monday is day 0 in ISO weeks.
	offset := (int(local.Weekday()) + 6) % 7
	monday := local.AddDate(0, 0, -offset)
	return endOfDay(monday.AddDate(0, 0, 4))
}

// StartOfDay returns midnight Berlin of t's local date.
func StartOfDay(t time.Time) time.Time {
	local := t.In(Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, Location())
}

// LocalDate formats t's Berlin date as YYYY-MM-DD, the ledger snapshot key.
func LocalDate(t time.Time) string {
	return t.In(Location()).Format("2006-01-02")
}

func endOfDay(t time.Time) time.Time {
	local := t.In(Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, Location())
}
