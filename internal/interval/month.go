package interval

import (
	"fmt"
	"strings"
	"time"
)

// LocalLayout is the textual form of a local (zone-naive) timestamp.
const LocalLayout = "2006-01-02T15:04:05"

// localLayouts are accepted by ParseLocal, most specific first.
var localLayouts = []string{
	LocalLayout,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseLocal parses a local timestamp or date. Date-only values mean
// midnight of that date.
func ParseLocal(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized local time %q", s)
}

// YearMonth identifies a single calendar month.
type YearMonth struct {
	Year  int
	Month time.Month
}

// ParseYearMonth parses "2006-01".
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: t.Month()}, nil
}

// YearMonthOf returns the month containing t.
func YearMonthOf(t time.Time) YearMonth {
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// First returns midnight of the first day of the month.
func (ym YearMonth) First() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Days returns the number of days in the month.
func (ym YearMonth) Days() int {
	return ym.First().AddDate(0, 1, -1).Day()
}

// Interval returns the whole month as [first day, first day of next month).
func (ym YearMonth) Interval() Interval {
	return Interval{Start: ym.First(), End: ym.First().AddDate(0, 1, 0)}
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// DayRange is an inclusive range of day-of-month numbers within one month.
type DayRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// MonthSlice maps the interval onto the day-of-month buckets of ym.
// The end day is exclusive and the result is clipped to the month. The
// boolean is false when the interval occupies no day of ym.
func (iv Interval) MonthSlice(ym YearMonth) (DayRange, bool) {
	first := ym.First()
	last := first.AddDate(0, 1, -1)

	from := iv.StartDate()
	to := iv.lastDay()
	if to.Before(first) || from.After(last) {
		return DayRange{}, false
	}
	if from.Before(first) {
		from = first
	}
	if to.After(last) {
		to = last
	}
	return DayRange{From: from.Day(), To: to.Day()}, true
}
