// Package interval provides the local date-time range used by every
// availability and calendar computation.
//
// Intervals are zone-naive: the wall clock of the property is kept and the
// location is discarded (normalized to time.UTC), so comparisons never have
// to reason about DST or zone offsets. Conversion to absolute time happens
// only at the iCalendar boundary (internal/ics).
package interval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned when an interval does not satisfy start < end.
var ErrInvalidRange = errors.New("invalid range: start must be before end")

// ErrNonexistentTime is returned for a wall clock that a forward DST
// transition skips in the requested zone.
var ErrNonexistentTime = errors.New("local time does not exist in zone")

// Interval is a [Start, End) range of local wall-clock time.
type Interval struct {
	Start time.Time
	End   time.Time
}

// New builds an Interval, rejecting start >= end.
func New(start, end time.Time) (Interval, error) {
	s := Naive(start)
	e := Naive(end)
	if !s.Before(e) {
		return Interval{}, fmt.Errorf("%w: start=%s end=%s", ErrInvalidRange,
			s.Format(LocalLayout), e.Format(LocalLayout))
	}
	return Interval{Start: s, End: e}, nil
}

// MustNew is New for literals known to be valid (tests, fixtures).
func MustNew(start, end time.Time) Interval {
	iv, err := New(start, end)
	if err != nil {
		panic(err)
	}
	return iv
}

// Naive keeps the wall clock of t and drops its location.
func Naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// InZone reads the wall clock of local as an instant in zone. A wall clock
// skipped by a forward transition fails with ErrNonexistentTime. A wall
// clock repeated by an hour-long backward transition resolves to the
// earlier instant.
func InZone(local time.Time, zone *time.Location) (time.Time, error) {
	t := time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), zone)
	if !sameWallClock(t, local) {
		return time.Time{}, fmt.Errorf("%w: %s in %s", ErrNonexistentTime, local.Format(LocalLayout), zone)
	}
	if earlier := t.Add(-time.Hour); sameWallClock(earlier, local) {
		return earlier, nil
	}
	return t, nil
}

// CheckInZone reports ErrNonexistentTime if either end of iv is skipped in
// zone.
func (iv Interval) CheckInZone(zone *time.Location) error {
	if _, err := InZone(iv.Start, zone); err != nil {
		return err
	}
	_, err := InZone(iv.End, zone)
	return err
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}

// Valid reports whether the interval satisfies Start < End. The zero
// Interval is not valid.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Validate returns ErrInvalidRange for an interval that did not come out of New.
func (iv Interval) Validate() error {
	if !iv.Valid() {
		return fmt.Errorf("%w: start=%s end=%s", ErrInvalidRange,
			iv.Start.Format(LocalLayout), iv.End.Format(LocalLayout))
	}
	return nil
}

// Overlaps reports whether two intervals share any instant.
// Touching intervals (a.End == b.Start) do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// StartDate returns the calendar date of Start at midnight.
func (iv Interval) StartDate() time.Time {
	return dateOf(iv.Start)
}

// EndDate returns the calendar date of End at midnight.
func (iv Interval) EndDate() time.Time {
	return dateOf(iv.End)
}

// lastDay is the last calendar date the interval occupies. The end date is
// exclusive, except for an interval that starts and ends on the same date,
// which occupies that date.
func (iv Interval) lastDay() time.Time {
	first := iv.StartDate()
	last := iv.EndDate().AddDate(0, 0, -1)
	if last.Before(first) {
		return first
	}
	return last
}

// ContainsDay reports whether the interval occupies the calendar date of day.
func (iv Interval) ContainsDay(day time.Time) bool {
	d := dateOf(Naive(day))
	return !d.Before(iv.StartDate()) && !d.After(iv.lastDay())
}

// String formats the interval as "[start, end)".
func (iv Interval) String() string {
	return "[" + iv.Start.Format(LocalLayout) + ", " + iv.End.Format(LocalLayout) + ")"
}

// DaysBetween returns the number of whole calendar days from the date of a
// to the date of b. Time of day is ignored.
func DaysBetween(a, b time.Time) int {
	return int(dateOf(Naive(b)).Sub(dateOf(Naive(a))) / (24 * time.Hour))
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type intervalJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarshalJSON renders both bounds as local wall-clock strings without a
// zone suffix.
func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(intervalJSON{
		Start: iv.Start.Format(LocalLayout),
		End:   iv.End.Format(LocalLayout),
	})
}

func (iv *Interval) UnmarshalJSON(data []byte) error {
	var raw intervalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := ParseLocal(raw.Start)
	if err != nil {
		return err
	}
	end, err := ParseLocal(raw.End)
	if err != nil {
		return err
	}
	parsed, err := New(start, end)
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}
