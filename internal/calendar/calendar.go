// Package calendar merges the event sources of a unit or a property into a
// single ordered timeline and slices it into months for the calendar
// widget.
package calendar

import (
	"sort"

	"aptcal/internal/interval"
	"aptcal/internal/model"
)

// Aggregate flattens sources into one list ordered by start time. Events
// starting at the same time are ordered by kind (reservation, unit
// blackout, property blackout, external) and then by input order.
// Overlapping or duplicate events are all kept.
func Aggregate(sources ...[]model.Event) []model.Event {
	n := 0
	for _, src := range sources {
		n += len(src)
	}

	out := make([]model.Event, 0, n)
	for _, src := range sources {
		out = append(out, src...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Interval.Start.Equal(b.Interval.Start) {
			return a.Interval.Start.Before(b.Interval.Start)
		}
		return a.Kind < b.Kind
	})
	return out
}

// MonthSpan is one event mapped onto the days of a month.
type MonthSpan struct {
	Kind  model.Kind        `json:"kind"`
	Label string            `json:"label"`
	Days  interval.DayRange `json:"days"`
}

// MonthView maps each event onto the day-of-month buckets of ym. Events
// that occupy no day of ym are dropped; the order of events is kept.
func MonthView(events []model.Event, ym interval.YearMonth) []MonthSpan {
	out := make([]MonthSpan, 0, len(events))
	for _, ev := range events {
		days, ok := ev.Interval.MonthSlice(ym)
		if !ok {
			continue
		}
		out = append(out, MonthSpan{Kind: ev.Kind, Label: ev.Label, Days: days})
	}
	return out
}

// Occupancy returns, for every day of ym, the labels of the events
// occupying it. Index 0 is day 1.
func Occupancy(events []model.Event, ym interval.YearMonth) [][]string {
	days := make([][]string, ym.Days())
	for _, span := range MonthView(events, ym) {
		for d := span.Days.From; d <= span.Days.To; d++ {
			days[d-1] = append(days[d-1], span.Label)
		}
	}
	return days
}

// Window keeps the events overlapping w, preserving order.
func Window(events []model.Event, w interval.Interval) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Interval.Overlaps(w) {
			out = append(out, ev)
		}
	}
	return out
}
