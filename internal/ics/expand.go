package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	"aptcal/internal/calendar"
	"aptcal/internal/interval"
	appLog "aptcal/internal/log"
	"aptcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how a feed is turned into concrete blocks.
type ExpandConfig struct {
	// Zone is the property zone. If nil, time.UTC is used.
	Zone *time.Location

	// Window is the local range of interest. Occurrences not overlapping it
	// are dropped.
	Window interval.Interval

	// MaxOccurrencesPerEvent caps runaway RRULEs. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds the expanded feed.
type ExpandResult struct {
	Events []model.Event
	// Skipped counts VEVENTs that could not be parsed.
	Skipped int
	// TruncatedUIDs records UIDs that hit MaxOccurrencesPerEvent.
	TruncatedUIDs []string
}

// Expand parses a feed and expands it into external events within
// cfg.Window. Unlike Import it is lenient: a broken VEVENT is logged and
// skipped, so one bad entry from a channel manager does not drop the
// rest of the feed. It handles:
//
//   - single events
//   - RRULE recurrences with EXDATE
//   - RECURRENCE-ID overrides of single instances
//   - all-day spans (duration kept in whole days)
func (c *Codec) Expand(text string, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if err := cfg.Window.Validate(); err != nil {
		return result, err
	}
	if cfg.Zone == nil {
		cfg.Zone = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	cal, err := parseCalendar(text)
	if err != nil {
		return result, err
	}

	// Group base events and overrides by UID, keeping first-seen order.
	var uids []string
	baseByUID := make(map[string][]parsedEvent)
	overridesByUID := make(map[string][]parsedEvent)

	for _, vev := range cal.Events() {
		pe, err := parseVEvent(vev, cfg.Zone)
		if err != nil {
			result.Skipped++
			appLog.Warn("ics: skipping vevent", "uid", vev.Id(), "reason", err.Error())
			continue
		}
		if _, seen := baseByUID[pe.UID]; !seen {
			if _, seenOv := overridesByUID[pe.UID]; !seenOv {
				uids = append(uids, pe.UID)
			}
		}
		if pe.Recurrence != nil {
			overridesByUID[pe.UID] = append(overridesByUID[pe.UID], pe)
		} else {
			baseByUID[pe.UID] = append(baseByUID[pe.UID], pe)
		}
	}

	var occurrences []model.Event
	for _, uid := range uids {
		truncated := false
		for _, ev := range baseByUID[uid] {
			occ, hitCap := expandEvent(ev, overridesByUID[uid], cfg)
			if hitCap {
				truncated = true
			}
			occurrences = append(occurrences, occ...)
		}
		if truncated {
			result.TruncatedUIDs = append(result.TruncatedUIDs, uid)
			appLog.Error("ics: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	result.Events = calendar.Aggregate(occurrences)
	return result, nil
}

func expandEvent(ev parsedEvent, overrides []parsedEvent, cfg ExpandConfig) ([]model.Event, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev parsedEvent, overrides []parsedEvent, cfg ExpandConfig) []model.Event {
	start, end := ev.Start, ev.End
	if i := findOverrideForStart(overrides, start); i >= 0 {
		ev, start, end = overrides[i], overrides[i].Start, overrides[i].End
	}
	if occ, ok := inWindow(ev, start, end, cfg); ok {
		return []model.Event{occ}
	}
	return nil
}

func expandRecurringEvent(ev parsedEvent, overrides []parsedEvent, cfg ExpandConfig) ([]model.Event, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	allDayNights := interval.DaysBetween(ev.Start, ev.End)

	// Widen the lower bound by one duration so instances that start before
	// the window but run into it are kept.
	loc := ev.Start.Location()
	from := toInstant(cfg.Window.Start, cfg.Zone).Add(-dur).In(loc)
	to := toInstant(cfg.Window.End, cfg.Zone).In(loc)

	starts := set.Between(from, to, true)
	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.Event, 0, len(starts))
	used := make([]bool, len(overrides))
	for _, occStart := range starts {
		var occEnd time.Time
		if ev.AllDay {
			occEnd = occStart.AddDate(0, 0, allDayNights)
		} else {
			occEnd = occStart.Add(dur)
		}

		base, s, e := ev, occStart, occEnd
		if i := findOverrideForStart(overrides, occStart); i >= 0 {
			used[i] = true
			base, s, e = overrides[i], overrides[i].Start, overrides[i].End
		}
		if occ, ok := inWindow(base, s, e, cfg); ok {
			out = append(out, occ)
		}
	}

	// An instance can be moved into the window from a slot outside it.
	for i, o := range overrides {
		if used[i] {
			continue
		}
		if occ, ok := inWindow(o, o.Start, o.End, cfg); ok {
			out = append(out, occ)
		}
	}
	return out, hitCap
}

// inWindow builds the local event and keeps it if it overlaps the window.
func inWindow(ev parsedEvent, start, end time.Time, cfg ExpandConfig) (model.Event, bool) {
	occ, err := occurrence(ev, start, end, cfg.Zone)
	if err != nil {
		appLog.Warn("ics: dropping occurrence", "uid", ev.UID, "reason", err.Error())
		return model.Event{}, false
	}
	if !occ.Interval.Overlaps(cfg.Window) {
		return model.Event{}, false
	}
	return occ, true
}

// findOverrideForStart returns the index of the override whose
// RECURRENCE-ID is the same instant as start, or -1.
func findOverrideForStart(overrides []parsedEvent, start time.Time) int {
	for i, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return i
		}
	}
	return -1
}
