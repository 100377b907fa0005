package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"aptcal/internal/interval"
	"aptcal/internal/model"
)

// parsedEvent is a VEVENT with absolute start/end, before recurrence
// expansion.
type parsedEvent struct {
	UID     string
	Summary string
	// Kind comes from a recognised CATEGORIES value, else KindExternal.
	Kind model.Kind

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, set on overrides of one instance
}

// event converts the base instance to a local event of pe.Kind.
func (pe parsedEvent) event(zone *time.Location) (model.Event, error) {
	ev, err := occurrence(pe, pe.Start, pe.End, zone)
	ev.Kind = pe.Kind
	return ev, err
}

func occurrence(pe parsedEvent, start, end time.Time, zone *time.Location) (model.Event, error) {
	iv, err := interval.New(toLocal(start, zone), toLocal(end, zone))
	if err != nil {
		return model.Event{}, err
	}
	return model.External(iv, pe.Summary), nil
}

// parseCalendar parses a whole document, mapping every failure to
// ErrMalformedCalendar.
func parseCalendar(text string) (*ical.Calendar, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedCalendar)
	}
	// The parser accepts a truncated stream, so check the closing line here.
	if !strings.HasSuffix(strings.ToUpper(trimmed), "END:VCALENDAR") {
		return nil, fmt.Errorf("%w: missing END:VCALENDAR", ErrMalformedCalendar)
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCalendar, err)
	}
	return cal, nil
}

func parseVEvent(ve *ical.VEvent, zone *time.Location) (parsedEvent, error) {
	var out parsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}

	summary := ve.GetProperty(ical.ComponentPropertySummary)
	if summary == nil {
		return out, errors.New("missing SUMMARY")
	}
	out.Summary = summary.Value

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd)
	if dtEnd == nil {
		return out, errors.New("missing DTEND")
	}

	var err error
	if out.Start, out.AllDay, err = parseTimeProp(&dtStart.BaseProperty, zone); err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	if out.End, _, err = parseTimeProp(&dtEnd.BaseProperty, zone); err != nil {
		return out, fmt.Errorf("DTEND: %w", err)
	}

	out.Kind = model.KindExternal
	for _, p := range ve.GetProperties(ical.ComponentPropertyCategories) {
		if kind, ok := categoryKind(p.Value); ok {
			out.Kind = kind
			break
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimPrefix(p.Value, "RRULE:")
	}

	// EXDATE can appear several times, each with a comma-separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := firstParam(&p.BaseProperty, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parseICSTime(part, tzid, zone)
			if err != nil {
				return out, fmt.Errorf("EXDATE: %w", err)
			}
			out.ExDates = append(out.ExDates, t)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		t, _, err := parseTimeProp(&p.BaseProperty, zone)
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.Recurrence = &t
	}

	return out, nil
}

// categoryKind finds the first kind name in a comma-separated CATEGORIES
// value.
func categoryKind(v string) (model.Kind, bool) {
	for _, c := range strings.Split(v, ",") {
		if kind, ok := model.ParseKind(strings.ToLower(strings.TrimSpace(c))); ok {
			return kind, true
		}
	}
	return 0, false
}

func parseTimeProp(p *ical.BaseProperty, zone *time.Location) (time.Time, bool, error) {
	return parseICSTime(p.Value, firstParam(p, "TZID"), zone)
}

// parseICSTime parses DATE and DATE-TIME values.
//
//   - 20241201T150000Z        UTC
//   - 20241201T150000 + TZID  wall clock in TZID
//   - 20241201T150000         floating, read in the property zone
//   - 20241201                all-day, midnight in the property zone
//
// An unknown TZID falls back to the property zone.
func parseICSTime(v, tzid string, zone *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	loc := zone
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102", v, zone)
		return t, true, err
	}
}

func firstParam(p *ical.BaseProperty, name string) string {
	if p.ICalParameters == nil {
		return ""
	}
	if vs := p.ICalParameters[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
