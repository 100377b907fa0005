// Package ics translates unit timelines to and from iCalendar text and
// keeps external channel-manager feeds in sync.
//
// This is the only package that converts between local wall-clock time
// and absolute instants. Callers always pass the property zone
// explicitly; nothing here consults a global timezone registry.
package ics

import (
	"errors"
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"aptcal/internal/interval"
	"aptcal/internal/model"
)

// ErrMalformedCalendar is returned for text that is not valid iCalendar or
// for a VEVENT missing DTSTART, DTEND or SUMMARY.
var ErrMalformedCalendar = errors.New("malformed calendar")

// DefaultProductID is the PRODID written on exported calendars.
const DefaultProductID = "-//aptcal//Availability Calendar//EN"

// uidNamespace seeds the name-based UUIDs used as VEVENT UIDs so that
// exporting the same timeline twice yields the same UIDs.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://aptcal.invalid/vevent"))

// Codec converts between model.Event values and iCalendar documents.
type Codec struct {
	// ProductID is written as PRODID. Empty means DefaultProductID.
	ProductID string
	// Now stamps DTSTAMP. Nil means time.Now.
	Now func() time.Time
}

// NewCodec returns a Codec with the given product identifier.
func NewCodec(productID string) *Codec {
	return &Codec{ProductID: productID}
}

// Export renders events as a single VCALENDAR. Local start/end times are
// interpreted in zone and written as UTC instants. An event with a wall
// clock skipped by a DST transition in zone fails the export with
// interval.ErrNonexistentTime.
func (c *Codec) Export(events []model.Event, zone *time.Location) (string, error) {
	if zone == nil {
		zone = time.UTC
	}

	cal := ical.NewCalendar()
	cal.SetProductId(c.productID())
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(ical.MethodPublish)

	stamp := c.now().UTC()
	for i, ev := range events {
		if err := ev.Interval.Validate(); err != nil {
			return "", fmt.Errorf("export event %d (%q): %w", i, ev.Label, err)
		}
		start, err := interval.InZone(ev.Interval.Start, zone)
		if err != nil {
			return "", fmt.Errorf("export event %d (%q): %w", i, ev.Label, err)
		}
		end, err := interval.InZone(ev.Interval.End, zone)
		if err != nil {
			return "", fmt.Errorf("export event %d (%q): %w", i, ev.Label, err)
		}
		if !start.Before(end) {
			return "", fmt.Errorf("export event %d (%q): %w: %s in %s",
				i, ev.Label, interval.ErrInvalidRange, ev.Interval, zone)
		}

		vev := cal.AddEvent(eventUID(i, ev))
		vev.SetDtStampTime(stamp)
		vev.SetStartAt(start)
		vev.SetEndAt(end)
		vev.SetSummary(ev.Label)
		vev.AddCategory(ev.Kind.String())
		vev.SetTimeTransparency(ical.TransparencyOpaque)
	}

	return cal.Serialize(), nil
}

// Import parses every VEVENT of text into an event with local times in
// zone. The kind is restored from a CATEGORIES value written by Export;
// anything else imports as external. RRULEs are not expanded; see Expand.
// Any malformed VEVENT fails the whole import.
func (c *Codec) Import(text string, zone *time.Location) ([]model.Event, error) {
	if zone == nil {
		zone = time.UTC
	}

	cal, err := parseCalendar(text)
	if err != nil {
		return nil, err
	}

	vevents := cal.Events()
	out := make([]model.Event, 0, len(vevents))
	for i, vev := range vevents {
		pe, err := parseVEvent(vev, zone)
		if err != nil {
			return nil, fmt.Errorf("%w: vevent %d: %v", ErrMalformedCalendar, i, err)
		}
		ev, err := pe.event(zone)
		if err != nil {
			return nil, fmt.Errorf("%w: vevent %d (%s): %v", ErrMalformedCalendar, i, pe.UID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *Codec) productID() string {
	if c.ProductID == "" {
		return DefaultProductID
	}
	return c.ProductID
}

func (c *Codec) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// eventUID is stable for a given position and content.
func eventUID(i int, ev model.Event) string {
	name := fmt.Sprintf("%d|%s|%s|%s|%s", i, ev.Kind,
		ev.Interval.Start.Format(interval.LocalLayout),
		ev.Interval.End.Format(interval.LocalLayout),
		ev.Label)
	return uuid.NewSHA1(uidNamespace, []byte(name)).String() + "@aptcal"
}

// toInstant reads the wall clock of local as a time in zone, letting
// time.Date normalize skipped wall clocks. Only for window bounds.
func toInstant(local time.Time, zone *time.Location) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), 0, zone)
}

// toLocal converts an absolute instant to zone-naive wall clock in zone.
func toLocal(t time.Time, zone *time.Location) time.Time {
	return interval.Naive(t.In(zone).Truncate(time.Second))
}
