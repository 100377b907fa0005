package ics

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"aptcal/internal/interval"
	"aptcal/internal/model"
)

func warsaw(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func local(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func doc(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func fixedCodec() *Codec {
	return &Codec{
		ProductID: "-//test//aptcal//EN",
		Now:       func() time.Time { return time.Date(2024, 11, 1, 8, 0, 0, 0, time.UTC) },
	}
}

func TestExportWritesZonedInstants(t *testing.T) {
	events := []model.Event{
		model.Reservation(interval.MustNew(local(2024, 12, 1, 14, 0), local(2024, 12, 5, 11, 0)), "Guest, Smith; 2 adults"),
		model.UnitBlackout(interval.MustNew(local(2024, 7, 1, 0, 0), local(2024, 7, 2, 0, 0)), "Painting"),
	}

	out, err := fixedCodec().Export(events, warsaw(t))
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"PRODID:-//test//aptcal//EN",
		"CALSCALE:GREGORIAN",
		"DTSTAMP:20241101T080000Z",
		"DTSTART:20241201T130000Z", // CET, UTC+1
		"DTEND:20241205T100000Z",
		"DTSTART:20240630T220000Z", // CEST, UTC+2
		`SUMMARY:Guest\, Smith\; 2 adults`,
		"CATEGORIES:unit_blackout",
		"END:VCALENDAR",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q\n%s", want, out)
		}
	}
	if n := strings.Count(out, "BEGIN:VEVENT"); n != 2 {
		t.Fatalf("got %d VEVENTs, want 2", n)
	}
}

func TestExportIsDeterministic(t *testing.T) {
	events := []model.Event{
		model.Reservation(interval.MustNew(local(2024, 12, 1, 0, 0), local(2024, 12, 2, 0, 0)), "a"),
		model.Reservation(interval.MustNew(local(2024, 12, 1, 0, 0), local(2024, 12, 2, 0, 0)), "a"),
	}
	c := fixedCodec()
	first, err := c.Export(events, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := c.Export(events, time.UTC)
	if first != second {
		t.Fatal("export of the same events differs between calls")
	}

	cal, err := parseCalendar(first)
	if err != nil {
		t.Fatal(err)
	}
	evs := cal.Events()
	if evs[0].Id() == evs[1].Id() {
		t.Fatal("duplicate events must get distinct UIDs")
	}
}

func TestExportRejectsInvalidInterval(t *testing.T) {
	bad := []model.Event{{Kind: model.KindReservation, Label: "zero"}}
	if _, err := fixedCodec().Export(bad, time.UTC); !errors.Is(err, interval.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	zones := []*time.Location{time.UTC, warsaw(t), time.FixedZone("UTC-5", -5*3600)}
	events := []model.Event{
		model.Reservation(interval.MustNew(local(2024, 12, 1, 14, 0), local(2024, 12, 5, 11, 0)), "Booking #1"),
		model.UnitBlackout(interval.MustNew(local(2024, 3, 30, 12, 0), local(2024, 4, 2, 12, 0)), "Across DST"),
		model.PropertyBlackout(interval.MustNew(local(2024, 12, 31, 22, 0), local(2025, 1, 1, 2, 0)), "New year, party"),
		model.External(interval.MustNew(
			time.Date(2024, 6, 1, 10, 30, 15, 999, time.UTC),
			time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)), "Sub-second start"),
		// 02:00-03:00 repeats on 2024-10-27 in Europe/Warsaw.
		model.UnitBlackout(interval.MustNew(local(2024, 10, 27, 2, 10), local(2024, 10, 27, 2, 40)), "Inside repeated hour"),
		model.Reservation(interval.MustNew(local(2024, 10, 27, 2, 30), local(2024, 10, 27, 3, 0)), "Leaving repeated hour"),
		model.External(interval.MustNew(local(2024, 10, 27, 1, 30), local(2024, 10, 27, 2, 20)), "Entering repeated hour"),
	}

	for _, zone := range zones {
		t.Run(zone.String(), func(t *testing.T) {
			c := fixedCodec()
			text, err := c.Export(events, zone)
			if err != nil {
				t.Fatal(err)
			}
			got, err := c.Import(text, zone)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(events) {
				t.Fatalf("got %d events, want %d", len(got), len(events))
			}
			for i, ev := range events {
				if got[i].Label != ev.Label {
					t.Errorf("event %d label = %q, want %q", i, got[i].Label, ev.Label)
				}
				if !got[i].Interval.Start.Equal(ev.Interval.Start.Truncate(time.Second)) ||
					!got[i].Interval.End.Equal(ev.Interval.End.Truncate(time.Second)) {
					t.Errorf("event %d interval = %s, want %s", i, got[i].Interval, ev.Interval)
				}
				if got[i].Kind != ev.Kind {
					t.Errorf("event %d kind = %s, want %s", i, got[i].Kind, ev.Kind)
				}
			}
		})
	}
}

func TestExportRejectsSkippedWallClock(t *testing.T) {
	// 02:00-03:00 does not exist on 2024-03-31 in Europe/Warsaw.
	cases := map[string]interval.Interval{
		"start in gap, short": interval.MustNew(local(2024, 3, 31, 2, 30), local(2024, 3, 31, 3, 10)),
		"start in gap, long":  interval.MustNew(local(2024, 3, 31, 2, 30), local(2024, 3, 31, 5, 0)),
		"end in gap":          interval.MustNew(local(2024, 3, 31, 1, 0), local(2024, 3, 31, 2, 15)),
	}
	for name, iv := range cases {
		t.Run(name, func(t *testing.T) {
			events := []model.Event{model.UnitBlackout(iv, "Gap")}
			if _, err := fixedCodec().Export(events, warsaw(t)); !errors.Is(err, interval.ErrNonexistentTime) {
				t.Fatalf("expected ErrNonexistentTime, got %v", err)
			}

			// The same wall clock exists in UTC and round-trips there.
			text, err := fixedCodec().Export(events, time.UTC)
			if err != nil {
				t.Fatal(err)
			}
			got, err := fixedCodec().Import(text, time.UTC)
			if err != nil {
				t.Fatal(err)
			}
			if got[0].Kind != events[0].Kind || !got[0].Interval.Start.Equal(iv.Start) || !got[0].Interval.End.Equal(iv.End) {
				t.Fatalf("round trip = %+v, want %+v", got[0], events[0])
			}
		})
	}
}

func TestImportKindFromCategories(t *testing.T) {
	text := doc(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//channel//EN",
		"BEGIN:VEVENT",
		"UID:a@test",
		"DTSTART:20241201T130000Z",
		"DTEND:20241202T100000Z",
		"SUMMARY:Ours",
		"CATEGORIES:Work,PROPERTY_BLACKOUT",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b@test",
		"DTSTART:20241203T130000Z",
		"DTEND:20241204T100000Z",
		"SUMMARY:Theirs",
		"CATEGORIES:Holiday",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:c@test",
		"DTSTART:20241205T130000Z",
		"DTEND:20241206T100000Z",
		"SUMMARY:Plain",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	got, err := fixedCodec().Import(text, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.Kind{model.KindPropertyBlackout, model.KindExternal, model.KindExternal}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event %d kind = %s, want %s", i, got[i].Kind, k)
		}
	}
}

func TestImportConvertsToPropertyZone(t *testing.T) {
	text := doc(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//channel//EN",
		"BEGIN:VEVENT",
		"UID:utc@test",
		"DTSTART:20241201T130000Z",
		"DTEND:20241205T100000Z",
		"SUMMARY:UTC stay",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:tzid@test",
		"DTSTART;TZID=America/New_York:20241210T090000",
		"DTEND;TZID=America/New_York:20241210T170000",
		"SUMMARY:New York hours",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:allday@test",
		"DTSTART;VALUE=DATE:20241220",
		"DTEND;VALUE=DATE:20241223",
		"SUMMARY:Airbnb (Not available)",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:floating@test",
		"DTSTART:20241224T150000",
		"DTEND:20241224T180000",
		"SUMMARY:Floating",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	got, err := fixedCodec().Import(text, warsaw(t))
	if err != nil {
		t.Fatal(err)
	}
	want := []interval.Interval{
		interval.MustNew(local(2024, 12, 1, 14, 0), local(2024, 12, 5, 11, 0)),
		interval.MustNew(local(2024, 12, 10, 15, 0), local(2024, 12, 10, 23, 0)),
		interval.MustNew(local(2024, 12, 20, 0, 0), local(2024, 12, 23, 0, 0)),
		interval.MustNew(local(2024, 12, 24, 15, 0), local(2024, 12, 24, 18, 0)),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Interval != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i].Interval, want[i])
		}
	}
}

func TestImportMalformed(t *testing.T) {
	vevent := func(props ...string) string {
		lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//t//EN", "BEGIN:VEVENT", "UID:x"}
		lines = append(lines, props...)
		lines = append(lines, "END:VEVENT", "END:VCALENDAR")
		return doc(lines...)
	}

	cases := map[string]string{
		"empty":             "",
		"not a calendar":    "hello world",
		"truncated":         doc("BEGIN:VCALENDAR", "VERSION:2.0"),
		"wrong component":   doc("BEGIN:VTODO", "END:VTODO"),
		"missing summary":   vevent("DTSTART:20241201T100000Z", "DTEND:20241201T110000Z"),
		"missing dtstart":   vevent("DTEND:20241201T110000Z", "SUMMARY:x"),
		"missing dtend":     vevent("DTSTART:20241201T100000Z", "SUMMARY:x"),
		"bad timestamp":     vevent("DTSTART:yesterday", "DTEND:20241201T110000Z", "SUMMARY:x"),
		"end before start":  vevent("DTSTART:20241201T110000Z", "DTEND:20241201T100000Z", "SUMMARY:x"),
		"zero length event": vevent("DTSTART:20241201T110000Z", "DTEND:20241201T110000Z", "SUMMARY:x"),
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fixedCodec().Import(text, time.UTC)
			if !errors.Is(err, ErrMalformedCalendar) {
				t.Fatalf("expected ErrMalformedCalendar, got %v", err)
			}
		})
	}
}

func TestImportEmptyCalendar(t *testing.T) {
	got, err := fixedCodec().Import(doc("BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//t//EN", "END:VCALENDAR"), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}
