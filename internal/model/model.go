package model

import (
	"fmt"

	"aptcal/internal/interval"
)

// Kind tags where an occupied span came from. The numeric order is the
// priority used to break ties between events starting at the same time.
type Kind int

const (
	KindReservation Kind = iota
	KindUnitBlackout
	KindPropertyBlackout
	KindExternal
)

var kindNames = [...]string{
	KindReservation:      "reservation",
	KindUnitBlackout:     "unit_blackout",
	KindPropertyBlackout: "property_blackout",
	KindExternal:         "external",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind looks up a kind by its String name.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return 0, false
}

// MarshalText renders the kind by name for JSON and YAML.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a named occupied span of a unit or a property.
type Event struct {
	Kind     Kind              `json:"kind"`
	Interval interval.Interval `json:"interval"`
	Label    string            `json:"label"`
}

// Reservation, UnitBlackout, PropertyBlackout and External build events of
// the corresponding kind.
func Reservation(iv interval.Interval, label string) Event {
	return Event{Kind: KindReservation, Interval: iv, Label: label}
}

func UnitBlackout(iv interval.Interval, label string) Event {
	return Event{Kind: KindUnitBlackout, Interval: iv, Label: label}
}

func PropertyBlackout(iv interval.Interval, label string) Event {
	return Event{Kind: KindPropertyBlackout, Interval: iv, Label: label}
}

func External(iv interval.Interval, label string) Event {
	return Event{Kind: KindExternal, Interval: iv, Label: label}
}

// Intervals projects events onto their intervals.
func Intervals(events []Event) []interval.Interval {
	out := make([]interval.Interval, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Interval)
	}
	return out
}
