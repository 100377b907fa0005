package booking

import (
	"fmt"
	"time"

	"aptcal/internal/availability"
	"aptcal/internal/interval"
	"aptcal/internal/model"
	"aptcal/internal/pricing"
)

// State is the lifecycle state of a reservation. Rejected reservations no
// longer occupy their unit.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateRejected
)

var stateNames = [...]string{
	StatePending:   "pending",
	StateConfirmed: "confirmed",
	StateRejected:  "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState parses the textual form produced by String.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown reservation state %q", s)
}

// Occupies reports whether a reservation in this state blocks its unit.
func (s State) Occupies() bool {
	return s != StateRejected
}

// Unit is a rentable apartment instance.
type Unit struct {
	ID         string          `json:"id"`
	PropertyID string          `json:"property_id"`
	Name       string          `json:"name"`
	Prices     pricing.Catalog `json:"-"`
}

func (u Unit) availability() availability.Unit {
	return availability.Unit{ID: u.ID, PropertyID: u.PropertyID, Prices: u.Prices}
}

// Reservation is a priced stay of a unit.
type Reservation struct {
	ID        string            `json:"id"`
	UnitID    string            `json:"unit_id"`
	Range     interval.Interval `json:"range"`
	Occupancy int               `json:"occupancy"`
	Guest     string            `json:"guest"`
	Price     pricing.Result    `json:"price"`
	State     State             `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
}

// Event renders the reservation for calendars.
func (r *Reservation) Event() model.Event {
	label := r.Guest
	if label == "" {
		label = "Reservation " + r.ID
	}
	return model.Reservation(r.Range, label)
}

// Sources are the four event lists that make up a unit's calendar.
type Sources struct {
	Reservations      []model.Event
	UnitBlackouts     []model.Event
	PropertyBlackouts []model.Event
	External          []model.Event
}

// Occupying flattens the sources into the intervals that block the unit.
func (s Sources) Occupying() []interval.Interval {
	out := make([]interval.Interval, 0,
		len(s.Reservations)+len(s.UnitBlackouts)+len(s.PropertyBlackouts)+len(s.External))
	for _, list := range [][]model.Event{s.Reservations, s.UnitBlackouts, s.PropertyBlackouts, s.External} {
		out = append(out, model.Intervals(list)...)
	}
	return out
}

// StayInput describes a stay as received from a client. From and To are
// local wall-clock times of the property.
type StayInput struct {
	From      time.Time
	To        time.Time
	Occupancy int
}

// BookInput is a booking request for one unit.
type BookInput struct {
	StayInput
	Guest string
}

// Quote is the price of a stay.
type Quote struct {
	UnitID    string            `json:"unit_id"`
	Range     interval.Interval `json:"range"`
	Occupancy int               `json:"occupancy"`
	pricing.Result
}

// Check is the outcome of an availability check.
type Check struct {
	UnitID    string              `json:"unit_id"`
	Range     interval.Interval   `json:"range"`
	Occupancy int                 `json:"occupancy"`
	Free      bool                `json:"free"`
	Conflicts []interval.Interval `json:"conflicts,omitempty"`
}
