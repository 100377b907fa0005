// Package booking composes the store, the availability checker and the
// price calculator into the operations the API exposes.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aptcal/internal/availability"
	"aptcal/internal/calendar"
	"aptcal/internal/interval"
	appLog "aptcal/internal/log"
	"aptcal/internal/model"
)

type storageReader interface {
	Unit(ctx context.Context, id string) (Unit, error)
	PropertyUnits(ctx context.Context, propertyID string) ([]Unit, error)
	PropertyBlackouts(ctx context.Context, propertyID string) ([]model.Event, error)
	Occupying(ctx context.Context, unitID string) ([]interval.Interval, error)
	Sources(ctx context.Context, unitID string) (Sources, error)
	Reservation(ctx context.Context, id string) (*Reservation, error)
	ReservationByIdempotencyKey(ctx context.Context) (*Reservation, error)
}

type storageWriter interface {
	InsertReservation(ctx context.Context, r *Reservation) error
	SetReservationState(ctx context.Context, id string, state State) error
}

type storage interface {
	storageReader
	storageWriter
}

type Manager struct {
	storage storage
	newID   func() string
	now     func() time.Time
}

func New(storage storage) *Manager {
	return &Manager{
		storage: storage,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (s *StayInput) validate() (interval.Interval, error) {
	inputErr := newInputError()

	if s.From.IsZero() {
		inputErr.addError("from", "provide from")
	}
	if s.To.IsZero() {
		inputErr.addError("to", "provide to")
	}
	if s.Occupancy <= 0 {
		inputErr.addError("occupancy", "occupancy must be positive")
		inputErr.addCause(availability.ErrInvalidOccupancy)
	}

	var r interval.Interval
	if !s.From.IsZero() && !s.To.IsZero() {
		var err error
		r, err = interval.New(s.From, s.To)
		if err != nil {
			inputErr.addError("from", "from must be before to")
			inputErr.addCause(err)
		}
	}

	return r, inputErr.orNil()
}

func (b *BookInput) validate() (interval.Interval, error) {
	r, err := b.StayInput.validate()

	inputErr := IsInputError(err)
	if inputErr == nil {
		inputErr = newInputError()
	}
	if len(b.Guest) > 200 { //nolint:gomnd
		inputErr.addError("guest", "guest must be at most 200 characters")
	}

	return r, inputErr.orNil()
}

// Quote prices a stay of unitID without checking availability.
func (m *Manager) Quote(ctx context.Context, unitID string, in StayInput) (Quote, error) {
	r, err := in.validate()
	if err != nil {
		return Quote{}, err
	}

	unit, err := m.storage.Unit(ctx, unitID)
	if err != nil {
		return Quote{}, fmt.Errorf("get unit %s: %w", unitID, err)
	}

	res, err := unit.Prices.Quote(in.Occupancy, r)
	if err != nil {
		return Quote{}, fmt.Errorf("quote unit %s: %w", unitID, err)
	}

	return Quote{UnitID: unit.ID, Range: r, Occupancy: in.Occupancy, Result: res}, nil
}

// Check reports whether unitID is free for the stay and lists the
// intervals in the way.
func (m *Manager) Check(ctx context.Context, unitID string, in StayInput) (Check, error) {
	r, err := in.validate()
	if err != nil {
		return Check{}, err
	}

	unit, err := m.storage.Unit(ctx, unitID)
	if err != nil {
		return Check{}, fmt.Errorf("get unit %s: %w", unitID, err)
	}

	occupying, err := m.storage.Occupying(ctx, unit.ID)
	if err != nil {
		return Check{}, fmt.Errorf("get occupying intervals of unit %s: %w", unit.ID, err)
	}

	free, err := availability.IsFree(unit.availability(), occupying, r, in.Occupancy)
	if err != nil {
		return Check{}, err
	}

	return Check{
		UnitID:    unit.ID,
		Range:     r,
		Occupancy: in.Occupancy,
		Free:      free,
		Conflicts: availability.Conflicts(occupying, r),
	}, nil
}

// Search returns the units of propertyID free for the stay, in
// configuration order. Units without a price for the occupancy are left
// out.
func (m *Manager) Search(ctx context.Context, propertyID string, in StayInput) ([]Unit, error) {
	r, err := in.validate()
	if err != nil {
		return nil, err
	}

	units, err := m.storage.PropertyUnits(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("get units of property %s: %w", propertyID, err)
	}

	byID := make(map[string]Unit, len(units))
	candidates := make([]availability.Candidate, 0, len(units))
	for _, u := range units {
		occupying, err := m.storage.Occupying(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("get occupying intervals of unit %s: %w", u.ID, err)
		}
		byID[u.ID] = u
		candidates = append(candidates, availability.Candidate{Unit: u.availability(), Occupying: occupying})
	}

	free, err := availability.FindFree(candidates, r, in.Occupancy)
	if err != nil {
		return nil, err
	}

	out := make([]Unit, 0, len(free))
	for _, u := range free {
		out = append(out, byID[u.ID])
	}
	return out, nil
}

// Book checks availability, prices the stay and stores a pending
// reservation. With an idempotency key in ctx a repeated call returns the
// first reservation.
func (m *Manager) Book(ctx context.Context, unitID string, in BookInput) (*Reservation, error) {
	r, err := in.validate()
	if err != nil {
		return nil, err
	}

	if existing, err := m.replay(ctx, unitID, r, in.Occupancy); err != nil || existing != nil {
		return existing, err
	}

	unit, err := m.storage.Unit(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("get unit %s: %w", unitID, err)
	}

	occupying, err := m.storage.Occupying(ctx, unit.ID)
	if err != nil {
		return nil, fmt.Errorf("get occupying intervals of unit %s: %w", unit.ID, err)
	}

	free, err := availability.IsFree(unit.availability(), occupying, r, in.Occupancy)
	if err != nil {
		return nil, err
	}
	if !free {
		// The conflicting stay may be our own retry that landed meanwhile.
		if existing, rerr := m.replay(ctx, unitID, r, in.Occupancy); rerr != nil || existing != nil {
			return existing, rerr
		}
		return nil, fmt.Errorf("unit %s %s: %w", unit.ID, r, ErrConflict)
	}

	price, err := unit.Prices.Quote(in.Occupancy, r)
	if err != nil {
		return nil, fmt.Errorf("price unit %s: %w", unit.ID, err)
	}

	res := &Reservation{
		ID:        m.newID(),
		UnitID:    unit.ID,
		Range:     r,
		Occupancy: in.Occupancy,
		Guest:     in.Guest,
		Price:     price,
		State:     StatePending,
		CreatedAt: m.now().UTC(),
	}

	if err := m.storage.InsertReservation(ctx, res); err != nil {
		// A concurrent request with the same key won the insert.
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			if existing, rerr := m.replay(ctx, unitID, r, in.Occupancy); rerr != nil || existing != nil {
				return existing, rerr
			}
		}
		return nil, fmt.Errorf("save reservation: %w", err)
	}

	appLog.Info("reservation created",
		"id", res.ID, "unit", res.UnitID, "range", res.Range.String(),
		"occupancy", res.Occupancy, "total", res.Price.Total.StringFixed(2))

	return res, nil
}

// replay returns the reservation stored under the idempotency key in ctx,
// or nil when there is none. A key reused for a different unit, range or
// occupancy fails with ErrIdempotencyKeyReused.
func (m *Manager) replay(ctx context.Context, unitID string, r interval.Interval, occupancy int) (*Reservation, error) {
	key, ok := IdempotencyKeyFromContext(ctx)
	if !ok || key == "" {
		return nil, nil
	}

	existing, err := m.storage.ReservationByIdempotencyKey(ctx)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation by idempotency key: %w", err)
	}

	if existing.UnitID != unitID || existing.Occupancy != occupancy ||
		!existing.Range.Start.Equal(r.Start) || !existing.Range.End.Equal(r.End) {
		return nil, fmt.Errorf("key %q: %w", key, ErrIdempotencyKeyReused)
	}

	appLog.Debug("booking replayed", "key", key, "reservation", existing.ID)
	return existing, nil
}

// Reservation returns one reservation by id.
func (m *Manager) Reservation(ctx context.Context, id string) (*Reservation, error) {
	return m.storage.Reservation(ctx, id)
}

// SetState moves a reservation to state. Leaving the rejected state
// re-checks availability in the store.
func (m *Manager) SetState(ctx context.Context, id string, state State) (*Reservation, error) {
	if err := m.storage.SetReservationState(ctx, id, state); err != nil {
		return nil, fmt.Errorf("set state of reservation %s: %w", id, err)
	}

	appLog.Info("reservation state changed", "id", id, "state", state.String())

	return m.storage.Reservation(ctx, id)
}

// UnitEvents returns the merged calendar of unitID.
func (m *Manager) UnitEvents(ctx context.Context, unitID string) ([]model.Event, error) {
	src, err := m.storage.Sources(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("get event sources of unit %s: %w", unitID, err)
	}

	return calendar.Aggregate(src.Reservations, src.UnitBlackouts, src.PropertyBlackouts, src.External), nil
}

// PropertyEvents returns the merged calendar of every unit of propertyID.
// Unit events are labeled with the unit name; property blackouts appear
// once.
func (m *Manager) PropertyEvents(ctx context.Context, propertyID string) ([]model.Event, error) {
	units, err := m.storage.PropertyUnits(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("get units of property %s: %w", propertyID, err)
	}

	blackouts, err := m.storage.PropertyBlackouts(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("get blackouts of property %s: %w", propertyID, err)
	}

	var reservations, unitBlackouts, external []model.Event
	for _, u := range units {
		src, err := m.storage.Sources(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("get event sources of unit %s: %w", u.ID, err)
		}
		reservations = append(reservations, prefixed(u, src.Reservations)...)
		unitBlackouts = append(unitBlackouts, prefixed(u, src.UnitBlackouts)...)
		external = append(external, prefixed(u, src.External)...)
	}

	return calendar.Aggregate(reservations, unitBlackouts, blackouts, external), nil
}

func prefixed(u Unit, events []model.Event) []model.Event {
	name := u.Name
	if name == "" {
		name = u.ID
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		ev.Label = name + ": " + ev.Label
		out = append(out, ev)
	}
	return out
}

// Month is the calendar widget view of one unit and month.
type Month struct {
	UnitID string               `json:"unit_id"`
	Month  string               `json:"month"`
	Spans  []calendar.MonthSpan `json:"spans"`
	Days   [][]string           `json:"days"`
}

// MonthView slices the calendar of unitID into the days of ym.
func (m *Manager) MonthView(ctx context.Context, unitID string, ym interval.YearMonth) (Month, error) {
	events, err := m.UnitEvents(ctx, unitID)
	if err != nil {
		return Month{}, err
	}

	return Month{
		UnitID: unitID,
		Month:  ym.String(),
		Spans:  calendar.MonthView(events, ym),
		Days:   calendar.Occupancy(events, ym),
	}, nil
}
