// Package memory is the in-process store of properties, units,
// reservations, blackouts and imported feed events.
package memory

import (
	"context"
	"fmt"
	"sync"

	"aptcal/internal/booking"
	"aptcal/internal/config"
	"aptcal/internal/interval"
	"aptcal/internal/model"
)

type property struct {
	id        string
	name      string
	unitIDs   []string
	blackouts []model.Event
}

type DB struct {
	mu sync.RWMutex

	properties    map[string]*property
	units         map[string]booking.Unit
	unitBlackouts map[string][]model.Event

	reservations    map[string]*booking.Reservation
	unitReservation map[string][]string // unit id -> reservation ids, insertion order
	idempotencyKeys map[string]string   // key -> reservation id

	// imported events per unit and feed id.
	imported  map[string]map[string][]model.Event
	feedOrder map[string][]string
}

func New() *DB {
	return &DB{
		properties:      make(map[string]*property),
		units:           make(map[string]booking.Unit),
		unitBlackouts:   make(map[string][]model.Event),
		reservations:    make(map[string]*booking.Reservation),
		unitReservation: make(map[string][]string),
		idempotencyKeys: make(map[string]string),
		imported:        make(map[string]map[string][]model.Event),
		feedOrder:       make(map[string][]string),
	}
}

// Seed loads properties, units, prices and blackouts from cfg. Existing
// reservations and imported events are kept.
func (db *DB) Seed(cfg *config.Config) error {
	properties := make(map[string]*property, len(cfg.Properties))
	units := make(map[string]booking.Unit)
	unitBlackouts := make(map[string][]model.Event)

	for _, pc := range cfg.Properties {
		p := &property{id: pc.ID, name: pc.Name}

		windows, err := pc.Windows()
		if err != nil {
			return fmt.Errorf("property %s: %w", pc.ID, err)
		}
		for _, w := range windows {
			p.blackouts = append(p.blackouts, model.PropertyBlackout(w.Interval, w.Label))
		}

		for _, uc := range pc.Units {
			if _, dup := units[uc.ID]; dup {
				return fmt.Errorf("duplicate unit id %q", uc.ID)
			}

			catalog, err := uc.Catalog()
			if err != nil {
				return fmt.Errorf("unit %s: %w", uc.ID, err)
			}
			units[uc.ID] = booking.Unit{ID: uc.ID, PropertyID: pc.ID, Name: uc.Name, Prices: catalog}
			p.unitIDs = append(p.unitIDs, uc.ID)

			windows, err := uc.Windows()
			if err != nil {
				return fmt.Errorf("unit %s: %w", uc.ID, err)
			}
			for _, w := range windows {
				unitBlackouts[uc.ID] = append(unitBlackouts[uc.ID], model.UnitBlackout(w.Interval, w.Label))
			}
		}
		properties[pc.ID] = p
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	db.properties = properties
	db.units = units
	db.unitBlackouts = unitBlackouts

	return nil
}

func (db *DB) Unit(_ context.Context, id string) (booking.Unit, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.units[id]
	if !ok {
		return booking.Unit{}, fmt.Errorf("unit %q: %w", id, booking.ErrUnitNotFound)
	}
	return u, nil
}

func (db *DB) PropertyUnits(_ context.Context, propertyID string) ([]booking.Unit, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	p, ok := db.properties[propertyID]
	if !ok {
		return nil, fmt.Errorf("property %q: %w", propertyID, booking.ErrPropertyNotFound)
	}

	out := make([]booking.Unit, 0, len(p.unitIDs))
	for _, id := range p.unitIDs {
		out = append(out, db.units[id])
	}
	return out, nil
}

func (db *DB) PropertyBlackouts(_ context.Context, propertyID string) ([]model.Event, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	p, ok := db.properties[propertyID]
	if !ok {
		return nil, fmt.Errorf("property %q: %w", propertyID, booking.ErrPropertyNotFound)
	}
	return append([]model.Event(nil), p.blackouts...), nil
}

// Sources returns the four event lists of unitID. Rejected reservations
// are left out.
func (db *DB) Sources(_ context.Context, unitID string) (booking.Sources, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.sourcesLocked(unitID)
}

func (db *DB) sourcesLocked(unitID string) (booking.Sources, error) {
	u, ok := db.units[unitID]
	if !ok {
		return booking.Sources{}, fmt.Errorf("unit %q: %w", unitID, booking.ErrUnitNotFound)
	}

	var src booking.Sources
	for _, id := range db.unitReservation[unitID] {
		r := db.reservations[id]
		if r.State.Occupies() {
			src.Reservations = append(src.Reservations, r.Event())
		}
	}
	src.UnitBlackouts = append(src.UnitBlackouts, db.unitBlackouts[unitID]...)
	if p, ok := db.properties[u.PropertyID]; ok {
		src.PropertyBlackouts = append(src.PropertyBlackouts, p.blackouts...)
	}
	for _, feedID := range db.feedOrder[unitID] {
		src.External = append(src.External, db.imported[unitID][feedID]...)
	}
	return src, nil
}

// Occupying returns every interval that blocks unitID.
func (db *DB) Occupying(_ context.Context, unitID string) ([]interval.Interval, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	src, err := db.sourcesLocked(unitID)
	if err != nil {
		return nil, err
	}
	return src.Occupying(), nil
}

func (db *DB) conflictLocked(unitID string, r interval.Interval, skipID string) error {
	src, err := db.sourcesLocked(unitID)
	if err != nil {
		return err
	}

	for _, id := range db.unitReservation[unitID] {
		if id == skipID {
			continue
		}
		other := db.reservations[id]
		if other.State.Occupies() && other.Range.Overlaps(r) {
			return fmt.Errorf("overlaps reservation %s: %w", id, booking.ErrConflict)
		}
	}
	for _, list := range [][]model.Event{src.UnitBlackouts, src.PropertyBlackouts, src.External} {
		for _, ev := range list {
			if ev.Interval.Overlaps(r) {
				return fmt.Errorf("overlaps %s %q: %w", ev.Kind, ev.Label, booking.ErrConflict)
			}
		}
	}
	return nil
}

// InsertReservation stores r after re-checking under the write lock that
// nothing occupies its range, so concurrent bookings of the same unit
// cannot both succeed. The idempotency key in ctx is claimed under the
// same lock; a key that is already stored fails with
// booking.ErrDuplicateIdempotencyKey.
func (db *DB) InsertReservation(ctx context.Context, r *booking.Reservation) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}

	key, hasKey := booking.IdempotencyKeyFromContext(ctx)
	hasKey = hasKey && key != ""
	if _, claimed := db.idempotencyKeys[key]; hasKey && claimed {
		return fmt.Errorf("key %q: %w", key, booking.ErrDuplicateIdempotencyKey)
	}

	if r.State.Occupies() {
		if err := db.conflictLocked(r.UnitID, r.Range, ""); err != nil {
			return err
		}
	} else if _, ok := db.units[r.UnitID]; !ok {
		return fmt.Errorf("unit %q: %w", r.UnitID, booking.ErrUnitNotFound)
	}

	stored := *r
	db.reservations[r.ID] = &stored
	db.unitReservation[r.UnitID] = append(db.unitReservation[r.UnitID], r.ID)

	if hasKey {
		db.idempotencyKeys[key] = r.ID
	}

	return nil
}

func (db *DB) Reservation(_ context.Context, id string) (*booking.Reservation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	r, ok := db.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %q: %w", id, booking.ErrReservationNotFound)
	}
	out := *r
	return &out, nil
}

func (db *DB) ReservationByIdempotencyKey(ctx context.Context) (*booking.Reservation, error) {
	key, ok := booking.IdempotencyKeyFromContext(ctx)
	if !ok || key == "" {
		return nil, booking.ErrRecordNotFound
	}

	db.mu.RLock()
	id, exists := db.idempotencyKeys[key]
	db.mu.RUnlock()

	if !exists {
		return nil, booking.ErrRecordNotFound
	}
	return db.Reservation(ctx, id)
}

// SetReservationState changes the state of a reservation. Reviving a
// rejected reservation fails with booking.ErrConflict if its range has
// been taken in the meantime.
func (db *DB) SetReservationState(_ context.Context, id string, state booking.State) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.reservations[id]
	if !ok {
		return fmt.Errorf("reservation %q: %w", id, booking.ErrReservationNotFound)
	}

	if state.Occupies() && !r.State.Occupies() {
		if err := db.conflictLocked(r.UnitID, r.Range, id); err != nil {
			return err
		}
	}

	r.State = state
	return nil
}

// ReplaceImported swaps the events imported from one feed of unitID.
func (db *DB) ReplaceImported(_ context.Context, unitID, feedID string, events []model.Event) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.units[unitID]; !ok {
		return fmt.Errorf("unit %q: %w", unitID, booking.ErrUnitNotFound)
	}

	feeds, ok := db.imported[unitID]
	if !ok {
		feeds = make(map[string][]model.Event)
		db.imported[unitID] = feeds
	}
	if _, seen := feeds[feedID]; !seen {
		db.feedOrder[unitID] = append(db.feedOrder[unitID], feedID)
	}
	feeds[feedID] = append([]model.Event(nil), events...)

	return nil
}
