package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"aptcal/internal/booking"
	"aptcal/internal/config"
	"aptcal/internal/interval"
	"aptcal/internal/model"
)

func day(d int) time.Time {
	return time.Date(2024, 12, d, 0, 0, 0, 0, time.UTC)
}

func seeded(t *testing.T) *DB {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Properties = []config.PropertyConfig{{
		ID:        "p1",
		Blackouts: []config.WindowConfig{{Start: "2024-12-24", End: "2024-12-26", Label: "Holidays"}},
		Units: []config.UnitConfig{
			{
				ID:        "u1",
				Prices:    []config.PriceConfig{{Occupancy: 2, PerNight: "100"}},
				Blackouts: []config.WindowConfig{{Start: "2024-12-10", End: "2024-12-12", Label: "Repairs"}},
			},
			{ID: "u2", Prices: []config.PriceConfig{{Occupancy: 2, PerNight: "90"}}},
		},
	}}

	db := New()
	if err := db.Seed(cfg); err != nil {
		t.Fatal(err)
	}
	return db
}

func reservation(id, unit string, from, to int) *booking.Reservation {
	return &booking.Reservation{
		ID:        id,
		UnitID:    unit,
		Range:     interval.MustNew(day(from), day(to)),
		Occupancy: 2,
		Guest:     "guest " + id,
	}
}

func TestSeedAndLookups(t *testing.T) {
	db := seeded(t)
	ctx := context.Background()

	units, err := db.PropertyUnits(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 || units[0].ID != "u1" || units[1].ID != "u2" {
		t.Fatalf("units = %+v", units)
	}
	if _, err := db.Unit(ctx, "nope"); !errors.Is(err, booking.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
	if _, err := db.PropertyUnits(ctx, "nope"); !errors.Is(err, booking.ErrPropertyNotFound) {
		t.Fatalf("expected ErrPropertyNotFound, got %v", err)
	}

	occ, err := db.Occupying(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(occ) != 2 {
		t.Fatalf("u1 occupying = %v", occ)
	}
	occ, _ = db.Occupying(ctx, "u2")
	if len(occ) != 1 {
		t.Fatalf("u2 occupying = %v", occ)
	}
}

func TestInsertReservationConflicts(t *testing.T) {
	db := seeded(t)
	ctx := context.Background()

	if err := db.InsertReservation(ctx, reservation("r1", "u1", 1, 5)); err != nil {
		t.Fatal(err)
	}
	// Touching the end is fine.
	if err := db.InsertReservation(ctx, reservation("r2", "u1", 5, 6)); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertReservation(ctx, reservation("r3", "u1", 4, 6)); !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("expected ErrConflict against reservation, got %v", err)
	}
	if err := db.InsertReservation(ctx, reservation("r4", "u1", 11, 13)); !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("expected ErrConflict against unit blackout, got %v", err)
	}
	if err := db.InsertReservation(ctx, reservation("r5", "u2", 25, 27)); !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("expected ErrConflict against property blackout, got %v", err)
	}
	if err := db.InsertReservation(ctx, reservation("r6", "ghost", 1, 2)); !errors.Is(err, booking.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestConcurrentInsertOnlyOneWins(t *testing.T) {
	db := seeded(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := db.InsertReservation(ctx, reservation(fmt.Sprintf("r%d", i), "u2", 1, 5))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, booking.ErrConflict):
				conflict++
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 || conflict != 19 {
		t.Fatalf("ok=%d conflict=%d", ok, conflict)
	}
}

func TestRejectedReservationFreesUnit(t *testing.T) {
	db := seeded(t)
	ctx := context.Background()

	if err := db.InsertReservation(ctx, reservation("r1", "u2", 1, 5)); err != nil {
		t.Fatal(err)
	}
	if err := db.SetReservationState(ctx, "r1", booking.StateRejected); err != nil {
		t.Fatal(err)
	}
	src, _ := db.Sources(ctx, "u2")
	if len(src.Reservations) != 0 {
		t.Fatalf("rejected reservation still listed: %+v", src.Reservations)
	}

	if err := db.InsertReservation(ctx, reservation("r2", "u2", 3, 7)); err != nil {
		t.Fatal(err)
	}
	if err := db.SetReservationState(ctx, "r1", booking.StateConfirmed); !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("expected ErrConflict reviving r1, got %v", err)
	}
	if err := db.SetReservationState(ctx, "missing", booking.StateConfirmed); !errors.Is(err, booking.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestReplaceImportedPerFeed(t *testing.T) {
	db := seeded(t)
	ctx := context.Background()

	a := []model.Event{model.External(interval.MustNew(day(1), day(3)), "Airbnb")}
	b := []model.Event{model.External(interval.MustNew(day(5), day(7)), "Booking")}

	if err := db.ReplaceImported(ctx, "u2", "airbnb", a); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceImported(ctx, "u2", "booking", b); err != nil {
		t.Fatal(err)
	}
	src, _ := db.Sources(ctx, "u2")
	if len(src.External) != 2 || src.External[0].Label != "Airbnb" {
		t.Fatalf("external = %+v", src.External)
	}

	if err := db.ReplaceImported(ctx, "u2", "airbnb", nil); err != nil {
		t.Fatal(err)
	}
	src, _ = db.Sources(ctx, "u2")
	if len(src.External) != 1 || src.External[0].Label != "Booking" {
		t.Fatalf("external after replace = %+v", src.External)
	}

	if err := db.ReplaceImported(ctx, "ghost", "x", nil); !errors.Is(err, booking.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestIdempotencyKey(t *testing.T) {
	db := seeded(t)
	ctx := booking.WithIdempotencyKey(context.Background(), "key-1")

	if _, err := db.ReservationByIdempotencyKey(ctx); !errors.Is(err, booking.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if err := db.InsertReservation(ctx, reservation("r1", "u1", 1, 2)); err != nil {
		t.Fatal(err)
	}
	got, err := db.ReservationByIdempotencyKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "r1" {
		t.Fatalf("got %s", got.ID)
	}

	// The key is claimed even when the second range would be free.
	if err := db.InsertReservation(ctx, reservation("r2", "u2", 3, 4)); !errors.Is(err, booking.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if _, err := db.Reservation(ctx, "r2"); !errors.Is(err, booking.ErrReservationNotFound) {
		t.Fatalf("r2 should not be stored, got %v", err)
	}
}
