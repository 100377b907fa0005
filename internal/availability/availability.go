// Package availability decides whether a unit can be booked for a
// requested stay. It is pure: callers load the occupying intervals
// (non-rejected reservations, unit blackouts, property blackouts and
// imported bookings) and pass them in.
package availability

import (
	"errors"
	"fmt"

	"aptcal/internal/interval"
	"aptcal/internal/pricing"
)

var ErrInvalidOccupancy = errors.New("occupancy must be positive")

// Unit is a rentable apartment instance as seen by the checker.
type Unit struct {
	ID         string
	PropertyID string
	Prices     pricing.Catalog
}

// Candidate pairs a unit with the intervals that currently occupy it.
type Candidate struct {
	Unit      Unit
	Occupying []interval.Interval
}

// Request is one booking inquiry.
type Request struct {
	UnitOrPropertyID string
	Range            interval.Interval
	Occupancy        int
}

// Validate checks the request shape before any overlap work is done.
func (r Request) Validate() error {
	return validate(r.Range, r.Occupancy)
}

func validate(requested interval.Interval, occupancy int) error {
	if occupancy <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOccupancy, occupancy)
	}
	return requested.Validate()
}

// IsFree reports whether unit can take a stay of occupancy guests over
// requested. It fails with pricing.ErrPriceNotFound when the unit has no
// rate for occupancy.
func IsFree(unit Unit, occupying []interval.Interval, requested interval.Interval, occupancy int) (bool, error) {
	if err := validate(requested, occupancy); err != nil {
		return false, err
	}
	return isFree(unit, occupying, requested, occupancy)
}

func isFree(unit Unit, occupying []interval.Interval, requested interval.Interval, occupancy int) (bool, error) {
	if _, err := unit.Prices.Lookup(occupancy); err != nil {
		return false, fmt.Errorf("unit %s: %w", unit.ID, err)
	}
	return firstConflict(occupying, requested) < 0, nil
}

// Conflicts returns the occupying intervals that overlap requested, in
// input order.
func Conflicts(occupying []interval.Interval, requested interval.Interval) []interval.Interval {
	var out []interval.Interval
	for _, iv := range occupying {
		if requested.Overlaps(iv) {
			out = append(out, iv)
		}
	}
	return out
}

func firstConflict(occupying []interval.Interval, requested interval.Interval) int {
	for i, iv := range occupying {
		if requested.Overlaps(iv) {
			return i
		}
	}
	return -1
}

// FindFree returns the units of candidates that support occupancy and have
// no overlap with requested, preserving candidate order. Malformed input
// fails before any candidate is examined.
func FindFree(candidates []Candidate, requested interval.Interval, occupancy int) ([]Unit, error) {
	if err := validate(requested, occupancy); err != nil {
		return nil, err
	}

	free := make([]Unit, 0, len(candidates))
	for _, c := range candidates {
		ok, err := isFree(c.Unit, c.Occupying, requested, occupancy)
		if err != nil {
			if errors.Is(err, pricing.ErrPriceNotFound) {
				continue
			}
			return nil, err
		}
		if ok {
			free = append(free, c.Unit)
		}
	}
	return free, nil
}
