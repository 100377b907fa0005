// Package pricing turns a nightly rate and a stay range into a reservation
// total. All amounts are decimal; no float arithmetic is involved.
package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"aptcal/internal/interval"
)

var (
	ErrNegativeRate  = errors.New("nightly rate must not be negative")
	ErrPriceNotFound = errors.New("no price configured for occupancy")
)

// Price is the nightly rate of a unit for one occupancy count.
type Price struct {
	Occupancy int             `json:"occupancy"`
	PerNight  decimal.Decimal `json:"per_night"`
}

// Result is the priced stay handed to whoever persists the reservation.
type Result struct {
	Nights int             `json:"nights"`
	Total  decimal.Decimal `json:"total"`
}

// PriceFor returns perNight * nights for the stay r.
//
// Nights are counted between the calendar dates of r.Start and r.End; the
// time of day is ignored. A stay that starts and ends on the same date is
// charged one night.
func PriceFor(perNight decimal.Decimal, r interval.Interval) (Result, error) {
	if perNight.IsNegative() {
		return Result{}, fmt.Errorf("%w: %s", ErrNegativeRate, perNight)
	}
	if err := r.Validate(); err != nil {
		return Result{}, err
	}

	nights := interval.DaysBetween(r.Start, r.End)
	if nights < 1 {
		nights = 1
	}

	return Result{
		Nights: nights,
		Total:  perNight.Mul(decimal.NewFromInt(int64(nights))),
	}, nil
}

// Catalog holds the prices of one unit keyed by occupancy.
type Catalog map[int]decimal.Decimal

// NewCatalog builds a catalog, rejecting negative rates and duplicate
// occupancies.
func NewCatalog(prices ...Price) (Catalog, error) {
	c := make(Catalog, len(prices))
	for _, p := range prices {
		if p.Occupancy <= 0 {
			return nil, fmt.Errorf("price occupancy must be positive, got %d", p.Occupancy)
		}
		if p.PerNight.IsNegative() {
			return nil, fmt.Errorf("%w: occupancy %d rate %s", ErrNegativeRate, p.Occupancy, p.PerNight)
		}
		if _, dup := c[p.Occupancy]; dup {
			return nil, fmt.Errorf("duplicate price for occupancy %d", p.Occupancy)
		}
		c[p.Occupancy] = p.PerNight
	}
	return c, nil
}

// Lookup returns the nightly rate for occupancy.
func (c Catalog) Lookup(occupancy int) (decimal.Decimal, error) {
	rate, ok := c[occupancy]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %d", ErrPriceNotFound, occupancy)
	}
	return rate, nil
}

// Supports reports whether the catalog has a price for occupancy.
func (c Catalog) Supports(occupancy int) bool {
	_, ok := c[occupancy]
	return ok
}

// Quote looks up the rate for occupancy and prices the stay.
func (c Catalog) Quote(occupancy int, r interval.Interval) (Result, error) {
	rate, err := c.Lookup(occupancy)
	if err != nil {
		return Result{}, err
	}
	return PriceFor(rate, r)
}

// Prices lists the catalog ordered by occupancy.
func (c Catalog) Prices() []Price {
	out := make([]Price, 0, len(c))
	for occ, rate := range c {
		out = append(out, Price{Occupancy: occ, PerNight: rate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Occupancy < out[j].Occupancy })
	return out
}
