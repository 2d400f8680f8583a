// Package setpoint provides a value that converges exponentially towards a
// target, one step per Tick.
package setpoint

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Places kept when moving Value, so repeated ticks keep a bounded size.
// More are kept when minDiff*fraction needs them.
const (
	precision   = 16
	guardDigits = 2
)

// SetPoint moves Value towards Target by a fixed fraction of the remaining
// difference on every Tick. It is not safe for concurrent use.
type SetPoint struct {
	// Target is the desired value, freely assigned by the owner
	Target decimal.Decimal

	value    decimal.Decimal
	minDiff  decimal.Decimal
	fraction decimal.Decimal
	places   int32
}

// New creates a set point. minDiff must be 0 or more and fraction must be
// strictly between 0 and 1.
func New(minDiff, fraction decimal.Decimal) (*SetPoint, error) {
	if minDiff.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidArgument, "min diff must be 0 or more, got %s", minDiff)
	}
	if !fraction.IsPositive() || fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errors.Wrapf(ErrInvalidArgument, "fraction must be between 0 and 1, got %s", fraction)
	}
	return &SetPoint{minDiff: minDiff, fraction: fraction, places: stepPlaces(minDiff, fraction)}, nil
}

// stepPlaces keeps the smallest step taken above minDiff, minDiff*fraction,
// from truncating to zero.
func stepPlaces(minDiff, fraction decimal.Decimal) int32 {
	places := int32(precision)
	smallest := minDiff.Mul(fraction)
	if smallest.IsZero() {
		return places
	}
	// place of the first significant digit
	first := -(smallest.Exponent() + int32(smallest.NumDigits()) - 1)
	if p := first + guardDigits; p > places {
		places = p
	}
	return places
}

func NewFromFloat(minDiff, fraction float64) (*SetPoint, error) {
	return New(decimal.NewFromFloat(minDiff), decimal.NewFromFloat(fraction))
}

func (s *SetPoint) Value() decimal.Decimal {
	return s.value
}

// Tick moves Value one step towards Target. Once the difference is below
// minDiff, or too small to be represented, Value snaps onto Target.
func (s *SetPoint) Tick() {
	diff := s.Target.Sub(s.value)
	if diff.LessThan(s.minDiff) {
		s.value = s.Target
		return
	}
	// truncated so Value never passes Target
	step := diff.Mul(s.fraction).Truncate(s.places)
	if step.IsZero() {
		s.value = s.Target
		return
	}
	s.value = s.value.Add(step)
}
