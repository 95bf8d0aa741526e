// Package pricing provides the reference-price capability and the tolerance
// band derived from it.
package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Source yields the current reference price of one full native unit, expressed
// in counter-asset base units.
type Source interface {
	Price() (decimal.Decimal, error)
}

// Band is the inclusive window a quoted price must fall within.
type Band struct {
	Min decimal.Decimal
	Mid decimal.Decimal
	Max decimal.Decimal
}

// BandAround computes the symmetric tolerance window around price,
// tolerance expressed in basis points.
func BandAround(price decimal.Decimal, toleranceBps int64) Band {
	low := decimal.NewFromInt(10000 - toleranceBps)
	high := decimal.NewFromInt(10000 + toleranceBps)
	return Band{
		Min: price.Mul(low).Shift(-4),
		Mid: price,
		Max: price.Mul(high).Shift(-4),
	}
}

// Contains reports whether p lies within the band. Both bounds are inclusive:
// a price exactly at either edge passes.
func (b Band) Contains(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(b.Min) && p.LessThanOrEqual(b.Max)
}

// FloorDiv returns floor(a/b) for non-negative a and positive b, computed
// exactly regardless of magnitude.
func FloorDiv(a, b decimal.Decimal) decimal.Decimal {
	exp := a.Exponent()
	if be := b.Exponent(); be < exp {
		exp = be
	}
	if exp > 0 {
		exp = 0
	}
	ai := a.Shift(-exp).BigInt()
	bi := b.Shift(-exp).BigInt()
	q := new(big.Int).Quo(ai, bi)
	return decimal.NewFromBigInt(q, 0)
}
