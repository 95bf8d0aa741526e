package pricing

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
)

// ReserveReader exposes the two balances of a liquidity pool. The first value
// is always the counter-asset reserve, the second the native-asset reserve.
type ReserveReader interface {
	Reserves() (counter, native decimal.Decimal, err error)
}

// PoolSource derives the reference price from a liquidity pool's reserve
// ratio: counterReserve scaled to the native asset's full-precision unit,
// floor-divided by nativeReserve.
type PoolSource struct {
	reserves     ReserveReader
	unitDecimals int32
}

// NewPoolSource wires a pool-backed price source. unitDecimals is the native
// asset's precision (the UNIT scale applied to the ratio).
func NewPoolSource(reserves ReserveReader, unitDecimals int32) *PoolSource {
	return &PoolSource{reserves: reserves, unitDecimals: unitDecimals}
}

// Price computes the current pool price. A zero reserve on either side means
// the pool is stale or drained and no price can be derived.
func (s *PoolSource) Price() (decimal.Decimal, error) {
	counter, native, err := s.reserves.Reserves()
	if err != nil {
		return decimal.Zero, errs.New("pricing", errs.CodeStalePriceSource, errs.WithCause(err))
	}
	if counter.Sign() <= 0 || native.Sign() <= 0 {
		return decimal.Zero, errs.New("pricing", errs.CodeStalePriceSource,
			errs.WithMessage("pool reserves unavailable"))
	}
	return FloorDiv(counter.Shift(s.unitDecimals), native), nil
}

// ReservePair is a settable ReserveReader, standing in for the on-ledger pool.
type ReservePair struct {
	mu      sync.RWMutex
	counter decimal.Decimal
	native  decimal.Decimal
}

// NewReservePair seeds a reserve pair.
func NewReservePair(counter, native decimal.Decimal) *ReservePair {
	return &ReservePair{counter: counter, native: native}
}

// Set replaces both reserve balances.
func (p *ReservePair) Set(counter, native decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter = counter
	p.native = native
}

// Reserves returns the current balances.
func (p *ReservePair) Reserves() (decimal.Decimal, decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counter, p.native, nil
}
