package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/events"
)

// DefaultToleranceBps is the default width of the price band on each side.
const DefaultToleranceBps int64 = 1000

// Params are the engine's adjustable operating parameters.
type Params struct {
	// FeeBps is the global fee rate in basis points, snapshotted into each
	// trade at creation time.
	FeeBps int64
	// FeeRecipient receives collected fees. When empty, trades snapshot a
	// zero fee regardless of FeeBps.
	FeeRecipient string
	// ToleranceBps bounds how far a quoted order price may deviate from the
	// reference price, per side.
	ToleranceBps int64
	// MinOrderAmount is the smallest deposit accepted by CreateOrder.
	MinOrderAmount decimal.Decimal
}

func (p Params) withDefaults() Params {
	if p.ToleranceBps <= 0 {
		p.ToleranceBps = DefaultToleranceBps
	}
	return p
}

// feeFor computes floor(amount * bps / 10000).
func feeFor(amount decimal.Decimal, bps int64) decimal.Decimal {
	if bps <= 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(bps)).Shift(-4).Floor()
}

// snapshotFeeBps freezes the fee rate for a new trade: zero unless both a
// positive rate and a recipient are configured at lock time.
func (p Params) snapshotFeeBps() int64 {
	if p.FeeRecipient == "" {
		return 0
	}
	return p.FeeBps
}

// Params returns the engine's current parameters, or the zero value while a
// guarded operation is in flight.
func (e *Engine) Params() Params {
	if e.rejectWhileBusy("params") != nil {
		return Params{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetFeeRate updates the global fee rate. Param-admin only. Existing trades
// keep their snapshots.
func (e *Engine) SetFeeRate(caller string, bps int64) error {
	if err := e.enter("set_fee_rate"); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireRole(caller, authz.RoleParamAdmin); err != nil {
		return err
	}
	if bps < 0 || bps > 10000 {
		return errs.New(e.name, errs.CodeInvalidAmount,
			errs.WithMessage("fee rate must be within [0,10000] basis points"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.FeeBps = bps
	evt := events.New(e.name, events.TypeFeeUpdated, e.now())
	evt.Value = decimal.NewFromInt(bps).String()
	e.emit(evt)
	return nil
}

// SetFeeRecipient updates the fee destination. Param-admin only. An empty
// recipient disables fee collection for trades created afterwards.
func (e *Engine) SetFeeRecipient(caller, recipient string) error {
	if err := e.enter("set_fee_recipient"); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireRole(caller, authz.RoleParamAdmin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.FeeRecipient = recipient
	evt := events.New(e.name, events.TypeFeeRecipientUpdated, e.now())
	evt.Value = recipient
	e.emit(evt)
	return nil
}

// SetTolerance updates the price band width. Param-admin only.
func (e *Engine) SetTolerance(caller string, bps int64) error {
	if err := e.enter("set_tolerance"); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireRole(caller, authz.RoleParamAdmin); err != nil {
		return err
	}
	if bps <= 0 || bps >= 10000 {
		return errs.New(e.name, errs.CodeInvalidAmount,
			errs.WithMessage("tolerance must be within (0,10000) basis points"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.ToleranceBps = bps
	evt := events.New(e.name, events.TypeToleranceUpdated, e.now())
	evt.Value = decimal.NewFromInt(bps).String()
	e.emit(evt)
	return nil
}

// SetMinOrderAmount updates the minimum accepted order deposit. Param-admin only.
func (e *Engine) SetMinOrderAmount(caller string, min decimal.Decimal) error {
	if err := e.enter("set_min_order_amount"); err != nil {
		return err
	}
	defer e.exit()
	if err := e.requireRole(caller, authz.RoleParamAdmin); err != nil {
		return err
	}
	if min.IsNegative() {
		return errs.New(e.name, errs.CodeInvalidAmount,
			errs.WithMessage("minimum order amount must not be negative"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.MinOrderAmount = min
	evt := events.New(e.name, events.TypeMinOrderUpdated, e.now())
	evt.Value = min.String()
	e.emit(evt)
	return nil
}
