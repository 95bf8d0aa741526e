package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/observability"
)

// ReleaseTradeToBuyer pays out a pending trade's locked amount, minus fee, to
// the buyer. Bridge authority only. Not idempotent: the status flips to Paid
// before any payout, so a replay fails with InvalidState and moves nothing.
func (e *Engine) ReleaseTradeToBuyer(caller, tradeID string) error {
	return e.releaseTrade("release_trade_buyer", caller, tradeID, false)
}

// ReleaseTradeToSeller pays out a pending trade's locked amount, minus fee, to
// the seller. Bridge authority only.
func (e *Engine) ReleaseTradeToSeller(caller, tradeID string) error {
	return e.releaseTrade("release_trade_seller", caller, tradeID, true)
}

func (e *Engine) releaseTrade(op, caller, tradeID string, toSeller bool) error {
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.exit()

	if err := e.requireRole(caller, authz.RoleBridge); err != nil {
		e.countOp(op, "rejected")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	trade, ok := e.trades[tradeID]
	if !ok {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeNotFound, errs.WithTradeID(tradeID))
	}
	if trade.Status != TradeCreated {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeInvalidState,
			errs.WithMessage("trade already finalized"),
			errs.WithTradeID(tradeID))
	}

	recipient := trade.Buyer
	typ := events.TypeTradeReleasedBuyer
	if toSeller {
		recipient = trade.Seller
		typ = events.TypeTradeReleasedSeller
	}

	trade.Status = TradePaid
	fee, err := e.payOut(op, recipient, trade.Amount, trade.FeeSnapshotBps, tradeID)
	if err != nil {
		trade.Status = TradeCreated
		return err
	}

	evt := events.New(e.name, typ, e.now())
	evt.TradeID = trade.ID
	evt.OrderID = trade.OrderID
	evt.Seller = trade.Seller
	evt.Buyer = trade.Buyer
	evt.Amount = trade.Amount.String()
	evt.Fee = fee.String()
	e.emit(evt)
	e.countOp(op, "success")
	return nil
}

// ReleaseRequestToBuyer pays out a pending trade request's deposit, minus fee,
// back to the buyer. Bridge authority only.
func (e *Engine) ReleaseRequestToBuyer(caller, requestID string) error {
	return e.releaseRequest("release_request_buyer", caller, requestID, false)
}

// ReleaseRequestToSeller pays out a pending trade request's deposit, minus
// fee, to the claimed seller. Bridge authority only. This is the normal
// completion path for a matched request.
func (e *Engine) ReleaseRequestToSeller(caller, requestID string) error {
	return e.releaseRequest("release_request_seller", caller, requestID, true)
}

func (e *Engine) releaseRequest(op, caller, requestID string, toSeller bool) error {
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.exit()

	if err := e.requireRole(caller, authz.RoleBridge); err != nil {
		e.countOp(op, "rejected")
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.requests[requestID]
	if !ok {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeNotFound, errs.WithTradeID(requestID))
	}
	if req.Status != TradeCreated {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeInvalidState,
			errs.WithMessage("request already finalized"),
			errs.WithTradeID(requestID))
	}

	recipient := req.Buyer
	typ := events.TypeRequestReleasedBuyer
	if toSeller {
		recipient = req.Seller
		typ = events.TypeRequestReleasedSeller
	}

	req.Status = TradePaid
	fee, err := e.payOut(op, recipient, req.Amount, req.FeeSnapshotBps, requestID)
	if err != nil {
		req.Status = TradeCreated
		return err
	}

	evt := events.New(e.name, typ, e.now())
	evt.TradeID = req.ID
	evt.ExternalID = req.ExternalOrderID
	evt.Seller = req.Seller
	evt.Buyer = req.Buyer
	evt.Amount = req.Amount.String()
	evt.Fee = fee.String()
	e.emit(evt)
	e.countOp(op, "success")
	return nil
}

// payOut performs the two transfers of a release: the net amount to the
// recipient and the fee to the configured fee recipient. The fee is derived
// from the frozen snapshot, floor(amount * bps / 10000). If the fee recipient
// has been cleared since the trade locked, the fee portion stays in the vault.
func (e *Engine) payOut(op, recipient string, amount decimal.Decimal, feeBps int64, tradeID string) (decimal.Decimal, error) {
	fee := feeFor(amount, feeBps)
	net := amount.Sub(fee)

	if err := e.transfer.Payout(recipient, net); err != nil {
		e.countOp(op, "transfer_failed")
		return decimal.Zero, errs.New(e.name, errs.CodeTransferFailed,
			errs.WithMessage("release payout failed"),
			errs.WithTradeID(tradeID),
			errs.WithAmount(net.String()),
			errs.WithCause(err))
	}

	if fee.Sign() > 0 && e.params.FeeRecipient != "" {
		if err := e.transfer.Payout(e.params.FeeRecipient, fee); err != nil {
			// Claw the net amount back into the vault so the failed release
			// leaves no partial movement behind.
			clawErr := e.transfer.Deposit(recipient, net)
			e.countOp(op, "transfer_failed")
			return decimal.Zero, observability.SettlementFailure(e.name, op,
				errs.New(e.name, errs.CodeTransferFailed,
					errs.WithMessage("fee payout failed"),
					errs.WithTradeID(tradeID),
					errs.WithAmount(fee.String()),
					errs.WithCause(err)),
				clawErr)
		}
	}

	released, _ := net.Float64()
	e.countReleased(released)
	return fee, nil
}
