package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/events"
)

// CreateTrade locks amount out of an active order's available capacity under
// an externally assigned trade identifier. Bridge authority only. No asset
// moves: the funds were captured at order creation; this re-partitions the
// order's available balance.
func (e *Engine) CreateTrade(caller, externalTradeID, orderID, buyer string, amount decimal.Decimal) (Trade, error) {
	const op = "create_trade"
	if err := e.enter(op); err != nil {
		return Trade{}, err
	}
	defer e.exit()

	if err := e.requireRole(caller, authz.RoleBridge); err != nil {
		e.countOp(op, "rejected")
		return Trade{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.trades[externalTradeID]; exists {
		e.countOp(op, "rejected")
		return Trade{}, errs.New(e.name, errs.CodeAlreadyExists,
			errs.WithMessage("external trade id already used"),
			errs.WithTradeID(externalTradeID))
	}
	order, ok := e.orders[orderID]
	if !ok {
		e.countOp(op, "rejected")
		return Trade{}, errs.New(e.name, errs.CodeNotFound, errs.WithOrderID(orderID))
	}
	if order.Status != OrderActive {
		e.countOp(op, "rejected")
		return Trade{}, errs.New(e.name, errs.CodeInvalidState,
			errs.WithMessage("order is not active"),
			errs.WithOrderID(orderID))
	}
	if amount.GreaterThan(order.Available) {
		e.countOp(op, "rejected")
		return Trade{}, errs.New(e.name, errs.CodeOutOfRange,
			errs.WithMessage("amount exceeds available capacity"),
			errs.WithOrderID(orderID),
			errs.WithAmount(amount.String()))
	}
	if amount.LessThan(order.MinPerTrade) || amount.GreaterThan(order.MaxPerTrade) {
		e.countOp(op, "rejected")
		return Trade{}, errs.New(e.name, errs.CodeOutOfRange,
			errs.WithMessage("amount outside per-trade bounds"),
			errs.WithOrderID(orderID),
			errs.WithAmount(amount.String()))
	}

	at := e.now()
	order.Available = order.Available.Sub(amount)
	trade := &Trade{
		ID:             externalTradeID,
		OrderID:        orderID,
		Seller:         order.Seller,
		Buyer:          buyer,
		Amount:         amount,
		FeeSnapshotBps: e.params.snapshotFeeBps(),
		Status:         TradeCreated,
		CreatedAt:      at,
	}
	e.trades[trade.ID] = trade
	order.TradeIDs = append(order.TradeIDs, trade.ID)
	e.tradesByUser[buyer] = append(e.tradesByUser[buyer], trade.ID)
	if order.Seller != buyer {
		e.tradesByUser[order.Seller] = append(e.tradesByUser[order.Seller], trade.ID)
	}

	evt := events.New(e.name, events.TypeTradeCreated, at)
	evt.TradeID = trade.ID
	evt.OrderID = orderID
	evt.Seller = order.Seller
	evt.Buyer = buyer
	evt.Amount = amount.String()
	e.emit(evt)
	e.countOp(op, "success")

	return *trade, nil
}

// CreateTradeRequest deposits amount against an order that lives on the
// counterpart engine. Any caller. The external order reference is opaque
// bookkeeping here; matching it to a real order is the relayer's job.
func (e *Engine) CreateTradeRequest(caller, externalOrderID, claimedSeller string, amount decimal.Decimal) (TradeRequest, error) {
	const op = "create_trade_request"
	if err := e.enter(op); err != nil {
		return TradeRequest{}, err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.Sign() <= 0 {
		e.countOp(op, "rejected")
		return TradeRequest{}, errs.New(e.name, errs.CodeInvalidAmount,
			errs.WithMessage("request amount must be positive"),
			errs.WithAmount(amount.String()))
	}

	if err := e.transfer.Deposit(caller, amount); err != nil {
		e.countOp(op, "transfer_failed")
		return TradeRequest{}, errs.New(e.name, errs.CodeTransferFailed,
			errs.WithMessage("request deposit failed"),
			errs.WithAmount(amount.String()),
			errs.WithCause(err))
	}

	at := e.now()
	e.seq++
	req := &TradeRequest{
		ID:              deriveID(caller, amount, e.seq, at),
		ExternalOrderID: externalOrderID,
		Seller:          claimedSeller,
		Buyer:           caller,
		Amount:          amount,
		FeeSnapshotBps:  e.params.snapshotFeeBps(),
		Status:          TradeCreated,
		CreatedAt:       at,
	}
	e.requests[req.ID] = req
	e.requestsByUser[caller] = append(e.requestsByUser[caller], req.ID)
	if claimedSeller != caller {
		e.requestsByUser[claimedSeller] = append(e.requestsByUser[claimedSeller], req.ID)
	}

	evt := events.New(e.name, events.TypeRequestCreated, at)
	evt.TradeID = req.ID
	evt.ExternalID = externalOrderID
	evt.Seller = claimedSeller
	evt.Buyer = caller
	evt.Amount = amount.String()
	e.emit(evt)
	e.countOp(op, "success")

	return *req, nil
}

// CancelTrade unwinds a pending trade, restoring its amount to the parent
// order's available capacity. Bridge authority only.
func (e *Engine) CancelTrade(caller, tradeID string) error {
	return e.unwindTrade("cancel_trade", caller, tradeID, false)
}

// ExpireTrade is CancelTrade plus the cross-chain-synchronized marker,
// signalling timeout-driven resolution to downstream observers.
func (e *Engine) ExpireTrade(caller, tradeID string) error {
	return e.unwindTrade("expire_trade", caller, tradeID, true)
}

func (e *Engine) unwindTrade(op, caller, tradeID string, expired bool) error {
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
			errs.WithMessage("trade is not pending"),
			errs.WithTradeID(tradeID))
	}

	e.finalizeTradeUnwind(trade, expired)
	e.countOp(op, "success")
	return nil
}

// finalizeTradeUnwind applies the shared cancel/expire effect to a pending
// trade. Caller holds the write lock and has verified status == Created.
func (e *Engine) finalizeTradeUnwind(trade *Trade, expired bool) {
	if order, ok := e.orders[trade.OrderID]; ok {
		order.Available = order.Available.Add(trade.Amount)
	}
	typ := events.TypeTradeCancelled
	if expired {
		trade.Status = TradeExpired
		trade.ExpireSynced = true
		typ = events.TypeTradeExpired
	} else {
		trade.Status = TradeCancelled
	}

	evt := events.New(e.name, typ, e.now())
	evt.TradeID = trade.ID
	evt.OrderID = trade.OrderID
	evt.Amount = trade.Amount.String()
	evt.Synced = trade.ExpireSynced
	e.emit(evt)
}

// CancelRequest unwinds a pending trade request, refunding the buyer's
// deposit. Bridge authority only.
func (e *Engine) CancelRequest(caller, requestID string) error {
	return e.unwindRequest("cancel_request", caller, requestID, false)
}

// ExpireRequest is CancelRequest plus the cross-chain-synchronized marker.
func (e *Engine) ExpireRequest(caller, requestID string) error {
	return e.unwindRequest("expire_request", caller, requestID, true)
}

func (e *Engine) unwindRequest(op, caller, requestID string, expired bool) error {
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
			errs.WithMessage("request is not pending"),
			errs.WithTradeID(requestID))
	}

	typ := events.TypeRequestCancelled
	if expired {
		req.Status = TradeExpired
		req.ExpireSynced = true
		typ = events.TypeRequestExpired
	} else {
		req.Status = TradeCancelled
	}

	if err := e.transfer.Payout(req.Buyer, req.Amount); err != nil {
		req.Status = TradeCreated
		req.ExpireSynced = false
		e.countOp(op, "transfer_failed")
		return errs.New(e.name, errs.CodeTransferFailed,
			errs.WithMessage("request refund failed"),
			errs.WithTradeID(requestID),
			errs.WithAmount(req.Amount.String()),
			errs.WithCause(err))
	}

	evt := events.New(e.name, typ, e.now())
	evt.TradeID = req.ID
	evt.ExternalID = req.ExternalOrderID
	evt.Buyer = req.Buyer
	evt.Amount = req.Amount.String()
	evt.Synced = req.ExpireSynced
	e.emit(evt)
	e.countOp(op, "success")
	return nil
}

// BatchExpireTrades applies the trade expiry to each id, silently skipping any
// id whose trade is missing or already terminal. Bulk cleanup tolerates mixed
// batches instead of failing them.
func (e *Engine) BatchExpireTrades(caller string, tradeIDs []string) error {
	const op = "batch_expire_trades"
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

	for _, id := range tradeIDs {
		trade, ok := e.trades[id]
		if !ok || trade.Status != TradeCreated {
			continue
		}
		e.finalizeTradeUnwind(trade, true)
	}
	e.countOp(op, "success")
	return nil
}
