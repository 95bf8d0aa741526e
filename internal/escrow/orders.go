package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/events"
)

// CreateOrder deposits amount of the engine's asset and opens a standing
// offer. The deposit and the order creation are atomic: a failed transfer
// leaves no order behind.
func (e *Engine) CreateOrder(caller string, amount, minPerTrade, maxPerTrade, pricePerUnit decimal.Decimal) (Order, error) {
	const op = "create_order"
	if err := e.enter(op); err != nil {
		return Order{}, err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.LessThan(e.params.MinOrderAmount) || amount.Sign() <= 0 {
		e.countOp(op, "rejected")
		return Order{}, errs.New(e.name, errs.CodeInvalidAmount,
			errs.WithMessage("deposit below configured minimum"),
			errs.WithAmount(amount.String()))
	}
	if minPerTrade.Sign() <= 0 || !minPerTrade.LessThan(maxPerTrade) || maxPerTrade.GreaterThan(amount) {
		e.countOp(op, "rejected")
		return Order{}, errs.New(e.name, errs.CodeOutOfRange,
			errs.WithMessage("per-trade bounds must satisfy 0 < min < max <= amount"))
	}
	band, err := e.currentBand()
	if err != nil {
		e.countOp(op, "rejected")
		return Order{}, err
	}
	if !band.Contains(pricePerUnit) {
		e.countOp(op, "rejected")
		return Order{}, errs.New(e.name, errs.CodePriceOutOfTolerance,
			errs.WithMessage("quoted price outside tolerance band"),
			errs.WithAmount(pricePerUnit.String()))
	}

	if err := e.transfer.Deposit(caller, amount); err != nil {
		e.countOp(op, "transfer_failed")
		return Order{}, errs.New(e.name, errs.CodeTransferFailed,
			errs.WithMessage("order deposit failed"),
			errs.WithAmount(amount.String()),
			errs.WithCause(err))
	}

	at := e.now()
	e.seq++
	order := &Order{
		ID:           deriveID(caller, amount, e.seq, at),
		Seller:       caller,
		Total:        amount,
		Available:    amount,
		MinPerTrade:  minPerTrade,
		MaxPerTrade:  maxPerTrade,
		PricePerUnit: pricePerUnit,
		Status:       OrderActive,
		CreatedAt:    at,
	}
	e.orders[order.ID] = order
	e.ordersBySeller[caller] = append(e.ordersBySeller[caller], order.ID)

	evt := events.New(e.name, events.TypeOrderCreated, at)
	evt.OrderID = order.ID
	evt.Seller = caller
	evt.Amount = amount.String()
	evt.Price = pricePerUnit.String()
	e.emit(evt)
	e.countOp(op, "success")

	return order.snapshot(), nil
}

// CancelOrder terminates an active order and refunds the remaining available
// amount to the seller. Allowed for the seller or the bridge authority, and
// only once every trade matched against the order has reached a terminal
// state.
func (e *Engine) CancelOrder(caller, orderID string) error {
	const op = "cancel_order"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeNotFound, errs.WithOrderID(orderID))
	}
	if caller != order.Seller && !e.auth.HasRole(caller, authz.RoleBridge) {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeUnauthorized,
			errs.WithMessage("only the seller or the bridge may cancel"),
			errs.WithOrderID(orderID))
	}
	if order.Status != OrderActive {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeInvalidState,
			errs.WithMessage("order is not active"),
			errs.WithOrderID(orderID))
	}
	for _, tid := range order.TradeIDs {
		if t, ok := e.trades[tid]; ok && !t.Status.Terminal() {
			e.countOp(op, "rejected")
			return errs.New(e.name, errs.CodeTradeNotFinalized,
				errs.WithMessage("order has a pending trade"),
				errs.WithOrderID(orderID),
				errs.WithTradeID(tid))
		}
	}

	refund := order.Available
	order.Status = OrderCancelled
	order.Available = decimal.Zero

	if refund.Sign() > 0 {
		if err := e.transfer.Payout(order.Seller, refund); err != nil {
			order.Status = OrderActive
			order.Available = refund
			e.countOp(op, "transfer_failed")
			return errs.New(e.name, errs.CodeTransferFailed,
				errs.WithMessage("refund payout failed"),
				errs.WithOrderID(orderID),
				errs.WithAmount(refund.String()),
				errs.WithCause(err))
		}
	}

	evt := events.New(e.name, events.TypeOrderCancelled, e.now())
	evt.OrderID = orderID
	evt.Seller = order.Seller
	evt.Amount = refund.String()
	e.emit(evt)
	e.countOp(op, "success")

	return nil
}

// UpdateOrderLimits replaces an active order's per-trade bounds. Seller only.
func (e *Engine) UpdateOrderLimits(caller, orderID string, minPerTrade, maxPerTrade decimal.Decimal) error {
	const op = "update_order_limits"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.activeOrderForSeller(op, caller, orderID)
	if err != nil {
		return err
	}
	if minPerTrade.Sign() <= 0 || !minPerTrade.LessThan(maxPerTrade) || maxPerTrade.GreaterThan(order.Total) {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodeOutOfRange,
			errs.WithMessage("per-trade bounds must satisfy 0 < min < max <= total"),
			errs.WithOrderID(orderID))
	}

	order.MinPerTrade = minPerTrade
	order.MaxPerTrade = maxPerTrade

	evt := events.New(e.name, events.TypeOrderLimitsUpdated, e.now())
	evt.OrderID = orderID
	evt.Seller = order.Seller
	e.emit(evt)
	e.countOp(op, "success")
	return nil
}

// UpdateOrderPrice replaces an active order's quoted price. Seller only. The
// new price must pass the tolerance band against the price source's current
// reading, so market movement can invalidate a previously acceptable quote.
func (e *Engine) UpdateOrderPrice(caller, orderID string, pricePerUnit decimal.Decimal) error {
	const op = "update_order_price"
	if err := e.enter(op); err != nil {
		return err
	}
	defer e.exit()

	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.activeOrderForSeller(op, caller, orderID)
	if err != nil {
		return err
	}
	band, err := e.currentBand()
	if err != nil {
		e.countOp(op, "rejected")
		return err
	}
	if !band.Contains(pricePerUnit) {
		e.countOp(op, "rejected")
		return errs.New(e.name, errs.CodePriceOutOfTolerance,
			errs.WithMessage("quoted price outside tolerance band"),
			errs.WithOrderID(orderID),
			errs.WithAmount(pricePerUnit.String()))
	}

	order.PricePerUnit = pricePerUnit

	evt := events.New(e.name, events.TypeOrderPriceUpdated, e.now())
	evt.OrderID = orderID
	evt.Seller = order.Seller
	evt.Price = pricePerUnit.String()
	e.emit(evt)
	e.countOp(op, "success")
	return nil
}

func (e *Engine) activeOrderForSeller(op, caller, orderID string) (*Order, error) {
	order, ok := e.orders[orderID]
	if !ok {
		e.countOp(op, "rejected")
		return nil, errs.New(e.name, errs.CodeNotFound, errs.WithOrderID(orderID))
	}
	if caller != order.Seller {
		e.countOp(op, "rejected")
		return nil, errs.New(e.name, errs.CodeUnauthorized,
			errs.WithMessage("only the seller may update the order"),
			errs.WithOrderID(orderID))
	}
	if order.Status != OrderActive {
		e.countOp(op, "rejected")
		return nil, errs.New(e.name, errs.CodeInvalidState,
			errs.WithMessage("order is not active"),
			errs.WithOrderID(orderID))
	}
	return order, nil
}
