package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/pricing"
)

// GetOrder fetches an order by id.
func (e *Engine) GetOrder(orderID string) (Order, error) {
	if err := e.rejectWhileBusy("get_order"); err != nil {
		return Order{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	order, ok := e.orders[orderID]
	if !ok {
		return Order{}, errs.New(e.name, errs.CodeNotFound, errs.WithOrderID(orderID))
	}
	return order.snapshot(), nil
}

// GetTrade fetches a bridge-matched trade by id.
func (e *Engine) GetTrade(tradeID string) (Trade, error) {
	if err := e.rejectWhileBusy("get_trade"); err != nil {
		return Trade{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	trade, ok := e.trades[tradeID]
	if !ok {
		return Trade{}, errs.New(e.name, errs.CodeNotFound, errs.WithTradeID(tradeID))
	}
	return *trade, nil
}

// GetRequest fetches a trade request by id.
func (e *Engine) GetRequest(requestID string) (TradeRequest, error) {
	if err := e.rejectWhileBusy("get_request"); err != nil {
		return TradeRequest{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	req, ok := e.requests[requestID]
	if !ok {
		return TradeRequest{}, errs.New(e.name, errs.CodeNotFound, errs.WithTradeID(requestID))
	}
	return *req, nil
}

// OrdersBySeller lists a seller's orders in creation order.
func (e *Engine) OrdersBySeller(seller string) []Order {
	if e.rejectWhileBusy("orders_by_seller") != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.ordersBySeller[seller]
	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		if order, ok := e.orders[id]; ok {
			out = append(out, order.snapshot())
		}
	}
	return out
}

// TradesByUser lists trades where the user is buyer or seller.
func (e *Engine) TradesByUser(user string) []Trade {
	if e.rejectWhileBusy("trades_by_user") != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.tradesByUser[user]
	out := make([]Trade, 0, len(ids))
	for _, id := range ids {
		if trade, ok := e.trades[id]; ok {
			out = append(out, *trade)
		}
	}
	return out
}

// RequestsByUser lists trade requests where the user is buyer or claimed seller.
func (e *Engine) RequestsByUser(user string) []TradeRequest {
	if e.rejectWhileBusy("requests_by_user") != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.requestsByUser[user]
	out := make([]TradeRequest, 0, len(ids))
	for _, id := range ids {
		if req, ok := e.requests[id]; ok {
			out = append(out, *req)
		}
	}
	return out
}

// TradesByOrder lists every trade matched against an order.
func (e *Engine) TradesByOrder(orderID string) []Trade {
	if e.rejectWhileBusy("trades_by_order") != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil
	}
	out := make([]Trade, 0, len(order.TradeIDs))
	for _, id := range order.TradeIDs {
		if trade, ok := e.trades[id]; ok {
			out = append(out, *trade)
		}
	}
	return out
}

// PendingTrades lists trades still in Created that locked before the cutoff.
// This feeds the relayer's batch expiry sweep.
func (e *Engine) PendingTrades(olderThan time.Time) []Trade {
	if e.rejectWhileBusy("pending_trades") != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Trade
	for _, trade := range e.trades {
		if trade.Status == TradeCreated && trade.CreatedAt.Before(olderThan) {
			out = append(out, *trade)
		}
	}
	return out
}

// PendingRequests lists trade requests still in Created that locked before the
// cutoff.
func (e *Engine) PendingRequests(olderThan time.Time) []TradeRequest {
	if e.rejectWhileBusy("pending_requests") != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []TradeRequest
	for _, req := range e.requests {
		if req.Status == TradeCreated && req.CreatedAt.Before(olderThan) {
			out = append(out, *req)
		}
	}
	return out
}

// EstimateCounterAmount converts a native amount into counter-asset units at
// an order's locked price: floor(nativeAmount * price / UNIT).
func (e *Engine) EstimateCounterAmount(orderID string, nativeAmount decimal.Decimal) (decimal.Decimal, error) {
	if err := e.rejectWhileBusy("estimate_counter_amount"); err != nil {
		return decimal.Zero, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	order, ok := e.orders[orderID]
	if !ok {
		return decimal.Zero, errs.New(e.name, errs.CodeNotFound, errs.WithOrderID(orderID))
	}
	unit := decimal.New(1, e.unitDecimals)
	return pricing.FloorDiv(nativeAmount.Mul(order.PricePerUnit), unit), nil
}

// EstimateNativeAmount converts a counter-asset amount into native units at
// the current market price: floor(counterAmount * UNIT / price).
func (e *Engine) EstimateNativeAmount(counterAmount decimal.Decimal) (decimal.Decimal, error) {
	price, err := e.price.Price()
	if err != nil {
		return decimal.Zero, err
	}
	unit := decimal.New(1, e.unitDecimals)
	return pricing.FloorDiv(counterAmount.Mul(unit), price), nil
}

// CurrentPrice reads the reference price from the engine's price source.
func (e *Engine) CurrentPrice() (decimal.Decimal, error) {
	return e.price.Price()
}

// CurrentBand reads the reference price and applies the configured tolerance.
func (e *Engine) CurrentBand() (pricing.Band, error) {
	if err := e.rejectWhileBusy("current_band"); err != nil {
		return pricing.Band{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentBand()
}
