// Package events defines the notification schema emitted by the escrow engines.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the notification categories an engine can emit.
type Type string

const (
	// TypeOrderCreated signals a new seller order with deposited funds.
	TypeOrderCreated Type = "order.created"
	// TypeOrderCancelled signals an order cancellation with remaining funds refunded.
	TypeOrderCancelled Type = "order.cancelled"
	// TypeOrderLimitsUpdated signals a change to an order's per-trade bounds.
	TypeOrderLimitsUpdated Type = "order.limits_updated"
	// TypeOrderPriceUpdated signals a change to an order's quoted price.
	TypeOrderPriceUpdated Type = "order.price_updated"
	// TypeTradeCreated signals a bridge-matched trade locking order capacity.
	TypeTradeCreated Type = "trade.created"
	// TypeTradeReleasedBuyer signals a trade payout to the buyer.
	TypeTradeReleasedBuyer Type = "trade.released_buyer"
	// TypeTradeReleasedSeller signals a trade payout to the seller.
	TypeTradeReleasedSeller Type = "trade.released_seller"
	// TypeTradeCancelled signals a deliberate trade cancellation.
	TypeTradeCancelled Type = "trade.cancelled"
	// TypeTradeExpired signals a timeout-driven trade resolution.
	TypeTradeExpired Type = "trade.expired"
	// TypeRequestCreated signals a buyer-initiated trade request with a deposit.
	TypeRequestCreated Type = "request.created"
	// TypeRequestReleasedBuyer signals a trade-request payout to the buyer.
	TypeRequestReleasedBuyer Type = "request.released_buyer"
	// TypeRequestReleasedSeller signals a trade-request payout to the seller.
	TypeRequestReleasedSeller Type = "request.released_seller"
	// TypeRequestCancelled signals a deliberate trade-request cancellation.
	TypeRequestCancelled Type = "request.cancelled"
	// TypeRequestExpired signals a timeout-driven trade-request resolution.
	TypeRequestExpired Type = "request.expired"
	// TypeFeeUpdated signals a global fee-rate change.
	TypeFeeUpdated Type = "param.fee_updated"
	// TypeFeeRecipientUpdated signals a fee-recipient change.
	TypeFeeRecipientUpdated Type = "param.fee_recipient_updated"
	// TypeToleranceUpdated signals a price-tolerance change.
	TypeToleranceUpdated Type = "param.tolerance_updated"
	// TypeMinOrderUpdated signals a minimum-order-amount change.
	TypeMinOrderUpdated Type = "param.min_order_updated"
)

// Event carries the identifiers and amounts of a single engine notification.
// Amounts are serialized as decimal strings so the payload round-trips without
// precision loss.
type Event struct {
	EventID    string    `json:"eventId"`
	Engine     string    `json:"engine"`
	Type       Type      `json:"type"`
	OrderID    string    `json:"orderId,omitempty"`
	TradeID    string    `json:"tradeId,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	Seller     string    `json:"seller,omitempty"`
	Buyer      string    `json:"buyer,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Fee        string    `json:"fee,omitempty"`
	Price      string    `json:"price,omitempty"`
	Value      string    `json:"value,omitempty"`
	Synced     bool      `json:"synced,omitempty"`
	EmittedAt  time.Time `json:"emittedAt"`
}

// New stamps a fresh event of the given type for an engine.
func New(engine string, typ Type, at time.Time) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Engine:    engine,
		Type:      typ,
		EmittedAt: at,
	}
}

// Sink consumes engine notifications. Implementations must not call back into
// the emitting engine.
type Sink interface {
	Emit(evt *Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(evt *Event)

// Emit invokes the wrapped function.
func (f SinkFunc) Emit(evt *Event) { f(evt) }
