// Package escrow implements the escrow engine: seller orders, bridge-matched
// trades, buyer trade requests, and the release protocol that settles them.
//
// One Engine instance runs per ledger. The two sides of a cross-chain trade
// are structurally identical; they differ only in the injected asset-transfer
// capability and price source.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a seller order.
type OrderStatus string

const (
	// OrderActive accepts trade locks and seller updates.
	OrderActive OrderStatus = "active"
	// OrderCompleted is declared for interface compatibility; no engine
	// operation transitions an order into it.
	OrderCompleted OrderStatus = "completed"
	// OrderExpired is declared for interface compatibility; no engine
	// operation transitions an order into it.
	OrderExpired OrderStatus = "expired"
	// OrderCancelled is terminal; the remaining available amount has been
	// refunded to the seller.
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a seller's standing, partially-fillable offer of a fixed deposited
// quantity of the engine's asset.
type Order struct {
	ID           string
	Seller       string
	Total        decimal.Decimal
	Available    decimal.Decimal
	MinPerTrade  decimal.Decimal
	MaxPerTrade  decimal.Decimal
	PricePerUnit decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time

	// TradeIDs lists every trade ever matched against this order, pending or
	// terminal. Cancel scans it for completeness.
	TradeIDs []string
}

func (o *Order) snapshot() Order {
	cp := *o
	cp.TradeIDs = append([]string(nil), o.TradeIDs...)
	return cp
}
