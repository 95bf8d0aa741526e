package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle state shared by trades and trade requests.
// Created is the only non-terminal state; Paid, Expired and Cancelled are
// final.
type TradeStatus string

const (
	// TradeCreated holds a locked amount awaiting release or unwind.
	TradeCreated TradeStatus = "created"
	// TradePaid means the locked value left the system, minus fee.
	TradePaid TradeStatus = "paid"
	// TradeExpired means a timeout unwound the lock.
	TradeExpired TradeStatus = "expired"
	// TradeCancelled means a deliberate cancellation unwound the lock.
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TradeStatus) Terminal() bool {
	return s == TradePaid || s == TradeExpired || s == TradeCancelled
}

// Trade is a bridge-matched exchange against a local order. Its amount is
// borrowed from the parent order's available capacity and returns there when
// the trade is cancelled or expired.
type Trade struct {
	ID             string
	OrderID        string
	Seller         string
	Buyer          string
	Amount         decimal.Decimal
	FeeSnapshotBps int64
	Status         TradeStatus
	// ExpireSynced marks that an authority-driven expiry declared the
	// counterpart ledger informed. Advisory only.
	ExpireSynced bool
	CreatedAt    time.Time
}

// TradeRequest is a buyer-initiated deposit referencing an order that lives on
// the counterpart engine. The reference is opaque here; the bridge relayer is
// responsible for its correctness.
type TradeRequest struct {
	ID              string
	ExternalOrderID string
	Seller          string
	Buyer           string
	Amount          decimal.Decimal
	FeeSnapshotBps  int64
	Status          TradeStatus
	ExpireSynced    bool
	CreatedAt       time.Time
}
