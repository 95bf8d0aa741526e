package pricing

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
)

// OracleSource is an externally updated scalar price feed. Its updating
// authority is decoupled from the engines; the engines only read it.
type OracleSource struct {
	mu    sync.RWMutex
	price decimal.Decimal
	set   bool
}

// NewOracleSource creates a feed with no price published yet.
func NewOracleSource() *OracleSource {
	return &OracleSource{}
}

// Update publishes a new price. Non-positive prices clear the feed.
func (o *OracleSource) Update(price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if price.Sign() <= 0 {
		o.set = false
		o.price = decimal.Zero
		return
	}
	o.price = price
	o.set = true
}

// Price returns the last published price, or StalePriceSource when the feed
// has never been updated or was cleared.
func (o *OracleSource) Price() (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.set {
		return decimal.Zero, errs.New("pricing", errs.CodeStalePriceSource,
			errs.WithMessage("oracle feed not published"))
	}
	return o.price, nil
}
