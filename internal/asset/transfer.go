// Package asset models the asset-transfer capability each engine delegates to.
package asset

import "github.com/shopspring/decimal"

// Transfer moves the engine's asset between external accounts and the escrow
// vault. Both operations are all-or-nothing: a returned error means no value
// moved.
type Transfer interface {
	// Deposit captures amount from the account into the escrow vault.
	Deposit(from string, amount decimal.Decimal) error
	// Payout releases amount from the escrow vault to the account.
	Payout(to string, amount decimal.Decimal) error
}
