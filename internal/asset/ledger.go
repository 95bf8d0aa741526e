package asset

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
)

// VaultAccount is the reserved ledger account holding escrowed funds.
const VaultAccount = "__escrow_vault__"

// Ledger is an in-process account book implementing the Transfer capability.
// It enforces non-negative balances and keeps the sum of all accounts constant
// across transfers.
type Ledger struct {
	name string

	mu       sync.Mutex
	balances map[string]decimal.Decimal

	// hooks observe completed movements; used to exercise reentrant callers.
	depositHook func(from string, amount decimal.Decimal)
	payoutHook  func(to string, amount decimal.Decimal)
}

// NewLedger creates an empty ledger labelled with the asset name.
func NewLedger(name string) *Ledger {
	return &Ledger{
		name:     name,
		balances: make(map[string]decimal.Decimal),
	}
}

// Mint credits amount to an account out of thin air. Test and bootstrap helper.
func (l *Ledger) Mint(account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balance(account).Add(amount)
}

// Balance reports the current balance of an account.
func (l *Ledger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(account)
}

// SetDepositHook installs a callback invoked after every successful deposit.
func (l *Ledger) SetDepositHook(fn func(from string, amount decimal.Decimal)) {
	l.depositHook = fn
}

// SetPayoutHook installs a callback invoked after every successful payout.
func (l *Ledger) SetPayoutHook(fn func(to string, amount decimal.Decimal)) {
	l.payoutHook = fn
}

// Deposit moves amount from the account into the escrow vault.
func (l *Ledger) Deposit(from string, amount decimal.Decimal) error {
	if err := l.move(from, VaultAccount, amount); err != nil {
		return err
	}
	if l.depositHook != nil {
		l.depositHook(from, amount)
	}
	return nil
}

// Payout moves amount from the escrow vault to the account.
func (l *Ledger) Payout(to string, amount decimal.Decimal) error {
	if err := l.move(VaultAccount, to, amount); err != nil {
		return err
	}
	if l.payoutHook != nil {
		l.payoutHook(to, amount)
	}
	return nil
}

func (l *Ledger) move(from, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errs.New(l.name, errs.CodeInvalidAmount,
			errs.WithMessage("transfer amount must not be negative"),
			errs.WithAmount(amount.String()))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.balance(from)
	if src.LessThan(amount) {
		return errs.New(l.name, errs.CodeTransferFailed,
			errs.WithMessage("insufficient balance"),
			errs.WithAmount(amount.String()))
	}
	l.balances[from] = src.Sub(amount)
	l.balances[to] = l.balance(to).Add(amount)
	return nil
}

func (l *Ledger) balance(account string) decimal.Decimal {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return decimal.Zero
}
