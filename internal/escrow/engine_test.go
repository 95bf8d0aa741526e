package escrow

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/asset"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/pricing"
)

const (
	bridgeAcct = "bridge"
	adminAcct  = "admin"
	sellerAcct = "seller"
	buyerAcct  = "buyer"
	feesAcct   = "fees"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// eventRecorder captures emitted notifications for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(evt *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *evt)
}

func (r *eventRecorder) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	engine   *Engine
	ledger   *asset.Ledger
	oracle   *pricing.OracleSource
	auth     *authz.Static
	recorder *eventRecorder
	clock    *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newHarness(t *testing.T, params Params) *harness {
	t.Helper()

	ledger := asset.NewLedger("usdt")
	ledger.Mint(sellerAcct, d("1000000"))
	ledger.Mint(buyerAcct, d("1000000"))

	oracle := pricing.NewOracleSource()
	oracle.Update(d("2000"))

	auth := authz.NewStatic()
	auth.Grant(bridgeAcct, authz.RoleBridge)
	auth.Grant(adminAcct, authz.RoleParamAdmin)

	recorder := new(eventRecorder)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}

	engine, err := New(Config{
		Name:         "usdt",
		Transfer:     ledger,
		Price:        oracle,
		Auth:         auth,
		Sink:         recorder,
		UnitDecimals: 6,
		Params:       params,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{engine: engine, ledger: ledger, oracle: oracle, auth: auth, recorder: recorder, clock: clock}
}

// mustOrder creates the canonical test order: total 1000, bounds [100,500],
// price 2000 (mid-band).
func (h *harness) mustOrder(t *testing.T) Order {
	t.Helper()
	order, err := h.engine.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2000"))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	return order
}

func (h *harness) mustTrade(t *testing.T, id, orderID string, amount decimal.Decimal) Trade {
	t.Helper()
	trade, err := h.engine.CreateTrade(bridgeAcct, id, orderID, buyerAcct, amount)
	if err != nil {
		t.Fatalf("CreateTrade() error = %v", err)
	}
	return trade
}

func TestNewRejectsMissingCapabilities(t *testing.T) {
	ledger := asset.NewLedger("usdt")
	oracle := pricing.NewOracleSource()
	auth := authz.NewStatic()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no name", Config{Transfer: ledger, Price: oracle, Auth: auth}},
		{"no transfer", Config{Name: "usdt", Price: oracle, Auth: auth}},
		{"no price", Config{Name: "usdt", Transfer: ledger, Auth: auth}},
		{"no auth", Config{Name: "usdt", Transfer: ledger, Price: oracle}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestConservationAcrossLifecycle(t *testing.T) {
	h := newHarness(t, Params{FeeBps: 100, FeeRecipient: feesAcct, MinOrderAmount: d("10")})
	order := h.mustOrder(t)

	// Lock three trades, then settle them three different ways.
	h.mustTrade(t, "t1", order.ID, d("300"))
	h.mustTrade(t, "t2", order.ID, d("200"))
	h.mustTrade(t, "t3", order.ID, d("100"))

	if err := h.engine.ReleaseTradeToBuyer(bridgeAcct, "t1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.engine.CancelTrade(bridgeAcct, "t2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// t3 stays pending.

	got, err := h.engine.GetOrder(order.ID)
	if err != nil {
		t.Fatal(err)
	}

	// total - available must equal locked pending (100) + paid (300);
	// the cancelled 200 returned to available.
	if !got.Available.Equal(d("600")) {
		t.Errorf("available = %s, want 600", got.Available)
	}
	locked := got.Total.Sub(got.Available)
	if !locked.Equal(d("400")) {
		t.Errorf("total-available = %s, want 400 (pending 100 + paid 300)", locked)
	}

	// Ledger-level conservation: every unit is in an account or the vault.
	total := h.ledger.Balance(sellerAcct).
		Add(h.ledger.Balance(buyerAcct)).
		Add(h.ledger.Balance(feesAcct)).
		Add(h.ledger.Balance(asset.VaultAccount))
	if !total.Equal(d("2000000")) {
		t.Errorf("ledger total = %s, want 2000000", total)
	}
}

func TestReentrantPayoutCallbackRejected(t *testing.T) {
	h := newHarness(t, Params{MinOrderAmount: d("10")})
	order := h.mustOrder(t)
	h.mustTrade(t, "t1", order.ID, d("300"))

	var inner error
	called := false
	h.ledger.SetPayoutHook(func(string, decimal.Decimal) {
		if called {
			return
		}
		called = true
		// A malicious transfer hook re-entering the engine mid-release must
		// fail fast instead of observing half-finished state.
		_, inner = h.engine.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2000"))
	})

	if err := h.engine.ReleaseTradeToBuyer(bridgeAcct, "t1"); err != nil {
		t.Fatalf("outer release failed: %v", err)
	}
	if !called {
		t.Fatal("payout hook never fired")
	}
	if !errs.IsCode(inner, errs.CodeInvalidState) {
		t.Errorf("reentrant call error = %v, want invalid_state", inner)
	}

	trade, _ := h.engine.GetTrade("t1")
	if trade.Status != TradePaid {
		t.Errorf("trade status = %s, want paid", trade.Status)
	}
}

func TestReentrantCancelCallbackRejected(t *testing.T) {
	h := newHarness(t, Params{MinOrderAmount: d("10")})
	req, err := h.engine.CreateTradeRequest(buyerAcct, "remote-order", sellerAcct, d("500"))
	if err != nil {
		t.Fatal(err)
	}

	var inner error
	h.ledger.SetPayoutHook(func(string, decimal.Decimal) {
		inner = h.engine.CancelRequest(bridgeAcct, req.ID)
	})

	if err := h.engine.CancelRequest(bridgeAcct, req.ID); err != nil {
		t.Fatalf("outer cancel failed: %v", err)
	}
	if !errs.IsCode(inner, errs.CodeInvalidState) {
		t.Errorf("reentrant cancel error = %v, want invalid_state", inner)
	}

	// Exactly one refund happened.
	if got := h.ledger.Balance(buyerAcct); !got.Equal(d("1000000")) {
		t.Errorf("buyer balance = %s, want 1000000 (single refund)", got)
	}
}

func TestReentrantCallbackThroughAnyEntryPointRejected(t *testing.T) {
	h := newHarness(t, Params{MinOrderAmount: d("10")})
	order := h.mustOrder(t)
	h.mustTrade(t, "t1", order.ID, d("100"))

	// The hook re-enters through a lock-only mutator, a query, and a params
	// setter. None of them moves assets, but each takes the state lock; they
	// must fail fast rather than wedge the engine.
	var hookErrs []error
	h.ledger.SetPayoutHook(func(string, decimal.Decimal) {
		_, err := h.engine.CreateTrade(bridgeAcct, "t2", order.ID, buyerAcct, d("100"))
		hookErrs = append(hookErrs, err)
		_, err = h.engine.GetOrder(order.ID)
		hookErrs = append(hookErrs, err)
		hookErrs = append(hookErrs, h.engine.SetFeeRate(adminAcct, 50))
	})

	done := make(chan error, 1)
	go func() { done <- h.engine.ReleaseTradeToBuyer(bridgeAcct, "t1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("release failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("release never returned")
	}

	if len(hookErrs) != 3 {
		t.Fatalf("hook made %d calls, want 3", len(hookErrs))
	}
	for i, err := range hookErrs {
		if !errs.IsCode(err, errs.CodeInvalidState) {
			t.Errorf("hook call %d error = %v, want invalid_state", i, err)
		}
	}

	// The engine stays fully operational after the rejected reentry.
	h.ledger.SetPayoutHook(nil)
	if _, err := h.engine.GetOrder(order.ID); err != nil {
		t.Errorf("GetOrder after release: %v", err)
	}
	if _, err := h.engine.CreateTrade(bridgeAcct, "t2", order.ID, buyerAcct, d("100")); err != nil {
		t.Errorf("CreateTrade after release: %v", err)
	}
}

func TestParamAdminOperations(t *testing.T) {
	h := newHarness(t, Params{MinOrderAmount: d("10")})

	if err := h.engine.SetFeeRate(buyerAcct, 50); !errs.IsCode(err, errs.CodeUnauthorized) {
		t.Errorf("SetFeeRate by non-admin = %v, want unauthorized", err)
	}
	if err := h.engine.SetFeeRate(adminAcct, 50); err != nil {
		t.Errorf("SetFeeRate() error = %v", err)
	}
	if err := h.engine.SetFeeRate(adminAcct, 10001); !errs.IsCode(err, errs.CodeInvalidAmount) {
		t.Errorf("SetFeeRate(10001) = %v, want invalid_amount", err)
	}
	if err := h.engine.SetFeeRecipient(adminAcct, feesAcct); err != nil {
		t.Errorf("SetFeeRecipient() error = %v", err)
	}
	if err := h.engine.SetTolerance(adminAcct, 500); err != nil {
		t.Errorf("SetTolerance() error = %v", err)
	}
	if err := h.engine.SetMinOrderAmount(adminAcct, d("25")); err != nil {
		t.Errorf("SetMinOrderAmount() error = %v", err)
	}

	p := h.engine.Params()
	if p.FeeBps != 50 || p.FeeRecipient != feesAcct || p.ToleranceBps != 500 || !p.MinOrderAmount.Equal(d("25")) {
		t.Errorf("params = %+v", p)
	}

	for _, typ := range []events.Type{
		events.TypeFeeUpdated,
		events.TypeFeeRecipientUpdated,
		events.TypeToleranceUpdated,
		events.TypeMinOrderUpdated,
	} {
		if len(h.recorder.ofType(typ)) == 0 {
			t.Errorf("no %s notification emitted", typ)
		}
	}
}

func TestToleranceChangeNarrowsBand(t *testing.T) {
	h := newHarness(t, Params{MinOrderAmount: d("10")})
	if err := h.engine.SetTolerance(adminAcct, 100); err != nil { // 1%
		t.Fatal(err)
	}

	// 2000 * 1.01 = 2020 is the new upper bound.
	if _, err := h.engine.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2020")); err != nil {
		t.Errorf("price at bound should pass: %v", err)
	}
	_, err := h.engine.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2021"))
	if !errs.IsCode(err, errs.CodePriceOutOfTolerance) {
		t.Errorf("price beyond bound = %v, want price_out_of_tolerance", err)
	}
}

func TestOrderIDsUniqueForIdenticalInputs(t *testing.T) {
	h := newHarness(t, Params{MinOrderAmount: d("10")})
	a := h.mustOrder(t)
	b := h.mustOrder(t)
	if a.ID == b.ID {
		t.Errorf("identical deposits produced the same order id %s", a.ID)
	}
}
