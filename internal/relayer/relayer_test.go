package relayer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/asset"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/bus/eventbus"
	"github.com/pegbridge/escrow/internal/escrow"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/pricing"
)

const (
	bridgeAcct = "bridge"
	sellerAcct = "alice"
	buyerAcct  = "bob"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type bridgeHarness struct {
	clock *fakeClock

	nativeLedger  *asset.Ledger
	counterLedger *asset.Ledger
	nativeOracle  *pricing.OracleSource
	counterOracle *pricing.OracleSource

	native  *escrow.Engine
	counter *escrow.Engine

	nativeMem  *eventbus.MemoryBus
	counterMem *eventbus.MemoryBus

	relayer *Relayer
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	h := &bridgeHarness{clock: newFakeClock()}

	h.nativeLedger = asset.NewLedger("native")
	h.counterLedger = asset.NewLedger("counter")
	h.nativeLedger.Mint(sellerAcct, d("1000000"))
	h.counterLedger.Mint(buyerAcct, d("1000000"))

	h.nativeOracle = pricing.NewOracleSource()
	h.nativeOracle.Update(d("2000"))
	h.counterOracle = pricing.NewOracleSource()
	h.counterOracle.Update(d("500"))

	h.nativeMem = eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 64})
	h.counterMem = eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 64})
	t.Cleanup(h.nativeMem.Close)
	t.Cleanup(h.counterMem.Close)

	auth := authz.NewStatic()
	auth.Grant(bridgeAcct, authz.RoleBridge)

	var err error
	h.native, err = escrow.New(escrow.Config{
		Name:         "native",
		Transfer:     h.nativeLedger,
		Price:        h.nativeOracle,
		Auth:         auth,
		Sink:         publishTo(h.nativeMem),
		UnitDecimals: 6,
		Now:          h.clock.Now,
	})
	if err != nil {
		t.Fatalf("native engine: %v", err)
	}
	h.counter, err = escrow.New(escrow.Config{
		Name:         "counter",
		Transfer:     h.counterLedger,
		Price:        h.counterOracle,
		Auth:         auth,
		Sink:         publishTo(h.counterMem),
		UnitDecimals: 6,
		Now:          h.clock.Now,
	})
	if err != nil {
		t.Fatalf("counter engine: %v", err)
	}

	h.relayer, err = New(Config{
		Account:    bridgeAcct,
		PendingTTL: 10 * time.Minute,
		Now:        h.clock.Now,
	},
		Side{Engine: h.native, Bus: h.nativeMem, UnitDecimals: 6},
		Side{Engine: h.counter, Bus: h.counterMem, UnitDecimals: 6},
	)
	if err != nil {
		t.Fatalf("relayer: %v", err)
	}
	t.Cleanup(h.relayer.Close)
	return h
}

func publishTo(bus *eventbus.MemoryBus) events.Sink {
	return events.SinkFunc(func(evt *events.Event) {
		_ = bus.Publish(context.Background(), evt)
	})
}

func (h *bridgeHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.relayer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("relayer did not stop")
		}
	})
	// Let the relayer finish subscribing before engine activity starts.
	time.Sleep(50 * time.Millisecond)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestNewValidation(t *testing.T) {
	h := newBridgeHarness(t)
	a := Side{Engine: h.native, Bus: h.nativeMem}
	b := Side{Engine: h.counter, Bus: h.counterMem}

	cases := []struct {
		name string
		cfg  Config
		a, b Side
	}{
		{name: "missing account", cfg: Config{}, a: a, b: b},
		{name: "missing engine", cfg: Config{Account: bridgeAcct}, a: Side{Bus: h.nativeMem}, b: b},
		{name: "missing bus", cfg: Config{Account: bridgeAcct}, a: Side{Engine: h.native}, b: b},
		{name: "same engine twice", cfg: Config{Account: bridgeAcct}, a: a, b: a},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, tc.a, tc.b); !errs.IsCode(err, errs.CodeInvalidState) {
				t.Fatalf("expected invalid_state, got %v", err)
			}
		})
	}
}

func TestNativeAmountConversion(t *testing.T) {
	cases := []struct {
		name    string
		counter string
		price   string
		want    string
		wantErr bool
	}{
		{name: "exact", counter: "2", price: "2000", want: "1000"},
		{name: "floors", counter: "1", price: "3000", want: "333"},
		{name: "zero price", counter: "1", price: "0", wantErr: true},
		{name: "negative price", counter: "1", price: "-5", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := nativeAmount(d(tc.counter), d(tc.price), 6)
			if tc.wantErr {
				if !errs.IsCode(err, errs.CodeInvalidAmount) {
					t.Fatalf("expected invalid_amount, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if !got.Equal(d(tc.want)) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestBridgeSettlesRequestEndToEnd(t *testing.T) {
	h := newBridgeHarness(t)
	h.start(t)

	order, err := h.native.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2000"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	// 1 counter unit buys floor(1·10^6/2000) = 500 native units.
	req, err := h.counter.CreateTradeRequest(buyerAcct, order.ID, sellerAcct, d("1"))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	waitFor(t, "trade lock on native side", func() bool {
		trade, err := h.native.GetTrade(req.ID)
		return err == nil && trade.Amount.Equal(d("500"))
	})

	waitFor(t, "native release to buyer", func() bool {
		return h.nativeLedger.Balance(buyerAcct).Equal(d("500"))
	})
	waitFor(t, "counter release to seller", func() bool {
		return h.counterLedger.Balance(sellerAcct).Equal(d("1"))
	})

	trade, err := h.native.GetTrade(req.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if trade.Status != escrow.TradePaid {
		t.Fatalf("trade status = %s, want paid", trade.Status)
	}
	settled, err := h.counter.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if settled.Status != escrow.TradePaid {
		t.Fatalf("request status = %s, want paid", settled.Status)
	}

	// Conservation on both ledgers.
	nativeTotal := h.nativeLedger.Balance(sellerAcct).
		Add(h.nativeLedger.Balance(buyerAcct)).
		Add(h.nativeLedger.Balance(asset.VaultAccount))
	if !nativeTotal.Equal(d("1000000")) {
		t.Fatalf("native ledger total = %s", nativeTotal)
	}
	counterTotal := h.counterLedger.Balance(sellerAcct).
		Add(h.counterLedger.Balance(buyerAcct)).
		Add(h.counterLedger.Balance(asset.VaultAccount))
	if !counterTotal.Equal(d("1000000")) {
		t.Fatalf("counter ledger total = %s", counterTotal)
	}
}

func TestSellerMismatchLeavesRequestPending(t *testing.T) {
	h := newBridgeHarness(t)
	h.start(t)

	order, err := h.native.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2000"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	req, err := h.counter.CreateTradeRequest(buyerAcct, order.ID, "mallory", d("1"))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	// The claimed seller does not own the order, so no trade may appear.
	time.Sleep(200 * time.Millisecond)
	if _, err := h.native.GetTrade(req.ID); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected no trade, got %v", err)
	}
	pending, err := h.counter.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if pending.Status != escrow.TradeCreated {
		t.Fatalf("request status = %s, want created", pending.Status)
	}
}

func TestUnknownOrderReferenceExpiredBySweep(t *testing.T) {
	h := newBridgeHarness(t)
	h.start(t)

	req, err := h.counter.CreateTradeRequest(buyerAcct, "no-such-order", sellerAcct, d("5"))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if got := h.counterLedger.Balance(buyerAcct); !got.Equal(d("999995")) {
		t.Fatalf("deposit not captured: %s", got)
	}

	h.clock.Advance(11 * time.Minute)
	h.relayer.Sweep(context.Background())

	waitFor(t, "request refund", func() bool {
		return h.counterLedger.Balance(buyerAcct).Equal(d("1000000"))
	})
	expired, err := h.counter.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if expired.Status != escrow.TradeExpired || !expired.ExpireSynced {
		t.Fatalf("request not expired with marker: %+v", expired)
	}
}

func TestSweepExpiresStaleTrades(t *testing.T) {
	h := newBridgeHarness(t)

	order, err := h.native.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2000"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := h.native.CreateTrade(bridgeAcct, "stale-trade", order.ID, buyerAcct, d("200")); err != nil {
		t.Fatalf("create trade: %v", err)
	}

	h.clock.Advance(11 * time.Minute)
	h.relayer.Sweep(context.Background())

	trade, err := h.native.GetTrade("stale-trade")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if trade.Status != escrow.TradeExpired || !trade.ExpireSynced {
		t.Fatalf("trade not expired with marker: %+v", trade)
	}
	refreshed, err := h.native.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !refreshed.Available.Equal(d("1000")) {
		t.Fatalf("capacity not restored: %s", refreshed.Available)
	}
}

func TestRequestCancellationUnwindsCounterpartTrade(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	order, err := h.native.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2000"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	req, err := h.counter.CreateTradeRequest(buyerAcct, order.ID, sellerAcct, d("1"))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := h.native.CreateTrade(bridgeAcct, req.ID, order.ID, buyerAcct, d("500")); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if err := h.counter.CancelRequest(bridgeAcct, req.ID); err != nil {
		t.Fatalf("cancel request: %v", err)
	}

	evt := events.New("counter", events.TypeRequestCancelled, h.clock.Now())
	evt.TradeID = req.ID
	h.relayer.dispatch(ctx, evt)

	trade, err := h.native.GetTrade(req.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if trade.Status != escrow.TradeCancelled {
		t.Fatalf("trade status = %s, want cancelled", trade.Status)
	}
	refreshed, err := h.native.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !refreshed.Available.Equal(d("1000")) {
		t.Fatalf("capacity not restored: %s", refreshed.Available)
	}
}

func TestTradeExpiryMirrorsRequestExpiry(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	order, err := h.native.CreateOrder(sellerAcct, d("1000"), d("100"), d("500"), d("2000"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	req, err := h.counter.CreateTradeRequest(buyerAcct, order.ID, sellerAcct, d("1"))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := h.native.CreateTrade(bridgeAcct, req.ID, order.ID, buyerAcct, d("500")); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if err := h.native.ExpireTrade(bridgeAcct, req.ID); err != nil {
		t.Fatalf("expire trade: %v", err)
	}

	evt := events.New("native", events.TypeTradeExpired, h.clock.Now())
	evt.TradeID = req.ID
	h.relayer.dispatch(ctx, evt)

	expired, err := h.counter.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if expired.Status != escrow.TradeExpired || !expired.ExpireSynced {
		t.Fatalf("request not expired with marker: %+v", expired)
	}
	if !h.counterLedger.Balance(buyerAcct).Equal(d("1000000")) {
		t.Fatalf("buyer deposit not refunded: %s", h.counterLedger.Balance(buyerAcct))
	}
}

func TestRetryableClassification(t *testing.T) {
	transient := errs.New("native", errs.CodeTransferFailed)
	if !retryable(transient) {
		t.Fatal("transfer_failed should be retryable")
	}
	permanent := errs.New("native", errs.CodeNotFound)
	if retryable(permanent) {
		t.Fatal("not_found should not be retryable")
	}
}
