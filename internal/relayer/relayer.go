// Package relayer implements the reference bridge process that drives two
// escrow engines on independent ledgers. It matches buyer trade requests
// against counterpart orders, runs the two-phase release discipline, and
// expires stale legs.
package relayer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/bus/eventbus"
	"github.com/pegbridge/escrow/internal/escrow"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/observability"
	"github.com/pegbridge/escrow/internal/pricing"
	"github.com/pegbridge/escrow/lib/async"
)

// Engine is the slice of the escrow engine surface the relayer drives.
type Engine interface {
	Name() string
	GetOrder(orderID string) (escrow.Order, error)
	GetTrade(tradeID string) (escrow.Trade, error)
	GetRequest(requestID string) (escrow.TradeRequest, error)
	CreateTrade(caller, externalTradeID, orderID, buyer string, amount decimal.Decimal) (escrow.Trade, error)
	ReleaseTradeToBuyer(caller, tradeID string) error
	ReleaseRequestToSeller(caller, requestID string) error
	ReleaseRequestToBuyer(caller, requestID string) error
	CancelTrade(caller, tradeID string) error
	CancelRequest(caller, requestID string) error
	ExpireRequest(caller, requestID string) error
	BatchExpireTrades(caller string, tradeIDs []string) error
	PendingTrades(olderThan time.Time) []escrow.Trade
	PendingRequests(olderThan time.Time) []escrow.TradeRequest
}

// Side pairs an engine with the bus its notifications arrive on.
type Side struct {
	Engine Engine
	Bus    eventbus.Bus
	// UnitDecimals is the smallest-unit scale of the engine's native asset,
	// used when converting counter-asset request amounts into native trade
	// amounts.
	UnitDecimals int32
}

// Config tunes the relayer.
type Config struct {
	// Account is the bridge identity granted RoleBridge on both engines.
	Account string
	// PendingTTL is how long a trade or request may stay pending before the
	// sweeper expires it.
	PendingTTL time.Duration
	// SweepInterval is the expiry sweeper cadence.
	SweepInterval time.Duration
	// ReleasesPerSecond throttles payout-bearing release calls.
	ReleasesPerSecond float64
	// ReleaseBurst is the release throttle burst size.
	ReleaseBurst int
	// MaxAttempts bounds retries of transient engine-call failures.
	MaxAttempts int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PendingTTL <= 0 {
		c.PendingTTL = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ReleasesPerSecond <= 0 {
		c.ReleasesPerSecond = 10
	}
	if c.ReleaseBurst <= 0 {
		c.ReleaseBurst = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Relayer bridges two engines.
type Relayer struct {
	cfg     Config
	sides   [2]Side
	limiter *rate.Limiter
	pool    *async.Pool

	opsCounter metric.Int64Counter
}

// New validates the two sides and constructs a relayer.
func New(cfg Config, a, b Side) (*Relayer, error) {
	if cfg.Account == "" {
		return nil, errs.New("relayer", errs.CodeInvalidState, errs.WithMessage("bridge account required"))
	}
	if a.Engine == nil || b.Engine == nil {
		return nil, errs.New("relayer", errs.CodeInvalidState, errs.WithMessage("both engines required"))
	}
	if a.Bus == nil || b.Bus == nil {
		return nil, errs.New("relayer", errs.CodeInvalidState, errs.WithMessage("both buses required"))
	}
	if a.Engine.Name() == b.Engine.Name() {
		return nil, errs.New("relayer", errs.CodeInvalidState, errs.WithMessage("engine names must differ"))
	}
	cfg = cfg.withDefaults()

	pool, err := async.New(4, 64)
	if err != nil {
		return nil, err
	}

	r := &Relayer{
		cfg:     cfg,
		sides:   [2]Side{a, b},
		limiter: rate.NewLimiter(rate.Limit(cfg.ReleasesPerSecond), cfg.ReleaseBurst),
		pool:    pool,
	}

	meter := otel.Meter("relayer")
	r.opsCounter, _ = meter.Int64Counter("relayer.operations",
		metric.WithDescription("Relayer bridge operations by kind and result"),
		metric.WithUnit("{operation}"))

	return r, nil
}

// Close releases the relayer's worker pool.
func (r *Relayer) Close() {
	r.pool.Close()
}

// Run consumes both notification streams until the context is cancelled.
func (r *Relayer) Run(ctx context.Context) error {
	idA, chA, err := r.sides[0].Bus.SubscribeAll(ctx)
	if err != nil {
		return err
	}
	defer r.sides[0].Bus.Unsubscribe(idA)

	idB, chB, err := r.sides[1].Bus.SubscribeAll(ctx)
	if err != nil {
		return err
	}
	defer r.sides[1].Bus.Unsubscribe(idB)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, open := <-chA:
			if !open {
				return nil
			}
			r.dispatch(ctx, evt)
		case evt, open := <-chB:
			if !open {
				return nil
			}
			r.dispatch(ctx, evt)
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Relayer) dispatch(ctx context.Context, evt *events.Event) {
	if evt == nil {
		return
	}
	var from, counter Side
	switch evt.Engine {
	case r.sides[0].Engine.Name():
		from, counter = r.sides[0], r.sides[1]
	case r.sides[1].Engine.Name():
		from, counter = r.sides[1], r.sides[0]
	default:
		return
	}

	switch evt.Type {
	case events.TypeRequestCreated:
		r.matchRequest(ctx, from, counter, evt)
	case events.TypeTradeCreated:
		r.settleTrade(ctx, from, counter, evt)
	case events.TypeTradeReleasedBuyer:
		r.settleRequest(ctx, counter, evt, counter.Engine.ReleaseRequestToSeller)
	case events.TypeTradeReleasedSeller:
		// Native leg was refunded to the seller; mirror by refunding the
		// buyer's counter-side deposit.
		r.settleRequest(ctx, counter, evt, counter.Engine.ReleaseRequestToBuyer)
	case events.TypeRequestCancelled, events.TypeRequestExpired:
		r.unwindCounterpartTrade(ctx, counter, evt)
	case events.TypeTradeCancelled, events.TypeTradeExpired:
		r.unwindCounterpartRequest(ctx, counter, evt)
	}
}

// matchRequest mirrors a freshly funded buyer request as a trade lock on the
// counterpart engine, using the request id as the external trade id.
func (r *Relayer) matchRequest(ctx context.Context, from, counter Side, evt *events.Event) {
	req, err := from.Engine.GetRequest(evt.TradeID)
	if err != nil {
		r.fail("match_request", err)
		return
	}
	if req.Status != escrow.TradeCreated {
		return
	}

	order, err := counter.Engine.GetOrder(req.ExternalOrderID)
	if err != nil {
		// The cross-engine order reference was never validated at deposit
		// time; the sweeper refunds the buyer after the TTL.
		r.fail("match_request", err)
		return
	}
	if order.Seller != req.Seller {
		observability.Log().Error("request seller claim does not match counterpart order",
			observability.String("request_id", req.ID),
			observability.String("order_id", order.ID))
		r.count("match_request", "mismatch")
		return
	}

	native, err := nativeAmount(req.Amount, order.PricePerUnit, counter.UnitDecimals)
	if err != nil {
		r.fail("match_request", err)
		return
	}
	if native.Sign() <= 0 {
		r.count("match_request", "dust")
		return
	}

	err = r.withRetry(ctx, func() error {
		_, err := counter.Engine.CreateTrade(r.cfg.Account, req.ID, order.ID, req.Buyer, native)
		return err
	})
	if err != nil {
		r.fail("match_request", err)
		return
	}
	r.count("match_request", "success")
}

// settleTrade runs the first release phase: pay the buyer on the native side
// once the counterpart request leg is confirmed funded.
func (r *Relayer) settleTrade(ctx context.Context, from, counter Side, evt *events.Event) {
	req, err := counter.Engine.GetRequest(evt.TradeID)
	if err != nil || req.Status != escrow.TradeCreated {
		// Trade was not matched from a live counterpart request; leave it to
		// the operator or the sweeper.
		return
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	err = r.withRetry(ctx, func() error {
		return from.Engine.ReleaseTradeToBuyer(r.cfg.Account, evt.TradeID)
	})
	if err != nil {
		r.fail("release_trade", err)
		return
	}
	r.count("release_trade", "success")
}

// settleRequest runs the second release phase: after the native-side release
// committed, settle the counter-side request leg.
func (r *Relayer) settleRequest(ctx context.Context, counter Side, evt *events.Event, release func(caller, requestID string) error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	err := r.withRetry(ctx, func() error {
		return release(r.cfg.Account, evt.TradeID)
	})
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) || errs.IsCode(err, errs.CodeInvalidState) {
			// No matching pending request on the counter side; nothing to pay.
			return
		}
		r.fail("release_request", err)
		return
	}
	r.count("release_request", "success")
}

func (r *Relayer) unwindCounterpartTrade(ctx context.Context, counter Side, evt *events.Event) {
	err := r.withRetry(ctx, func() error {
		return counter.Engine.CancelTrade(r.cfg.Account, evt.TradeID)
	})
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) || errs.IsCode(err, errs.CodeInvalidState) {
			return
		}
		r.fail("unwind_trade", err)
		return
	}
	r.count("unwind_trade", "success")
}

func (r *Relayer) unwindCounterpartRequest(ctx context.Context, counter Side, evt *events.Event) {
	unwind := counter.Engine.CancelRequest
	if evt.Type == events.TypeTradeExpired {
		unwind = counter.Engine.ExpireRequest
	}
	err := r.withRetry(ctx, func() error {
		return unwind(r.cfg.Account, evt.TradeID)
	})
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) || errs.IsCode(err, errs.CodeInvalidState) {
			return
		}
		r.fail("unwind_request", err)
		return
	}
	r.count("unwind_request", "success")
}

// nativeAmount converts a counter-asset amount into native units at the
// order's quoted price: floor(counter · 10^unitDecimals / price).
func nativeAmount(counterAmount, pricePerUnit decimal.Decimal, unitDecimals int32) (decimal.Decimal, error) {
	if pricePerUnit.Sign() <= 0 {
		return decimal.Zero, errs.New("relayer", errs.CodeInvalidAmount,
			errs.WithMessage("order price must be positive"))
	}
	return pricing.FloorDiv(counterAmount.Shift(unitDecimals), pricePerUnit), nil
}

// withRetry reruns fn with exponential backoff while the failure looks
// transient, up to MaxAttempts.
func (r *Relayer) withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	attempts := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		attempts++
		if attempts >= r.cfg.MaxAttempts {
			return err
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func retryable(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeTransferFailed, errs.CodeUnavailable, errs.CodeInternal, errs.CodeStalePriceSource:
		return true
	default:
		return false
	}
}

func (r *Relayer) count(op, result string) {
	if r.opsCounter == nil {
		return
	}
	r.opsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("result", result)))
}

func (r *Relayer) fail(op string, err error) {
	observability.Log().Error("relayer operation failed",
		observability.String("operation", op),
		observability.Err(err))
	r.count(op, "error")
}
