package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/asset"
	"github.com/pegbridge/escrow/internal/authz"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/pricing"
)

// Config wires an engine to its ledger-side capabilities.
type Config struct {
	// Name labels the engine in errors, events, and metrics ("usdt", "native").
	Name string
	// Transfer is the asset-movement capability for this engine's asset.
	Transfer asset.Transfer
	// Price is the reference-price capability (pool ratio or oracle feed).
	Price pricing.Source
	// Auth answers role-membership checks.
	Auth authz.Authorizer
	// Sink receives emitted notifications. Optional.
	Sink events.Sink
	// UnitDecimals is the native asset's precision, used by the estimate
	// queries to scale between asset units.
	UnitDecimals int32
	// Params seeds the adjustable operating parameters.
	Params Params
	// Now overrides the engine clock. Optional; defaults to time.Now.
	Now func() time.Time
}

// Engine is one side of the cross-chain escrow protocol. All operations are
// serialized by the caller (the host ledger's ordering); the engine itself
// defends against reentrant calls arriving through the asset-transfer
// capability: every mutating entry point takes the execution guard, and a
// call landing while the guard is held fails fast with InvalidState instead
// of deadlocking on the state lock.
type Engine struct {
	name         string
	transfer     asset.Transfer
	price        pricing.Source
	auth         authz.Authorizer
	sink         events.Sink
	unitDecimals int32
	nowFn        func() time.Time

	// busy is the per-engine execution guard held across every mutating
	// operation, not just asset-moving ones: a transfer hook re-entering
	// through any entry point must fail, never block on mu.
	busy atomic.Bool

	// pending buffers the in-flight operation's notifications until the
	// guard releases, so consumers never observe an event before the
	// emitting operation has committed.
	pending []*events.Event

	mu       sync.RWMutex
	params   Params
	seq      uint64
	orders   map[string]*Order
	trades   map[string]*Trade
	requests map[string]*TradeRequest

	ordersBySeller map[string][]string
	tradesByUser   map[string][]string
	requestsByUser map[string][]string

	opCounter      metric.Int64Counter
	releasedAmount metric.Float64Counter
}

// New validates the configuration and constructs an engine with empty state.
func New(cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errs.New("escrow", errs.CodeInvalidAmount, errs.WithMessage("engine name required"))
	}
	if cfg.Transfer == nil {
		return nil, errs.New(cfg.Name, errs.CodeInvalidAmount, errs.WithMessage("transfer capability required"))
	}
	if cfg.Price == nil {
		return nil, errs.New(cfg.Name, errs.CodeInvalidAmount, errs.WithMessage("price source required"))
	}
	if cfg.Auth == nil {
		return nil, errs.New(cfg.Name, errs.CodeInvalidAmount, errs.WithMessage("authorizer required"))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		name:           cfg.Name,
		transfer:       cfg.Transfer,
		price:          cfg.Price,
		auth:           cfg.Auth,
		sink:           cfg.Sink,
		unitDecimals:   cfg.UnitDecimals,
		nowFn:          now,
		params:         cfg.Params.withDefaults(),
		orders:         make(map[string]*Order),
		trades:         make(map[string]*Trade),
		requests:       make(map[string]*TradeRequest),
		ordersBySeller: make(map[string][]string),
		tradesByUser:   make(map[string][]string),
		requestsByUser: make(map[string][]string),
	}

	meter := otel.Meter("escrow")
	e.opCounter, _ = meter.Int64Counter("escrow.operations",
		metric.WithDescription("Engine operations by name and result"),
		metric.WithUnit("{operation}"))
	e.releasedAmount, _ = meter.Float64Counter("escrow.released.amount",
		metric.WithDescription("Total asset amount released to recipients"),
		metric.WithUnit("{unit}"))

	return e, nil
}

// Name returns the engine label.
func (e *Engine) Name() string { return e.name }

func (e *Engine) now() time.Time { return e.nowFn() }

// enter acquires the reentrancy guard. A call arriving while another
// operation is in flight fails fast instead of observing inconsistent state.
func (e *Engine) enter(op string) error {
	if !e.busy.CompareAndSwap(false, true) {
		e.countOp(op, "reentrant")
		return errs.New(e.name, errs.CodeInvalidState,
			errs.WithMessage("reentrant call rejected: "+op))
	}
	return nil
}

// exit releases the guard and delivers the operation's queued notifications.
// Deferred on every entry path, after the state-lock release.
func (e *Engine) exit() {
	evts := e.pending
	e.pending = nil
	e.busy.Store(false)
	if e.sink == nil {
		return
	}
	for _, evt := range evts {
		e.sink.Emit(evt)
	}
}

// rejectWhileBusy fails reads that land while a guarded operation is in
// flight. Without it a transfer hook re-entering through a query would block
// on the state lock held by the operation that invoked it.
func (e *Engine) rejectWhileBusy(op string) error {
	if e.busy.Load() {
		e.countOp(op, "reentrant")
		return errs.New(e.name, errs.CodeInvalidState,
			errs.WithMessage("engine busy: "+op))
	}
	return nil
}

func (e *Engine) requireRole(caller string, role authz.Role) error {
	if !e.auth.HasRole(caller, role) {
		return errs.New(e.name, errs.CodeUnauthorized,
			errs.WithMessage("caller lacks role "+string(role)))
	}
	return nil
}

// emit queues a notification for delivery when the current operation releases
// the execution guard. Callers hold the guard; delivery happens in exit, after
// the state changes are committed, so sinks may safely call back into the
// engine.
func (e *Engine) emit(evt *events.Event) {
	e.pending = append(e.pending, evt)
}

func (e *Engine) countOp(op, result string) {
	if e.opCounter == nil {
		return
	}
	e.opCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("engine", e.name),
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

func (e *Engine) countReleased(amount float64) {
	if e.releasedAmount == nil {
		return
	}
	e.releasedAmount.Add(context.Background(), amount, metric.WithAttributes(
		attribute.String("engine", e.name),
	))
}

// currentBand reads the reference price and widens it by the configured
// tolerance. Callers must hold at least the read lock for params access.
func (e *Engine) currentBand() (pricing.Band, error) {
	price, err := e.price.Price()
	if err != nil {
		return pricing.Band{}, err
	}
	return pricing.BandAround(price, e.params.ToleranceBps), nil
}
