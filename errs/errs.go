// Package errs provides structured error types and helpers for the escrow engines.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an engine-level error category.
type Code string

const (
	// CodeUnauthorized indicates the caller lacks the required role or identity.
	CodeUnauthorized Code = "unauthorized"
	// CodeNotFound indicates a missing order or trade.
	CodeNotFound Code = "not_found"
	// CodeAlreadyExists indicates a duplicate order or external trade identifier.
	CodeAlreadyExists Code = "already_exists"
	// CodeInvalidState indicates an operation against an order or trade outside the required status.
	CodeInvalidState Code = "invalid_state"
	// CodeInvalidAmount indicates an amount below the configured minimum or otherwise malformed.
	CodeInvalidAmount Code = "invalid_amount"
	// CodeOutOfRange indicates an amount outside per-trade bounds or exceeding available capacity.
	CodeOutOfRange Code = "out_of_range"
	// CodePriceOutOfTolerance indicates a quoted price outside the reference price band.
	CodePriceOutOfTolerance Code = "price_out_of_tolerance"
	// CodeStalePriceSource indicates the price source cannot produce a usable price.
	CodeStalePriceSource Code = "stale_price_source"
	// CodeTradeNotFinalized indicates an order cancel blocked by a pending trade.
	CodeTradeNotFinalized Code = "trade_not_finalized"
	// CodeTransferFailed indicates the asset-transfer capability rejected a movement.
	CodeTransferFailed Code = "transfer_failed"
	// CodeUnavailable indicates a supporting service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal captures invariant violations that should never surface.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the escrow stack.
type E struct {
	Engine  string
	Code    Code
	Message string
	OrderID string
	TradeID string
	Amount  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the engine and error code.
func New(engine string, code Code, opts ...Option) *E {
	e := &E{
		Engine: strings.TrimSpace(engine),
		Code:   code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithOrderID records the order the failure relates to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithTradeID records the trade the failure relates to.
func WithTradeID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.TradeID = trimmed
	}
}

// WithAmount records the amount involved in the failing operation.
func WithAmount(amount string) Option {
	trimmed := strings.TrimSpace(amount)
	return func(e *E) {
		e.Amount = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	engine := strings.TrimSpace(e.Engine)
	if engine == "" {
		engine = "unknown"
	}
	parts = append(parts, "engine="+engine)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.OrderID != "" {
		parts = append(parts, "order="+e.OrderID)
	}
	if e.TradeID != "" {
		parts = append(parts, "trade="+e.TradeID)
	}
	if e.Amount != "" {
		parts = append(parts, "amount="+e.Amount)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the engine error code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
