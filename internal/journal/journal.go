// Package journal persists the notification stream so operators can audit
// engine activity after the fact.
package journal

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/events"
)

// Record is a single persisted notification.
type Record struct {
	ID        string
	Engine    string
	Type      events.Type
	OrderID   string
	TradeID   string
	Payload   []byte
	EmittedAt time.Time
}

// Store appends and queries journal records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	ListByOrder(ctx context.Context, engine, orderID string) ([]Record, error)
	ListByTrade(ctx context.Context, engine, tradeID string) ([]Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// FromEvent converts a bus notification into a journal record, serializing the
// full event as the payload.
func FromEvent(evt *events.Event) (Record, error) {
	if evt == nil {
		return Record{}, errs.New("journal", errs.CodeInvalidState, errs.WithMessage("nil event"))
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Record{}, errs.New("journal", errs.CodeInternal,
			errs.WithMessage("marshal event payload"), errs.WithCause(err))
	}
	return Record{
		ID:        evt.EventID,
		Engine:    evt.Engine,
		Type:      evt.Type,
		OrderID:   evt.OrderID,
		TradeID:   evt.TradeID,
		Payload:   payload,
		EmittedAt: evt.EmittedAt,
	}, nil
}

// DecodePayload unmarshals a record's payload back into an event.
func DecodePayload(rec Record) (*events.Event, error) {
	evt := new(events.Event)
	if err := json.Unmarshal(rec.Payload, evt); err != nil {
		return nil, errs.New("journal", errs.CodeInternal,
			errs.WithMessage("decode journal payload"), errs.WithCause(err))
	}
	return evt, nil
}
