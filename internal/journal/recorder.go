package journal

import (
	"context"

	"github.com/pegbridge/escrow/internal/bus/eventbus"
	"github.com/pegbridge/escrow/internal/observability"
)

// Recorder drains a notification bus into a journal store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
}

// NewRecorder wires a store to a bus.
func NewRecorder(store Store, bus eventbus.Bus) *Recorder {
	return &Recorder{store: store, bus: bus}
}

// Run subscribes to every notification and appends each one until the context
// is cancelled or the bus closes. Append failures are logged and skipped so a
// storage hiccup never stalls the stream.
func (r *Recorder) Run(ctx context.Context) error {
	id, ch, err := r.bus.SubscribeAll(ctx)
	if err != nil {
		return err
	}
	defer r.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, open := <-ch:
			if !open {
				return nil
			}
			rec, err := FromEvent(evt)
			if err != nil {
				observability.Log().Error("skip unrecordable notification", observability.Err(err))
				continue
			}
			if err := r.store.Append(ctx, rec); err != nil {
				observability.Log().Error("journal append failed",
					observability.String("event_id", rec.ID),
					observability.Err(err))
			}
		}
	}
}
