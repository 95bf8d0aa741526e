// Package eventbus defines pub/sub interfaces for engine notifications.
package eventbus

import (
	"context"

	"github.com/pegbridge/escrow/internal/events"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers engine notifications to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt *events.Event) error
	Subscribe(ctx context.Context, typ events.Type) (SubscriptionID, <-chan *events.Event, error)
	SubscribeAll(ctx context.Context) (SubscriptionID, <-chan *events.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// typeWildcard matches every notification type for SubscribeAll.
const typeWildcard events.Type = "*"

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
