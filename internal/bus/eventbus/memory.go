package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/observability"
)

// MemoryBus is an in-memory implementation of the notification bus. Each
// subscriber receives its own copy of every published event, so consumers may
// mutate what they receive.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[events.Type]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	workers      int

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	publishDuration  metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *events.Event
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// NewMemoryBus constructs a memory-backed notification bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[events.Type]map[SubscriptionID]*subscriber)
	bus.workers = cfg.FanoutWorkers

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of notifications published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish fans the event out to subscribers of its type and to wildcard
// subscribers.
func (b *MemoryBus) Publish(ctx context.Context, evt *events.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus", errs.CodeInvalidState, errs.WithMessage("event type required"))
	}

	start := time.Now()
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
				attribute.String("engine", evt.Engine),
				attribute.String("event_type", string(evt.Type))))
		}
	}()

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[evt.Type])+len(b.subscribers[typeWildcard]))
	for _, sub := range b.subscribers[evt.Type] {
		subs = append(subs, sub)
	}
	for _, sub := range b.subscribers[typeWildcard] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("engine", evt.Engine),
			attribute.String("event_type", string(evt.Type))))
	}
	if len(subs) == 0 {
		return nil
	}

	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}
	p := concpool.New().WithMaxGoroutines(workerLimit)
	for _, sub := range subs {
		sub := sub
		clone := *evt
		p.Go(func() {
			b.deliver(ctx, sub, &clone)
		})
	}
	p.Wait()
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *events.Event) {
	select {
	case <-b.ctx.Done():
		return
	case <-ctx.Done():
		return
	case <-sub.ctx.Done():
		return
	case sub.ch <- evt:
		return
	default:
	}

	// Subscriber buffer full: drop the oldest event to keep the stream moving.
	select {
	case <-sub.ch:
	default:
	}
	observability.Log().Error("subscriber buffer full; dropped oldest notification",
		observability.String("engine", evt.Engine),
		observability.String("event_type", string(evt.Type)))
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("engine", evt.Engine),
			attribute.String("event_type", string(evt.Type))))
	}
	select {
	case sub.ch <- evt:
	default:
	}
}

// Subscribe registers for notifications of the given type and returns a
// subscription ID and receive channel.
func (b *MemoryBus) Subscribe(ctx context.Context, typ events.Type) (SubscriptionID, <-chan *events.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus", errs.CodeInvalidState, errs.WithMessage("event type required"))
	}
	return b.subscribe(ctx, typ)
}

// SubscribeAll registers for every notification the bus carries.
func (b *MemoryBus) SubscribeAll(ctx context.Context) (SubscriptionID, <-chan *events.Event, error) {
	return b.subscribe(ctx, typeWildcard)
}

func (b *MemoryBus) subscribe(ctx context.Context, typ events.Type) (SubscriptionID, <-chan *events.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *events.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					attribute.String("event_type", string(typ))))
			}
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(typ events.Type, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	subs := b.subscribers[typ]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}
