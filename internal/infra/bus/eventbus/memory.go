package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/infra/telemetry"
	"github.com/coachpo/outbox/internal/observability"
)

// MemoryBus is an in-memory, synchronous implementation of Bus. Publish returns once every
// matching handler has finished.
type MemoryBus struct {
	cfg MemoryConfig

	mu          sync.RWMutex
	subscribers map[event.Type]map[SubscriptionID]*subscriber
	closed      atomic.Bool
	nextID      uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	seq     uint64
	handler Handler
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	bus := &MemoryBus{
		cfg:         cfg.normalize(),
		subscribers: make(map[event.Type]map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of handler failures"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of handlers per published event"),
		metric.WithUnit("1"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	return bus
}

// Publish runs the handlers subscribed to the event type and to AllEvents.
func (b *MemoryBus) Publish(ctx context.Context, evt event.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.closed.Load() {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if evt.Type() == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	eventType := string(evt.Type())
	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes("eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	handlers := b.route(evt.Type())
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(handlers)), metric.WithAttributes(telemetry.EventAttributes(eventType, "")...))
	}
	if len(handlers) == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, evt, handlers); err != nil {
		result = telemetry.ResultError
		return err
	}
	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(eventType, "")...))
	}
	return nil
}

// route snapshots the handlers for typ in subscription order.
func (b *MemoryBus) route(typ event.Type) []*subscriber {
	b.mu.RLock()
	out := make([]*subscriber, 0, len(b.subscribers[typ])+len(b.subscribers[AllEvents]))
	for _, sub := range b.subscribers[typ] {
		out = append(out, sub)
	}
	if typ != AllEvents {
		for _, sub := range b.subscribers[AllEvents] {
			out = append(out, sub)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (b *MemoryBus) dispatch(ctx context.Context, evt event.Event, subs []*subscriber) error {
	if len(subs) == 1 {
		return b.invoke(ctx, subs[0], evt)
	}
	failures := make([]error, len(subs))
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for i, sub := range subs {
		p.Go(func() {
			failures[i] = b.invoke(ctx, sub, evt)
		})
	}
	p.Wait()
	return observability.AggregateErrors(b.cfg.Logger, "eventbus.publish", failures,
		observability.F("event_id", evt.ID()),
		observability.F("event_type", string(evt.Type())),
	)
}

// invoke runs a handler and converts panics into errors.
func (b *MemoryBus) invoke(ctx context.Context, sub *subscriber, evt event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil && b.deliveryErrorCounter != nil {
			attrs := telemetry.EventAttributes(string(evt.Type()), "")
			b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}()
	return sub.handler(ctx, evt)
}

// Subscribe registers handler for events of typ. Use AllEvents to observe every type.
func (b *MemoryBus) Subscribe(typ event.Type, handler Handler) (SubscriptionID, error) {
	if typ == "" {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if b.closed.Load() {
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	seq := atomic.AddUint64(&b.nextID, 1)
	id := SubscriptionID(fmt.Sprintf("sub-%d", seq))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = &subscriber{seq: seq, handler: handler}
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(telemetry.EventAttributes(string(typ), "")...))
	}
	return id, nil
}

// Unsubscribe removes the subscription. Unknown ids are ignored.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.EventAttributes(string(typ), "")...))
			}
			return
		}
	}
	b.mu.Unlock()
}

// Close drops all subscriptions. Later publishes fail with errs.CodeUnavailable.
func (b *MemoryBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.subscribers = make(map[event.Type]map[SubscriptionID]*subscriber)
	b.mu.Unlock()
}

// SubscriberCount reports how many handlers are registered for typ.
func (b *MemoryBus) SubscriberCount(typ event.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[typ])
}

// IsClosed reports whether errors from Publish came from a closed bus.
func IsClosed(err error) bool {
	return errs.IsCode(err, errs.CodeUnavailable)
}

var _ Bus = (*MemoryBus)(nil)
