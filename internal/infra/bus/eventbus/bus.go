// Package eventbus routes domain events to in-process subscribers.
package eventbus

import (
	"context"

	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/observability"
)

// AllEvents subscribes a handler to every event type.
const AllEvents event.Type = "*"

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler reacts to a delivered event. A returned error marks the delivery as failed; handlers
// must tolerate redelivery of the same event id.
type Handler func(ctx context.Context, evt event.Event) error

// Bus delivers domain events to interested subscribers.
type Bus interface {
	// Publish runs every handler registered for the event type and returns their joined errors.
	// Publishing an event with no subscribers succeeds.
	Publish(ctx context.Context, evt event.Event) error
	Subscribe(typ event.Type, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// FanoutWorkers bounds concurrent handler execution per published event.
	FanoutWorkers int
	// Logger receives one entry per publish whose handlers failed. Nil uses observability.Log().
	Logger observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}
