// Package event defines the immutable domain event model shared by aggregates, the outbox and
// in-process subscribers.
package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/outbox/errs"
)

// Type discriminates payload decoding and subscriber routing.
type Type string

// Payload is the typed body of an event. Each payload type owns exactly one event Type.
type Payload interface {
	EventType() Type
}

// Event is an immutable record of something that happened to an aggregate.
type Event struct {
	id          string
	typ         Type
	aggregateID string
	occurredAt  time.Time
	version     int
	payload     Payload
}

// Option customises event construction.
type Option func(*Event)

// WithID overrides the generated event identifier.
func WithID(id string) Option {
	return func(e *Event) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			e.id = trimmed
		}
	}
}

// WithOccurredAt overrides the business time of the event.
func WithOccurredAt(at time.Time) Option {
	return func(e *Event) {
		if !at.IsZero() {
			e.occurredAt = at.UTC()
		}
	}
}

// New builds an event for the aggregate at the given version. The event type is taken from the
// payload; identity defaults to a random UUID and business time to now.
func New(aggregateID string, version int, payload Payload, opts ...Option) (Event, error) {
	if payload == nil {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("payload required"))
	}
	typ := Type(strings.TrimSpace(string(payload.EventType())))
	if typ == "" {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("aggregate id required"))
	}
	if version < 0 {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("version must be >= 0"))
	}
	evt := Event{
		id:          uuid.NewString(),
		typ:         typ,
		aggregateID: aggregateID,
		occurredAt:  time.Now().UTC(),
		version:     version,
		payload:     payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&evt)
		}
	}
	return evt, nil
}

// Rehydrate rebuilds an event from persisted fields without assigning new identity. The payload
// type is trusted to match typ; unknown types are carried as RawPayload by the registry.
func Rehydrate(id string, typ Type, aggregateID string, occurredAt time.Time, version int, payload Payload) (Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if strings.TrimSpace(string(typ)) == "" {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if payload == nil {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("payload required"))
	}
	return Event{
		id:          id,
		typ:         typ,
		aggregateID: strings.TrimSpace(aggregateID),
		occurredAt:  occurredAt.UTC(),
		version:     version,
		payload:     payload,
	}, nil
}

// ID returns the stable event identifier. It doubles as the outbox primary key.
func (e Event) ID() string { return e.id }

// Type returns the event discriminator.
func (e Event) Type() Type { return e.typ }

// AggregateID returns the identifier of the originating aggregate.
func (e Event) AggregateID() string { return e.aggregateID }

// OccurredAt returns the business time of the event.
func (e Event) OccurredAt() time.Time { return e.occurredAt }

// Version returns the per-aggregate sequence number at event time.
func (e Event) Version() int { return e.version }

// Payload returns the typed event body.
func (e Event) Payload() Payload { return e.payload }

// IsZero reports whether the event was never constructed.
func (e Event) IsZero() bool { return e.id == "" }

// DedupKey returns the (aggregateID, eventType, version) key subscribers can use when they do not
// track event ids.
func (e Event) DedupKey() string {
	return e.aggregateID + ":" + string(e.typ) + ":" + strconv.Itoa(e.version)
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s) aggregate=%s v%d", e.typ, e.id, e.aggregateID, e.version)
}
