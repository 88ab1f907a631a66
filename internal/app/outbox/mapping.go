package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/domain/outboxstore"
)

// recordFromEvent builds the pending row for evt.
func recordFromEvent(evt event.Event, aggregateType string, maxRetries int, now time.Time) (outboxstore.Record, error) {
	if evt.IsZero() {
		return outboxstore.Record{}, errs.New("outbox writer", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return outboxstore.Record{}, errs.New("outbox writer", errs.CodeInvalid,
			errs.WithMessage("aggregate type required"),
			errs.WithField("event_id", evt.ID()),
		)
	}
	data, err := event.Encode(evt.Payload())
	if err != nil {
		return outboxstore.Record{}, errs.New("outbox writer", errs.CodeInvalid,
			errs.WithMessage("payload not serialisable"),
			errs.WithField("event_id", evt.ID()),
			errs.WithCause(err),
		)
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now = now.UTC()
	return outboxstore.Record{
		ID:            evt.ID(),
		AggregateID:   evt.AggregateID(),
		AggregateType: aggregateType,
		EventType:     string(evt.Type()),
		EventData:     data,
		Version:       evt.Version(),
		Status:        outboxstore.StatusPending,
		MaxRetries:    maxRetries,
		OccurredAt:    evt.OccurredAt(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// eventFromRecord rebuilds the delivery event for a stored row.
func eventFromRecord(record outboxstore.Record, registry *event.Registry) (event.Event, error) {
	typ := event.Type(record.EventType)
	payload, err := registry.Decode(typ, record.EventData)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode outbox event %s: %w", record.ID, err)
	}
	occurredAt := record.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = record.CreatedAt
	}
	evt, err := event.Rehydrate(record.ID, typ, record.AggregateID, occurredAt, record.Version, payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("rehydrate outbox event %s: %w", record.ID, err)
	}
	return evt, nil
}
