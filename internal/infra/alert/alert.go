// Package alert notifies operators when outbox events exhaust their retry budget.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/coachpo/outbox/internal/observability"
)

// DeadLetter describes an event that was moved to dead_letter.
type DeadLetter struct {
	EventID       string
	EventType     string
	AggregateID   string
	AggregateType string
	RetryCount    int
	MaxRetries    int
	Error         string
	OccurredAt    time.Time
}

// Notifier delivers dead-letter alerts. Implementations are best effort; callers log and
// continue on error.
type Notifier interface {
	NotifyDeadLetter(ctx context.Context, dl DeadLetter) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, dl DeadLetter) error

// NotifyDeadLetter implements Notifier.
func (f NotifierFunc) NotifyDeadLetter(ctx context.Context, dl DeadLetter) error {
	return f(ctx, dl)
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// NotifyDeadLetter implements Notifier.
func (m Multi) NotifyDeadLetter(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyDeadLetter(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes dead-letter alerts to a logger at error level.
type LogNotifier struct {
	Logger observability.Logger
}

// NotifyDeadLetter implements Notifier.
func (n LogNotifier) NotifyDeadLetter(_ context.Context, dl DeadLetter) error {
	logger := n.Logger
	if logger == nil {
		logger = observability.Log()
	}
	logger.Error("outbox event moved to dead letter queue",
		observability.F("event_id", dl.EventID),
		observability.F("event_type", dl.EventType),
		observability.F("aggregate_id", dl.AggregateID),
		observability.F("aggregate_type", dl.AggregateType),
		observability.F("retry_count", dl.RetryCount),
		observability.F("max_retries", dl.MaxRetries),
		observability.F("last_error", dl.Error),
	)
	return nil
}
