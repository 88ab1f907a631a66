// Package outbox records domain events alongside aggregate state and delivers them to the event
// bus with retry and dead-letter handling.
package outbox

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/clock"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/domain/outboxstore"
	"github.com/coachpo/outbox/internal/observability"
)

const (
	// DefaultMaxRetries is the failure budget stamped on new rows.
	DefaultMaxRetries = 3
	// DefaultBackoffBase is multiplied by 2^retryCount to schedule the next attempt.
	DefaultBackoffBase = time.Minute
	// DefaultPendingLimit caps PendingEvents when no limit is given.
	DefaultPendingLimit = 100

	// MaxBackoff is the longest delay Backoff reports; larger schedules saturate here.
	MaxBackoff = time.Duration(math.MaxInt64)
	// MaxCleanupDays bounds the retention window; larger values keep every published row.
	MaxCleanupDays = 1 << 20

	markFailedAttempts = 3
)

// Writer is the write side of the outbox and the owner of every row status transition.
type Writer struct {
	store       outboxstore.Store
	clock       clock.Clock
	logger      observability.Logger
	maxRetries  int
	backoffBase time.Duration
}

// WriterOption customises a Writer.
type WriterOption func(*Writer)

// WithMaxRetries overrides the failure budget for rows written from now on.
func WithMaxRetries(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxRetries = n
		}
	}
}

// WithBackoffBase overrides the retry delay unit.
func WithBackoffBase(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.backoffBase = d
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) WriterOption {
	return func(w *Writer) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithLogger sets the writer logger.
func WithLogger(logger observability.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter constructs a writer over store.
func NewWriter(store outboxstore.Store, opts ...WriterOption) (*Writer, error) {
	if store == nil {
		return nil, errs.New("outbox writer", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	w := &Writer{
		store:       store,
		clock:       clock.Real{},
		logger:      observability.Log(),
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Publish stores a single event as a pending row.
func (w *Writer) Publish(ctx context.Context, evt event.Event, aggregateType string) error {
	record, err := recordFromEvent(evt, aggregateType, w.maxRetries, w.clock.Now())
	if err != nil {
		return err
	}
	if err := w.store.Insert(ctx, record); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type(), err)
	}
	return nil
}

// PublishAll stores events in one store-owned transaction. Either every row is written or none.
func (w *Writer) PublishAll(ctx context.Context, events []event.Event, aggregateType string) error {
	if len(events) == 0 {
		return nil
	}
	records, err := w.records(events, aggregateType)
	if err != nil {
		return err
	}
	if err := w.store.Insert(ctx, records...); err != nil {
		return fmt.Errorf("publish %d events: %w", len(records), err)
	}
	return nil
}

// PublishInTransaction stores events using the caller's transaction so they commit or roll back
// together with the aggregate state change.
func (w *Writer) PublishInTransaction(ctx context.Context, tx outboxstore.Tx, events []event.Event, aggregateType string) error {
	if tx == nil {
		return errs.New("outbox writer", errs.CodeInvalid, errs.WithMessage("transaction required"))
	}
	if len(events) == 0 {
		return nil
	}
	records, err := w.records(events, aggregateType)
	if err != nil {
		return err
	}
	if err := w.store.InsertTx(ctx, tx, records...); err != nil {
		return fmt.Errorf("publish %d events in transaction: %w", len(records), err)
	}
	return nil
}

func (w *Writer) records(events []event.Event, aggregateType string) ([]outboxstore.Record, error) {
	now := w.clock.Now()
	records := make([]outboxstore.Record, 0, len(events))
	for _, evt := range events {
		record, err := recordFromEvent(evt, aggregateType, w.maxRetries, now)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// PendingEvents returns rows due for delivery, oldest first.
func (w *Writer) PendingEvents(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	records, err := w.store.ListDue(ctx, w.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return records, nil
}

// MarkAsPublished records successful delivery. Re-marking keeps the first publication time.
func (w *Writer) MarkAsPublished(ctx context.Context, id string) error {
	if err := w.store.MarkPublished(ctx, id, w.clock.Now()); err != nil {
		return fmt.Errorf("mark %s published: %w", id, err)
	}
	return nil
}

// MarkAsFailed consumes one unit of the row's retry budget. The row becomes dead_letter once
// the budget is spent, otherwise failed with the next attempt scheduled by exponential backoff.
// The returned record reflects the stored outcome.
func (w *Writer) MarkAsFailed(ctx context.Context, id string, errorMessage string) (outboxstore.Record, error) {
	var lastErr error
	for attempt := 0; attempt < markFailedAttempts; attempt++ {
		current, err := w.store.Get(ctx, id)
		if err != nil {
			return outboxstore.Record{}, fmt.Errorf("mark %s failed: %w", id, err)
		}
		if current.Status.IsTerminal() {
			return outboxstore.Record{}, errs.New("outbox writer", errs.CodeConflict,
				errs.WithMessage("event is no longer deliverable"),
				errs.WithField("id", id),
				errs.WithField("status", string(current.Status)),
			)
		}
		updated, err := w.store.RecordFailure(ctx, id, current.RetryCount, w.failure(current, errorMessage))
		if err == nil {
			return updated, nil
		}
		if !errs.IsCode(err, errs.CodeConflict) {
			return outboxstore.Record{}, fmt.Errorf("mark %s failed: %w", id, err)
		}
		lastErr = err
		w.logger.Debug("outbox retry count changed concurrently; re-reading",
			observability.F("event_id", id),
			observability.F("attempt", attempt+1),
		)
	}
	return outboxstore.Record{}, errs.New("outbox writer", errs.CodeConflict,
		errs.WithMessage("retry count kept changing concurrently"),
		errs.WithField("id", id),
		errs.WithCause(lastErr),
	)
}

func (w *Writer) failure(current outboxstore.Record, errorMessage string) outboxstore.Failure {
	now := w.clock.Now()
	retryCount := current.RetryCount + 1
	maxRetries := current.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.maxRetries
	}
	if retryCount >= maxRetries {
		return outboxstore.Failure{Status: outboxstore.StatusDeadLetter, ErrorMessage: errorMessage, At: now}
	}
	next := now.Add(w.Backoff(retryCount))
	return outboxstore.Failure{Status: outboxstore.StatusFailed, ErrorMessage: errorMessage, NextRetryAt: &next, At: now}
}

// Backoff returns the delay before the attempt following the retryCount-th failure.
func (w *Writer) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 63 || w.backoffBase > MaxBackoff>>retryCount {
		return MaxBackoff
	}
	return w.backoffBase << retryCount
}

// DeadLetterEvents returns every parked row, oldest first.
func (w *Writer) DeadLetterEvents(ctx context.Context) ([]outboxstore.Record, error) {
	records, err := w.store.ListByStatus(ctx, outboxstore.StatusDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("list dead letter events: %w", err)
	}
	return records, nil
}

// RetryDeadLetterEvent re-queues a dead_letter row with a fresh retry budget.
func (w *Writer) RetryDeadLetterEvent(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errs.New("outbox writer", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if err := w.store.ResetToPending(ctx, id, w.clock.Now()); err != nil {
		return fmt.Errorf("retry dead letter %s: %w", id, err)
	}
	w.logger.Info("dead letter event re-queued", observability.F("event_id", id))
	return nil
}

// MoveToDeadLetter parks a pending or failed row without waiting for its budget to run out.
func (w *Writer) MoveToDeadLetter(ctx context.Context, id string, errorMessage string) error {
	if strings.TrimSpace(id) == "" {
		return errs.New("outbox writer", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if err := w.store.MoveToDeadLetter(ctx, id, errorMessage, w.clock.Now()); err != nil {
		return fmt.Errorf("move %s to dead letter: %w", id, err)
	}
	return nil
}

// CleanupPublishedEvents deletes published rows older than daysToKeep days and reports how many
// were removed.
func (w *Writer) CleanupPublishedEvents(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 0 {
		return 0, errs.New("outbox writer", errs.CodeInvalid, errs.WithMessage("daysToKeep must not be negative"))
	}
	if daysToKeep > MaxCleanupDays {
		daysToKeep = MaxCleanupDays
	}
	cutoff := w.clock.Now().AddDate(0, 0, -daysToKeep)
	deleted, err := w.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup published events: %w", err)
	}
	return deleted, nil
}

// Counts reports row counts per status.
func (w *Writer) Counts(ctx context.Context) (map[outboxstore.Status]int64, error) {
	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count outbox events: %w", err)
	}
	return counts, nil
}
