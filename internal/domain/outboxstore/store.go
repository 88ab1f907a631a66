// Package outboxstore defines persistence contracts for durable event publishing.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

// Status tracks an outbox row through its delivery lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether automatic processing never touches rows in s.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusDeadLetter
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
// dead_letter -> pending is only reachable through a manual retry.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPublished || next == StatusFailed || next == StatusDeadLetter
	case StatusFailed:
		return next == StatusFailed || next == StatusPublished || next == StatusDeadLetter
	case StatusDeadLetter:
		return next == StatusPending
	default:
		return false
	}
}

// Record captures the persisted state of an outbox entry.
type Record struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	EventData     json.RawMessage
	Version       int
	Status        Status
	RetryCount    int
	MaxRetries    int
	ErrorMessage  string
	NextRetryAt   *time.Time
	PublishedAt   *time.Time
	OccurredAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (r Record) Clone() Record {
	out := r
	if r.EventData != nil {
		out.EventData = append(json.RawMessage(nil), r.EventData...)
	}
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		out.NextRetryAt = &t
	}
	if r.PublishedAt != nil {
		t := *r.PublishedAt
		out.PublishedAt = &t
	}
	return out
}

// Failure describes the outcome of a failed delivery attempt. Status is either failed or
// dead_letter; NextRetryAt is nil for dead_letter.
type Failure struct {
	Status       Status
	ErrorMessage string
	NextRetryAt  *time.Time
	At           time.Time
}

// Tx is the transaction handle shared with aggregate repositories.
type Tx = pgx.Tx

// Store abstracts persistence operations for the outbox.
//
// Mutations that target a specific id return errs.CodeNotFound when the row does not exist and
// errs.CodeConflict when the row is not in a state that permits the change.
type Store interface {
	// Insert stores records atomically in a transaction owned by the store.
	Insert(ctx context.Context, records ...Record) error
	// InsertTx stores records using the caller's transaction.
	InsertTx(ctx context.Context, tx Tx, records ...Record) error
	// ListDue returns pending rows and failed rows whose retry time has passed, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// MarkPublished keeps the first publication time when called repeatedly.
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// RecordFailure increments retry_count only when it still equals expectedRetryCount and the
	// row is pending or failed. It returns the updated row.
	RecordFailure(ctx context.Context, id string, expectedRetryCount int, failure Failure) (Record, error)
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
	// ResetToPending moves a dead_letter row back to pending with a fresh retry budget.
	ResetToPending(ctx context.Context, id string, at time.Time) error
	// MoveToDeadLetter forces a pending or failed row into dead_letter.
	MoveToDeadLetter(ctx context.Context, id string, errorMessage string, at time.Time) error
	// DeletePublishedBefore removes published rows whose published_at is older than cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// CountByStatus reports row counts per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
