package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/domain/outboxstore"
)

// OutboxStore persists events in the outbox_events table.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 100
	maxOutboxLimit     = 1000

	pgUniqueViolation = "23505"
)

const outboxColumns = `
    id,
    aggregate_id,
    aggregate_type,
    event_type,
    event_data,
    version,
    status,
    retry_count,
    max_retries,
    error_message,
    next_retry_at,
    published_at,
    occurred_at,
    created_at,
    updated_at`

const (
	outboxInsertSQL = `
INSERT INTO outbox_events (
    id,
    aggregate_id,
    aggregate_type,
    event_type,
    event_data,
    version,
    status,
    retry_count,
    max_retries,
    occurred_at,
    created_at,
    updated_at
)
VALUES (
    @id,
    @aggregate_id,
    @aggregate_type,
    @event_type,
    @event_data::jsonb,
    @version,
    @status,
    @retry_count,
    @max_retries,
    @occurred_at,
    @created_at,
    @created_at
);
`

	outboxListDueSQL = `
SELECT` + outboxColumns + `
FROM outbox_events
WHERE status = 'pending'
   OR (status = 'failed' AND next_retry_at <= $1)
ORDER BY created_at ASC, id ASC
LIMIT $2;
`

	outboxGetSQL = `
SELECT` + outboxColumns + `
FROM outbox_events
WHERE id = $1;
`

	outboxListByStatusSQL = `
SELECT` + outboxColumns + `
FROM outbox_events
WHERE status = $1
ORDER BY created_at ASC, id ASC;
`

	outboxMarkPublishedSQL = `
UPDATE outbox_events
SET status = 'published',
    published_at = COALESCE(published_at, $2),
    next_retry_at = NULL,
    updated_at = $2
WHERE id = $1
  AND status IN ('pending', 'failed', 'published');
`

	outboxRecordFailureSQL = `
UPDATE outbox_events
SET retry_count = retry_count + 1,
    status = $3,
    error_message = $4,
    next_retry_at = $5,
    updated_at = $6
WHERE id = $1
  AND retry_count = $2
  AND status IN ('pending', 'failed')
RETURNING` + outboxColumns + `;
`

	outboxResetToPendingSQL = `
UPDATE outbox_events
SET status = 'pending',
    retry_count = 0,
    error_message = NULL,
    next_retry_at = NULL,
    updated_at = $2
WHERE id = $1
  AND status = 'dead_letter';
`

	outboxMoveToDeadLetterSQL = `
UPDATE outbox_events
SET status = 'dead_letter',
    error_message = $2,
    next_retry_at = NULL,
    updated_at = $3
WHERE id = $1
  AND status IN ('pending', 'failed');
`

	outboxDeletePublishedSQL = `
DELETE FROM outbox_events
WHERE status = 'published'
  AND published_at < $1;
`

	outboxCountByStatusSQL = `
SELECT status, COUNT(*)
FROM outbox_events
GROUP BY status;
`
)

func (s *OutboxStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	return s.pool, nil
}

// Insert stores records in a single transaction.
func (s *OutboxStore) Insert(ctx context.Context, records ...outboxstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("outbox store: begin tx: %w", err)
	}
	if err := insertBatch(ctx, tx, records); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("outbox store: rollback tx: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox store: commit tx: %w", err)
	}
	return nil
}

// InsertTx stores records using the caller's transaction. Commit and rollback stay with the caller.
func (s *OutboxStore) InsertTx(ctx context.Context, tx outboxstore.Tx, records ...outboxstore.Record) error {
	if tx == nil {
		return errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("transaction required"))
	}
	if len(records) == 0 {
		return nil
	}
	return insertBatch(ctx, tx, records)
}

func insertBatch(ctx context.Context, tx pgx.Tx, records []outboxstore.Record) error {
	batch := &pgx.Batch{}
	for _, record := range records {
		args, err := insertArgs(record)
		if err != nil {
			return err
		}
		batch.Queue(outboxInsertSQL, args)
	}
	results := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return translateInsertError(records[i].ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("outbox store: close batch: %w", err)
	}
	return nil
}

func insertArgs(record outboxstore.Record) (pgx.NamedArgs, error) {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return nil, errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	eventType := strings.TrimSpace(record.EventType)
	if eventType == "" {
		return nil, errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("event type required"), errs.WithField("id", id))
	}
	status := record.Status
	if status == "" {
		status = outboxstore.StatusPending
	}
	if !status.IsValid() {
		return nil, errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("unknown status"), errs.WithField("status", string(status)))
	}
	data := []byte(record.EventData)
	if len(data) == 0 {
		data = []byte("{}")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	occurredAt := record.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = createdAt
	}
	return pgx.NamedArgs{
		"id":             id,
		"aggregate_id":   strings.TrimSpace(record.AggregateID),
		"aggregate_type": strings.TrimSpace(record.AggregateType),
		"event_type":     eventType,
		"event_data":     string(data),
		"version":        record.Version,
		"status":         string(status),
		"retry_count":    record.RetryCount,
		"max_retries":    record.MaxRetries,
		"occurred_at":    occurredAt,
		"created_at":     createdAt,
	}, nil
}

func translateInsertError(id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errs.New("outbox store", errs.CodeConflict, errs.WithMessage("event already stored"), errs.WithField("id", id), errs.WithCause(err))
	}
	return fmt.Errorf("outbox store: insert %s: %w", id, err)
}

// ListDue returns rows ready for delivery at now.
func (s *OutboxStore) ListDue(ctx context.Context, now time.Time, limit int) ([]outboxstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := pool.Query(ctx, outboxListDueSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list due: %w", err)
	}
	return collectRecords(rows, "list due")
}

// Get loads a single row.
func (s *OutboxStore) Get(ctx context.Context, id string) (outboxstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return outboxstore.Record{}, err
	}
	record, err := scanOutboxRecord(pool.QueryRow(ctx, outboxGetSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return outboxstore.Record{}, notFound(id)
	}
	return record, err
}

// ListByStatus returns all rows in status, oldest first.
func (s *OutboxStore) ListByStatus(ctx context.Context, status outboxstore.Status) ([]outboxstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("unknown status"), errs.WithField("status", string(status)))
	}
	rows, err := pool.Query(ctx, outboxListByStatusSQL, string(status))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list %s: %w", status, err)
	}
	return collectRecords(rows, "list "+string(status))
}

// MarkPublished flags a row as delivered.
func (s *OutboxStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, outboxMarkPublishedSQL, id, at)
	if err != nil {
		return fmt.Errorf("outbox store: mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, "mark published")
	}
	return nil
}

// RecordFailure applies a failed attempt guarded by the expected retry count.
func (s *OutboxStore) RecordFailure(ctx context.Context, id string, expectedRetryCount int, failure outboxstore.Failure) (outboxstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return outboxstore.Record{}, err
	}
	if failure.Status != outboxstore.StatusFailed && failure.Status != outboxstore.StatusDeadLetter {
		return outboxstore.Record{}, errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("failure status must be failed or dead_letter"))
	}
	var nextRetry pgtype.Timestamptz
	if failure.NextRetryAt != nil {
		nextRetry = pgtype.Timestamptz{Time: *failure.NextRetryAt, Valid: true}
	}
	row := pool.QueryRow(ctx, outboxRecordFailureSQL,
		id,
		expectedRetryCount,
		string(failure.Status),
		nullableText(failure.ErrorMessage),
		nextRetry,
		failure.At,
	)
	record, err := scanOutboxRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return outboxstore.Record{}, s.missingOrConflict(ctx, id, "record failure")
	}
	return record, err
}

// ResetToPending re-queues a dead lettered row.
func (s *OutboxStore) ResetToPending(ctx context.Context, id string, at time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, outboxResetToPendingSQL, id, at)
	if err != nil {
		return fmt.Errorf("outbox store: reset to pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, "reset to pending")
	}
	return nil
}

// MoveToDeadLetter parks a processable row in dead_letter.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, id string, errorMessage string, at time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, outboxMoveToDeadLetterSQL, id, nullableText(errorMessage), at)
	if err != nil {
		return fmt.Errorf("outbox store: move to dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id, "move to dead letter")
	}
	return nil
}

// DeletePublishedBefore removes delivered rows older than cutoff.
func (s *OutboxStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, outboxDeletePublishedSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox store: delete published: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus reports the number of rows per status. Statuses with no rows are reported as zero.
func (s *OutboxStore) CountByStatus(ctx context.Context) (map[outboxstore.Status]int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, outboxCountByStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("outbox store: count by status: %w", err)
	}
	defer rows.Close()

	counts := map[outboxstore.Status]int64{
		outboxstore.StatusPending:    0,
		outboxstore.StatusPublished:  0,
		outboxstore.StatusFailed:     0,
		outboxstore.StatusDeadLetter: 0,
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox store: scan count: %w", err)
		}
		counts[outboxstore.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate counts: %w", err)
	}
	return counts, nil
}

func (s *OutboxStore) missingOrConflict(ctx context.Context, id, op string) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errs.New("outbox store", errs.CodeConflict,
		errs.WithMessage(op+": row not in an eligible state"),
		errs.WithField("id", id),
		errs.WithField("status", string(record.Status)),
	)
}

func notFound(id string) error {
	return errs.New("outbox store", errs.CodeNotFound, errs.WithMessage("event not found"), errs.WithField("id", id))
}

// nullableText stores value verbatim; only the empty string maps to NULL.
func nullableText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

func collectRecords(rows pgx.Rows, op string) ([]outboxstore.Record, error) {
	defer rows.Close()
	var records []outboxstore.Record
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate %s: %w", op, err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		record       outboxstore.Record
		status       string
		eventData    []byte
		errorMessage pgtype.Text
		nextRetryAt  pgtype.Timestamptz
		publishedAt  pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.AggregateID,
		&record.AggregateType,
		&record.EventType,
		&eventData,
		&record.Version,
		&status,
		&record.RetryCount,
		&record.MaxRetries,
		&errorMessage,
		&nextRetryAt,
		&publishedAt,
		&record.OccurredAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.Record{}, err
		}
		return outboxstore.Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Status = outboxstore.Status(status)
	record.EventData = eventData
	if errorMessage.Valid {
		record.ErrorMessage = errorMessage.String
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time.UTC()
		record.NextRetryAt = &t
	}
	if publishedAt.Valid {
		t := publishedAt.Time.UTC()
		record.PublishedAt = &t
	}
	record.OccurredAt = record.OccurredAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
