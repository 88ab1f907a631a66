// Package outboxtest provides in-memory fakes for outbox persistence.
package outboxtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/domain/outboxstore"
)

// Store is an in-memory outboxstore.Store with the same state rules as the PostgreSQL store.
type Store struct {
	mu      sync.Mutex
	records map[string]outboxstore.Record
	seq     map[string]int

	next int

	// Fail, when set, is consulted before each operation; a non-nil result is returned as-is.
	Fail func(op string) error
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]outboxstore.Record), seq: make(map[string]int)}
}

func (s *Store) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

// Insert stores records all-or-nothing.
func (s *Store) Insert(_ context.Context, records ...outboxstore.Record) error {
	if err := s.fail("insert"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(records)
}

// InsertTx stages records on tx; they become visible when tx commits.
func (s *Store) InsertTx(_ context.Context, tx outboxstore.Tx, records ...outboxstore.Record) error {
	if tx == nil {
		return errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("transaction required"))
	}
	if err := s.fail("insert_tx"); err != nil {
		return err
	}
	fake, ok := tx.(*Tx)
	if !ok {
		return errors.New("outboxtest: transaction was not created by outboxtest")
	}
	return fake.stage(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.insertLocked(records)
	})
}

func (s *Store) insertLocked(records []outboxstore.Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.ID == "" {
			return errs.New("outbox store", errs.CodeInvalid, errs.WithMessage("event id required"))
		}
		if _, dup := s.records[r.ID]; dup {
			return errs.New("outbox store", errs.CodeConflict, errs.WithMessage("event already stored"), errs.WithField("id", r.ID))
		}
		if _, dup := seen[r.ID]; dup {
			return errs.New("outbox store", errs.CodeConflict, errs.WithMessage("event already stored"), errs.WithField("id", r.ID))
		}
		seen[r.ID] = struct{}{}
	}
	for _, r := range records {
		stored := r.Clone()
		if stored.Status == "" {
			stored.Status = outboxstore.StatusPending
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = stored.CreatedAt
		}
		s.next++
		s.seq[stored.ID] = s.next
		s.records[stored.ID] = stored
	}
	return nil
}

// ListDue mirrors the SQL due predicate and ordering.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]outboxstore.Record, error) {
	if err := s.fail("list_due"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.filterLocked(func(r outboxstore.Record) bool {
		switch r.Status {
		case outboxstore.StatusPending:
			return true
		case outboxstore.StatusFailed:
			return r.NextRetryAt != nil && !r.NextRetryAt.After(now)
		default:
			return false
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns one row.
func (s *Store) Get(_ context.Context, id string) (outboxstore.Record, error) {
	if err := s.fail("get"); err != nil {
		return outboxstore.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return outboxstore.Record{}, notFound(id)
	}
	return r.Clone(), nil
}

// MarkPublished keeps the first publication time.
func (s *Store) MarkPublished(_ context.Context, id string, at time.Time) error {
	if err := s.fail("mark_published"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound(id)
	}
	if r.Status == outboxstore.StatusDeadLetter {
		return conflict(id, r.Status)
	}
	r.Status = outboxstore.StatusPublished
	if r.PublishedAt == nil {
		t := at
		r.PublishedAt = &t
	}
	r.NextRetryAt = nil
	r.UpdatedAt = at
	s.records[id] = r
	return nil
}

// RecordFailure applies the guarded failure update.
func (s *Store) RecordFailure(_ context.Context, id string, expectedRetryCount int, failure outboxstore.Failure) (outboxstore.Record, error) {
	if err := s.fail("record_failure"); err != nil {
		return outboxstore.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return outboxstore.Record{}, notFound(id)
	}
	if r.Status.IsTerminal() || r.RetryCount != expectedRetryCount {
		return outboxstore.Record{}, conflict(id, r.Status)
	}
	r.RetryCount++
	r.Status = failure.Status
	r.ErrorMessage = failure.ErrorMessage
	r.NextRetryAt = nil
	if failure.NextRetryAt != nil {
		t := *failure.NextRetryAt
		r.NextRetryAt = &t
	}
	r.UpdatedAt = failure.At
	s.records[id] = r
	return r.Clone(), nil
}

// ListByStatus returns rows in status, oldest first.
func (s *Store) ListByStatus(_ context.Context, status outboxstore.Status) ([]outboxstore.Record, error) {
	if err := s.fail("list_by_status"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(r outboxstore.Record) bool { return r.Status == status }), nil
}

// ResetToPending re-queues a dead letter.
func (s *Store) ResetToPending(_ context.Context, id string, at time.Time) error {
	if err := s.fail("reset_to_pending"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound(id)
	}
	if r.Status != outboxstore.StatusDeadLetter {
		return conflict(id, r.Status)
	}
	r.Status = outboxstore.StatusPending
	r.RetryCount = 0
	r.ErrorMessage = ""
	r.NextRetryAt = nil
	r.UpdatedAt = at
	s.records[id] = r
	return nil
}

// MoveToDeadLetter parks a processable row.
func (s *Store) MoveToDeadLetter(_ context.Context, id string, errorMessage string, at time.Time) error {
	if err := s.fail("move_to_dead_letter"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound(id)
	}
	if r.Status.IsTerminal() {
		return conflict(id, r.Status)
	}
	r.Status = outboxstore.StatusDeadLetter
	r.ErrorMessage = errorMessage
	r.NextRetryAt = nil
	r.UpdatedAt = at
	s.records[id] = r
	return nil
}

// DeletePublishedBefore removes published rows older than cutoff.
func (s *Store) DeletePublishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.fail("delete_published"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, r := range s.records {
		if r.Status == outboxstore.StatusPublished && r.PublishedAt != nil && r.PublishedAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.seq, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountByStatus reports row counts per status.
func (s *Store) CountByStatus(_ context.Context) (map[outboxstore.Status]int64, error) {
	if err := s.fail("count_by_status"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[outboxstore.Status]int64{
		outboxstore.StatusPending:    0,
		outboxstore.StatusPublished:  0,
		outboxstore.StatusFailed:     0,
		outboxstore.StatusDeadLetter: 0,
	}
	for _, r := range s.records {
		counts[r.Status]++
	}
	return counts, nil
}

// All returns every stored row in insertion order.
func (s *Store) All() []outboxstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(outboxstore.Record) bool { return true })
}

// Put overwrites a row, for arranging test state directly.
func (s *Store) Put(r outboxstore.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq[r.ID]; !ok {
		s.next++
		s.seq[r.ID] = s.next
	}
	s.records[r.ID] = r.Clone()
}

// Len reports how many rows are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) filterLocked(keep func(outboxstore.Record) bool) []outboxstore.Record {
	var out []outboxstore.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out
}

func notFound(id string) error {
	return errs.New("outbox store", errs.CodeNotFound, errs.WithMessage("event not found"), errs.WithField("id", id))
}

func conflict(id string, status outboxstore.Status) error {
	return errs.New("outbox store", errs.CodeConflict,
		errs.WithMessage("row not in an eligible state"),
		errs.WithField("id", id),
		errs.WithField("status", string(status)),
	)
}

// Tx is a fake pgx.Tx that buffers staged writes until Commit. Only Exec, Commit and Rollback
// are implemented; other pgx.Tx methods panic through the nil embedded interface.
type Tx struct {
	pgx.Tx

	mu        sync.Mutex
	staged    []func() error
	done      bool
	committed bool
	// Execs records statements passed to Exec, standing in for aggregate state writes.
	Execs []string
	// CommitErr, when set, is returned by Commit and the staged writes are discarded.
	CommitErr error
}

func (t *Tx) stage(apply func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.staged = append(t.staged, apply)
	return nil
}

// Exec records sql as an executed statement.
func (t *Tx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return pgconn.CommandTag{}, pgx.ErrTxClosed
	}
	t.Execs = append(t.Execs, sql)
	return pgconn.CommandTag{}, nil
}

// Commit applies the staged writes in order.
func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.CommitErr != nil {
		t.staged = nil
		return t.CommitErr
	}
	for _, apply := range t.staged {
		if err := apply(); err != nil {
			t.staged = nil
			return err
		}
	}
	t.staged = nil
	t.committed = true
	return nil
}

// Rollback discards staged writes. Rolling back a finished transaction returns pgx.ErrTxClosed.
func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.staged = nil
	return nil
}

// Committed reports whether Commit succeeded.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether the transaction finished without committing.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done && !t.committed
}

// DB hands out fake transactions and satisfies the Begin(ctx) transaction source contract.
type DB struct {
	mu sync.Mutex
	// BeginErr, when set, is returned by Begin.
	BeginErr error
	// CommitErr is copied onto every transaction handed out.
	CommitErr error
	txs       []*Tx
}

// Begin starts a fake transaction.
func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	tx := &Tx{CommitErr: d.CommitErr}
	d.txs = append(d.txs, tx)
	return tx, nil
}

// Last returns the most recently started transaction.
func (d *DB) Last() *Tx {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.txs) == 0 {
		return nil
	}
	return d.txs[len(d.txs)-1]
}

var _ outboxstore.Store = (*Store)(nil)
