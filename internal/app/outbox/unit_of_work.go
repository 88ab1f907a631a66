package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/observability"
)

// Aggregate is anything that buffers events until its state is saved. *event.Root satisfies it.
type Aggregate interface {
	UncommittedEvents() []event.Event
	MarkCommitted()
}

// TxBeginner opens database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PersistFunc writes aggregate state using the shared transaction.
type PersistFunc func(ctx context.Context, tx pgx.Tx) error

// SaveAggregate writes aggregate state and its uncommitted events in one transaction. The
// aggregate buffer is cleared only after a successful commit.
func (w *Writer) SaveAggregate(ctx context.Context, db TxBeginner, agg Aggregate, aggregateType string, persist PersistFunc) (err error) {
	if db == nil || agg == nil {
		return errs.New("outbox writer", errs.CodeInvalid, errs.WithMessage("database and aggregate required"))
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin aggregate save: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			w.logger.Error("rollback aggregate save", observability.Err(rbErr))
		}
	}()

	if persist != nil {
		if err = persist(ctx, tx); err != nil {
			return fmt.Errorf("persist aggregate: %w", err)
		}
	}
	if err = w.PublishInTransaction(ctx, tx, agg.UncommittedEvents(), aggregateType); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit aggregate save: %w", err)
	}
	agg.MarkCommitted()
	return nil
}
