package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/observability"
)

const (
	// DefaultCleanupInterval is how often published rows are purged.
	DefaultCleanupInterval = 24 * time.Hour
	// DefaultRetentionDays keeps published rows for 30 days.
	DefaultRetentionDays = 30
)

// JanitorOption customises a Janitor.
type JanitorOption func(*Janitor)

// WithRetentionDays overrides how long published rows are kept.
func WithRetentionDays(days int) JanitorOption {
	return func(j *Janitor) {
		if days >= 0 {
			j.retentionDays = days
		}
	}
}

// WithJanitorLogger sets the janitor logger.
func WithJanitorLogger(logger observability.Logger) JanitorOption {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// Janitor periodically deletes published rows past their retention window.
type Janitor struct {
	writer        *Writer
	retentionDays int
	logger        observability.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	loopDone chan struct{}
}

// NewJanitor constructs a janitor over writer.
func NewJanitor(writer *Writer, opts ...JanitorOption) (*Janitor, error) {
	if writer == nil {
		return nil, errs.New("outbox janitor", errs.CodeInvalid, errs.WithMessage("writer required"))
	}
	j := &Janitor{writer: writer, retentionDays: DefaultRetentionDays, logger: observability.Log()}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j, nil
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	deleted, err := j.writer.CleanupPublishedEvents(ctx, j.retentionDays)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		j.logger.Info("published outbox events purged",
			observability.F("deleted", deleted),
			observability.F("retention_days", j.retentionDays),
		)
	}
	return deleted, nil
}

// Start runs a cleanup pass now and then every interval. Calling Start twice does nothing.
func (j *Janitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.loopDone = make(chan struct{})
	go j.loop(interval, j.stopCh, j.loopDone)
}

func (j *Janitor) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error("outbox cleanup failed", observability.Err(err))
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels future passes.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	j.running = false
	close(j.stopCh)
}

// Shutdown stops the janitor and waits for a running pass to finish.
func (j *Janitor) Shutdown(ctx context.Context) error {
	j.Stop()
	j.mu.Lock()
	done := j.loopDone
	j.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox janitor shutdown: %w", ctx.Err())
	}
}
