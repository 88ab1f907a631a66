package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/domain/outboxstore"
	"github.com/coachpo/outbox/internal/infra/alert"
	"github.com/coachpo/outbox/internal/infra/bus/eventbus"
	"github.com/coachpo/outbox/internal/infra/telemetry"
	"github.com/coachpo/outbox/internal/observability"
)

const (
	// DefaultPollInterval is used when Start receives a non-positive interval.
	DefaultPollInterval = 5 * time.Second
	// DefaultBatchSize bounds rows fetched per batch.
	DefaultBatchSize = 100
	// DefaultChunkSize bounds concurrent deliveries within a batch.
	DefaultChunkSize = 10
)

// BatchResult summarises one batch run.
type BatchResult struct {
	Fetched      int
	Published    int
	Failed       int
	DeadLettered int
	// Skipped is set when another batch was already in progress.
	Skipped bool
}

// Status reports processor lifecycle state.
type Status struct {
	Running    bool
	Processing bool
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithBatchSize overrides how many due rows are fetched per batch.
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithChunkSize overrides how many events are delivered concurrently.
func WithChunkSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// WithNotifier sets the dead-letter alert channel.
func WithNotifier(n alert.Notifier) ProcessorOption {
	return func(p *Processor) { p.notifier = n }
}

// WithRegistry sets the payload registry used to decode stored rows.
func WithRegistry(r *event.Registry) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.registry = r
		}
	}
}

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(logger observability.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Processor polls the outbox and delivers due rows on the event bus.
//
// Batches on one instance never overlap. Stop only prevents future batches; a batch already
// running completes and persists its outcomes. Running several processors against one store
// can deliver a row more than once, which subscribers must tolerate anyway.
type Processor struct {
	writer   *Writer
	bus      eventbus.Bus
	registry *event.Registry
	notifier alert.Notifier
	logger   observability.Logger

	batchSize int
	chunkSize int

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	loopDone  chan struct{}
	batchDone chan struct{}
	busy      atomic.Bool

	publishedCounter    metric.Int64Counter
	failedCounter       metric.Int64Counter
	deadLetteredCounter metric.Int64Counter
	batchDuration       metric.Float64Histogram
	batchSizeHistogram  metric.Int64Histogram
}

// NewProcessor constructs a processor delivering rows from writer onto bus.
func NewProcessor(writer *Writer, bus eventbus.Bus, opts ...ProcessorOption) (*Processor, error) {
	if writer == nil || bus == nil {
		return nil, errs.New("outbox processor", errs.CodeInvalid, errs.WithMessage("writer and bus required"))
	}
	p := &Processor{
		writer:    writer,
		bus:       bus,
		registry:  event.NewRegistry(),
		logger:    observability.Log(),
		batchSize: DefaultBatchSize,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	meter := otel.Meter("outbox")
	p.publishedCounter, _ = meter.Int64Counter("outbox.events.published",
		metric.WithDescription("Outbox events delivered and marked published"),
		metric.WithUnit("{event}"))
	p.failedCounter, _ = meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Outbox delivery attempts that failed and were rescheduled"),
		metric.WithUnit("{event}"))
	p.deadLetteredCounter, _ = meter.Int64Counter("outbox.events.dead_lettered",
		metric.WithDescription("Outbox events moved to dead letter after exhausting retries"),
		metric.WithUnit("{event}"))
	p.batchDuration, _ = meter.Float64Histogram("outbox.batch.duration",
		metric.WithDescription("Duration of one outbox processing batch"),
		metric.WithUnit("ms"))
	p.batchSizeHistogram, _ = meter.Int64Histogram("outbox.batch.size",
		metric.WithDescription("Rows fetched per outbox processing batch"),
		metric.WithUnit("{event}"))
	return p, nil
}

// Start schedules a batch immediately and then every interval. Calling Start on a running
// processor does nothing.
func (p *Processor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.logger.Info("outbox processor already running")
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.loopDone = make(chan struct{})
	go p.loop(interval, p.stopCh, p.loopDone)
	p.logger.Info("outbox processor started", observability.F("interval", interval.String()))
}

func (p *Processor) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.scheduled()
	for {
		// Check stop first so a pending tick cannot start a batch after Stop.
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.scheduled()
		}
	}
}

func (p *Processor) scheduled() {
	if _, err := p.ProcessNow(context.Background()); err != nil {
		p.logger.Error("outbox batch failed", observability.Err(err))
	}
}

// Stop cancels future batches. An in-flight batch is left to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
	p.logger.Info("outbox processor stopped")
}

// Shutdown stops the processor and waits for the scheduling loop and any in-flight batch.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.Stop()
	p.mu.Lock()
	loopDone, batchDone := p.loopDone, p.batchDone
	p.mu.Unlock()
	for _, ch := range []chan struct{}{loopDone, batchDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("outbox processor shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// Status reports whether the processor is scheduled and whether a batch is running.
func (p *Processor) Status() Status {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return Status{Running: running, Processing: p.busy.Load()}
}

// ProcessNow runs one batch. It returns immediately with Skipped set when a batch is already
// in progress on this processor.
func (p *Processor) ProcessNow(ctx context.Context) (BatchResult, error) {
	done, ok := p.begin()
	if !ok {
		return BatchResult{Skipped: true}, nil
	}
	defer p.end(done)

	start := time.Now()
	records, err := p.writer.PendingEvents(ctx, p.batchSize)
	if err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{Fetched: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	var tally batchTally
	for offset := 0; offset < len(records); offset += p.chunkSize {
		end := offset + p.chunkSize
		if end > len(records) {
			end = len(records)
		}
		p.processChunk(ctx, records[offset:end], &tally)
	}
	result.Published = int(tally.published.Load())
	result.Failed = int(tally.failed.Load())
	result.DeadLettered = int(tally.deadLettered.Load())

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes("outbox.batch", telemetry.ResultSuccess)...)
	if p.batchDuration != nil {
		p.batchDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if p.batchSizeHistogram != nil {
		p.batchSizeHistogram.Record(ctx, int64(len(records)), attrs)
	}
	p.logger.Debug("outbox batch processed",
		observability.F("fetched", result.Fetched),
		observability.F("published", result.Published),
		observability.F("failed", result.Failed),
		observability.F("dead_lettered", result.DeadLettered),
		observability.F("duration_ms", elapsed.Milliseconds()),
	)
	return result, nil
}

func (p *Processor) begin() (chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	p.batchDone = make(chan struct{})
	return p.batchDone, true
}

func (p *Processor) end(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batchDone == done {
		p.batchDone = nil
	}
	close(done)
	p.busy.Store(false)
}

type batchTally struct {
	published    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// processChunk delivers every record concurrently and returns once all have settled.
func (p *Processor) processChunk(ctx context.Context, chunk []outboxstore.Record, tally *batchTally) {
	var wg conc.WaitGroup
	for _, record := range chunk {
		wg.Go(func() {
			p.processRecord(ctx, record, tally)
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		p.logger.Error("outbox delivery panicked", observability.Err(recovered.AsError()))
	}
}

func (p *Processor) processRecord(ctx context.Context, record outboxstore.Record, tally *batchTally) {
	deliveryErr := p.deliver(ctx, record)
	if deliveryErr == nil {
		if err := p.writer.MarkAsPublished(ctx, record.ID); err != nil {
			// The row stays due and is delivered again on a later batch.
			p.logger.Error("mark outbox event published",
				observability.F("event_id", record.ID),
				observability.Err(err),
			)
			tally.failed.Add(1)
			return
		}
		tally.published.Add(1)
		p.count(ctx, p.publishedCounter, record)
		return
	}

	updated, err := p.writer.MarkAsFailed(ctx, record.ID, deliveryErr.Error())
	if err != nil {
		p.logger.Error("mark outbox event failed",
			observability.F("event_id", record.ID),
			observability.F("delivery_error", deliveryErr.Error()),
			observability.Err(err),
		)
		tally.failed.Add(1)
		return
	}
	if updated.Status == outboxstore.StatusDeadLetter {
		tally.deadLettered.Add(1)
		p.count(ctx, p.deadLetteredCounter, record)
		p.raiseDeadLetter(ctx, updated)
		return
	}
	tally.failed.Add(1)
	p.count(ctx, p.failedCounter, record)
	p.logger.Warn("outbox event delivery failed; retry scheduled",
		observability.F("event_id", updated.ID),
		observability.F("event_type", updated.EventType),
		observability.F("retry_count", updated.RetryCount),
		observability.F("next_retry_at", updated.NextRetryAt),
		observability.Err(deliveryErr),
	)
}

// deliver decodes the row and publishes it. Panics surface as errors.
func (p *Processor) deliver(ctx context.Context, record outboxstore.Record) error {
	var err error
	if recovered := panics.Try(func() {
		var evt event.Event
		evt, err = eventFromRecord(record, p.registry)
		if err != nil {
			return
		}
		err = p.bus.Publish(ctx, evt)
	}); recovered != nil {
		return recovered.AsError()
	}
	return err
}

func (p *Processor) raiseDeadLetter(ctx context.Context, record outboxstore.Record) {
	p.logger.Error("outbox event exhausted retries; moved to dead letter",
		observability.F("event_id", record.ID),
		observability.F("event_type", record.EventType),
		observability.F("aggregate_id", record.AggregateID),
		observability.F("aggregate_type", record.AggregateType),
		observability.F("retry_count", record.RetryCount),
		observability.F("max_retries", record.MaxRetries),
		observability.F("last_error", record.ErrorMessage),
	)
	if p.notifier == nil {
		return
	}
	err := p.notifier.NotifyDeadLetter(ctx, alert.DeadLetter{
		EventID:       record.ID,
		EventType:     record.EventType,
		AggregateID:   record.AggregateID,
		AggregateType: record.AggregateType,
		RetryCount:    record.RetryCount,
		MaxRetries:    record.MaxRetries,
		Error:         record.ErrorMessage,
		OccurredAt:    record.OccurredAt,
	})
	if err != nil {
		p.logger.Warn("dead letter alert not delivered",
			observability.F("event_id", record.ID),
			observability.Err(err),
		)
	}
}

func (p *Processor) count(ctx context.Context, counter metric.Int64Counter, record outboxstore.Record) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(record.EventType, record.AggregateType)...))
}
