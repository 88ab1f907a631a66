package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/clock"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/domain/outboxstore"
	"github.com/coachpo/outbox/internal/infra/alert"
	"github.com/coachpo/outbox/internal/infra/bus/eventbus"
	"github.com/coachpo/outbox/internal/observability"
	"github.com/coachpo/outbox/internal/testutil/outboxtest"
)

type processorFixture struct {
	store  *outboxtest.Store
	clock  *clock.Fake
	writer *Writer
	bus    *eventbus.MemoryBus
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	store := outboxtest.NewStore()
	clk := clock.NewFake(epoch)
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(bus.Close)
	return &processorFixture{store: store, clock: clk, writer: newTestWriter(t, store, clk), bus: bus}
}

func (f *processorFixture) processor(t *testing.T, opts ...ProcessorOption) *Processor {
	t.Helper()
	opts = append([]ProcessorOption{WithProcessorLogger(observability.Nop())}, opts...)
	p, err := NewProcessor(f.writer, f.bus, opts...)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func (f *processorFixture) publish(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		evt := mustEvent(t, "task-1", i, taskCompleted{TaskID: "task-1"})
		if err := f.writer.Publish(context.Background(), evt, "Task"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, evt.ID())
		f.clock.Advance(time.Millisecond)
	}
	return ids
}

func (f *processorFixture) status(t *testing.T, id string) outboxstore.Status {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return r.Status
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	if _, err := NewProcessor(nil, eventbus.NewMemoryBus(eventbus.MemoryConfig{})); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestProcessNowDeliversInBoundedChunks(t *testing.T) {
	f := newProcessorFixture(t)
	ids := f.publish(t, 12)

	var inflight, peak, delivered atomic.Int32
	_, err := f.bus.Subscribe("TaskCompleted", func(context.Context, event.Event) error {
		now := inflight.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		delivered.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := f.processor(t)
	result, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Fetched != 12 || result.Published != 12 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if delivered.Load() != 12 {
		t.Fatalf("expected 12 deliveries, got %d", delivered.Load())
	}
	if peak.Load() > DefaultChunkSize {
		t.Fatalf("expected at most %d concurrent deliveries, saw %d", DefaultChunkSize, peak.Load())
	}
	if peak.Load() < 2 {
		t.Fatalf("expected deliveries within a chunk to overlap, peak %d", peak.Load())
	}
	for _, id := range ids {
		if got := f.status(t, id); got != outboxstore.StatusPublished {
			t.Fatalf("row %s: expected published, got %s", id, got)
		}
	}
}

func TestProcessNowRespectsBatchAndChunkOptions(t *testing.T) {
	f := newProcessorFixture(t)
	f.publish(t, 7)

	var peak, inflight atomic.Int32
	_, _ = f.bus.Subscribe(eventbus.AllEvents, func(context.Context, event.Event) error {
		now := inflight.Add(1)
		if now > peak.Load() {
			peak.Store(now)
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})

	p := f.processor(t, WithBatchSize(5), WithChunkSize(2))
	result, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Fetched != 5 || result.Published != 5 {
		t.Fatalf("expected batch limit of 5, got %+v", result)
	}
	if peak.Load() > 2 {
		t.Fatalf("expected chunk bound of 2, saw %d", peak.Load())
	}
}

func TestProcessNowDeadLettersAfterBudgetAndAlerts(t *testing.T) {
	f := newProcessorFixture(t)
	ids := f.publish(t, 1)
	_, _ = f.bus.Subscribe("TaskCompleted", func(context.Context, event.Event) error {
		return errors.New("projection unavailable")
	})

	var alerts []alert.DeadLetter
	var mu sync.Mutex
	notifier := alert.NotifierFunc(func(_ context.Context, dl alert.DeadLetter) error {
		mu.Lock()
		alerts = append(alerts, dl)
		mu.Unlock()
		return errors.New("webhook down")
	})
	p := f.processor(t, WithNotifier(notifier))
	ctx := context.Background()

	result, err := p.ProcessNow(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Failed != 1 || f.status(t, ids[0]) != outboxstore.StatusFailed {
		t.Fatalf("expected first failure, got %+v", result)
	}

	result, _ = p.ProcessNow(ctx)
	if result.Fetched != 0 {
		t.Fatalf("row must wait for backoff, fetched %d", result.Fetched)
	}

	f.clock.Advance(2 * time.Minute)
	if result, _ = p.ProcessNow(ctx); result.Failed != 1 {
		t.Fatalf("expected second failure, got %+v", result)
	}
	f.clock.Advance(4 * time.Minute)
	result, err = p.ProcessNow(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.DeadLettered != 1 {
		t.Fatalf("expected dead letter on third failure, got %+v", result)
	}
	if got := f.status(t, ids[0]); got != outboxstore.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts))
	}
	dl := alerts[0]
	if dl.EventID != ids[0] || dl.RetryCount != 3 || dl.MaxRetries != 3 || dl.AggregateType != "Task" {
		t.Fatalf("unexpected alert %+v", dl)
	}
	if dl.Error != "projection unavailable" {
		t.Fatalf("expected handler error in alert, got %q", dl.Error)
	}
}

func TestProcessNowFailsUndecodablePayloads(t *testing.T) {
	f := newProcessorFixture(t)
	f.store.Put(outboxstore.Record{
		ID:            "evt-broken",
		AggregateID:   "task-1",
		AggregateType: "Task",
		EventType:     "TaskCompleted",
		EventData:     json.RawMessage(`"not an object"`),
		Version:       1,
		Status:        outboxstore.StatusPending,
		MaxRetries:    3,
		CreatedAt:     epoch,
	})
	registry := event.NewRegistry()
	if err := event.RegisterJSON[taskCompleted](registry); err != nil {
		t.Fatalf("register: %v", err)
	}
	var calls atomic.Int32
	_, _ = f.bus.Subscribe("TaskCompleted", func(context.Context, event.Event) error { calls.Add(1); return nil })

	p := f.processor(t, WithRegistry(registry))
	result, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Failed != 1 || calls.Load() != 0 {
		t.Fatalf("expected decode failure before delivery, result %+v calls %d", result, calls.Load())
	}
	r, _ := f.store.Get(context.Background(), "evt-broken")
	if r.Status != outboxstore.StatusFailed || r.ErrorMessage == "" {
		t.Fatalf("expected failed row with message, got %+v", r)
	}
}

func TestProcessNowDeliversTypedAndRawPayloads(t *testing.T) {
	f := newProcessorFixture(t)
	f.publish(t, 1)
	if err := f.writer.Publish(context.Background(), mustEvent(t, "task-1", 9, taskAssigned{TaskID: "task-1", Assignee: "ana"}), "Task"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	registry := event.NewRegistry()
	if err := event.RegisterJSON[taskCompleted](registry); err != nil {
		t.Fatalf("register: %v", err)
	}

	var mu sync.Mutex
	var payloads []event.Payload
	_, _ = f.bus.Subscribe(eventbus.AllEvents, func(_ context.Context, evt event.Event) error {
		mu.Lock()
		payloads = append(payloads, evt.Payload())
		mu.Unlock()
		return nil
	})

	p := f.processor(t, WithRegistry(registry))
	if result, err := p.ProcessNow(context.Background()); err != nil || result.Published != 2 {
		t.Fatalf("expected 2 published, got %+v err=%v", result, err)
	}

	mu.Lock()
	defer mu.Unlock()
	var typed, raw int
	for _, payload := range payloads {
		switch v := payload.(type) {
		case taskCompleted:
			if v.TaskID != "task-1" {
				t.Fatalf("unexpected typed payload %+v", v)
			}
			typed++
		case event.RawPayload:
			if v.Kind != "TaskAssigned" {
				t.Fatalf("unexpected raw kind %s", v.Kind)
			}
			raw++
		}
	}
	if typed != 1 || raw != 1 {
		t.Fatalf("expected one typed and one raw payload, got typed=%d raw=%d", typed, raw)
	}
}

func TestProcessNowTurnsHandlerPanicsIntoFailures(t *testing.T) {
	f := newProcessorFixture(t)
	ids := f.publish(t, 2)
	_, _ = f.bus.Subscribe("TaskCompleted", func(_ context.Context, evt event.Event) error {
		if evt.ID() == ids[0] {
			panic("nil map write")
		}
		return nil
	})

	p := f.processor(t)
	result, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Published != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.status(t, ids[0]) != outboxstore.StatusFailed || f.status(t, ids[1]) != outboxstore.StatusPublished {
		t.Fatalf("panic must only fail its own row")
	}
}

func TestProcessNowSurfacesFetchErrors(t *testing.T) {
	f := newProcessorFixture(t)
	boom := errors.New("connection refused")
	f.store.Fail = func(op string) error {
		if op == "list_due" {
			return boom
		}
		return nil
	}
	p := f.processor(t)
	if _, err := p.ProcessNow(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if p.Status().Processing {
		t.Fatalf("busy flag must clear after a failed batch")
	}
}

func TestProcessNowSkipsWhileBatchInProgress(t *testing.T) {
	f := newProcessorFixture(t)
	f.publish(t, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	_, _ = f.bus.Subscribe("TaskCompleted", func(context.Context, event.Event) error {
		close(entered)
		<-release
		return nil
	})
	p := f.processor(t)

	firstDone := make(chan BatchResult, 1)
	go func() {
		result, _ := p.ProcessNow(context.Background())
		firstDone <- result
	}()
	<-entered

	if !p.Status().Processing {
		t.Fatalf("expected processing status during a batch")
	}
	result, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Skipped || result.Fetched != 0 {
		t.Fatalf("expected skipped overlapping batch, got %+v", result)
	}

	close(release)
	if first := <-firstDone; first.Published != 1 {
		t.Fatalf("expected first batch to publish, got %+v", first)
	}
	if p.Status().Processing {
		t.Fatalf("processing flag must clear")
	}
}

func TestStartTwiceKeepsSingleTimer(t *testing.T) {
	f := newProcessorFixture(t)
	var polls atomic.Int32
	f.store.Fail = func(op string) error {
		if op == "list_due" {
			polls.Add(1)
		}
		return nil
	}
	p := f.processor(t)

	p.Start(50 * time.Millisecond)
	p.Start(50 * time.Millisecond)
	if !p.Status().Running {
		t.Fatalf("expected running status")
	}
	time.Sleep(230 * time.Millisecond)
	p.Stop()

	// One immediate batch plus four ticks; two timers would double this.
	got := polls.Load()
	if got < 2 || got > 6 {
		t.Fatalf("expected single-timer poll count around 5, got %d", got)
	}
	if p.Status().Running {
		t.Fatalf("expected stopped status")
	}
}

func TestStopLetsInFlightBatchFinish(t *testing.T) {
	f := newProcessorFixture(t)
	ids := f.publish(t, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	_, _ = f.bus.Subscribe("TaskCompleted", func(context.Context, event.Event) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	var polls atomic.Int32
	f.store.Fail = func(op string) error {
		if op == "list_due" {
			polls.Add(1)
		}
		return nil
	}
	p := f.processor(t)

	p.Start(20 * time.Millisecond)
	<-entered
	p.Stop()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := f.status(t, ids[0]); got != outboxstore.StatusPublished {
		t.Fatalf("in-flight batch must persist its outcome, got %s", got)
	}

	later := f.publish(t, 1)
	pollsAfterStop := polls.Load()
	time.Sleep(100 * time.Millisecond)
	if polls.Load() != pollsAfterStop {
		t.Fatalf("no batch may start after stop")
	}
	if got := f.status(t, later[0]); got != outboxstore.StatusPending {
		t.Fatalf("expected new row untouched after stop, got %s", got)
	}
}

func TestShutdownHonoursContext(t *testing.T) {
	f := newProcessorFixture(t)
	f.publish(t, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	_, _ = f.bus.Subscribe("TaskCompleted", func(context.Context, event.Event) error {
		close(entered)
		<-release
		return nil
	})
	p := f.processor(t)
	p.Start(time.Hour)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while batch hangs, got %v", err)
	}
	close(release)
}

func TestMarkPublishedFailureLeavesRowDue(t *testing.T) {
	f := newProcessorFixture(t)
	ids := f.publish(t, 1)
	_, _ = f.bus.Subscribe("TaskCompleted", func(context.Context, event.Event) error { return nil })
	f.store.Fail = func(op string) error {
		if op == "mark_published" {
			return errors.New("connection lost")
		}
		return nil
	}
	p := f.processor(t)
	result, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Published != 0 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := f.status(t, ids[0]); got != outboxstore.StatusPending {
		t.Fatalf("row must stay due for redelivery, got %s", got)
	}
}
