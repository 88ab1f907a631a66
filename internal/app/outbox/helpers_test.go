package outbox

import (
	"testing"
	"time"

	"github.com/coachpo/outbox/internal/clock"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/observability"
	"github.com/coachpo/outbox/internal/testutil/outboxtest"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type taskCompleted struct {
	TaskID string `json:"taskId"`
}

func (taskCompleted) EventType() event.Type { return "TaskCompleted" }

type taskAssigned struct {
	TaskID   string `json:"taskId"`
	Assignee string `json:"assignee"`
}

func (taskAssigned) EventType() event.Type { return "TaskAssigned" }

// task is a minimal aggregate used to exercise SaveAggregate.
type task struct {
	event.Root
	title string
}

func newTask(id string) *task {
	return &task{Root: event.NewRoot(id, 0)}
}

func newTestWriter(t *testing.T, store *outboxtest.Store, clk clock.Clock, opts ...WriterOption) *Writer {
	t.Helper()
	opts = append([]WriterOption{WithClock(clk), WithLogger(observability.Nop())}, opts...)
	w, err := NewWriter(store, opts...)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w
}

func mustEvent(t *testing.T, aggregateID string, version int, payload event.Payload) event.Event {
	t.Helper()
	evt, err := event.New(aggregateID, version, payload, event.WithOccurredAt(epoch))
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return evt
}
