package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/observability"
)

func sampleDeadLetter() DeadLetter {
	return DeadLetter{
		EventID:       "evt-1",
		EventType:     "TaskCompleted",
		AggregateID:   "task-1",
		AggregateType: "Task",
		RetryCount:    3,
		MaxRetries:    3,
		Error:         "handler exploded",
		OccurredAt:    time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestWebhookPostsDocumentedPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received map[string]any
		ctype    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		ctype = r.Header.Get("Content-Type")
		_ = json.Unmarshal(body, &received)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.NotifyDeadLetter(context.Background(), sampleDeadLetter()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ctype != "application/json" {
		t.Fatalf("unexpected content type %q", ctype)
	}
	expected := map[string]any{
		"type":          "outbox.dead_letter",
		"eventId":       "evt-1",
		"eventType":     "TaskCompleted",
		"aggregateId":   "task-1",
		"aggregateType": "Task",
		"retryCount":    float64(3),
		"maxRetries":    float64(3),
		"error":         "handler exploded",
		"occurredAt":    "2025-03-01T09:00:00Z",
		"timestamp":     "2025-03-01T10:00:00Z",
	}
	for key, want := range expected {
		if received[key] != want {
			t.Fatalf("field %s: expected %v, got %v", key, want, received[key])
		}
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, MaxAttempts: 3, InitialInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.NotifyDeadLetter(context.Background(), sampleDeadLetter()); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestWebhookGivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, MaxAttempts: 2, InitialInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = notifier.NotifyDeadLetter(context.Background(), sampleDeadLetter())
	if !errs.IsCode(err, errs.CodeDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, MaxAttempts: 5, InitialInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.NotifyDeadLetter(context.Background(), sampleDeadLetter()); err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestWebhookRateLimitsAlerts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, RatePerMinute: 2, Logger: observability.Nop()})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := notifier.NotifyDeadLetter(ctx, sampleDeadLetter()); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if err := notifier.NotifyDeadLetter(ctx, sampleDeadLetter()); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", calls.Load())
	}
}

func TestWebhookConfigValidation(t *testing.T) {
	if _, err := NewWebhookNotifier(WebhookConfig{}); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request for empty url, got %v", err)
	}
	if _, err := NewWebhookNotifier(WebhookConfig{URL: "ftp://example.com"}); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request for non-http url, got %v", err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	var called atomic.Int32
	multi := Multi{
		NotifierFunc(func(context.Context, DeadLetter) error { called.Add(1); return errA }),
		nil,
		LogNotifier{Logger: observability.Nop()},
		NotifierFunc(func(context.Context, DeadLetter) error { called.Add(1); return nil }),
	}
	err := multi.NotifyDeadLetter(context.Background(), sampleDeadLetter())
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if called.Load() != 2 {
		t.Fatalf("expected every notifier to run, got %d", called.Load())
	}
}
