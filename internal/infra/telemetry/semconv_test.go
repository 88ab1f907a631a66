package telemetry

import (
	"errors"
	"testing"

	roottelemetry "github.com/coachpo/outbox/internal/telemetry"
)

func TestEventAttributesOmitBlankAggregateType(t *testing.T) {
	roottelemetry.SetEnvironment("prod")
	attrs := EventAttributes("TaskCompleted", "")
	if len(attrs) != 2 {
		t.Fatalf("expected environment and event type only, got %v", attrs)
	}
	if attrs[0].Value.AsString() != "prod" {
		t.Fatalf("unexpected environment %q", attrs[0].Value.AsString())
	}
	if got := EventAttributes("TaskCompleted", "Task"); len(got) != 3 {
		t.Fatalf("expected aggregate type attribute, got %v", got)
	}
}

func TestResultOf(t *testing.T) {
	if ResultOf(nil) != ResultSuccess {
		t.Fatalf("nil error should be success")
	}
	if ResultOf(errors.New("boom")) != ResultError {
		t.Fatalf("non-nil error should be error")
	}
}
