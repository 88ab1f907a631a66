package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"outbox writer",
		CodeConflict,
		WithMessage("event already dead-lettered"),
		WithField("event_id", "evt-1"),
		WithField("status", "dead_letter"),
		WithCause(errors.New("retry count mismatch")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=outbox writer") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=conflict") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=event_id=\"evt-1\",status=\"dead_letter\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"retry count mismatch\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("outbox store", CodeNotFound, WithField("  ", "value"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestIsCodeWalksWrappedChain(t *testing.T) {
	base := New("outbox store", CodeNotFound, WithMessage("event missing"))
	wrapped := fmt.Errorf("mark published: %w", base)

	if !IsCode(wrapped, CodeNotFound) {
		t.Fatalf("expected not_found code through wrap chain")
	}
	if IsCode(wrapped, CodeConflict) {
		t.Fatalf("unexpected conflict code match")
	}
	if IsCode(nil, CodeNotFound) {
		t.Fatalf("nil error must not match any code")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("outbox store", CodeStorage, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var err *E
	if err.Error() != "<nil>" {
		t.Fatalf("expected <nil> for nil envelope, got %q", err.Error())
	}
}
