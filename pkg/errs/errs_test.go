package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindValidation, "file too large")
	want := "[ValidationError] file too large"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(KindIndexingFailed, "vector insert failed", errors.New("connection refused"))
	want = "[IndexingFailed] vector insert failed: connection refused"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "something broke", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(New(KindLLMTimeout, "idle")); got != KindLLMTimeout {
		t.Errorf("KindOf = %q, want %q", got, KindLLMTimeout)
	}

	// Typed errors survive further wrapping.
	deep := fmt.Errorf("outer: %w", New(KindRetrievalUnavailable, "all partitions failed"))
	if got := KindOf(deep); got != KindRetrievalUnavailable {
		t.Errorf("KindOf wrapped = %q, want %q", got, KindRetrievalUnavailable)
	}

	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf plain = %q, want %q", got, KindInternal)
	}

	if got := KindOf(fmt.Errorf("ctx: %w", ErrCancelled)); got != KindCancelled {
		t.Errorf("KindOf cancelled = %q, want %q", got, KindCancelled)
	}
}

func TestRetriable(t *testing.T) {
	err := New(KindRetrievalUnavailable, "down").WithRetriable()
	if !IsRetriable(err) {
		t.Error("expected retriable")
	}
	if IsRetriable(New(KindValidation, "bad input")) {
		t.Error("validation errors must not be retriable")
	}
}
