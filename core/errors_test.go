package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type throttledTestError struct{}

func (throttledTestError) Error() string   { return "throttled" }
func (throttledTestError) Throttled() bool { return true }

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorClass{
		0:                              ErrorClassTransient,
		http.StatusTooManyRequests:     ErrorClassTransient,
		http.StatusRequestTimeout:      ErrorClassTransient,
		http.StatusBadRequest:          ErrorClassPermanent,
		http.StatusUnprocessableEntity: ErrorClassPermanent,
		http.StatusBadGateway:          ErrorClassTransient,
		http.StatusOK:                  ErrorClassNone,
	}
	for code, want := range cases {
		if got := ClassifyStatus(code); got != want {
			t.Fatalf("status %d: expected %q, got %q", code, want, got)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(nil); got != ErrorClassNone {
		t.Fatalf("expected none for nil, got %q", got)
	}
	if got := ClassifyError(errors.New("socket closed")); got != ErrorClassTransient {
		t.Fatalf("expected unknown error to be transient, got %q", got)
	}
	if got := ClassifyError(fmt.Errorf("wrap: %w", Permanent("push", errors.New("bad")))); got != ErrorClassPermanent {
		t.Fatalf("expected wrapped permanent error, got %q", got)
	}
	if got := ClassifyError(context.DeadlineExceeded); got != ErrorClassTransient {
		t.Fatalf("expected deadline to be transient, got %q", got)
	}
	if got := ClassifyError(&HTTPStatusError{StatusCode: http.StatusNotFound}); got != ErrorClassPermanent {
		t.Fatalf("expected 404 to be permanent, got %q", got)
	}
	if got := ClassifyError(goerrors.New("invalid", goerrors.CategoryValidation)); got != ErrorClassPermanent {
		t.Fatalf("expected validation category to be permanent, got %q", got)
	}
	if got := ClassifyError(ValidationError("payload", "missing id")); got != ErrorClassPermanent {
		t.Fatalf("expected validation error to be permanent, got %q", got)
	}
	if got := ClassifyError(NotFoundError("task", "t1")); got != ErrorClassPermanent {
		t.Fatalf("expected not found to be permanent, got %q", got)
	}
}

func TestCountsAsBreakerFailure(t *testing.T) {
	if CountsAsBreakerFailure(nil) {
		t.Fatalf("nil is not a failure")
	}
	if CountsAsBreakerFailure(context.Canceled) {
		t.Fatalf("caller cancellation must not trip the breaker")
	}
	if CountsAsBreakerFailure(&CircuitOpenError{Target: "remote", Status: BreakerOpen}) {
		t.Fatalf("synthetic open-circuit failures must not count")
	}
	if CountsAsBreakerFailure(throttledTestError{}) {
		t.Fatalf("local throttling must not count")
	}
	if CountsAsBreakerFailure(&HTTPStatusError{StatusCode: http.StatusBadRequest}) {
		t.Fatalf("permanent rejections must not count")
	}
	if !CountsAsBreakerFailure(&HTTPStatusError{StatusCode: http.StatusServiceUnavailable}) {
		t.Fatalf("expected 503 to count")
	}
	if !CountsAsBreakerFailure(context.DeadlineExceeded) {
		t.Fatalf("expected timeout to count")
	}
}

func TestMapError_AssignsStableCodes(t *testing.T) {
	mapped := MapError(fmt.Errorf("complete: %w", ErrLeaseLost))
	if mapped.TextCode != SyncErrorLeaseLost || mapped.Code != http.StatusConflict {
		t.Fatalf("expected lease lost conflict, got %q/%d", mapped.TextCode, mapped.Code)
	}

	mapped = MapError(NotFoundError("dead_letter", "d1"))
	if mapped.TextCode != SyncErrorNotFound || mapped.Code != http.StatusNotFound {
		t.Fatalf("expected not found envelope, got %q/%d", mapped.TextCode, mapped.Code)
	}
	if mapped.Metadata["id"] != "d1" {
		t.Fatalf("expected id metadata, got %#v", mapped.Metadata)
	}

	mapped = MapError(&CircuitOpenError{Target: "remote", Status: BreakerOpen, RetryAfter: time.Second})
	if mapped.TextCode != SyncErrorCircuitOpen || mapped.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected circuit open envelope, got %q/%d", mapped.TextCode, mapped.Code)
	}

	mapped = MapError(errors.New("core: source is required"))
	if mapped.TextCode != SyncErrorBadInput || mapped.Category != goerrors.CategoryBadInput {
		t.Fatalf("expected bad input, got %q/%q", mapped.TextCode, mapped.Category)
	}

	if MapError(nil) != nil {
		t.Fatalf("expected nil mapping for nil error")
	}
}

func TestResultFromError(t *testing.T) {
	if got := ResultFromError("ok", nil); !got.Succeeded() {
		t.Fatalf("expected success, got %#v", got)
	}
	if got := ResultFromError("push", &HTTPStatusError{StatusCode: 422}); got.Kind != ResultPermanentFailure {
		t.Fatalf("expected permanent, got %q", got.Kind)
	}
	got := ResultFromError("push", errors.New("reset"))
	if got.Kind != ResultTransientFailure {
		t.Fatalf("expected transient, got %q", got.Kind)
	}
	if got.Message() != "push: reset" {
		t.Fatalf("unexpected message %q", got.Message())
	}
}

func TestRetryAfterFrom(t *testing.T) {
	err := fmt.Errorf("push: %w", &HTTPStatusError{StatusCode: 429, RetryAfter: 3 * time.Second})
	if got := RetryAfterFrom(err); got != 3*time.Second {
		t.Fatalf("expected 3s retry hint, got %s", got)
	}
	if got := RetryAfterFrom(errors.New("x")); got != 0 {
		t.Fatalf("expected no hint, got %s", got)
	}
}
