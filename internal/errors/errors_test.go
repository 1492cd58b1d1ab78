package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NewNotFound("task", "t-1"), KindNotFound},
		{"invalid state", NewInvalidState("start", "task", "running"), KindInvalidState},
		{"dependencies unmet", NewDependenciesUnmet("t-1", []string{"t-0"}), KindDependenciesUnmet},
		{"invalid transition", NewInvalidTransition("planning", "verification"), KindInvalidTransition},
		{"capacity", NewCapacityExceeded("agent pool", 5), KindCapacityExceeded},
		{"quota", NewQuotaExceeded("anthropic", 0.97), KindQuotaExceeded},
		{"timeout", NewTimeout("task execution", 5*time.Minute), KindTimeout},
		{"cancelled", NewCancelled("execution"), KindCancelled},
		{"execution failed", NewExecutionFailed("model call failed", nil), KindExecutionFailed},
		{"merge failed", NewMergeFailed("br-1", nil), KindMergeFailed},
		{"no rollback point", NewNoRollbackPoint("m-1"), KindNoRollbackPoint},
		{"plain error", fmt.Errorf("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := NewQuotaExceeded("anthropic", 0.96)
	if !Is(err, ErrQuotaExceeded) {
		t.Error("typed error should match its sentinel")
	}
	if Is(err, ErrTimeout) {
		t.Error("typed error should not match an unrelated sentinel")
	}

	wrapped := Wrap(err, "execute request")
	if !Is(wrapped, ErrQuotaExceeded) {
		t.Error("wrapped error should still match the sentinel")
	}
	if KindOf(wrapped) != KindQuotaExceeded {
		t.Errorf("KindOf(wrapped) = %q, want %q", KindOf(wrapped), KindQuotaExceeded)
	}
}

func TestSameKindMatching(t *testing.T) {
	a := NewNotFound("task", "t-1")
	b := NewNotFound("mission", "m-1")
	if !Is(a, b) {
		t.Error("errors of the same kind should match")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewTimeout("dispatch", time.Minute)) {
		t.Error("timeouts should be retryable by default")
	}
	if !IsRetryable(NewExecutionFailed("model call failed", nil)) {
		t.Error("execution failures should be retryable by default")
	}
	if IsRetryable(NewQuotaExceeded("anthropic", 1)) {
		t.Error("quota exhaustion should not be retryable")
	}
	if IsRetryable(NewCancelled("execution")) {
		t.Error("cancellation should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}

	overridden := NewTimeout("dispatch", time.Minute).WithRetryable(false)
	if IsRetryable(overridden) {
		t.Error("WithRetryable(false) should disable retry")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewNotFound("task", "t-9")
	want := "not_found: task 't-9' not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	withCause := NewExecutionFailed("model call failed", New("connection reset"))
	if got := withCause.Error(); got != "execution_failed: model call failed: connection reset" {
		t.Errorf("Error() with cause = %q", got)
	}
}

func TestCauseUnwrapping(t *testing.T) {
	cause := New("disk full")
	err := NewMergeFailed("br-2", cause)
	if !Is(err, cause) {
		t.Error("error should match its cause")
	}
	if Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}
