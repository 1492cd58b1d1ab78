package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShouldRetryLifecycle(t *testing.T) {
	m := NewManager(0)

	if m.ShouldRetry("t-1") {
		t.Error("unknown task should not retry")
	}

	m.GetOrCreateState("t-1", 3)
	if !m.ShouldRetry("t-1") {
		t.Error("fresh state should allow retry")
	}

	boom := errors.New("boom")
	m.RecordAttempt("t-1", boom)
	m.RecordAttempt("t-1", boom)
	if !m.ShouldRetry("t-1") {
		t.Error("2 of 3 attempts used, should still retry")
	}

	m.RecordAttempt("t-1", boom)
	if m.ShouldRetry("t-1") {
		t.Error("retries exhausted, should not retry")
	}
	if got := m.Attempts("t-1"); got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}
}

func TestSuccessStopsRetries(t *testing.T) {
	m := NewManager(0)
	m.GetOrCreateState("t-1", 3)

	m.RecordAttempt("t-1", errors.New("transient"))
	m.RecordAttempt("t-1", nil)

	if m.ShouldRetry("t-1") {
		t.Error("succeeded task should not retry")
	}
	state := m.GetOrCreateState("t-1", 3)
	if !state.Succeeded {
		t.Error("state should be marked succeeded")
	}
	if state.LastError != "transient" {
		t.Errorf("LastError = %q, want transient", state.LastError)
	}
}

func TestFailedTasks(t *testing.T) {
	m := NewManager(0)
	m.GetOrCreateState("t-1", 1)
	m.GetOrCreateState("t-2", 1)

	m.RecordAttempt("t-1", errors.New("x"))
	m.RecordAttempt("t-2", nil)

	failed := m.FailedTasks()
	if len(failed) != 1 || failed[0] != "t-1" {
		t.Errorf("FailedTasks = %v, want [t-1]", failed)
	}
}

func TestResetClearsState(t *testing.T) {
	m := NewManager(0)
	m.GetOrCreateState("t-1", 2)
	m.RecordAttempt("t-1", errors.New("x"))
	m.Reset("t-1")

	if m.Attempts("t-1") != 0 {
		t.Error("reset should clear attempt count")
	}
	if m.ShouldRetry("t-1") {
		t.Error("reset task has no state, should not retry")
	}
}

func TestWaitRespectsCancellation(t *testing.T) {
	m := NewManager(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Wait(ctx); err == nil {
		t.Error("Wait should return the context error when cancelled")
	}
}

func TestWaitZeroBackoff(t *testing.T) {
	m := NewManager(0)
	if err := m.Wait(context.Background()); err != nil {
		t.Errorf("Wait with zero backoff: %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	m := NewManager(0)
	m.GetOrCreateState("t-1", 3)
	m.RecordAttempt("t-1", errors.New("first"))
	m.RecordAttempt("t-1", errors.New("second"))

	states := m.AllStates()

	// Mutating the copy must not affect the manager.
	states["t-1"].AttemptLog[0] = "mutated"
	if m.GetOrCreateState("t-1", 3).AttemptLog[0] != "first" {
		t.Error("AllStates should return independent copies")
	}

	m2 := NewManager(0)
	m2.LoadStates(states)
	if m2.Attempts("t-1") != 2 {
		t.Errorf("restored Attempts = %d, want 2", m2.Attempts("t-1"))
	}
	if !m2.ShouldRetry("t-1") {
		t.Error("restored task with 2 of 3 attempts should retry")
	}
}
