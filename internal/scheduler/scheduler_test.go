package scheduler

import (
	"testing"
	"time"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/event"
)

func newTestScheduler(maxRunning int) *Scheduler {
	return New(Config{MaxConcurrentTasks: maxRunning}, nil, nil)
}

func mustCreate(t *testing.T, s *Scheduler, spec TaskSpec) *Task {
	t.Helper()
	task, err := s.Create(spec)
	if err != nil {
		t.Fatalf("Create(%s): %v", spec.ID, err)
	}
	return task
}

func TestCreateStartsPending(t *testing.T) {
	s := newTestScheduler(10)
	task := mustCreate(t, s, TaskSpec{ID: "t-1", MissionID: "m-1", Title: "build"})

	if task.Status != StatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Priority != PriorityNormal {
		t.Errorf("priority = %s, want normal default", task.Priority)
	}
}

func TestCreateGeneratesID(t *testing.T) {
	s := newTestScheduler(10)
	task := mustCreate(t, s, TaskSpec{MissionID: "m-1", Title: "build"})
	if task.ID == "" {
		t.Fatal("expected a generated ID")
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})

	_, err := s.Create(TaskSpec{ID: "t-1"})
	if !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("duplicate ID error = %v, want invalid state", err)
	}
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	s := newTestScheduler(10)
	_, err := s.Create(TaskSpec{
		ID:           "t-1",
		Dependencies: []Dependency{{TaskID: "ghost", Kind: DependencyRequired}},
	})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("unknown dependency error = %v, want not found", err)
	}
}

func TestRequiredDependencyBlocksAtCreation(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	dep := mustCreate(t, s, TaskSpec{
		ID:           "t-2",
		Dependencies: []Dependency{{TaskID: "t-1", Kind: DependencyRequired}},
	})

	if dep.Status != StatusBlocked {
		t.Errorf("dependent status = %s, want blocked", dep.Status)
	}
}

func TestCompletionUnblocksInCreationOrder(t *testing.T) {
	bus := event.NewBus()
	var unblocked []string
	bus.Subscribe("task.unblocked", func(e event.Event) {
		unblocked = append(unblocked, e.(event.TaskUnblockedEvent).TaskID)
	})
	s := New(Config{MaxConcurrentTasks: 10}, bus, nil)

	mustCreate(t, s, TaskSpec{ID: "t-1"})
	mustCreate(t, s, TaskSpec{ID: "t-2", Dependencies: []Dependency{{TaskID: "t-1", Kind: DependencyRequired}}})
	mustCreate(t, s, TaskSpec{ID: "t-3", Dependencies: []Dependency{{TaskID: "t-1", Kind: DependencyRequired}}})

	if err := s.Start("t-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Complete("t-1", true, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(unblocked) != 2 || unblocked[0] != "t-2" || unblocked[1] != "t-3" {
		t.Errorf("unblocked = %v, want [t-2 t-3] in creation order", unblocked)
	}
}

func TestFailureDoesNotUnblockDependents(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	mustCreate(t, s, TaskSpec{ID: "t-2", Dependencies: []Dependency{{TaskID: "t-1", Kind: DependencyRequired}}})

	s.Start("t-1")
	s.Complete("t-1", false, "boom")

	task, _ := s.Get("t-2")
	if task.Status != StatusBlocked {
		t.Errorf("dependent of failed task = %s, want still blocked", task.Status)
	}
}

func TestSoftDependencyGatesOnRunningTarget(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	soft := mustCreate(t, s, TaskSpec{
		ID:           "t-2",
		Dependencies: []Dependency{{TaskID: "t-1", Kind: DependencySoft}},
	})

	// A soft dependency never blocks at creation.
	if soft.Status != StatusPending {
		t.Fatalf("soft dependent status = %s, want pending", soft.Status)
	}

	s.Start("t-1")
	if err := s.Start("t-2"); !errors.Is(err, errors.ErrDependenciesUnmet) {
		t.Errorf("starting against running soft target: err = %v, want dependencies unmet", err)
	}
	if next := s.Next(); next != nil {
		t.Errorf("Next = %v, want nil while soft target runs", next.ID)
	}

	s.Complete("t-1", false, "soft targets need not succeed")
	if err := s.Start("t-2"); err != nil {
		t.Errorf("soft dependent should start after target stops running: %v", err)
	}
}

func TestNextPriorityThenFIFO(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "low", Priority: PriorityLow})
	mustCreate(t, s, TaskSpec{ID: "normal-1", Priority: PriorityNormal})
	mustCreate(t, s, TaskSpec{ID: "critical", Priority: PriorityCritical})
	mustCreate(t, s, TaskSpec{ID: "normal-2", Priority: PriorityNormal})

	want := []string{"critical", "normal-1", "normal-2", "low"}
	for _, expected := range want {
		next := s.Next()
		if next == nil {
			t.Fatalf("Next = nil, want %s", expected)
		}
		if next.ID != expected {
			t.Fatalf("Next = %s, want %s", next.ID, expected)
		}
		s.Start(next.ID)
		s.Complete(next.ID, true, "")
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	s := newTestScheduler(2)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	mustCreate(t, s, TaskSpec{ID: "t-2"})
	mustCreate(t, s, TaskSpec{ID: "t-3"})

	s.Start("t-1")
	s.Start("t-2")

	if next := s.Next(); next != nil {
		t.Errorf("Next = %s, want nil at ceiling", next.ID)
	}
	if err := s.Start("t-3"); !errors.Is(err, errors.ErrCapacityExceeded) {
		t.Errorf("Start at ceiling: err = %v, want capacity exceeded", err)
	}

	s.Complete("t-1", true, "")
	if next := s.Next(); next == nil || next.ID != "t-3" {
		t.Errorf("Next after completion = %v, want t-3", next)
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})

	if err := s.Complete("t-1", true, ""); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("completing a pending task: err = %v, want invalid state", err)
	}
	if err := s.Complete("ghost", true, ""); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("completing unknown task: err = %v, want not found", err)
	}
}

func TestCancel(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	s.Start("t-1")

	if err := s.Cancel("t-1", "operator abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	task, _ := s.Get("t-1")
	if task.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
	if err := s.Cancel("t-1", "again"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("cancelling a terminal task: err = %v, want invalid state", err)
	}
}

func TestCancelMission(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1", MissionID: "m-1"})
	mustCreate(t, s, TaskSpec{ID: "t-2", MissionID: "m-1"})
	mustCreate(t, s, TaskSpec{ID: "t-3", MissionID: "m-2"})
	s.Start("t-1")
	s.Complete("t-1", true, "")

	cancelled := s.CancelMission("m-1", "mission aborted")
	if len(cancelled) != 1 || cancelled[0] != "t-2" {
		t.Errorf("cancelled = %v, want [t-2]", cancelled)
	}
	other, _ := s.Get("t-3")
	if other.Status != StatusPending {
		t.Errorf("other mission's task = %s, want untouched", other.Status)
	}
}

func TestRetryReturnsFailedToPending(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	s.Start("t-1")
	s.Complete("t-1", false, "flaky")

	if err := s.Retry("t-1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	task, _ := s.Get("t-1")
	if task.Status != StatusPending {
		t.Errorf("status after retry = %s, want pending", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want preserved at 1", task.Attempts)
	}
	if task.FailureReason != "" {
		t.Errorf("failure reason = %q, want cleared", task.FailureReason)
	}

	if err := s.Retry("t-1"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("retrying a pending task: err = %v, want invalid state", err)
	}
}

func TestTimeoutForceFailsRunningTask(t *testing.T) {
	bus := event.NewBus()
	done := make(chan event.TaskCompletedEvent, 1)
	bus.Subscribe("task.completed", func(e event.Event) {
		done <- e.(event.TaskCompletedEvent)
	})
	s := New(Config{MaxConcurrentTasks: 10, TaskTimeout: 20 * time.Millisecond}, bus, nil)
	defer s.Stop()

	mustCreate(t, s, TaskSpec{ID: "t-1"})
	s.Start("t-1")

	select {
	case e := <-done:
		if e.Success {
			t.Error("timeout should report failure")
		}
		if e.Reason != "timed out" {
			t.Errorf("reason = %q, want %q", e.Reason, "timed out")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout event never arrived")
	}

	task, _ := s.Get("t-1")
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
}

func TestCompletionStopsTimeoutTimer(t *testing.T) {
	s := New(Config{MaxConcurrentTasks: 10, TaskTimeout: 20 * time.Millisecond}, nil, nil)
	defer s.Stop()

	mustCreate(t, s, TaskSpec{ID: "t-1"})
	s.Start("t-1")
	s.Complete("t-1", true, "")

	time.Sleep(50 * time.Millisecond)
	task, _ := s.Get("t-1")
	if task.Status != StatusCompleted {
		t.Errorf("status = %s, timer should not fire after completion", task.Status)
	}
}

func TestCountsAndIsComplete(t *testing.T) {
	s := newTestScheduler(10)
	if s.IsComplete() {
		t.Error("empty scheduler should not be complete")
	}

	mustCreate(t, s, TaskSpec{ID: "t-1"})
	mustCreate(t, s, TaskSpec{ID: "t-2", Dependencies: []Dependency{{TaskID: "t-1", Kind: DependencyRequired}}})
	s.Start("t-1")

	c := s.Counts()
	if c.Total != 2 || c.Running != 1 || c.Blocked != 1 {
		t.Errorf("counts = %+v", c)
	}

	s.Complete("t-1", true, "")
	s.Start("t-2")
	s.Complete("t-2", true, "")
	if !s.IsComplete() {
		t.Error("all terminal, should be complete")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1", Dependencies: nil})

	task, _ := s.Get("t-1")
	task.Status = StatusFailed

	again, _ := s.Get("t-1")
	if again.Status != StatusPending {
		t.Error("mutating a returned task should not affect internal state")
	}
}

func TestCleanupRemovesTerminalTasks(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1", MissionID: "m-1"})
	mustCreate(t, s, TaskSpec{ID: "t-2", MissionID: "m-1"})
	mustCreate(t, s, TaskSpec{ID: "t-3", MissionID: "m-2"})

	s.Start("t-1")
	s.Complete("t-1", true, "")
	s.Cancel("t-2", "abandoned")

	if removed := s.Cleanup("m-1"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if tasks := s.List("m-1"); len(tasks) != 0 {
		t.Errorf("m-1 tasks after cleanup = %d, want 0", len(tasks))
	}
	// Other missions and non-terminal tasks are untouched.
	if tasks := s.List("m-2"); len(tasks) != 1 {
		t.Errorf("m-2 tasks = %d, want 1", len(tasks))
	}
	if removed := s.Cleanup("m-2"); removed != 0 {
		t.Errorf("cleanup of pending task removed %d, want 0", removed)
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	s.Start("t-1")
	s.Complete("t-1", true, "patched two files")

	task, _ := s.Get("t-1")
	if task.Result == nil {
		t.Fatal("expected a result record")
	}
	if !task.Result.Success || task.Result.Output != "patched two files" {
		t.Errorf("result = %+v", task.Result)
	}
	if task.Result.Duration < 0 {
		t.Errorf("duration = %v", task.Result.Duration)
	}

	mustCreate(t, s, TaskSpec{ID: "t-2"})
	s.Start("t-2")
	s.Complete("t-2", false, "compile error")
	task, _ = s.Get("t-2")
	if task.Result == nil || task.Result.Success || task.Result.Error != "compile error" {
		t.Errorf("failure result = %+v", task.Result)
	}

	// A retry clears the previous attempt's result.
	s.Retry("t-2")
	task, _ = s.Get("t-2")
	if task.Result != nil {
		t.Errorf("result after retry = %+v, want nil", task.Result)
	}
}

func TestStartFromBlockedReevaluatesDependencies(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "t-1"})
	blocked := mustCreate(t, s, TaskSpec{
		ID:           "t-2",
		Dependencies: []Dependency{{TaskID: "t-1", Kind: DependencyRequired}},
	})
	if blocked.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", blocked.Status)
	}

	// Blocked is start-eligible; the unmet required dependency keeps the
	// task parked rather than rejecting the call as an illegal state.
	if err := s.Start("t-2"); !errors.Is(err, errors.ErrDependenciesUnmet) {
		t.Fatalf("Start blocked task: err = %v, want dependencies unmet", err)
	}
	task, _ := s.Get("t-2")
	if task.Status != StatusBlocked {
		t.Errorf("status after refused start = %s, want blocked", task.Status)
	}

	s.Start("t-1")
	s.Complete("t-1", true, "")
	if err := s.Start("t-2"); err != nil {
		t.Fatalf("Start after dependency completed: %v", err)
	}
	task, _ = s.Get("t-2")
	if task.Status != StatusRunning {
		t.Errorf("status = %s, want running", task.Status)
	}
}

func TestRefusedStartLeavesSoftGatedTaskPending(t *testing.T) {
	s := newTestScheduler(10)
	mustCreate(t, s, TaskSpec{ID: "dep"})
	mustCreate(t, s, TaskSpec{ID: "soft", Dependencies: []Dependency{{TaskID: "dep", Kind: DependencySoft}}})

	s.Start("dep")
	if err := s.Start("soft"); !errors.Is(err, errors.ErrDependenciesUnmet) {
		t.Fatalf("err = %v, want dependencies unmet", err)
	}
	// Blocked is reserved for required-dependency misses.
	task, _ := s.Get("soft")
	if task.Status != StatusPending {
		t.Errorf("soft-gated task = %s, want pending", task.Status)
	}
}
