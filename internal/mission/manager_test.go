package mission

import (
	"testing"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/event"
)

// newActive creates and starts a mission.
func newActive(t *testing.T, m *Manager) *Mission {
	t.Helper()
	mission := m.Create("ship feature", "")
	if err := m.Start(mission.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return mission
}

func TestPhaseGraph(t *testing.T) {
	tests := []struct {
		from    Phase
		to      Phase
		allowed bool
	}{
		{PhasePlanning, PhaseValidation, true},
		{PhasePlanning, PhaseCompletion, true},
		{PhasePlanning, PhaseExecution, false},
		{PhaseValidation, PhaseExecution, true},
		{PhaseValidation, PhasePlanning, true},
		{PhaseValidation, PhaseCompletion, false},
		{PhaseExecution, PhaseVerification, true},
		{PhaseExecution, PhasePlanning, true},
		{PhaseExecution, PhaseCompletion, false},
		{PhaseVerification, PhaseCompletion, true},
		{PhaseVerification, PhaseExecution, true},
		{PhaseVerification, PhaseValidation, false},
		{PhaseCompletion, PhasePlanning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
	if !PhaseCompletion.IsTerminal() {
		t.Error("completion should be terminal")
	}
	if PhasePlanning.IsTerminal() {
		t.Error("planning should not be terminal")
	}
}

func TestCreateStartsPendingInPlanning(t *testing.T) {
	m := NewManager(nil, nil)
	mission := m.Create("ship feature", "")

	if mission.Phase != PhasePlanning {
		t.Errorf("phase = %s, want planning", mission.Phase)
	}
	if mission.Status != StatusPending {
		t.Errorf("status = %s, want pending", mission.Status)
	}
	if mission.ID == "" {
		t.Error("expected a generated ID")
	}
	if mission.StartedAt != nil {
		t.Error("StartedAt should be unset before Start")
	}
}

func TestStartActivates(t *testing.T) {
	m := NewManager(nil, nil)
	mission := m.Create("ship feature", "")

	// A pending mission cannot advance phases.
	if err := m.Advance(mission.ID, PhaseValidation); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("advance before start: err = %v, want invalid state", err)
	}

	if err := m.Start(mission.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := m.Get(mission.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be set")
	}
	if err := m.Start(mission.ID); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("double start: err = %v, want invalid state", err)
	}
}

func TestPauseResume(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	if err := m.Pause(mission.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := m.Advance(mission.ID, PhaseValidation); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("advance while paused: err = %v, want invalid state", err)
	}
	if err := m.Pause(mission.ID); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("double pause: err = %v, want invalid state", err)
	}

	if err := m.Resume(mission.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := m.Advance(mission.ID, PhaseValidation); err != nil {
		t.Errorf("advance after resume: %v", err)
	}
}

func TestAdvanceFollowsGraph(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	if err := m.Advance(mission.ID, PhaseExecution); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("planning -> execution: err = %v, want invalid transition", err)
	}
	for _, phase := range []Phase{PhaseValidation, PhaseExecution, PhaseVerification, PhaseCompletion} {
		if err := m.Advance(mission.ID, phase); err != nil {
			t.Fatalf("Advance(%s): %v", phase, err)
		}
	}

	got, _ := m.Get(mission.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed after reaching completion phase", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if err := m.Advance(mission.ID, PhasePlanning); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("advancing a completed mission: err = %v, want invalid state", err)
	}
}

func TestBackwardEdges(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	m.Advance(mission.ID, PhaseValidation)
	if err := m.Advance(mission.ID, PhasePlanning); err != nil {
		t.Fatalf("validation -> planning: %v", err)
	}
	got, _ := m.Get(mission.ID)
	if got.Phase != PhasePlanning {
		t.Errorf("phase = %s, want planning after fallback", got.Phase)
	}
}

func TestPhaseChangeEvents(t *testing.T) {
	bus := event.NewBus()
	var changes []event.PhaseChangedEvent
	bus.Subscribe("mission.phase_changed", func(e event.Event) {
		changes = append(changes, e.(event.PhaseChangedEvent))
	})
	m := NewManager(bus, nil)
	mission := newActive(t, m)

	m.Advance(mission.ID, PhaseValidation)
	if len(changes) != 1 {
		t.Fatalf("expected 1 phase event, got %d", len(changes))
	}
	if changes[0].PreviousPhase != "planning" || changes[0].CurrentPhase != "validation" {
		t.Errorf("event = %+v", changes[0])
	}
}

func TestCancelIsNotFailure(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	if err := m.Cancel(mission.ID, "operator abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := m.Get(mission.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.FailureReason != "operator abort" {
		t.Errorf("reason = %q", got.FailureReason)
	}
	if err := m.Fail(mission.ID, "late failure"); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("failing a cancelled mission: err = %v, want invalid state", err)
	}
}

func TestFail(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	if err := m.Fail(mission.ID, "merge conflict unresolvable"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := m.Get(mission.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestRollbackPoint(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	if _, err := m.RollbackPoint(mission.ID); !errors.Is(err, errors.ErrNoRollbackPoint) {
		t.Errorf("missing rollback point: err = %v, want no rollback point", err)
	}

	if err := m.SetRollbackPoint(mission.ID, "snap-42"); err != nil {
		t.Fatalf("SetRollbackPoint: %v", err)
	}
	point, err := m.RollbackPoint(mission.ID)
	if err != nil {
		t.Fatalf("RollbackPoint: %v", err)
	}
	if point != "snap-42" {
		t.Errorf("point = %q, want snap-42", point)
	}
}

func TestRollbackForcesPlanning(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	if err := m.Rollback(mission.ID); !errors.Is(err, errors.ErrNoRollbackPoint) {
		t.Errorf("rollback without a point: err = %v, want no rollback point", err)
	}

	m.Advance(mission.ID, PhaseValidation)
	m.Advance(mission.ID, PhaseExecution)
	m.SetRollbackPoint(mission.ID, "snap-1")
	m.UpdateProgress(mission.ID, 4, 2)

	if err := m.Rollback(mission.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got, _ := m.Get(mission.ID)
	if got.Phase != PhasePlanning {
		t.Errorf("phase = %s, want planning after rollback", got.Phase)
	}
	if got.Progress.TasksCompleted != 0 || got.Progress.Percent != 0 {
		t.Errorf("progress not reset: %+v", got.Progress)
	}

	m.Fail(mission.ID, "gave up")
	if err := m.Rollback(mission.ID); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("rollback of a terminal mission: err = %v, want invalid state", err)
	}
}

func TestUpdateProgress(t *testing.T) {
	m := NewManager(nil, nil)
	mission := newActive(t, m)

	if err := m.UpdateProgress(mission.ID, 4, 1); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ := m.Get(mission.ID)
	if got.Progress.TasksTotal != 4 || got.Progress.TasksCompleted != 1 {
		t.Errorf("progress = %+v", got.Progress)
	}
	if got.Progress.Percent != 25 {
		t.Errorf("percent = %v, want 25", got.Progress.Percent)
	}
	if got.Progress.EstimatedCompletion == nil {
		t.Error("expected a completion estimate once a task has completed")
	}

	m.UpdateProgress(mission.ID, 4, 4)
	got, _ = m.Get(mission.ID)
	if got.Progress.Percent != 100 {
		t.Errorf("percent = %v, want 100", got.Progress.Percent)
	}
	if got.Progress.EstimatedCompletion != nil {
		t.Error("no estimate expected once everything is done")
	}
}

func TestUnknownMission(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.Get("ghost"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get: err = %v, want not found", err)
	}
	if err := m.Advance("ghost", PhaseValidation); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Advance: err = %v, want not found", err)
	}
	if err := m.Start("ghost"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Start: err = %v, want not found", err)
	}
}

func TestListPreservesCreationOrder(t *testing.T) {
	m := NewManager(nil, nil)
	first := m.Create("first", "")
	second := m.Create("second", "")

	missions := m.List()
	if len(missions) != 2 || missions[0].ID != first.ID || missions[1].ID != second.ID {
		t.Errorf("List order wrong: %v", missions)
	}
}

// recordingCanceller captures the cascade call Cancel makes.
type recordingCanceller struct {
	missionID string
	reason    string
}

func (c *recordingCanceller) CancelMission(missionID, reason string) []string {
	c.missionID = missionID
	c.reason = reason
	return []string{"t-1", "t-2"}
}

func TestCancelCascadesToBoundScheduler(t *testing.T) {
	m := NewManager(nil, nil)
	tasks := &recordingCanceller{}
	m.BindScheduler(tasks)

	created := newActive(t, m)
	if err := m.Cancel(created.ID, "operator abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tasks.missionID != created.ID || tasks.reason != "operator abort" {
		t.Errorf("cascade = (%s, %q), want (%s, \"operator abort\")",
			tasks.missionID, tasks.reason, created.ID)
	}
}

func TestFailDoesNotCascadeTaskCancellation(t *testing.T) {
	m := NewManager(nil, nil)
	tasks := &recordingCanceller{}
	m.BindScheduler(tasks)

	created := newActive(t, m)
	if err := m.Fail(created.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	// The coordinator owns failure teardown; only cancellation cascades.
	if tasks.missionID != "" {
		t.Errorf("unexpected cascade to mission %s", tasks.missionID)
	}
}
