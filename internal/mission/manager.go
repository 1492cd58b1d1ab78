// Package mission tracks missions through a fixed phase graph. A mission
// moves forward phase by phase, may fall back to an earlier phase when
// validation or verification rejects its work, and carries an optional
// rollback point recorded before execution begins.
package mission

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/event"
	"github.com/praxislabs/dirigent/internal/logging"
)

// Status is a mission's overall state, orthogonal to its phase.
type Status string

const (
	// StatusPending means the mission is created but not yet started.
	StatusPending Status = "pending"
	// StatusActive means the mission is progressing through its phases.
	StatusActive Status = "active"
	// StatusPaused means the mission is suspended and may be resumed.
	StatusPaused Status = "paused"
	// StatusCompleted means the mission reached the completion phase.
	StatusCompleted Status = "completed"
	// StatusFailed means the mission was abandoned after an unrecoverable
	// failure.
	StatusFailed Status = "failed"
	// StatusCancelled means the mission was cancelled by request.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress summarizes how far a mission's tasks have come.
type Progress struct {
	TasksTotal     int     `json:"tasks_total"`
	TasksCompleted int     `json:"tasks_completed"`
	Percent        float64 `json:"percent"`
	// EstimatedCompletion extrapolates from the completion rate so far.
	// Nil until at least one task has completed.
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Mission is one orchestrated unit of work.
type Mission struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Phase       Phase    `json:"phase"`
	Status      Status   `json:"status"`
	Progress    Progress `json:"progress"`

	// RollbackPoint identifies the snapshot taken before execution began.
	// Empty when no snapshot exists.
	RollbackPoint string `json:"rollback_point,omitempty"`

	// FailureReason carries context when the mission failed or was cancelled.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskCanceller cancels a mission's outstanding tasks. The scheduler
// satisfies it.
type TaskCanceller interface {
	CancelMission(missionID, reason string) []string
}

// Manager tracks missions. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	missions map[string]*Mission
	order    []string
	tasks    TaskCanceller
	bus      *event.Bus
	logger   *logging.Logger
}

// NewManager creates a mission Manager publishing to the given bus.
// A nil bus disables notifications.
func NewManager(bus *event.Bus, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		missions: make(map[string]*Mission),
		bus:      bus,
		logger:   logger,
	}
}

// BindScheduler wires the task canceller that mission cancellation
// cascades to. A nil canceller disables the cascade.
func (m *Manager) BindScheduler(tasks TaskCanceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = tasks
}

// Create registers a new pending mission in the planning phase.
func (m *Manager) Create(title, description string) *Mission {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	mission := &Mission{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Phase:       PhasePlanning,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.missions[mission.ID] = mission
	m.order = append(m.order, mission.ID)

	m.logger.Info("mission created", "mission_id", mission.ID, "title", title)
	if m.bus != nil {
		m.bus.Publish(event.NewMissionStatusEvent(mission.ID, string(StatusPending), "created"))
	}
	return copyMission(mission)
}

// Start activates a pending mission.
func (m *Manager) Start(id string) error {
	return m.setStatus(id, StatusPending, StatusActive, "start mission")
}

// Pause suspends an active mission. Phase advances are refused until the
// mission is resumed.
func (m *Manager) Pause(id string) error {
	return m.setStatus(id, StatusActive, StatusPaused, "pause mission")
}

// Resume reactivates a paused mission.
func (m *Manager) Resume(id string) error {
	return m.setStatus(id, StatusPaused, StatusActive, "resume mission")
}

// setStatus performs one allowed status edge, stamping StartedAt on the
// first activation.
func (m *Manager) setStatus(id string, from, to Status, operation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return errors.NewNotFound("mission", id)
	}
	if mission.Status != from {
		return errors.NewInvalidState(operation, "mission", string(mission.Status))
	}

	now := time.Now()
	mission.Status = to
	mission.UpdatedAt = now
	if to == StatusActive && mission.StartedAt == nil {
		mission.StartedAt = &now
	}

	m.logger.Info("mission status changed", "mission_id", id, "status", string(to))
	if m.bus != nil {
		m.bus.Publish(event.NewMissionStatusEvent(id, string(to), ""))
	}
	return nil
}

// UpdateProgress records task counts for the mission and refreshes the
// derived percentage and completion estimate.
func (m *Manager) UpdateProgress(id string, total, completed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return errors.NewNotFound("mission", id)
	}

	progress := Progress{TasksTotal: total, TasksCompleted: completed}
	if total > 0 {
		progress.Percent = float64(completed) / float64(total) * 100
	}
	if completed > 0 && completed < total && mission.StartedAt != nil {
		elapsed := time.Since(*mission.StartedAt)
		eta := mission.StartedAt.Add(time.Duration(float64(elapsed) * float64(total) / float64(completed)))
		progress.EstimatedCompletion = &eta
	}
	mission.Progress = progress
	mission.UpdatedAt = time.Now()
	return nil
}

// Get returns a copy of the mission with the given ID.
func (m *Manager) Get(id string) (*Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return nil, errors.NewNotFound("mission", id)
	}
	return copyMission(mission), nil
}

// List returns copies of all missions in creation order.
func (m *Manager) List() []*Mission {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Mission, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, copyMission(m.missions[id]))
	}
	return result
}

// Advance moves an active mission along a phase edge. Entering the
// completion phase also completes the mission.
func (m *Manager) Advance(id string, next Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return errors.NewNotFound("mission", id)
	}
	if mission.Status != StatusActive {
		return errors.NewInvalidState("advance mission", "mission", string(mission.Status))
	}
	if !next.Valid() {
		return errors.NewInvalidTransition(string(mission.Phase), string(next))
	}
	if !mission.Phase.CanTransitionTo(next) {
		return errors.NewInvalidTransition(string(mission.Phase), string(next))
	}

	prev := mission.Phase
	now := time.Now()
	mission.Phase = next
	mission.UpdatedAt = now

	m.logger.Info("mission phase changed",
		"mission_id", id,
		"from", string(prev),
		"to", string(next),
	)
	if m.bus != nil {
		m.bus.Publish(event.NewPhaseChangedEvent(id, string(prev), string(next)))
	}

	if next == PhaseCompletion {
		mission.Status = StatusCompleted
		mission.CompletedAt = &now
		if m.bus != nil {
			m.bus.Publish(event.NewMissionStatusEvent(id, string(StatusCompleted), ""))
		}
	}
	return nil
}

// Fail marks an active mission failed.
func (m *Manager) Fail(id, reason string) error {
	return m.finish(id, StatusFailed, reason)
}

// Cancel marks an active mission cancelled and cascades the cancellation
// to the mission's outstanding tasks through the bound scheduler.
// Cancellation is distinct from failure: the mission was stopped by
// request, not by an error.
func (m *Manager) Cancel(id, reason string) error {
	return m.finish(id, StatusCancelled, reason)
}

func (m *Manager) finish(id string, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return errors.NewNotFound("mission", id)
	}
	if mission.Status.IsTerminal() {
		return errors.NewInvalidState("finish mission", "mission", string(mission.Status))
	}

	now := time.Now()
	mission.Status = status
	mission.FailureReason = reason
	mission.UpdatedAt = now
	mission.CompletedAt = &now

	if status == StatusCancelled && m.tasks != nil {
		if cancelled := m.tasks.CancelMission(id, reason); len(cancelled) > 0 {
			m.logger.Info("mission tasks cancelled", "mission_id", id, "count", len(cancelled))
		}
	}

	m.logger.Info("mission finished",
		"mission_id", id,
		"status", string(status),
		"reason", reason,
	)
	if m.bus != nil {
		m.bus.Publish(event.NewMissionStatusEvent(id, string(status), reason))
	}
	return nil
}

// SetRollbackPoint records the snapshot identifier to restore on failure.
func (m *Manager) SetRollbackPoint(id, point string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return errors.NewNotFound("mission", id)
	}
	mission.RollbackPoint = point
	mission.UpdatedAt = time.Now()
	return nil
}

// Rollback forces a non-terminal mission back to the planning phase with
// its progress reset, after the caller has restored the recorded snapshot.
// It fails with NoRollbackPoint when no snapshot was ever recorded.
func (m *Manager) Rollback(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return errors.NewNotFound("mission", id)
	}
	if mission.Status.IsTerminal() {
		return errors.NewInvalidState("rollback mission", "mission", string(mission.Status))
	}
	if mission.RollbackPoint == "" {
		return errors.NewNoRollbackPoint(id)
	}

	prev := mission.Phase
	mission.Phase = PhasePlanning
	mission.Progress = Progress{TasksTotal: mission.Progress.TasksTotal}
	mission.UpdatedAt = time.Now()

	m.logger.Info("mission rolled back",
		"mission_id", id,
		"from", string(prev),
		"snapshot", mission.RollbackPoint,
	)
	if m.bus != nil {
		m.bus.Publish(event.NewPhaseChangedEvent(id, string(prev), string(PhasePlanning)))
	}
	return nil
}

// RollbackPoint returns the mission's recorded snapshot identifier, or an
// error when none was ever recorded.
func (m *Manager) RollbackPoint(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, ok := m.missions[id]
	if !ok {
		return "", errors.NewNotFound("mission", id)
	}
	if mission.RollbackPoint == "" {
		return "", errors.NewNoRollbackPoint(id)
	}
	return mission.RollbackPoint, nil
}

func copyMission(mission *Mission) *Mission {
	cp := *mission
	if mission.StartedAt != nil {
		t := *mission.StartedAt
		cp.StartedAt = &t
	}
	if mission.CompletedAt != nil {
		t := *mission.CompletedAt
		cp.CompletedAt = &t
	}
	if mission.Progress.EstimatedCompletion != nil {
		t := *mission.Progress.EstimatedCompletion
		cp.Progress.EstimatedCompletion = &t
	}
	return &cp
}
