package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.started", "quota.warning")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Lifecycle Events
// -----------------------------------------------------------------------------

// TaskCreatedEvent is emitted when the scheduler creates a task.
type TaskCreatedEvent struct {
	baseEvent
	TaskID    string
	MissionID string
	Priority  string
}

// NewTaskCreatedEvent creates a TaskCreatedEvent.
func NewTaskCreatedEvent(taskID, missionID, priority string) TaskCreatedEvent {
	return TaskCreatedEvent{
		baseEvent: newBaseEvent("task.created"),
		TaskID:    taskID,
		MissionID: missionID,
		Priority:  priority,
	}
}

// TaskStartedEvent is emitted when a task transitions to running.
type TaskStartedEvent struct {
	baseEvent
	TaskID    string
	MissionID string
}

// NewTaskStartedEvent creates a TaskStartedEvent.
func NewTaskStartedEvent(taskID, missionID string) TaskStartedEvent {
	return TaskStartedEvent{
		baseEvent: newBaseEvent("task.started"),
		TaskID:    taskID,
		MissionID: missionID,
	}
}

// TaskCompletedEvent is emitted when a task reaches a terminal state via
// Complete. Success distinguishes completed from failed.
type TaskCompletedEvent struct {
	baseEvent
	TaskID    string
	MissionID string
	Success   bool
	Reason    string // error context when Success is false
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(taskID, missionID string, success bool, reason string) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent("task.completed"),
		TaskID:    taskID,
		MissionID: missionID,
		Success:   success,
		Reason:    reason,
	}
}

// TaskCancelledEvent is emitted when a task is cancelled.
type TaskCancelledEvent struct {
	baseEvent
	TaskID string
	Reason string
}

// NewTaskCancelledEvent creates a TaskCancelledEvent.
func NewTaskCancelledEvent(taskID, reason string) TaskCancelledEvent {
	return TaskCancelledEvent{
		baseEvent: newBaseEvent("task.cancelled"),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// TaskUnblockedEvent is emitted when a blocked task's dependencies become
// satisfied and it returns to pending.
type TaskUnblockedEvent struct {
	baseEvent
	TaskID    string
	MissionID string
}

// NewTaskUnblockedEvent creates a TaskUnblockedEvent.
func NewTaskUnblockedEvent(taskID, missionID string) TaskUnblockedEvent {
	return TaskUnblockedEvent{
		baseEvent: newBaseEvent("task.unblocked"),
		TaskID:    taskID,
		MissionID: missionID,
	}
}

// -----------------------------------------------------------------------------
// Mission Events
// -----------------------------------------------------------------------------

// MissionStatusEvent is emitted when a mission's status changes.
type MissionStatusEvent struct {
	baseEvent
	MissionID string
	Status    string
	Reason    string
}

// NewMissionStatusEvent creates a MissionStatusEvent.
func NewMissionStatusEvent(missionID, status, reason string) MissionStatusEvent {
	return MissionStatusEvent{
		baseEvent: newBaseEvent("mission.status_changed"),
		MissionID: missionID,
		Status:    status,
		Reason:    reason,
	}
}

// PhaseChangedEvent is emitted when a mission moves along a phase edge.
type PhaseChangedEvent struct {
	baseEvent
	MissionID     string
	PreviousPhase string
	CurrentPhase  string
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(missionID, previousPhase, currentPhase string) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent:     newBaseEvent("mission.phase_changed"),
		MissionID:     missionID,
		PreviousPhase: previousPhase,
		CurrentPhase:  currentPhase,
	}
}

// -----------------------------------------------------------------------------
// Quota Events
// -----------------------------------------------------------------------------

// QuotaThresholdEvent is emitted once per crossing into the warning,
// critical, or exceeded state for a provider.
type QuotaThresholdEvent struct {
	baseEvent
	Provider string
	State    string  // "warning", "critical", or "exceeded"
	Ratio    float64 // usage ratio at the time of crossing
}

// NewQuotaThresholdEvent creates a QuotaThresholdEvent.
func NewQuotaThresholdEvent(provider, state string, ratio float64) QuotaThresholdEvent {
	return QuotaThresholdEvent{
		baseEvent: newBaseEvent("quota.threshold"),
		Provider:  provider,
		State:     state,
		Ratio:     ratio,
	}
}

// QuotaWindowRotatedEvent is emitted when a provider's usage window expires
// and a fresh one replaces it.
type QuotaWindowRotatedEvent struct {
	baseEvent
	Provider    string
	WindowStart time.Time
	WindowEnd   time.Time
}

// NewQuotaWindowRotatedEvent creates a QuotaWindowRotatedEvent.
func NewQuotaWindowRotatedEvent(provider string, start, end time.Time) QuotaWindowRotatedEvent {
	return QuotaWindowRotatedEvent{
		baseEvent:   newBaseEvent("quota.window_rotated"),
		Provider:    provider,
		WindowStart: start,
		WindowEnd:   end,
	}
}

// -----------------------------------------------------------------------------
// Merge Events
// -----------------------------------------------------------------------------

// ConflictDetectedEvent is emitted when two branches overlap on a file region.
type ConflictDetectedEvent struct {
	baseEvent
	ConflictID string
	FilePath   string
	Branches   []string // the two conflicting branch IDs
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(conflictID, filePath string, branches []string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent:  newBaseEvent("conflict.detected"),
		ConflictID: conflictID,
		FilePath:   filePath,
		Branches:   branches,
	}
}

// BranchMergedEvent is emitted when a branch's changes land in the canonical
// file set.
type BranchMergedEvent struct {
	baseEvent
	BranchID string
	TaskID   string
	Files    int // number of file changes applied
}

// NewBranchMergedEvent creates a BranchMergedEvent.
func NewBranchMergedEvent(branchID, taskID string, files int) BranchMergedEvent {
	return BranchMergedEvent{
		baseEvent: newBaseEvent("branch.merged"),
		BranchID:  branchID,
		TaskID:    taskID,
		Files:     files,
	}
}

// -----------------------------------------------------------------------------
// Pool Events
// -----------------------------------------------------------------------------

// QueueDepthChangedEvent is emitted when the agent pool's request queue
// depth changes.
type QueueDepthChangedEvent struct {
	baseEvent
	Depth  int
	Agents int // agents currently alive
	Busy   int // agents currently executing
}

// NewQueueDepthChangedEvent creates a QueueDepthChangedEvent.
func NewQueueDepthChangedEvent(depth, agents, busy int) QueueDepthChangedEvent {
	return QueueDepthChangedEvent{
		baseEvent: newBaseEvent("pool.queue_depth"),
		Depth:     depth,
		Agents:    agents,
		Busy:      busy,
	}
}

// AgentRetiredEvent is emitted when the idle sweep retires an agent.
type AgentRetiredEvent struct {
	baseEvent
	AgentID string
	Idle    time.Duration
}

// NewAgentRetiredEvent creates an AgentRetiredEvent.
func NewAgentRetiredEvent(agentID string, idle time.Duration) AgentRetiredEvent {
	return AgentRetiredEvent{
		baseEvent: newBaseEvent("pool.agent_retired"),
		AgentID:   agentID,
		Idle:      idle,
	}
}
