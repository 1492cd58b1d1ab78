// Package scheduler manages the task lifecycle: creation with dependency
// edges, priority-ordered selection under a concurrency ceiling, per-task
// wall-clock timeouts, and re-evaluation of blocked tasks as their
// dependencies resolve.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/event"
	"github.com/praxislabs/dirigent/internal/logging"
)

// timeoutReason is the failure reason recorded when a task's wall-clock
// timer fires before it finishes.
const timeoutReason = "timed out"

// Config controls scheduler limits.
type Config struct {
	// MaxConcurrentTasks is the ceiling of simultaneously running tasks.
	MaxConcurrentTasks int
	// TaskTimeout is the per-task wall-clock limit once running. Zero
	// disables the timer.
	TaskTimeout time.Duration
}

// Scheduler manages a set of tasks with dependency-aware selection.
// All methods are safe for concurrent use via an internal mutex.
type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	bus    *event.Bus
	logger *logging.Logger
	tasks  map[string]*Task       // taskID -> task
	order  []string               // task IDs in creation order
	timers map[string]*time.Timer // taskID -> running timeout timer
}

// New creates a Scheduler publishing lifecycle events to the given bus.
// A nil bus disables notifications.
func New(cfg Config, bus *event.Bus, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 10
	}
	return &Scheduler{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		tasks:  make(map[string]*Task),
		timers: make(map[string]*time.Timer),
	}
}

// Create registers a new task. The task starts pending, or blocked when any
// required dependency has not completed. Dependencies must reference tasks
// that already exist.
func (s *Scheduler) Create(spec TaskSpec) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.tasks[id]; exists {
		return nil, errors.NewInvalidState("create task", "task", "already exists")
	}

	priority := spec.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, errors.NewInvalidState("create task", "priority", string(priority))
	}

	for _, dep := range spec.Dependencies {
		if _, ok := s.tasks[dep.TaskID]; !ok {
			return nil, errors.NewNotFound("dependency task", dep.TaskID)
		}
		if dep.Kind != DependencyRequired && dep.Kind != DependencySoft {
			return nil, errors.NewInvalidState("create task", "dependency kind", string(dep.Kind))
		}
	}

	task := &Task{
		ID:           id,
		MissionID:    spec.MissionID,
		Title:        spec.Title,
		Description:  spec.Description,
		Priority:     priority,
		Dependencies: spec.Dependencies,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}
	if !s.requiredMet(task) {
		task.Status = StatusBlocked
	}
	s.tasks[id] = task
	s.order = append(s.order, id)

	s.logger.Debug("task created",
		"task_id", id,
		"mission_id", task.MissionID,
		"priority", string(priority),
		"status", string(task.Status),
	)
	if s.bus != nil {
		s.bus.Publish(event.NewTaskCreatedEvent(id, task.MissionID, string(priority)))
	}
	return copyTask(task), nil
}

// Next returns the task that would be started next: the highest-priority
// eligible pending task, FIFO within a tier. Returns nil when the running
// ceiling is reached or no task is eligible.
func (s *Scheduler) Next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningCount() >= s.cfg.MaxConcurrentTasks {
		return nil
	}
	if task := s.nextEligible(); task != nil {
		return copyTask(task)
	}
	return nil
}

// NextForMission is Next restricted to a single mission's tasks.
func (s *Scheduler) NextForMission(missionID string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningCount() >= s.cfg.MaxConcurrentTasks {
		return nil
	}
	if task := s.nextEligibleFor(missionID); task != nil {
		return copyTask(task)
	}
	return nil
}

// Start transitions a pending or blocked task to running, starting its
// timeout timer. Dependencies are re-evaluated on the way in: a required
// dependency still incomplete parks the task as blocked, a soft dependency
// still running leaves it pending, and both fail the call with
// DependenciesUnmet.
func (s *Scheduler) Start(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errors.NewNotFound("task", taskID)
	}
	if task.Status != StatusPending && task.Status != StatusBlocked {
		return errors.NewInvalidState("start task", "task", string(task.Status))
	}
	if missing := s.unmetDependencies(task); len(missing) > 0 {
		if s.requiredMet(task) {
			task.Status = StatusPending
		} else {
			task.Status = StatusBlocked
		}
		return errors.NewDependenciesUnmet(taskID, missing)
	}
	if s.runningCount() >= s.cfg.MaxConcurrentTasks {
		return errors.NewCapacityExceeded("running tasks", s.cfg.MaxConcurrentTasks)
	}

	now := time.Now()
	task.Status = StatusRunning
	task.StartedAt = &now
	task.Attempts++

	if s.cfg.TaskTimeout > 0 {
		s.timers[taskID] = time.AfterFunc(s.cfg.TaskTimeout, func() {
			s.timeout(taskID)
		})
	}

	s.logger.Info("task started", "task_id", taskID, "attempt", task.Attempts)
	if s.bus != nil {
		s.bus.Publish(event.NewTaskStartedEvent(taskID, task.MissionID))
	}
	return nil
}

// Complete finishes a running task. Success moves it to completed with the
// detail recorded as its output; failure moves it to failed with the detail
// as its reason. Blocked tasks whose required dependencies are now all
// completed return to pending, in creation order.
func (s *Scheduler) Complete(taskID string, success bool, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errors.NewNotFound("task", taskID)
	}
	if task.Status != StatusRunning {
		return errors.NewInvalidState("complete task", "task", string(task.Status))
	}

	s.stopTimer(taskID)
	now := time.Now()
	task.CompletedAt = &now
	result := &Result{Success: success}
	if task.StartedAt != nil {
		result.Duration = now.Sub(*task.StartedAt)
	}
	if success {
		task.Status = StatusCompleted
		result.Output = detail
	} else {
		task.Status = StatusFailed
		task.FailureReason = detail
		result.Error = detail
	}
	task.Result = result

	s.logger.Info("task completed",
		"task_id", taskID,
		"success", success,
		"detail", detail,
	)
	if s.bus != nil {
		s.bus.Publish(event.NewTaskCompletedEvent(taskID, task.MissionID, success, detail))
	}
	if success {
		s.unblockLocked()
	}
	return nil
}

// Cancel moves a non-terminal task to cancelled. Cancelling a running task
// stops its timeout timer.
func (s *Scheduler) Cancel(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errors.NewNotFound("task", taskID)
	}
	if task.Status.IsTerminal() {
		return errors.NewInvalidState("cancel task", "task", string(task.Status))
	}

	s.stopTimer(taskID)
	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.FailureReason = reason

	s.logger.Info("task cancelled", "task_id", taskID, "reason", reason)
	if s.bus != nil {
		s.bus.Publish(event.NewTaskCancelledEvent(taskID, reason))
	}
	return nil
}

// CancelMission cancels every non-terminal task belonging to a mission and
// returns the IDs of the tasks cancelled.
func (s *Scheduler) CancelMission(missionID, reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled []string
	for _, id := range s.order {
		task := s.tasks[id]
		if task.MissionID != missionID || task.Status.IsTerminal() {
			continue
		}
		s.stopTimer(id)
		now := time.Now()
		task.Status = StatusCancelled
		task.CompletedAt = &now
		task.FailureReason = reason
		cancelled = append(cancelled, id)
		if s.bus != nil {
			s.bus.Publish(event.NewTaskCancelledEvent(id, reason))
		}
	}
	return cancelled
}

// Retry returns a failed task to pending (or blocked, when a required
// dependency is no longer completed) so it can be selected again. Attempt
// count is preserved.
func (s *Scheduler) Retry(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errors.NewNotFound("task", taskID)
	}
	if task.Status != StatusFailed {
		return errors.NewInvalidState("retry task", "task", string(task.Status))
	}

	task.Status = StatusPending
	task.StartedAt = nil
	task.CompletedAt = nil
	task.FailureReason = ""
	task.Result = nil
	if !s.requiredMet(task) {
		task.Status = StatusBlocked
	}
	s.logger.Debug("task queued for retry", "task_id", taskID, "attempts", task.Attempts)
	return nil
}

// Get returns a copy of the task with the given ID.
func (s *Scheduler) Get(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.NewNotFound("task", taskID)
	}
	return copyTask(task), nil
}

// List returns copies of all tasks for a mission in creation order. An
// empty missionID lists every task.
func (s *Scheduler) List(missionID string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Task
	for _, id := range s.order {
		task := s.tasks[id]
		if missionID != "" && task.MissionID != missionID {
			continue
		}
		result = append(result, copyTask(task))
	}
	return result
}

// Counts returns a snapshot of per-status task counts.
func (s *Scheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	c.Total = len(s.tasks)
	for _, task := range s.tasks {
		switch task.Status {
		case StatusPending:
			c.Pending++
		case StatusBlocked:
			c.Blocked++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Cleanup removes a mission's terminal tasks and returns how many were
// dropped. Non-terminal tasks are kept; cancel them first.
func (s *Scheduler) Cleanup(missionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		task := s.tasks[id]
		if task.MissionID == missionID && task.Status.IsTerminal() {
			s.stopTimer(id)
			delete(s.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if removed > 0 {
		s.logger.Debug("mission tasks cleaned up", "mission_id", missionID, "removed", removed)
	}
	return removed
}

// IsComplete returns true when all tasks are in a terminal state.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return len(s.tasks) > 0
}

// Stop cancels all outstanding timeout timers. Task state is left as is.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// timeout force-fails a task whose wall-clock timer fired while it was
// still running.
func (s *Scheduler) timeout(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		return
	}
	delete(s.timers, taskID)
	now := time.Now()
	task.Status = StatusFailed
	task.CompletedAt = &now
	task.FailureReason = timeoutReason
	result := &Result{Success: false, Error: timeoutReason}
	if task.StartedAt != nil {
		result.Duration = now.Sub(*task.StartedAt)
	}
	task.Result = result

	s.logger.Warn("task timed out", "task_id", taskID, "timeout", s.cfg.TaskTimeout)
	if s.bus != nil {
		s.bus.Publish(event.NewTaskCompletedEvent(taskID, task.MissionID, false, timeoutReason))
	}
}

// stopTimer stops and removes a task's timeout timer. Caller holds s.mu.
func (s *Scheduler) stopTimer(taskID string) {
	if timer, ok := s.timers[taskID]; ok {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// runningCount counts running tasks. Caller holds s.mu.
func (s *Scheduler) runningCount() int {
	n := 0
	for _, task := range s.tasks {
		if task.Status == StatusRunning {
			n++
		}
	}
	return n
}

// copyTask returns an independent copy of a task.
func copyTask(task *Task) *Task {
	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = make([]Dependency, len(task.Dependencies))
		copy(cp.Dependencies, task.Dependencies)
	}
	if task.StartedAt != nil {
		t := *task.StartedAt
		cp.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		cp.CompletedAt = &t
	}
	if task.Result != nil {
		r := *task.Result
		cp.Result = &r
	}
	return &cp
}
