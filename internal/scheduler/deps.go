package scheduler

import "github.com/praxislabs/dirigent/internal/event"

// requiredMet returns true if all of the task's required dependencies are
// completed. Soft dependencies never block a task permanently, so they are
// not considered here. Caller holds s.mu.
func (s *Scheduler) requiredMet(task *Task) bool {
	for _, dep := range task.Dependencies {
		if dep.Kind != DependencyRequired {
			continue
		}
		target, ok := s.tasks[dep.TaskID]
		if !ok || target.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// softMet returns true if none of the task's soft dependency targets is
// currently running. Caller holds s.mu.
func (s *Scheduler) softMet(task *Task) bool {
	for _, dep := range task.Dependencies {
		if dep.Kind != DependencySoft {
			continue
		}
		target, ok := s.tasks[dep.TaskID]
		if ok && target.Status == StatusRunning {
			return false
		}
	}
	return true
}

// unmetDependencies returns the IDs of dependencies currently gating the
// task: required targets not yet completed and soft targets still running.
// Caller holds s.mu.
func (s *Scheduler) unmetDependencies(task *Task) []string {
	var missing []string
	for _, dep := range task.Dependencies {
		target, ok := s.tasks[dep.TaskID]
		switch dep.Kind {
		case DependencyRequired:
			if !ok || target.Status != StatusCompleted {
				missing = append(missing, dep.TaskID)
			}
		case DependencySoft:
			if ok && target.Status == StatusRunning {
				missing = append(missing, dep.TaskID)
			}
		}
	}
	return missing
}

// nextEligible returns the next startable task: pending, dependencies
// satisfied, highest priority first, creation order within a tier.
// Caller holds s.mu.
func (s *Scheduler) nextEligible() *Task {
	return s.nextEligibleFor("")
}

// nextEligibleFor is nextEligible restricted to one mission's tasks; an
// empty missionID considers every task. Caller holds s.mu.
func (s *Scheduler) nextEligibleFor(missionID string) *Task {
	var best *Task
	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status != StatusPending {
			continue
		}
		if missionID != "" && task.MissionID != missionID {
			continue
		}
		if !s.requiredMet(task) || !s.softMet(task) {
			continue
		}
		// Creation order is the tie-breaker, so strictly-higher priority
		// is the only reason to displace an earlier candidate.
		if best == nil || rank[task.Priority] < rank[best.Priority] {
			best = task
		}
	}
	return best
}

// unblockLocked re-evaluates blocked tasks in creation order, returning to
// pending those whose required dependencies are now all completed, and
// publishes an unblocked event for each. Caller holds s.mu.
func (s *Scheduler) unblockLocked() {
	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status != StatusBlocked {
			continue
		}
		if !s.requiredMet(task) {
			continue
		}
		task.Status = StatusPending
		s.logger.Debug("task unblocked", "task_id", id)
		if s.bus != nil {
			s.bus.Publish(event.NewTaskUnblockedEvent(id, task.MissionID))
		}
	}
}
