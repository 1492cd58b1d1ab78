// Package retry tracks retry attempts for task executions.
//
// The coordinator consults a Manager to decide whether a failed task gets
// another attempt, and records the outcome of each attempt so the retry
// history survives for auditing and persistence.
package retry

import (
	"context"
	"sync"
	"time"
)

// TaskState tracks retry attempts for a task.
type TaskState struct {
	TaskID      string    `json:"task_id"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	LastError   string    `json:"last_error,omitempty"`
	AttemptLog  []string  `json:"attempt_log,omitempty"` // Error per failed attempt
	Succeeded   bool      `json:"succeeded,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
}

// Manager manages retry state for tasks.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu      sync.RWMutex
	states  map[string]*TaskState
	backoff time.Duration
}

// NewManager creates a retry manager. backoff is the delay Wait imposes
// between attempts; zero disables the delay.
func NewManager(backoff time.Duration) *Manager {
	return &Manager{
		states:  make(map[string]*TaskState),
		backoff: backoff,
	}
}

// GetOrCreateState returns or creates retry state for a task.
// If the state doesn't exist, it creates one with the given maxRetries.
func (m *Manager) GetOrCreateState(taskID string, maxRetries int) *TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		state = &TaskState{
			TaskID:     taskID,
			MaxRetries: maxRetries,
		}
		m.states[taskID] = state
	}
	return state
}

// ShouldRetry returns whether a task should be retried.
// A task should be retried if it has retry state, hasn't succeeded, and
// hasn't exhausted its attempts.
func (m *Manager) ShouldRetry(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[taskID]
	if !exists {
		return false
	}
	return state.RetryCount < state.MaxRetries && !state.Succeeded
}

// RecordAttempt records an attempt for a task. If err is nil the task is
// marked succeeded and no more retries will be allowed; otherwise the retry
// count is incremented and the error is appended to the attempt log.
func (m *Manager) RecordAttempt(taskID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		return
	}

	state.LastAttempt = time.Now()
	if err == nil {
		state.Succeeded = true
		return
	}
	state.RetryCount++
	state.LastError = err.Error()
	state.AttemptLog = append(state.AttemptLog, err.Error())
}

// Attempts returns how many attempts have been recorded for a task,
// counting failures only.
func (m *Manager) Attempts(taskID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[taskID]
	if !exists {
		return 0
	}
	return state.RetryCount
}

// Wait blocks for the configured backoff or until the context is cancelled,
// returning the context error in the latter case.
func (m *Manager) Wait(ctx context.Context) error {
	if m.backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FailedTasks returns the IDs of all tasks that have exhausted their retries
// without succeeding.
func (m *Manager) FailedTasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []string
	for taskID, state := range m.states {
		if !state.Succeeded && state.RetryCount >= state.MaxRetries {
			failed = append(failed, taskID)
		}
	}
	return failed
}

// Reset clears the retry state for a task.
func (m *Manager) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, taskID)
}

// ResetAll clears all retry state.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*TaskState)
}

// AllStates returns a copy of all task retry states for persistence.
func (m *Manager) AllStates() map[string]*TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*TaskState, len(m.states))
	for k, v := range m.states {
		stateCopy := *v
		if v.AttemptLog != nil {
			stateCopy.AttemptLog = make([]string, len(v.AttemptLog))
			copy(stateCopy.AttemptLog, v.AttemptLog)
		}
		result[k] = &stateCopy
	}
	return result
}

// LoadStates restores retry states from persistence.
func (m *Manager) LoadStates(states map[string]*TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states = make(map[string]*TaskState, len(states))
	for k, v := range states {
		if v != nil {
			stateCopy := *v
			if v.AttemptLog != nil {
				stateCopy.AttemptLog = make([]string, len(v.AttemptLog))
				copy(stateCopy.AttemptLog, v.AttemptLog)
			}
			m.states[k] = &stateCopy
		}
	}
}
