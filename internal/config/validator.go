package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.max_agents")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidMergeStrategies returns the list of valid merge strategy names
func ValidMergeStrategies() []string {
	return []string{"auto", "ai_assisted", "manual"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validatePool()...)
	errors = append(errors, c.validateQuota()...)
	errors = append(errors, c.validateMerge()...)
	errors = append(errors, c.validateCoordinator()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	if c.Scheduler.MaxConcurrentTasks < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_concurrent_tasks",
			Value:   c.Scheduler.MaxConcurrentTasks,
			Message: "must be at least 1",
		})
	}
	if c.Scheduler.TaskTimeoutMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.task_timeout_minutes",
			Value:   c.Scheduler.TaskTimeoutMinutes,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	if c.Pool.MaxAgents < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.max_agents",
			Value:   c.Pool.MaxAgents,
			Message: "must be at least 1",
		})
	}
	if c.Pool.CallsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.calls_per_second",
			Value:   c.Pool.CallsPerSecond,
			Message: "must be positive",
		})
	}
	if c.Pool.RequestTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.request_timeout_seconds",
			Value:   c.Pool.RequestTimeoutSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Pool.IdleTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.idle_timeout_seconds",
			Value:   c.Pool.IdleTimeoutSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Pool.QueueSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.queue_size",
			Value:   c.Pool.QueueSize,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateQuota() []ValidationError {
	var errors []ValidationError

	if c.Quota.WindowHours < 1 {
		errors = append(errors, ValidationError{
			Field:   "quota.window_hours",
			Value:   c.Quota.WindowHours,
			Message: "must be at least 1",
		})
	}
	if c.Quota.EstimatedCapacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "quota.estimated_capacity",
			Value:   c.Quota.EstimatedCapacity,
			Message: "must be at least 1",
		})
	}
	if c.Quota.WarningThreshold <= 0 || c.Quota.WarningThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "quota.warning_threshold",
			Value:   c.Quota.WarningThreshold,
			Message: "must be in (0, 1]",
		})
	}
	if c.Quota.HardStopThreshold <= 0 || c.Quota.HardStopThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "quota.hard_stop_threshold",
			Value:   c.Quota.HardStopThreshold,
			Message: "must be in (0, 1]",
		})
	}
	if c.Quota.WarningThreshold > 0 && c.Quota.HardStopThreshold > 0 &&
		c.Quota.WarningThreshold >= c.Quota.HardStopThreshold {
		errors = append(errors, ValidationError{
			Field:   "quota.warning_threshold",
			Value:   c.Quota.WarningThreshold,
			Message: "must be below quota.hard_stop_threshold",
		})
	}

	return errors
}

func (c *Config) validateMerge() []ValidationError {
	var errors []ValidationError

	if c.Merge.Strategy != "" && !slices.Contains(ValidMergeStrategies(), c.Merge.Strategy) {
		errors = append(errors, ValidationError{
			Field:   "merge.strategy",
			Value:   c.Merge.Strategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidMergeStrategies(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateCoordinator() []ValidationError {
	var errors []ValidationError

	if c.Coordinator.MaxTaskRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "coordinator.max_task_retries",
			Value:   c.Coordinator.MaxTaskRetries,
			Message: "must be non-negative",
		})
	}
	if c.Coordinator.RetryBackoffSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "coordinator.retry_backoff_seconds",
			Value:   c.Coordinator.RetryBackoffSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
