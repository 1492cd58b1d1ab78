package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Dirigent configuration
type Config struct {
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Merge       MergeConfig       `mapstructure:"merge"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// SchedulerConfig controls the task scheduler
type SchedulerConfig struct {
	// MaxConcurrentTasks is the ceiling of simultaneously running tasks
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// TaskTimeoutMinutes is the per-task wall-clock timeout; a task still
	// running when it fires is force-failed with reason "timed out"
	TaskTimeoutMinutes int `mapstructure:"task_timeout_minutes"`
}

// PoolConfig controls the agent pool
type PoolConfig struct {
	// MaxAgents is the pool ceiling; agents are created lazily up to this
	MaxAgents int `mapstructure:"max_agents"`
	// CallsPerSecond sets the dispatch rate limit; the drain loop enforces
	// a minimum inter-dispatch interval of 1/CallsPerSecond
	CallsPerSecond float64 `mapstructure:"calls_per_second"`
	// RequestTimeoutSeconds is the queue deadline for a request awaiting dispatch
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// IdleTimeoutSeconds is how long an agent may sit idle before the sweep
	// retires it; the sweep never retires the last remaining agent
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
	// QueueSize bounds the request queue
	QueueSize int `mapstructure:"queue_size"`
}

// QuotaConfig controls the provider quota tracker
type QuotaConfig struct {
	// WindowHours is the rolling window duration per provider
	WindowHours int `mapstructure:"window_hours"`
	// EstimatedCapacity is the nominal call ceiling per window. This is a
	// heuristic signal, not a provider-reported limit.
	EstimatedCapacity int `mapstructure:"estimated_capacity"`
	// WarningThreshold is the usage ratio at which the warning state begins
	WarningThreshold float64 `mapstructure:"warning_threshold"`
	// HardStopThreshold is the usage ratio at which execution is refused
	HardStopThreshold float64 `mapstructure:"hard_stop_threshold"`
}

// MergeConfig controls the virtual branch / merge engine
type MergeConfig struct {
	// Strategy is the first resolution strategy attempted: "auto",
	// "ai_assisted", or "manual"
	Strategy string `mapstructure:"strategy"`
}

// CoordinatorConfig controls the execution coordinator
type CoordinatorConfig struct {
	// MaxTaskRetries is the retry budget per task during the execution phase
	MaxTaskRetries int `mapstructure:"max_task_retries"`
	// RequireApproval gates collected changes behind the approval capability
	// before the merge phase
	RequireApproval bool `mapstructure:"require_approval"`
	// RetryBackoffSeconds is the delay between task retry attempts
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"`
}

// StorageConfig controls the SQLite persistence collaborator
type StorageConfig struct {
	// Path is the database file location. Empty disables persistence.
	Path string `mapstructure:"path"`
}

// WatchConfig controls the optional workspace watcher
type WatchConfig struct {
	// Enabled turns the fsnotify workspace watcher on. Decided once at
	// construction; when false a disabled null watcher is wired instead.
	Enabled bool `mapstructure:"enabled"`
	// Ignore lists glob patterns for paths the watcher skips
	Ignore []string `mapstructure:"ignore"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the directory log files are written to. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// TaskTimeout returns the per-task timeout as a time.Duration
func (c *SchedulerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMinutes) * time.Minute
}

// DispatchInterval returns the minimum inter-dispatch interval derived from
// CallsPerSecond. Zero or negative rates fall back to the 100ms default.
func (c *PoolConfig) DispatchInterval() time.Duration {
	if c.CallsPerSecond <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(float64(time.Second) / c.CallsPerSecond)
}

// RequestTimeout returns the queue deadline as a time.Duration
func (c *PoolConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// IdleTimeout returns the agent idle timeout as a time.Duration
func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Window returns the quota window duration as a time.Duration
func (c *QuotaConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// RetryBackoff returns the coordinator retry backoff as a time.Duration
func (c *CoordinatorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 10,
			TaskTimeoutMinutes: 5,
		},
		Pool: PoolConfig{
			MaxAgents:             5,
			CallsPerSecond:        10, // 100ms minimum inter-dispatch interval
			RequestTimeoutSeconds: 120,
			IdleTimeoutSeconds:    30,
			QueueSize:             100,
		},
		Quota: QuotaConfig{
			WindowHours:       5,
			EstimatedCapacity: 100,
			WarningThreshold:  0.75,
			HardStopThreshold: 0.95,
		},
		Merge: MergeConfig{
			Strategy: "auto",
		},
		Coordinator: CoordinatorConfig{
			MaxTaskRetries:      3,
			RequireApproval:     false,
			RetryBackoffSeconds: 2,
		},
		Storage: StorageConfig{
			Path: "", // Persistence disabled unless pointed at a file
		},
		Watch: WatchConfig{
			Enabled: false,
			Ignore:  []string{".git", "node_modules", ".DS_Store"},
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Dir:     "",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("scheduler.max_concurrent_tasks", defaults.Scheduler.MaxConcurrentTasks)
	viper.SetDefault("scheduler.task_timeout_minutes", defaults.Scheduler.TaskTimeoutMinutes)

	viper.SetDefault("pool.max_agents", defaults.Pool.MaxAgents)
	viper.SetDefault("pool.calls_per_second", defaults.Pool.CallsPerSecond)
	viper.SetDefault("pool.request_timeout_seconds", defaults.Pool.RequestTimeoutSeconds)
	viper.SetDefault("pool.idle_timeout_seconds", defaults.Pool.IdleTimeoutSeconds)
	viper.SetDefault("pool.queue_size", defaults.Pool.QueueSize)

	viper.SetDefault("quota.window_hours", defaults.Quota.WindowHours)
	viper.SetDefault("quota.estimated_capacity", defaults.Quota.EstimatedCapacity)
	viper.SetDefault("quota.warning_threshold", defaults.Quota.WarningThreshold)
	viper.SetDefault("quota.hard_stop_threshold", defaults.Quota.HardStopThreshold)

	viper.SetDefault("merge.strategy", defaults.Merge.Strategy)

	viper.SetDefault("coordinator.max_task_retries", defaults.Coordinator.MaxTaskRetries)
	viper.SetDefault("coordinator.require_approval", defaults.Coordinator.RequireApproval)
	viper.SetDefault("coordinator.retry_backoff_seconds", defaults.Coordinator.RetryBackoffSeconds)

	viper.SetDefault("storage.path", defaults.Storage.Path)

	viper.SetDefault("watch.enabled", defaults.Watch.Enabled)
	viper.SetDefault("watch.ignore", defaults.Watch.Ignore)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dirigent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dirigent"
	}
	return filepath.Join(home, ".config", "dirigent")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
