package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/praxislabs/dirigent/internal/config"
	"github.com/praxislabs/dirigent/internal/coordinator"
	"github.com/praxislabs/dirigent/internal/event"
	"github.com/praxislabs/dirigent/internal/logging"
	"github.com/praxislabs/dirigent/internal/merge"
	"github.com/praxislabs/dirigent/internal/mission"
	"github.com/praxislabs/dirigent/internal/pool"
	"github.com/praxislabs/dirigent/internal/quota"
	"github.com/praxislabs/dirigent/internal/retry"
	"github.com/praxislabs/dirigent/internal/scheduler"
	"github.com/praxislabs/dirigent/internal/store"
	"github.com/praxislabs/dirigent/internal/watch"
)

var runWorkspace string

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Run a mission plan",
	Long: `Run executes a YAML mission plan end to end: tasks are scheduled in
dependency order, dispatched through the agent pool, and each task's file
changes are collected on a virtual branch and merged once every task has
completed. The run is cancelled cleanly on SIGINT/SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return executePlan(ctx, cfg, args[0], runWorkspace, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVar(&runWorkspace, "workspace", ".", "workspace directory observed for out-of-band modifications")
	rootCmd.AddCommand(runCmd)
}

// planCompleter applies the file changes scripted in the mission plan
// itself. It stands in for a provider-backed completer so a plan can be
// rehearsed end to end through the full scheduling and merge machinery.
type planCompleter struct {
	mu      sync.Mutex
	changes map[string][]merge.Change
}

func (c *planCompleter) Complete(_ context.Context, req pool.Request) (*pool.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changes := c.changes[req.TaskID]
	return &pool.Result{
		Output:     fmt.Sprintf("applied %d scripted change(s)", len(changes)),
		Changes:    changes,
		TokensSent: int64(len(req.Prompt)),
	}, nil
}

// executePlan wires the full component stack from config and runs one plan.
func executePlan(ctx context.Context, cfg *config.Config, planPath, workspace string, out io.Writer) error {
	plan, changes, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	bus := event.NewBus()

	var st *store.Store
	if cfg.Storage.Path != "" {
		st, err = store.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		st.AttachBus(bus)
	}

	tracker := quota.NewTracker(quota.Config{
		WindowDuration:    cfg.Quota.Window(),
		WarningThreshold:  cfg.Quota.WarningThreshold,
		HardStopThreshold: cfg.Quota.HardStopThreshold,
		Estimator:         quota.FixedCapacity(cfg.Quota.EstimatedCapacity),
	}, bus, logger)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		TaskTimeout:        cfg.Scheduler.TaskTimeout(),
	}, bus, logger)
	defer sched.Stop()

	missions := mission.NewManager(bus, logger)
	engine := merge.NewEngine(merge.Config{
		InitialStrategy: merge.Strategy(cfg.Merge.Strategy),
	}, nil, bus, logger)

	agents := pool.New(pool.Config{
		MaxAgents:        cfg.Pool.MaxAgents,
		DispatchInterval: cfg.Pool.DispatchInterval(),
		RequestTimeout:   cfg.Pool.RequestTimeout(),
		IdleTimeout:      cfg.Pool.IdleTimeout(),
		QueueSize:        cfg.Pool.QueueSize,
	}, &planCompleter{changes: changes}, tracker, bus, logger)
	defer agents.Close()

	retries := retry.NewManager(cfg.Coordinator.RetryBackoff())

	coord := coordinator.New(coordinator.Config{
		MaxTaskRetries:  cfg.Coordinator.MaxTaskRetries,
		RequireApproval: cfg.Coordinator.RequireApproval,
	}, coordinator.Deps{
		Scheduler: sched,
		Missions:  missions,
		Engine:    engine,
		Pool:      agents,
		Retries:   retries,
	}, coordinator.Capabilities{}, logger)

	watcher, err := newWatcher(cfg, workspace, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Stop()

	exec, runErr := coord.Run(ctx, plan)

	if st != nil {
		persistRun(st, missions, sched, retries, exec, logger)
	}

	if exec != nil {
		fmt.Fprintf(out, "execution %s: %s\n", exec.ID, exec.Status)
		if exec.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", exec.Error)
		}
	}
	merged := make([]string, 0, len(engine.Files()))
	for path := range engine.Files() {
		merged = append(merged, path)
	}
	sort.Strings(merged)
	for _, path := range merged {
		fmt.Fprintf(out, "  merged: %s\n", path)
	}
	for _, mod := range watcher.Modifications() {
		fmt.Fprintf(out, "  workspace drift: %s\n", mod.Path)
	}
	return runErr
}

// newLogger builds the configured logger, or a nop logger when logging is
// disabled.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
}

// newWatcher builds the workspace watcher, or the disabled null watcher.
func newWatcher(cfg *config.Config, workspace string, logger *logging.Logger) (watch.Watcher, error) {
	if !cfg.Watch.Enabled {
		return watch.Disabled{}, nil
	}
	w, err := watch.New(workspace, cfg.Watch.Ignore, logger)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// persistRun writes the run's missions, tasks, retry states, and execution
// record to the store. Persistence failures are logged, not fatal: the run
// outcome already stands.
func persistRun(st *store.Store, missions *mission.Manager, sched *scheduler.Scheduler, retries *retry.Manager, exec *coordinator.Execution, logger *logging.Logger) {
	ctx := context.Background()
	for _, m := range missions.List() {
		if err := st.SaveMission(ctx, m); err != nil {
			logger.Warn("persist mission failed", "mission_id", m.ID, "error", err.Error())
		}
		for _, task := range sched.List(m.ID) {
			if err := st.SaveTask(ctx, task); err != nil {
				logger.Warn("persist task failed", "task_id", task.ID, "error", err.Error())
			}
		}
	}
	if err := st.SaveRetryStates(ctx, retries.AllStates()); err != nil {
		logger.Warn("persist retry states failed", "error", err.Error())
	}
	if exec != nil {
		if err := st.SaveExecution(ctx, exec); err != nil {
			logger.Warn("persist execution failed", "execution_id", exec.ID, "error", err.Error())
		}
	}
}
