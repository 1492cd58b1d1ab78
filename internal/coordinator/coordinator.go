// Package coordinator drives missions end to end: it expands a plan into
// scheduled tasks, walks the mission through its phases, executes tasks on
// the agent pool with bounded retries, gates collected branches behind
// approval, merges them, and rolls back on failure.
//
// External effects are injected as capability interfaces (Preflight,
// Snapshotter, Verifier, Approver); null-object implementations are wired
// for any capability the caller leaves nil.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/logging"
	"github.com/praxislabs/dirigent/internal/merge"
	"github.com/praxislabs/dirigent/internal/mission"
	"github.com/praxislabs/dirigent/internal/pool"
	"github.com/praxislabs/dirigent/internal/retry"
	"github.com/praxislabs/dirigent/internal/scheduler"
)

// ExecutionStatus is the state of one coordinator run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is the record of one mission run.
type Execution struct {
	ID         string          `json:"id"`
	MissionID  string          `json:"mission_id"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Plan describes a mission to run: its metadata, the provider its tasks
// execute against, and the task specs themselves.
type Plan struct {
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Provider    string               `json:"provider"`
	Tasks       []scheduler.TaskSpec `json:"tasks"`
}

// Config controls coordinator behavior.
type Config struct {
	// MaxTaskRetries is the retry budget per task during execution.
	MaxTaskRetries int
	// RequireApproval gates collected branches behind the Approver before
	// the merge step.
	RequireApproval bool
}

// Deps are the core components the coordinator drives.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Missions  *mission.Manager
	Engine    *merge.Engine
	Pool      *pool.Pool
	Retries   *retry.Manager
}

// Capabilities are the injected external effects. Nil fields are replaced
// with null-object implementations; a nil Snapshotter gets an in-memory
// snapshotter over the merge engine.
type Capabilities struct {
	Preflight   Preflight
	Snapshotter Snapshotter
	Verifier    Verifier
	Approver    Approver
}

// Coordinator runs missions. All methods are safe for concurrent use.
type Coordinator struct {
	cfg    Config
	deps   Deps
	caps   Capabilities
	logger *logging.Logger

	mu         sync.Mutex
	executions map[string]*Execution
	order      []string
}

// New creates a Coordinator.
func New(cfg Config, deps Deps, caps Capabilities, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if caps.Preflight == nil {
		caps.Preflight = NopPreflight{}
	}
	if caps.Snapshotter == nil {
		caps.Snapshotter = NewEngineSnapshotter(deps.Engine)
	}
	if caps.Verifier == nil {
		caps.Verifier = NopVerifier{}
	}
	if caps.Approver == nil {
		caps.Approver = ApproveAll{}
	}
	if deps.Missions != nil && deps.Scheduler != nil {
		deps.Missions.BindScheduler(deps.Scheduler)
	}
	return &Coordinator{
		cfg:        cfg,
		deps:       deps,
		caps:       caps,
		logger:     logger,
		executions: make(map[string]*Execution),
	}
}

// Run executes a plan as a new mission and blocks until it finishes. The
// returned Execution reflects the final state; the error is non-nil for
// failed and cancelled runs.
func (c *Coordinator) Run(ctx context.Context, plan Plan) (*Execution, error) {
	m := c.deps.Missions.Create(plan.Title, plan.Description)
	if err := c.deps.Missions.Start(m.ID); err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:        uuid.NewString(),
		MissionID: m.ID,
		Status:    ExecutionRunning,
		StartedAt: time.Now(),
	}
	c.mu.Lock()
	c.executions[exec.ID] = exec
	c.order = append(c.order, exec.ID)
	c.mu.Unlock()

	log := c.logger.WithMission(m.ID).WithExecution(exec.ID)
	log.Info("execution started", "title", plan.Title, "tasks", len(plan.Tasks))

	err := c.runPhases(ctx, m.ID, plan, log)
	switch {
	case err == nil:
		c.finish(exec, ExecutionCompleted, "")
		log.Info("execution completed")
	case errors.Is(err, errors.ErrCancelled):
		c.teardown(m.ID, log)
		c.deps.Missions.Cancel(m.ID, err.Error())
		c.finish(exec, ExecutionCancelled, err.Error())
		log.Info("execution cancelled", "reason", err.Error())
	default:
		c.teardown(m.ID, log)
		c.deps.Missions.Fail(m.ID, err.Error())
		c.finish(exec, ExecutionFailed, err.Error())
		log.Error("execution failed", "error", err.Error())
	}

	c.mu.Lock()
	cp := *exec
	c.mu.Unlock()
	return &cp, err
}

// runPhases walks the mission through planning, validation, execution,
// verification, and completion. Cancellation is checked before every phase.
func (c *Coordinator) runPhases(ctx context.Context, missionID string, plan Plan, log *logging.Logger) error {
	// Planning: expand the plan into scheduled tasks.
	if err := c.checkCancelled(ctx, "planning"); err != nil {
		return err
	}
	for _, spec := range plan.Tasks {
		spec.MissionID = missionID
		if _, err := c.deps.Scheduler.Create(spec); err != nil {
			return errors.Wrap(err, "expanding plan")
		}
	}

	// Validation: the preflight capability vets the plan.
	if err := c.checkCancelled(ctx, "validation"); err != nil {
		return err
	}
	if err := c.deps.Missions.Advance(missionID, mission.PhaseValidation); err != nil {
		return err
	}
	if err := c.caps.Preflight.Check(ctx, missionID); err != nil {
		return errors.NewExecutionFailed("plan rejected by preflight", err)
	}

	// Execution: snapshot first so failure can roll back, then run tasks.
	if err := c.checkCancelled(ctx, "execution"); err != nil {
		return err
	}
	if err := c.deps.Missions.Advance(missionID, mission.PhaseExecution); err != nil {
		return err
	}
	snapshot, err := c.caps.Snapshotter.Snapshot(ctx, missionID)
	if err != nil {
		return errors.NewExecutionFailed("snapshot failed", err)
	}
	if err := c.deps.Missions.SetRollbackPoint(missionID, snapshot); err != nil {
		return err
	}
	if err := c.executeTasks(ctx, missionID, plan.Provider, log); err != nil {
		return err
	}

	// Impact analysis over the collected changes before anything merges.
	analysis, err := c.caps.Preflight.Analyze(ctx, c.collectChanges(missionID))
	if err != nil {
		return errors.NewExecutionFailed("impact analysis failed", err)
	}
	for _, warning := range analysis.Warnings {
		log.Warn("impact analysis warning", "warning", warning)
	}
	if !analysis.CanProceed {
		return errors.NewExecutionFailed(
			"impact analysis rejected the changes: "+strings.Join(analysis.Errors, "; "), nil)
	}

	// Approval gates the collected branches before anything merges.
	if err := c.checkCancelled(ctx, "approval"); err != nil {
		return err
	}
	if c.cfg.RequireApproval {
		branches := c.activeBranches(missionID)
		decision, err := c.caps.Approver.Approve(ctx, missionID, branches)
		if err != nil {
			return errors.NewExecutionFailed("approval check failed", err)
		}
		if !decision.Approved {
			return errors.NewCancelled("approval denied")
		}
		if err := c.applyModifications(missionID, decision.Modifications, log); err != nil {
			return err
		}
	}
	if err := c.mergeBranches(ctx, missionID, log); err != nil {
		return err
	}

	// Verification of the merged result.
	if err := c.checkCancelled(ctx, "verification"); err != nil {
		return err
	}
	if err := c.deps.Missions.Advance(missionID, mission.PhaseVerification); err != nil {
		return err
	}
	if err := c.caps.Verifier.Verify(ctx, missionID); err != nil {
		return errors.NewExecutionFailed("verification rejected the result", err)
	}

	if err := c.checkCancelled(ctx, "completion"); err != nil {
		return err
	}
	return c.deps.Missions.Advance(missionID, mission.PhaseCompletion)
}

// executeTasks runs the mission's tasks to a terminal state. Every eligible
// task is dispatched, so independent tasks run concurrently up to the
// scheduler's ceiling; failed tasks are retried within the per-task budget.
func (c *Coordinator) executeTasks(ctx context.Context, missionID, provider string, log *logging.Logger) error {
	results := make(chan error)
	inflight := 0

	collect := func() error {
		err := <-results
		inflight--
		return err
	}
	// A failed attempt still has siblings in flight; let them settle before
	// surfacing the error so teardown sees quiesced components.
	fail := func(err error) error {
		for inflight > 0 {
			collect()
		}
		return err
	}

	for {
		if err := c.checkCancelled(ctx, "task loop"); err != nil {
			return fail(err)
		}

		tasks := c.deps.Scheduler.List(missionID)
		c.deps.Missions.UpdateProgress(missionID, len(tasks), completedCount(tasks))
		if allTerminal(tasks) && inflight == 0 {
			return nil
		}

		// Dispatch everything currently eligible. Starting here, not in the
		// worker, keeps selection and the running transition atomic.
		for {
			task := c.deps.Scheduler.NextForMission(missionID)
			if task == nil {
				break
			}
			if err := c.deps.Scheduler.Start(task.ID); err != nil {
				return fail(errors.Wrap(err, "starting task"))
			}
			inflight++
			go func(task *scheduler.Task) {
				results <- c.runTask(ctx, task, provider, log)
			}(task)
		}

		if inflight == 0 {
			// Non-terminal tasks remain but none is eligible: their
			// dependencies failed or were cancelled.
			return errors.NewExecutionFailed("remaining tasks are unreachable", nil)
		}
		if err := collect(); err != nil {
			return fail(err)
		}
	}
}

// runTask performs one attempt of a task that the caller already started.
// A retryable failure inside the budget requeues the task and returns nil;
// exhaustion returns the failure.
func (c *Coordinator) runTask(ctx context.Context, task *scheduler.Task, provider string, log *logging.Logger) error {
	c.deps.Retries.GetOrCreateState(task.ID, c.cfg.MaxTaskRetries)
	branch := c.deps.Engine.CreateBranch(task.MissionID, task.ID)

	result, err := c.deps.Pool.Execute(ctx, pool.Request{
		TaskID:    task.ID,
		MissionID: task.MissionID,
		Provider:  provider,
		Tier:      "worker",
		Prompt:    task.Description,
	})
	if err != nil {
		return c.failAttempt(ctx, task, branch.ID, err, log)
	}

	for _, change := range result.Changes {
		if err := c.deps.Engine.AddChange(branch.ID, change); err != nil {
			return c.failAttempt(ctx, task, branch.ID, err, log)
		}
	}
	if err := c.deps.Scheduler.Complete(task.ID, true, result.Output); err != nil {
		// The task watchdog force-failed it while the result was in flight.
		return c.failAttempt(ctx, task, branch.ID, err, log)
	}
	c.deps.Retries.RecordAttempt(task.ID, nil)
	return nil
}

// failAttempt records a failed attempt, abandons its branch, and either
// requeues the task for another attempt or reports exhaustion.
func (c *Coordinator) failAttempt(ctx context.Context, task *scheduler.Task, branchID string, cause error, log *logging.Logger) error {
	c.deps.Engine.Abandon(branchID)
	c.deps.Retries.RecordAttempt(task.ID, cause)

	// Cancellation outranks the retry budget.
	if errors.Is(cause, errors.ErrCancelled) {
		return cause
	}

	// The scheduler may already hold the task in failed (watchdog timeout);
	// otherwise record the failure now.
	if current, err := c.deps.Scheduler.Get(task.ID); err == nil && current.Status == scheduler.StatusRunning {
		c.deps.Scheduler.Complete(task.ID, false, cause.Error())
	}

	if !c.deps.Retries.ShouldRetry(task.ID) {
		return errors.NewExecutionFailed("task "+task.ID+" exhausted its retries", cause)
	}
	if err := c.checkCancelled(ctx, "task retry"); err != nil {
		return err
	}
	if err := c.deps.Retries.Wait(ctx); err != nil {
		return errors.NewCancelled("task retry").WithCause(err)
	}
	if err := c.deps.Scheduler.Retry(task.ID); err != nil {
		return errors.Wrap(err, "requeueing task")
	}
	log.Warn("task attempt failed, retrying",
		"task_id", task.ID,
		"attempts", c.deps.Retries.Attempts(task.ID),
		"error", cause.Error(),
	)
	return nil
}

// mergeBranches merges every remaining active branch of the mission.
func (c *Coordinator) mergeBranches(ctx context.Context, missionID string, log *logging.Logger) error {
	for _, branch := range c.activeBranches(missionID) {
		if err := c.checkCancelled(ctx, "merge"); err != nil {
			return err
		}
		if err := c.deps.Engine.Merge(ctx, branch.ID); err != nil {
			return err
		}
		log.Debug("branch merged", "branch_id", branch.ID, "task_id", branch.TaskID)
	}
	return nil
}

// teardown is the shared failure and cancellation cleanup: cancel the
// mission's remaining tasks, abandon its branches, and restore the
// rollback point when one was recorded. Cleanup runs on a fresh context
// because the run's context may already be dead.
func (c *Coordinator) teardown(missionID string, log *logging.Logger) {
	c.deps.Scheduler.CancelMission(missionID, "mission teardown")
	c.deps.Engine.AbandonMission(missionID)

	point, err := c.deps.Missions.RollbackPoint(missionID)
	if err != nil {
		if !errors.Is(err, errors.ErrNoRollbackPoint) {
			log.Warn("rollback point lookup failed", "error", err.Error())
		}
		return
	}
	if err := c.caps.Snapshotter.Restore(context.Background(), point); err != nil {
		log.Error("rollback failed", "snapshot", point, "error", err.Error())
		return
	}
	if err := c.deps.Missions.Rollback(missionID); err != nil {
		log.Warn("mission rollback bookkeeping failed", "error", err.Error())
	}
	log.Info("rolled back to snapshot", "snapshot", point)
}

// collectChanges gathers every change proposed by the mission's active
// branches, in branch creation order.
func (c *Coordinator) collectChanges(missionID string) []merge.Change {
	var changes []merge.Change
	for _, branch := range c.activeBranches(missionID) {
		changes = append(changes, branch.Changes...)
	}
	return changes
}

// applyModifications lands reviewer-edited changes on the branches that
// proposed the affected paths. Within a branch, later changes supersede
// earlier ones for the same path during merge, so appending is enough.
func (c *Coordinator) applyModifications(missionID string, mods []merge.Change, log *logging.Logger) error {
	if len(mods) == 0 {
		return nil
	}
	branches := c.activeBranches(missionID)
	if len(branches) == 0 {
		return errors.NewInvalidState("apply modifications", "branches", "none active")
	}
	for _, mod := range mods {
		target := branches[0]
		for _, branch := range branches {
			if touchesPath(branch, mod.Path) {
				target = branch
				break
			}
		}
		if err := c.deps.Engine.AddChange(target.ID, mod); err != nil {
			return errors.Wrap(err, "applying approval modification")
		}
		log.Info("approval modification applied", "path", mod.Path, "branch_id", target.ID)
	}
	return nil
}

func touchesPath(branch *merge.Branch, path string) bool {
	for _, change := range branch.Changes {
		if change.Path == path {
			return true
		}
	}
	return false
}

// activeBranches returns the mission's branches still in the active state.
func (c *Coordinator) activeBranches(missionID string) []*merge.Branch {
	var active []*merge.Branch
	for _, branch := range c.deps.Engine.List(missionID) {
		if branch.Status == merge.BranchActive {
			active = append(active, branch)
		}
	}
	return active
}

// checkCancelled translates a dead context into a typed cancellation error.
func (c *Coordinator) checkCancelled(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelled(stage).WithCause(err)
	}
	return nil
}

// finish stamps an execution's terminal state.
func (c *Coordinator) finish(exec *Execution, status ExecutionStatus, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	exec.Status = status
	exec.Error = errMsg
	exec.FinishedAt = &now
}

// Get returns a copy of the execution with the given ID.
func (c *Coordinator) Get(executionID string) (*Execution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exec, ok := c.executions[executionID]
	if !ok {
		return nil, errors.NewNotFound("execution", executionID)
	}
	cp := *exec
	return &cp, nil
}

// List returns copies of all executions in start order.
func (c *Coordinator) List() []*Execution {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*Execution, 0, len(c.order))
	for _, id := range c.order {
		cp := *c.executions[id]
		result = append(result, &cp)
	}
	return result
}

// allTerminal reports whether every task has reached a terminal state.
func allTerminal(tasks []*scheduler.Task) bool {
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func completedCount(tasks []*scheduler.Task) int {
	n := 0
	for _, task := range tasks {
		if task.Status == scheduler.StatusCompleted {
			n++
		}
	}
	return n
}
