// Package merge implements the virtual branch and merge engine. Each task
// works on an isolated branch of proposed file changes; the engine detects
// region-level conflicts between active branches, resolves them through an
// escalating strategy chain, and applies merged branches atomically to the
// canonical file set.
package merge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/event"
	"github.com/praxislabs/dirigent/internal/logging"
)

// Resolver produces merged content for a conflict. The AI-assisted strategy
// delegates here; a nil Resolver skips the strategy entirely.
type Resolver interface {
	Resolve(ctx context.Context, conflict Conflict) (string, error)
}

// Config controls engine behavior.
type Config struct {
	// InitialStrategy is the first strategy attempted for each conflict.
	// Resolution always escalates forward, never backward.
	InitialStrategy Strategy
}

// Engine owns the virtual branches and the canonical file set. All methods
// are safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	bus      *event.Bus
	logger   *logging.Logger
	resolver Resolver
	branches map[string]*Branch
	order    []string
	files    map[string]string // canonical path -> content
}

// NewEngine creates an Engine. resolver and bus may be nil.
func NewEngine(cfg Config, resolver Resolver, bus *event.Bus, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.InitialStrategy == "" {
		cfg.InitialStrategy = StrategyAuto
	}
	return &Engine{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		resolver: resolver,
		branches: make(map[string]*Branch),
		files:    make(map[string]string),
	}
}

// CreateBranch opens an active branch for a task.
func (e *Engine) CreateBranch(missionID, taskID string) *Branch {
	e.mu.Lock()
	defer e.mu.Unlock()

	branch := &Branch{
		ID:        uuid.NewString(),
		MissionID: missionID,
		TaskID:    taskID,
		Status:    BranchActive,
		CreatedAt: time.Now(),
	}
	e.branches[branch.ID] = branch
	e.order = append(e.order, branch.ID)

	e.logger.Debug("branch created",
		"branch_id", branch.ID,
		"mission_id", missionID,
		"task_id", taskID,
	)
	return copyBranch(branch)
}

// AddChange records a change on an active branch.
func (e *Engine) AddChange(branchID string, change Change) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	branch, ok := e.branches[branchID]
	if !ok {
		return errors.NewNotFound("branch", branchID)
	}
	if branch.Status != BranchActive {
		return errors.NewInvalidState("add change", "branch", string(branch.Status))
	}
	if change.Path == "" {
		return errors.NewInvalidState("add change", "change path", "empty")
	}
	if change.StartLine < 1 || change.EndLine < change.StartLine {
		return errors.NewInvalidState("add change", "change region", "invalid line range")
	}

	branch.Changes = append(branch.Changes, change)
	return nil
}

// Get returns a copy of the branch with the given ID.
func (e *Engine) Get(branchID string) (*Branch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	branch, ok := e.branches[branchID]
	if !ok {
		return nil, errors.NewNotFound("branch", branchID)
	}
	return copyBranch(branch), nil
}

// List returns copies of a mission's branches in creation order. An empty
// missionID lists every branch.
func (e *Engine) List(missionID string) []*Branch {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result []*Branch
	for _, id := range e.order {
		branch := e.branches[id]
		if missionID != "" && branch.MissionID != missionID {
			continue
		}
		result = append(result, copyBranch(branch))
	}
	return result
}

// DetectConflicts compares every pair of a mission's active branches and
// returns one Conflict per overlapping region pair. Each unordered branch
// pair is examined once, so detection is symmetric.
func (e *Engine) DetectConflicts(missionID string) []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detectLocked(missionID)
}

func (e *Engine) detectLocked(missionID string) []Conflict {
	var active []*Branch
	for _, id := range e.order {
		branch := e.branches[id]
		if branch.MissionID == missionID && branch.Status == BranchActive {
			active = append(active, branch)
		}
	}

	var conflicts []Conflict
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			conflicts = append(conflicts, e.compareBranches(active[i], active[j])...)
		}
	}
	return conflicts
}

// compareBranches returns the conflicts between two branches' change sets.
func (e *Engine) compareBranches(a, b *Branch) []Conflict {
	var conflicts []Conflict
	for _, ca := range a.Changes {
		for _, cb := range b.Changes {
			if !ca.overlaps(cb) {
				continue
			}
			conflict := Conflict{
				ID:         uuid.NewString(),
				Path:       ca.Path,
				BranchA:    a.ID,
				BranchB:    b.ID,
				ChangeA:    ca,
				ChangeB:    cb,
				DetectedAt: time.Now(),
			}
			conflicts = append(conflicts, conflict)
			e.logger.Warn("conflict detected",
				"conflict_id", conflict.ID,
				"path", ca.Path,
				"branch_a", a.ID,
				"branch_b", b.ID,
			)
			if e.bus != nil {
				e.bus.Publish(event.NewConflictDetectedEvent(conflict.ID, ca.Path, []string{a.ID, b.ID}))
			}
		}
	}
	return conflicts
}

// Merge applies an active branch's changes to the canonical file set and
// marks it merged. The merge is atomic: either every change lands or none
// does. Unresolved conflicts with other active branches fail the merge.
func (e *Engine) Merge(ctx context.Context, branchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	branch, ok := e.branches[branchID]
	if !ok {
		return errors.NewNotFound("branch", branchID)
	}
	if branch.Status != BranchActive {
		return errors.NewInvalidState("merge branch", "branch", string(branch.Status))
	}

	// Resolve any conflicts this branch has with its siblings first; a
	// conflict that escalates to manual blocks the merge.
	for _, conflict := range e.detectLocked(branch.MissionID) {
		if conflict.BranchA != branchID && conflict.BranchB != branchID {
			continue
		}
		resolution, err := e.resolveLocked(ctx, conflict)
		if err != nil {
			return errors.NewMergeFailed(branchID, err)
		}
		if !resolution.Resolved {
			return errors.NewMergeFailed(branchID,
				errors.New("conflict on "+conflict.Path+" requires manual resolution"))
		}
		e.applyResolutionLocked(conflict, resolution)
	}

	// Build the updated file set before touching the canonical one.
	updated := make(map[string]string, len(e.files))
	for path, content := range e.files {
		updated[path] = content
	}
	touched := make(map[string]bool)
	for _, change := range branch.Changes {
		updated[change.Path] = change.Content
		touched[change.Path] = true
	}
	e.files = updated

	now := time.Now()
	branch.Status = BranchMerged
	branch.ClosedAt = &now

	e.logger.Info("branch merged",
		"branch_id", branchID,
		"task_id", branch.TaskID,
		"files", len(touched),
	)
	if e.bus != nil {
		e.bus.Publish(event.NewBranchMergedEvent(branchID, branch.TaskID, len(touched)))
	}
	return nil
}

// ApplyResolution feeds a settled resolution back into the engine,
// rewriting both conflicting branches' changes with the agreed content.
// This is how a manual decision re-enters the merge path: settle the
// returned originals into a Resolution with Resolved set and the chosen
// Content, then apply it and retry the merge.
func (e *Engine) ApplyResolution(conflict Conflict, resolution Resolution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !resolution.Resolved {
		return errors.NewInvalidState("apply resolution", "resolution", "unresolved")
	}
	for _, id := range []string{conflict.BranchA, conflict.BranchB} {
		branch, ok := e.branches[id]
		if !ok {
			return errors.NewNotFound("branch", id)
		}
		if branch.Status != BranchActive {
			return errors.NewInvalidState("apply resolution", "branch", string(branch.Status))
		}
	}
	e.applyResolutionLocked(conflict, resolution)
	e.logger.Debug("resolution applied",
		"conflict_id", conflict.ID,
		"strategy", string(resolution.Strategy),
	)
	return nil
}

// applyResolutionLocked rewrites both branches' conflicting changes with
// the resolved content so subsequent merges apply the agreed result.
// Caller holds e.mu.
func (e *Engine) applyResolutionLocked(conflict Conflict, resolution Resolution) {
	sides := []struct {
		branchID string
		change   Change
	}{
		{conflict.BranchA, conflict.ChangeA},
		{conflict.BranchB, conflict.ChangeB},
	}
	for _, side := range sides {
		branch, ok := e.branches[side.branchID]
		if !ok || branch.Status != BranchActive {
			continue
		}
		for i, change := range branch.Changes {
			if sameRegion(change, side.change) {
				branch.Changes[i].Content = resolution.Content
			}
		}
	}
}

// Abandon discards an active branch without applying its changes.
func (e *Engine) Abandon(branchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	branch, ok := e.branches[branchID]
	if !ok {
		return errors.NewNotFound("branch", branchID)
	}
	if branch.Status != BranchActive {
		return errors.NewInvalidState("abandon branch", "branch", string(branch.Status))
	}

	now := time.Now()
	branch.Status = BranchAbandoned
	branch.ClosedAt = &now
	e.logger.Info("branch abandoned", "branch_id", branchID, "task_id", branch.TaskID)
	return nil
}

// AbandonMission abandons all of a mission's active branches and returns
// their IDs. Used on mission failure and cancellation.
func (e *Engine) AbandonMission(missionID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var abandoned []string
	for _, id := range e.order {
		branch := e.branches[id]
		if branch.MissionID != missionID || branch.Status != BranchActive {
			continue
		}
		now := time.Now()
		branch.Status = BranchAbandoned
		branch.ClosedAt = &now
		abandoned = append(abandoned, id)
	}
	if len(abandoned) > 0 {
		e.logger.Info("mission branches abandoned",
			"mission_id", missionID,
			"count", len(abandoned),
		)
	}
	return abandoned
}

// Files returns a copy of the canonical file set.
func (e *Engine) Files() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(map[string]string, len(e.files))
	for path, content := range e.files {
		cp[path] = content
	}
	return cp
}

// Restore replaces the canonical file set, discarding the current one.
// Rollback on mission failure lands here.
func (e *Engine) Restore(files map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.files = make(map[string]string, len(files))
	for path, content := range files {
		e.files[path] = content
	}
	e.logger.Info("canonical file set restored", "files", len(files))
}

func copyBranch(branch *Branch) *Branch {
	cp := *branch
	if branch.Changes != nil {
		cp.Changes = make([]Change, len(branch.Changes))
		copy(cp.Changes, branch.Changes)
	}
	if branch.ClosedAt != nil {
		t := *branch.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
