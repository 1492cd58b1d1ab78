package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/praxislabs/dirigent/internal/errors"
	"github.com/praxislabs/dirigent/internal/merge"
)

// Analysis is the impact-analysis verdict over a set of proposed changes.
type Analysis struct {
	CanProceed bool     `json:"can_proceed"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Preflight vets a mission before and during its run. Check rejects the
// plan during the validation phase; Analyze inspects the collected changes
// for impact before anything merges.
type Preflight interface {
	Check(ctx context.Context, missionID string) error
	Analyze(ctx context.Context, changes []merge.Change) (Analysis, error)
}

// Snapshotter captures and restores rollback points around execution.
type Snapshotter interface {
	// Snapshot records the current state and returns an identifier for it.
	Snapshot(ctx context.Context, missionID string) (string, error)
	// Restore reverts to a previously recorded snapshot.
	Restore(ctx context.Context, snapshotID string) error
	// History lists a mission's snapshot identifiers, oldest first.
	History(ctx context.Context, missionID string) ([]string, error)
}

// Verifier checks the merged result during the verification phase.
type Verifier interface {
	Verify(ctx context.Context, missionID string) error
}

// Decision is an Approver's verdict. Modifications optionally carry
// reviewer-edited changes that supersede what the branches proposed.
type Decision struct {
	Approved      bool           `json:"approved"`
	Modifications []merge.Change `json:"modifications,omitempty"`
}

// Approver gates collected branches before they merge. A decision with
// Approved false stops the mission without treating it as an error.
type Approver interface {
	Approve(ctx context.Context, missionID string, branches []*merge.Branch) (Decision, error)
}

// ApproveAll is the null-object Approver: every mission passes unmodified.
type ApproveAll struct{}

// Approve implements Approver.
func (ApproveAll) Approve(context.Context, string, []*merge.Branch) (Decision, error) {
	return Decision{Approved: true}, nil
}

// NopVerifier is the null-object Verifier: every merged result passes.
type NopVerifier struct{}

// Verify implements Verifier.
func (NopVerifier) Verify(context.Context, string) error { return nil }

// NopPreflight is the null-object Preflight: every plan and change set
// passes.
type NopPreflight struct{}

// Check implements Preflight.
func (NopPreflight) Check(context.Context, string) error { return nil }

// Analyze implements Preflight.
func (NopPreflight) Analyze(context.Context, []merge.Change) (Analysis, error) {
	return Analysis{CanProceed: true}, nil
}

// EngineSnapshotter snapshots the merge engine's canonical file set into
// memory. It is the default Snapshotter when no external one is wired.
type EngineSnapshotter struct {
	engine *merge.Engine

	mu        sync.Mutex
	snapshots map[string]map[string]string
	history   map[string][]string // missionID -> snapshot IDs, oldest first
}

// NewEngineSnapshotter creates a Snapshotter over the given engine.
func NewEngineSnapshotter(engine *merge.Engine) *EngineSnapshotter {
	return &EngineSnapshotter{
		engine:    engine,
		snapshots: make(map[string]map[string]string),
		history:   make(map[string][]string),
	}
}

// Snapshot implements Snapshotter.
func (s *EngineSnapshotter) Snapshot(_ context.Context, missionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.snapshots[id] = s.engine.Files()
	s.history[missionID] = append(s.history[missionID], id)
	return id, nil
}

// Restore implements Snapshotter.
func (s *EngineSnapshotter) Restore(_ context.Context, snapshotID string) error {
	s.mu.Lock()
	files, ok := s.snapshots[snapshotID]
	s.mu.Unlock()
	if !ok {
		return errors.NewNotFound("snapshot", snapshotID)
	}
	s.engine.Restore(files)
	return nil
}

// History implements Snapshotter.
func (s *EngineSnapshotter) History(_ context.Context, missionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	points := make([]string, len(s.history[missionID]))
	copy(points, s.history[missionID])
	return points, nil
}
