package merge

import "time"

// BranchStatus represents the lifecycle state of a virtual branch.
type BranchStatus string

const (
	// BranchActive means the branch is accumulating changes.
	BranchActive BranchStatus = "active"

	// BranchMerged means the branch's changes have landed in the canonical
	// file set.
	BranchMerged BranchStatus = "merged"

	// BranchAbandoned means the branch was discarded without merging.
	BranchAbandoned BranchStatus = "abandoned"
)

// IsTerminal returns true if this status represents a final state.
func (s BranchStatus) IsTerminal() bool {
	return s == BranchMerged || s == BranchAbandoned
}

// Change is one recorded edit on a virtual branch: a region of a file and
// the content the branch proposes for it. Regions are identified by the
// declared symbol they cover when the producer knows it, with the line
// range as a fallback.
type Change struct {
	Path string `json:"path"`

	// Region names the declared symbol the change covers ("handleLogin",
	// "Config"); Kind classifies it ("function", "type"). Both may be
	// empty, in which case only the line range identifies the region.
	Region string `json:"region,omitempty"`
	Kind   string `json:"kind,omitempty"`

	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Content   string `json:"content"`
}

// overlaps reports whether two changes touch the same region of the same
// file. Changes that both carry a region identity are compared by symbol,
// not raw line spans; otherwise line-range intersection decides.
func (c Change) overlaps(other Change) bool {
	if c.Path != other.Path {
		return false
	}
	if c.Region != "" && other.Region != "" {
		return c.Region == other.Region && c.Kind == other.Kind
	}
	return c.StartLine <= other.EndLine && other.StartLine <= c.EndLine
}

// sameRegion reports whether two changes denote the same recorded region,
// ignoring their proposed content.
func sameRegion(a, b Change) bool {
	return a.Path == b.Path && a.Region == b.Region && a.Kind == b.Kind &&
		a.StartLine == b.StartLine && a.EndLine == b.EndLine
}

// Branch is a task's isolated set of proposed changes.
type Branch struct {
	ID        string       `json:"id"`
	MissionID string       `json:"mission_id"`
	TaskID    string       `json:"task_id"`
	Status    BranchStatus `json:"status"`
	Changes   []Change     `json:"changes,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
}

// Conflict records two branches proposing overlapping regions of the same
// file. Detection is symmetric: one Conflict covers the pair regardless of
// which branch is examined first.
type Conflict struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	BranchA    string    `json:"branch_a"`
	BranchB    string    `json:"branch_b"`
	ChangeA    Change    `json:"change_a"`
	ChangeB    Change    `json:"change_b"`
	DetectedAt time.Time `json:"detected_at"`
}

// Strategy names a conflict resolution approach, in escalation order.
type Strategy string

const (
	// StrategyAuto resolves conflicts whose competing contents are identical.
	StrategyAuto Strategy = "auto"

	// StrategyAIAssisted delegates resolution to a Resolver.
	StrategyAIAssisted Strategy = "ai_assisted"

	// StrategyManual surfaces both originals for a human decision.
	StrategyManual Strategy = "manual"
)

// escalationOrder is the fixed order strategies are attempted in.
var escalationOrder = []Strategy{StrategyAuto, StrategyAIAssisted, StrategyManual}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	ConflictID string   `json:"conflict_id"`
	Strategy   Strategy `json:"strategy"`

	// Resolved is true when Content holds the merged result. Manual
	// resolutions are not resolved: both originals are returned instead.
	Resolved bool   `json:"resolved"`
	Content  string `json:"content,omitempty"`

	// OriginalA and OriginalB carry both branches' contents when the
	// conflict escalated to manual resolution.
	OriginalA string `json:"original_a,omitempty"`
	OriginalB string `json:"original_b,omitempty"`
}
