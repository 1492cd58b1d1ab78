package mission

// Phase is a stage in a mission's lifecycle.
type Phase string

const (
	// PhasePlanning is the initial phase: the mission's tasks are drafted.
	PhasePlanning Phase = "planning"

	// PhaseValidation checks the drafted plan before execution.
	PhaseValidation Phase = "validation"

	// PhaseExecution runs the mission's tasks.
	PhaseExecution Phase = "execution"

	// PhaseVerification checks execution results before completion.
	PhaseVerification Phase = "verification"

	// PhaseCompletion is terminal.
	PhaseCompletion Phase = "completion"
)

// transitions is the phase graph. Backward edges return a mission to an
// earlier phase after a validation or verification failure; planning may
// jump straight to completion for missions with nothing to execute.
var transitions = map[Phase][]Phase{
	PhasePlanning:     {PhaseValidation, PhaseCompletion},
	PhaseValidation:   {PhaseExecution, PhasePlanning},
	PhaseExecution:    {PhaseVerification, PhasePlanning},
	PhaseVerification: {PhaseCompletion, PhaseExecution},
	PhaseCompletion:   {},
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// IsTerminal returns true if no transitions leave this phase.
func (p Phase) IsTerminal() bool {
	return len(transitions[p]) == 0 && p.Valid()
}

// CanTransitionTo reports whether the phase graph has an edge from p to next.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Next returns the phases reachable from p.
func (p Phase) Next() []Phase {
	out := make([]Phase, len(transitions[p]))
	copy(out, transitions[p])
	return out
}
