// Package orchestrator drives a plan through its full lifecycle: validate,
// checkpoint, execute, gate, and either finish, remediate within budget, or
// roll back. Every phase transition and artifact lands in the session store
// before the orchestrator moves on.
package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/session"
)

// legalTransitions maps each phase to the phases it may advance to.
// Terminal phases have no outgoing edges. A remediation pass re-enters
// validating, so every executed plan walked the same validate/checkpoint
// trail as the first one.
var legalTransitions = map[session.Phase][]session.Phase{
	session.PhasePlanning:     {session.PhaseValidating},
	session.PhaseValidating:   {session.PhaseCheckpointed, session.PhaseBlocked},
	session.PhaseCheckpointed: {session.PhaseExecuting},
	session.PhaseExecuting:    {session.PhaseGating},
	session.PhaseGating: {
		session.PhaseDone,
		session.PhaseRemediating,
		session.PhaseRolledBack,
		session.PhaseBlocked,
	},
	session.PhaseRemediating: {session.PhaseValidating},
}

// CanTransition checks whether moving from one phase to another is legal.
func CanTransition(from, to session.Phase) error {
	for _, next := range legalTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("illegal phase transition from %s to %s", from, to)
}

// RunResult is the terminal outcome of one orchestrated run.
type RunResult struct {
	SessionID string        `json:"session_id"`
	Phase     session.Phase `json:"phase"`

	// Iterations counts remediation attempts that were executed.
	Iterations int `json:"iterations"`

	// CheckpointID names the pre-execution snapshot.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// Checkpoints lists every snapshot taken for the run, oldest first;
	// remediation passes with new write scopes add supplemental ones.
	Checkpoints []string `json:"checkpoints,omitempty"`

	// TaskStatuses maps task id to final status across all passes.
	TaskStatuses map[string]plan.TaskStatus `json:"task_statuses,omitempty"`

	// GateReports holds the reports of the final gate run.
	GateReports []*plan.GateReport `json:"gate_reports,omitempty"`

	// Violations holds validation failures when the plan was rejected.
	Violations []string `json:"violations,omitempty"`
}

// OK reports whether the run finished with every gate passing.
func (r *RunResult) OK() bool {
	return r.Phase == session.PhaseDone
}
