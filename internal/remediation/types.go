package remediation

import (
	"time"

	"github.com/fyrsmithlabs/planexec/internal/plan"
)

// Request carries the evidence a planner needs to propose a fix.
type Request struct {
	// SessionID identifies the session being remediated.
	SessionID string

	// Plan is the plan whose execution failed its gates.
	Plan *plan.Plan

	// Results maps task id to the result of the failed pass.
	Results map[string]*plan.TaskResult

	// GateReports holds the reports of the failing gate run.
	GateReports []*plan.GateReport
}

// Attempt is one bounded remediation attempt: the merged plan to execute
// next plus bookkeeping for the session record.
type Attempt struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Iteration int        `json:"iteration"`
	Plan      *plan.Plan `json:"plan"`
	CreatedAt time.Time  `json:"created_at"`

	// DroppedTasks lists proposed task ids that were removed by the merge
	// because they already completed unchanged.
	DroppedTasks []string `json:"dropped_tasks,omitempty"`
}
