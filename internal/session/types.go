package session

import (
	"encoding/json"
	"time"
)

// WorkflowKind identifies what kind of run a session records.
type WorkflowKind string

const (
	// WorkflowPlanRun is a full plan-execution run.
	WorkflowPlanRun WorkflowKind = "plan_run"

	// WorkflowRollback is an operator-requested checkpoint restore.
	WorkflowRollback WorkflowKind = "rollback"
)

// Phase is the session's position in the execution state machine.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseValidating   Phase = "validating"
	PhaseCheckpointed Phase = "checkpointed"
	PhaseExecuting    Phase = "executing"
	PhaseGating       Phase = "gating"
	PhaseRemediating  Phase = "remediating"
	PhaseDone         Phase = "done"
	PhaseRolledBack   Phase = "rolled_back"
	PhaseBlocked      Phase = "blocked"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseRolledBack, PhaseBlocked:
		return true
	}
	return false
}

// Session is a durable execution context, created once per run and mutated
// as phases advance. The kernel never deletes sessions.
type Session struct {
	ID          string       `json:"id"`
	Kind        WorkflowKind `json:"kind"`
	Phase       Phase        `json:"phase"`
	PlanVersion int          `json:"plan_version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ArtifactKind tags the payload type of a stored artifact.
type ArtifactKind string

const (
	ArtifactPlan             ArtifactKind = "plan"
	ArtifactValidationReport ArtifactKind = "validation_report"
	ArtifactTaskResult       ArtifactKind = "task_result"
	ArtifactGateReport       ArtifactKind = "gate_report"
	ArtifactCheckpoint       ArtifactKind = "checkpoint"
	ArtifactRemediation      ArtifactKind = "remediation"
	ArtifactSessionReport    ArtifactKind = "session_report"
)

// Artifact is one append-only record. Artifacts are never updated or
// deleted; a rerun supersedes older records with newer ones.
type Artifact struct {
	Seq       int64           `json:"seq"`
	SessionID string          `json:"session_id"`
	Kind      ArtifactKind    `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the artifact payload into v.
func (a *Artifact) DecodePayload(v any) error {
	return json.Unmarshal(a.Payload, v)
}
