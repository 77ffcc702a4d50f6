// Package plan defines the typed plan model consumed by the execution kernel.
// Loosely-typed plan documents (JSON or YAML) are decoded into this closed
// model at the boundary; unknown verification kinds are a decode error.
package plan

import (
	"time"
)

// Owner tags the role responsible for a task.
type Owner string

const (
	// OwnerImplementor produces implementation code.
	OwnerImplementor Owner = "implementor"

	// OwnerTests produces test code.
	OwnerTests Owner = "tests"

	// OwnerDocs produces documentation.
	OwnerDocs Owner = "docs"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusPartial   TaskStatus = "partial"
	StatusFailed    TaskStatus = "failed"

	// StatusBlocked marks a task that was never dispatched because one of
	// its dependencies failed.
	StatusBlocked TaskStatus = "blocked"

	StatusSkipped TaskStatus = "skipped"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusBlocked, StatusSkipped:
		return true
	}
	return false
}

// FileScope declares the paths a task may read and write.
//
// Writes entries are exact file paths or directory prefixes (trailing
// separator); glob metacharacters are rejected by the validator. Allow
// entries are read-only glob patterns and are not enforced by the kernel.
type FileScope struct {
	Allow  []string `json:"allow,omitempty"`
	Writes []string `json:"writes"`
}

// VerificationKind identifies one acceptance-criterion check type.
type VerificationKind string

const (
	// VerificationFile checks that a path exists and optionally contains text.
	VerificationFile VerificationKind = "file"

	// VerificationGrep checks that a pattern matches (or must not match)
	// within the task's scope.
	VerificationGrep VerificationKind = "grep"

	// VerificationCommand checks an external command's exit code and
	// optionally its stdout.
	VerificationCommand VerificationKind = "command"

	// VerificationSymbol checks named-entity resolution via an external
	// language-analysis collaborator.
	VerificationSymbol VerificationKind = "symbol"
)

// KnownVerificationKind reports whether k is a supported kind.
func KnownVerificationKind(k VerificationKind) bool {
	switch k {
	case VerificationFile, VerificationGrep, VerificationCommand, VerificationSymbol:
		return true
	}
	return false
}

// VerificationSpec is one acceptance criterion. The populated fields depend
// on Kind; the validator checks kind-specific completeness.
type VerificationSpec struct {
	// ID uniquely identifies the criterion within its task.
	ID string `json:"id"`

	Kind VerificationKind `json:"kind"`

	// Path is the target file for file checks and the search root for grep.
	Path string `json:"path,omitempty"`

	// Contains is required file content for file checks.
	Contains string `json:"contains,omitempty"`

	// Pattern is the regular expression for grep checks.
	Pattern string `json:"pattern,omitempty"`

	// Absent inverts a grep check: the pattern must not match.
	Absent bool `json:"absent,omitempty"`

	// Command is the command line for command checks.
	Command string `json:"command,omitempty"`

	// ExitCode is the expected exit code for command checks.
	ExitCode int `json:"exit_code,omitempty"`

	// StdoutContains is required stdout content for command checks.
	StdoutContains string `json:"stdout_contains,omitempty"`

	// Symbol is the named entity for symbol checks.
	Symbol string `json:"symbol,omitempty"`
}

// Task is one unit of work with a declared file-write scope.
type Task struct {
	ID          string   `json:"id"`
	Owner       Owner    `json:"owner"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`

	FileScope FileScope `json:"file_scope"`

	AcceptanceCriteria []VerificationSpec `json:"acceptance_criteria,omitempty"`
}

// ProducesCode reports whether the task is expected to write files.
func (t *Task) ProducesCode() bool {
	return t.Owner == OwnerImplementor || t.Owner == OwnerTests
}

// ParallelGroup is a named set of tasks intended to run concurrently.
// There is no intra-group ordering; cross-group ordering is expressed via
// DependsOnGroups.
type ParallelGroup struct {
	GroupID string   `json:"group_id"`
	Tasks   []string `json:"tasks"`

	DependsOnGroups []string `json:"depends_on_groups,omitempty"`

	// MaxConcurrent overrides the plan-level limit for this group when > 0.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// ParallelConfig controls concurrent execution.
type ParallelConfig struct {
	Enabled       bool            `json:"enabled"`
	MaxConcurrent int             `json:"max_concurrent,omitempty"`
	Groups        []ParallelGroup `json:"groups,omitempty"`
}

// Plan is the full task graph for one execution attempt.
type Plan struct {
	Version int    `json:"version,omitempty"`
	Tasks   []Task `json:"tasks"`

	Parallel ParallelConfig `json:"parallel_execution"`
}

// TaskByID returns the task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// GroupByID returns the parallel group with the given id, or nil.
func (p *Plan) GroupByID(id string) *ParallelGroup {
	for i := range p.Parallel.Groups {
		if p.Parallel.Groups[i].GroupID == id {
			return &p.Parallel.Groups[i]
		}
	}
	return nil
}

// GroupOf returns the id of the group containing taskID, or "".
func (p *Plan) GroupOf(taskID string) string {
	for i := range p.Parallel.Groups {
		for _, id := range p.Parallel.Groups[i].Tasks {
			if id == taskID {
				return p.Parallel.Groups[i].GroupID
			}
		}
	}
	return ""
}

// FileAction tags how a worker changed a file.
type FileAction string

const (
	ActionCreated  FileAction = "created"
	ActionModified FileAction = "modified"
	ActionDeleted  FileAction = "deleted"
)

// FileChange records a single file touched by a worker.
type FileChange struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
}

// VerificationStatus is the outcome of one acceptance-criterion check.
type VerificationStatus string

const (
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationSkipped VerificationStatus = "skipped"
)

// VerificationResult is the outcome of evaluating one acceptance criterion.
type VerificationResult struct {
	CriterionID string             `json:"criterion_id"`
	Status      VerificationStatus `json:"status"`
	Evidence    string             `json:"evidence,omitempty"`
}

// TaskResult is the structured output returned by a worker for one task.
type TaskResult struct {
	TaskID       string       `json:"task_id"`
	Status       TaskStatus   `json:"status"`
	Summary      string       `json:"summary,omitempty"`
	ChangedFiles []FileChange `json:"changed_files,omitempty"`

	VerificationResults []VerificationResult `json:"acceptance_criteria_results,omitempty"`
}

// Finding is one machine-readable gate observation.
type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	Path    string `json:"path,omitempty"`
}

// GateReport is the authoritative machine-readable record of one gate run.
// Reports are append-only evidence: never mutated, only superseded by a
// newer report on rerun.
type GateReport struct {
	GateID      string    `json:"gate_id"`
	OK          bool      `json:"ok"`
	Findings    []Finding `json:"findings"`
	GeneratedAt time.Time `json:"generated_at"`
}
