package validator

import (
	"fmt"
	"strings"
)

// ViolationKind is a closed enumeration of plan invariant violations.
type ViolationKind string

const (
	// KindMissingTaskID marks a task with an empty id.
	KindMissingTaskID ViolationKind = "missing_task_id"

	// KindDuplicateTaskID marks a task id declared more than once.
	KindDuplicateTaskID ViolationKind = "duplicate_task_id"

	// KindMissingOwner marks a task without an owner tag.
	KindMissingOwner ViolationKind = "missing_owner"

	// KindEmptyWrites marks a code-producing task with no write scope.
	KindEmptyWrites ViolationKind = "empty_writes"

	// KindScopeFormat marks a write-scope entry that is not an exact path
	// or directory prefix (globs, escapes, empty entries).
	KindScopeFormat ViolationKind = "scope_format"

	// KindUnknownDependency marks a depends_on reference to a missing task.
	KindUnknownDependency ViolationKind = "unknown_dependency"

	// KindDependencyCycle marks a cycle in the task dependency graph.
	KindDependencyCycle ViolationKind = "dependency_cycle"

	// KindGroupCoverage marks a task appearing in zero or multiple groups
	// while parallel execution is enabled.
	KindGroupCoverage ViolationKind = "group_coverage"

	// KindDuplicateGroupID marks a group id declared more than once.
	KindDuplicateGroupID ViolationKind = "duplicate_group_id"

	// KindUnknownGroupTask marks a group referencing a missing task id.
	KindUnknownGroupTask ViolationKind = "unknown_group_task"

	// KindUnknownGroupDependency marks a depends_on_groups reference to a
	// missing group.
	KindUnknownGroupDependency ViolationKind = "unknown_group_dependency"

	// KindGroupCycle marks a cycle in the group dependency graph.
	KindGroupCycle ViolationKind = "group_cycle"

	// KindScopeOverlap marks two tasks in the same group with overlapping
	// write scopes.
	KindScopeOverlap ViolationKind = "scope_overlap"

	// KindDependencyGroupMismatch marks a depends_on between two tasks in
	// the same group; tasks within a group must not order each other.
	KindDependencyGroupMismatch ViolationKind = "dependency_group_mismatch"

	// KindForwardGroupReference marks a depends_on whose target lives in a
	// group that is not an ancestor of the task's own group, so group
	// ordering cannot guarantee the dependency finishes first.
	KindForwardGroupReference ViolationKind = "forward_group_reference"

	// KindMissingAcceptanceCriteria marks a code-producing task without
	// any verification.
	KindMissingAcceptanceCriteria ViolationKind = "missing_acceptance_criteria"

	// KindIncompleteVerification marks an acceptance criterion missing the
	// fields its kind requires.
	KindIncompleteVerification ViolationKind = "incomplete_verification"
)

// Violation describes one failed invariant check with enough detail to
// correct the plan in a single pass.
type Violation struct {
	Kind        ViolationKind `json:"kind"`
	TaskID      string        `json:"task_id,omitempty"`
	OtherTaskID string        `json:"other_task_id,omitempty"`
	GroupID     string        `json:"group_id,omitempty"`
	Path        string        `json:"path,omitempty"`
	Cycle       []string      `json:"cycle,omitempty"`
	Message     string        `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s", v.Kind, v.Message)
}

// InvalidPlanError carries the full violation list for a rejected plan.
// A plan that fails validation is never scheduled.
type InvalidPlanError struct {
	Violations []Violation
}

func (e *InvalidPlanError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("plan is invalid (%d violations): %s",
		len(e.Violations), strings.Join(parts, "; "))
}
