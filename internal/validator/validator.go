// Package validator checks structural and resource-safety invariants on a
// plan before it is scheduled. All checks run and all violations are
// collected so a corrected plan can be produced in one pass.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/scope"
)

// Policy configures which optional checks are enforced.
type Policy struct {
	// RequireAcceptanceCriteria rejects code-producing tasks that declare
	// no verification.
	RequireAcceptanceCriteria bool
}

// DefaultPolicy returns the standard enforcement policy.
func DefaultPolicy() Policy {
	return Policy{
		RequireAcceptanceCriteria: true,
	}
}

// Validator validates plans against the kernel's invariants. Validation has
// no side effects and is idempotent: the same plan always yields the same
// violation list.
type Validator struct {
	policy Policy
	logger *zap.Logger
}

// New creates a validator with the given policy.
func New(policy Policy, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{policy: policy, logger: logger}
}

// Validate runs every invariant check and returns all violations found.
// An empty slice means the plan may be scheduled.
func (v *Validator) Validate(p *plan.Plan) []Violation {
	violations := []Violation{}

	violations = append(violations, v.checkSchema(p)...)
	violations = append(violations, v.checkScopeFormat(p)...)
	violations = append(violations, v.checkDependencies(p)...)
	violations = append(violations, v.checkAcyclic(p)...)

	if p.Parallel.Enabled {
		violations = append(violations, v.checkGroups(p)...)
		violations = append(violations, v.checkDisjointWrites(p)...)
		violations = append(violations, v.checkGroupOrdering(p)...)
	}

	if len(violations) > 0 {
		v.logger.Debug("plan rejected",
			zap.Int("violation_count", len(violations)),
		)
	}
	return violations
}

// ValidateErr wraps Validate, returning an *InvalidPlanError when the plan
// has violations.
func (v *Validator) ValidateErr(p *plan.Plan) error {
	violations := v.Validate(p)
	if len(violations) == 0 {
		return nil
	}
	return &InvalidPlanError{Violations: violations}
}

func (v *Validator) checkSchema(p *plan.Plan) []Violation {
	var out []Violation

	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]

		if t.ID == "" {
			out = append(out, Violation{
				Kind:    KindMissingTaskID,
				Message: fmt.Sprintf("task at index %d has no id", i),
			})
			continue
		}
		if seen[t.ID] {
			out = append(out, Violation{
				Kind:    KindDuplicateTaskID,
				TaskID:  t.ID,
				Message: fmt.Sprintf("task id %q is declared more than once", t.ID),
			})
		}
		seen[t.ID] = true

		if t.Owner == "" {
			out = append(out, Violation{
				Kind:    KindMissingOwner,
				TaskID:  t.ID,
				Message: fmt.Sprintf("task %q has no owner", t.ID),
			})
		}

		if t.ProducesCode() && len(t.FileScope.Writes) == 0 {
			out = append(out, Violation{
				Kind:    KindEmptyWrites,
				TaskID:  t.ID,
				Message: fmt.Sprintf("code-producing task %q declares no write scope", t.ID),
			})
		}

		if v.policy.RequireAcceptanceCriteria && t.ProducesCode() && len(t.AcceptanceCriteria) == 0 {
			out = append(out, Violation{
				Kind:    KindMissingAcceptanceCriteria,
				TaskID:  t.ID,
				Message: fmt.Sprintf("code-producing task %q declares no acceptance criteria", t.ID),
			})
		}

		out = append(out, checkCriteria(t)...)
	}

	return out
}

// checkCriteria validates kind-specific completeness of acceptance criteria.
func checkCriteria(t *plan.Task) []Violation {
	var out []Violation
	for _, c := range t.AcceptanceCriteria {
		var missing string
		switch c.Kind {
		case plan.VerificationFile:
			if c.Path == "" {
				missing = "path"
			}
		case plan.VerificationGrep:
			if c.Pattern == "" {
				missing = "pattern"
			}
		case plan.VerificationCommand:
			if c.Command == "" {
				missing = "command"
			}
		case plan.VerificationSymbol:
			if c.Symbol == "" {
				missing = "symbol"
			}
		}
		if missing != "" {
			out = append(out, Violation{
				Kind:   KindIncompleteVerification,
				TaskID: t.ID,
				Message: fmt.Sprintf("task %q criterion %q (kind %s) is missing %s",
					t.ID, c.ID, c.Kind, missing),
			})
		}
	}
	return out
}

func (v *Validator) checkScopeFormat(p *plan.Plan) []Violation {
	var out []Violation
	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, entry := range t.FileScope.Writes {
			if err := scope.ValidateWriteEntry(entry); err != nil {
				out = append(out, Violation{
					Kind:    KindScopeFormat,
					TaskID:  t.ID,
					Path:    entry,
					Message: fmt.Sprintf("task %q: %v", t.ID, err),
				})
			}
		}
	}
	return out
}

func (v *Validator) checkDependencies(p *plan.Plan) []Violation {
	var out []Violation
	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, dep := range t.DependsOn {
			if p.TaskByID(dep) == nil {
				out = append(out, Violation{
					Kind:        KindUnknownDependency,
					TaskID:      t.ID,
					OtherTaskID: dep,
					Message:     fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep),
				})
			}
		}
	}
	return out
}

func (v *Validator) checkAcyclic(p *plan.Plan) []Violation {
	edges := make(map[string][]string, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.ID == "" {
			continue
		}
		edges[t.ID] = append([]string(nil), t.DependsOn...)
	}

	cycle := findCycle(edges)
	if cycle == nil {
		return nil
	}
	return []Violation{{
		Kind:   KindDependencyCycle,
		TaskID: cycle[0],
		Cycle:  cycle,
		Message: fmt.Sprintf("dependency cycle: %s",
			strings.Join(append(cycle, cycle[0]), " -> ")),
	}}
}

func (v *Validator) checkGroups(p *plan.Plan) []Violation {
	var out []Violation

	seenGroups := make(map[string]bool, len(p.Parallel.Groups))
	membership := make(map[string]int, len(p.Tasks))

	for i := range p.Parallel.Groups {
		g := &p.Parallel.Groups[i]

		if seenGroups[g.GroupID] {
			out = append(out, Violation{
				Kind:    KindDuplicateGroupID,
				GroupID: g.GroupID,
				Message: fmt.Sprintf("group id %q is declared more than once", g.GroupID),
			})
		}
		seenGroups[g.GroupID] = true

		for _, taskID := range g.Tasks {
			if p.TaskByID(taskID) == nil {
				out = append(out, Violation{
					Kind:    KindUnknownGroupTask,
					GroupID: g.GroupID,
					TaskID:  taskID,
					Message: fmt.Sprintf("group %q references unknown task %q", g.GroupID, taskID),
				})
				continue
			}
			membership[taskID]++
		}

		for _, depGroup := range g.DependsOnGroups {
			if p.GroupByID(depGroup) == nil {
				out = append(out, Violation{
					Kind:    KindUnknownGroupDependency,
					GroupID: g.GroupID,
					Message: fmt.Sprintf("group %q depends on unknown group %q", g.GroupID, depGroup),
				})
			}
		}
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.ID == "" {
			continue
		}
		switch n := membership[t.ID]; {
		case n == 0:
			out = append(out, Violation{
				Kind:    KindGroupCoverage,
				TaskID:  t.ID,
				Message: fmt.Sprintf("task %q is not a member of any parallel group", t.ID),
			})
		case n > 1:
			out = append(out, Violation{
				Kind:    KindGroupCoverage,
				TaskID:  t.ID,
				Message: fmt.Sprintf("task %q is a member of %d parallel groups", t.ID, n),
			})
		}
	}

	// Group graph must itself be acyclic.
	groupEdges := make(map[string][]string, len(p.Parallel.Groups))
	for i := range p.Parallel.Groups {
		g := &p.Parallel.Groups[i]
		groupEdges[g.GroupID] = append([]string(nil), g.DependsOnGroups...)
	}
	if cycle := findCycle(groupEdges); cycle != nil {
		out = append(out, Violation{
			Kind:    KindGroupCycle,
			GroupID: cycle[0],
			Cycle:   cycle,
			Message: fmt.Sprintf("group dependency cycle: %s",
				strings.Join(append(cycle, cycle[0]), " -> ")),
		})
	}

	return out
}

func (v *Validator) checkDisjointWrites(p *plan.Plan) []Violation {
	var out []Violation

	for gi := range p.Parallel.Groups {
		g := &p.Parallel.Groups[gi]

		type memberScope struct {
			taskID  string
			entries []string
		}
		members := make([]memberScope, 0, len(g.Tasks))
		for _, taskID := range g.Tasks {
			t := p.TaskByID(taskID)
			if t == nil {
				continue
			}
			entries := make([]string, 0, len(t.FileScope.Writes))
			for _, e := range t.FileScope.Writes {
				n, err := scope.NormalizePath(e)
				if err != nil {
					continue // format violations already reported
				}
				entries = append(entries, n)
			}
			sort.Strings(entries)
			members = append(members, memberScope{taskID: taskID, entries: entries})
		}

		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if path, ok := firstOverlap(members[i].entries, members[j].entries); ok {
					out = append(out, Violation{
						Kind:        KindScopeOverlap,
						GroupID:     g.GroupID,
						TaskID:      members[i].taskID,
						OtherTaskID: members[j].taskID,
						Path:        path,
						Message: fmt.Sprintf("tasks %q and %q in group %q both write %q",
							members[i].taskID, members[j].taskID, g.GroupID, path),
					})
				}
			}
		}
	}

	return out
}

// firstOverlap returns one overlapping path between two normalized scopes.
// Reporting a single witness per task pair keeps the violation list stable
// and readable; the corrected plan re-validates anyway.
func firstOverlap(a, b []string) (string, bool) {
	for _, ea := range a {
		for _, eb := range b {
			if scope.EntriesOverlap(ea, eb) {
				if len(eb) < len(ea) {
					return eb, true
				}
				return ea, true
			}
		}
	}
	return "", false
}

// checkGroupOrdering rejects depends_on edges that group ordering cannot
// honor: intra-group dependencies and references to non-ancestor groups.
func (v *Validator) checkGroupOrdering(p *plan.Plan) []Violation {
	var out []Violation

	ancestors := groupAncestors(p)

	for i := range p.Tasks {
		t := &p.Tasks[i]
		tGroup := p.GroupOf(t.ID)
		if tGroup == "" {
			continue // coverage violation already reported
		}
		for _, dep := range t.DependsOn {
			depGroup := p.GroupOf(dep)
			if depGroup == "" {
				continue
			}
			if depGroup == tGroup {
				out = append(out, Violation{
					Kind:        KindDependencyGroupMismatch,
					GroupID:     tGroup,
					TaskID:      t.ID,
					OtherTaskID: dep,
					Message: fmt.Sprintf("task %q depends on %q within group %q; intra-group dependencies are disallowed",
						t.ID, dep, tGroup),
				})
				continue
			}
			if !ancestors[tGroup][depGroup] {
				out = append(out, Violation{
					Kind:        KindForwardGroupReference,
					GroupID:     tGroup,
					TaskID:      t.ID,
					OtherTaskID: dep,
					Message: fmt.Sprintf("task %q in group %q depends on %q in group %q, which is not ordered before it",
						t.ID, tGroup, dep, depGroup),
				})
			}
		}
	}

	return out
}

// groupAncestors computes, per group, the transitive set of groups ordered
// before it.
func groupAncestors(p *plan.Plan) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(p.Parallel.Groups))

	var visit func(id string, seen map[string]bool) map[string]bool
	visit = func(id string, seen map[string]bool) map[string]bool {
		if cached, ok := out[id]; ok {
			return cached
		}
		if seen[id] {
			return map[string]bool{} // cycle reported separately
		}
		seen[id] = true

		result := make(map[string]bool)
		g := p.GroupByID(id)
		if g != nil {
			for _, dep := range g.DependsOnGroups {
				if p.GroupByID(dep) == nil {
					continue
				}
				result[dep] = true
				for a := range visit(dep, seen) {
					result[a] = true
				}
			}
		}
		out[id] = result
		return result
	}

	for i := range p.Parallel.Groups {
		visit(p.Parallel.Groups[i].GroupID, make(map[string]bool))
	}
	return out
}
