package validator

import (
	"fmt"
	"reflect"
	"testing"

	"pgregory.net/rapid"

	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/scope"
)

// genDisjointParallelPlan builds a plan whose groups are assigned pairwise
// disjoint write scopes by construction: task i writes only under its own
// directory prefix or an exact file derived from its index.
func genDisjointParallelPlan(t *rapid.T) *plan.Plan {
	taskCount := rapid.IntRange(1, 12).Draw(t, "taskCount")
	groupCount := rapid.IntRange(1, 4).Draw(t, "groupCount")

	p := &plan.Plan{
		Parallel: plan.ParallelConfig{
			Enabled:       true,
			MaxConcurrent: rapid.IntRange(1, 4).Draw(t, "maxConcurrent"),
		},
	}

	for g := 0; g < groupCount; g++ {
		group := plan.ParallelGroup{GroupID: fmt.Sprintf("g%d", g)}
		if g > 0 {
			group.DependsOnGroups = []string{fmt.Sprintf("g%d", g-1)}
		}
		p.Parallel.Groups = append(p.Parallel.Groups, group)
	}

	for i := 0; i < taskCount; i++ {
		id := fmt.Sprintf("t%d", i)
		var writes []string
		if rapid.Bool().Draw(t, "usePrefix") {
			writes = []string{fmt.Sprintf("pkg%d/", i)}
		} else {
			writes = []string{fmt.Sprintf("pkg%d/file.go", i)}
		}

		p.Tasks = append(p.Tasks, plan.Task{
			ID:        id,
			Owner:     plan.OwnerImplementor,
			FileScope: plan.FileScope{Writes: writes},
			AcceptanceCriteria: []plan.VerificationSpec{
				{ID: id + "-c", Kind: plan.VerificationFile, Path: writes[0]},
			},
		})

		gi := rapid.IntRange(0, groupCount-1).Draw(t, "groupOf")
		p.Parallel.Groups[gi].Tasks = append(p.Parallel.Groups[gi].Tasks, id)
	}

	return p
}

// Valid plans built with disjoint per-task scopes always pass, and the
// passing plan satisfies pairwise disjointness and exactly-once coverage.
func TestValidateProperty_DisjointPlansPass(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genDisjointParallelPlan(t)
		v := New(DefaultPolicy(), nil)

		violations := v.Validate(p)
		if len(violations) != 0 {
			t.Fatalf("expected no violations, got %v", violations)
		}

		// Coverage: every task appears in exactly one group.
		count := make(map[string]int)
		for _, g := range p.Parallel.Groups {
			for _, id := range g.Tasks {
				count[id]++
			}
		}
		for _, task := range p.Tasks {
			if count[task.ID] != 1 {
				t.Fatalf("task %s appears in %d groups", task.ID, count[task.ID])
			}
		}

		// Disjointness: no pair of same-group tasks overlaps.
		for _, g := range p.Parallel.Groups {
			for i := 0; i < len(g.Tasks); i++ {
				for j := i + 1; j < len(g.Tasks); j++ {
					a := p.TaskByID(g.Tasks[i])
					b := p.TaskByID(g.Tasks[j])
					for _, ea := range a.FileScope.Writes {
						for _, eb := range b.FileScope.Writes {
							na, _ := scope.NormalizePath(ea)
							nb, _ := scope.NormalizePath(eb)
							if scope.EntriesOverlap(na, nb) {
								t.Fatalf("tasks %s and %s overlap on %s", a.ID, b.ID, ea)
							}
						}
					}
				}
			}
		}
	})
}

// Forcing two same-group tasks onto the same path always yields a scope
// overlap violation naming that pair.
func TestValidateProperty_ForcedOverlapRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genDisjointParallelPlan(t)

		// Pick a group with at least two tasks, or force one.
		var g *plan.ParallelGroup
		for i := range p.Parallel.Groups {
			if len(p.Parallel.Groups[i].Tasks) >= 2 {
				g = &p.Parallel.Groups[i]
				break
			}
		}
		if g == nil {
			t.Skip("no group with two tasks")
		}

		a := p.TaskByID(g.Tasks[0])
		b := p.TaskByID(g.Tasks[1])
		shared := "shared/conflict.txt"
		a.FileScope.Writes = append(a.FileScope.Writes, shared)
		b.FileScope.Writes = append(b.FileScope.Writes, shared)

		violations := New(DefaultPolicy(), nil).Validate(p)
		found := false
		for _, v := range violations {
			if v.Kind == KindScopeOverlap && v.GroupID == g.GroupID {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected scope overlap violation, got %v", violations)
		}
	})
}

// Validation is idempotent for arbitrary generated plans, mutated or not.
func TestValidateProperty_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genDisjointParallelPlan(t)

		// Randomly corrupt the plan to exercise violation paths.
		if rapid.Bool().Draw(t, "dropGroupMembership") && len(p.Parallel.Groups) > 0 {
			g := &p.Parallel.Groups[0]
			if len(g.Tasks) > 0 {
				g.Tasks = g.Tasks[1:]
			}
		}
		if rapid.Bool().Draw(t, "addGlob") {
			p.Tasks[0].FileScope.Writes = append(p.Tasks[0].FileScope.Writes, "src/*.go")
		}
		if rapid.Bool().Draw(t, "addCycle") && len(p.Tasks) >= 2 {
			p.Tasks[0].DependsOn = []string{p.Tasks[1].ID}
			p.Tasks[1].DependsOn = []string{p.Tasks[0].ID}
		}

		v := New(DefaultPolicy(), nil)
		first := v.Validate(p)
		second := v.Validate(p)

		if !reflect.DeepEqual(first, second) {
			t.Fatalf("validation not idempotent:\nfirst:  %v\nsecond: %v", first, second)
		}
	})
}
