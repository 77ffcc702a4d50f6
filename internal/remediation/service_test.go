package remediation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/plan"
)

func fixTask(id string, writes []string, deps ...string) plan.Task {
	return plan.Task{
		ID:          id,
		Owner:       plan.OwnerImplementor,
		Description: "fix " + id,
		FileScope:   plan.FileScope{Writes: writes},
		DependsOn:   deps,
	}
}

func failedRun() *Request {
	p := &plan.Plan{
		Version: 1,
		Tasks: []plan.Task{
			fixTask("t1", []string{"a.txt"}),
			fixTask("t2", []string{"b.txt"}, "t1"),
			fixTask("t3", []string{"c.txt"}, "t2"),
		},
	}
	return &Request{
		SessionID: "sess-1",
		Plan:      p,
		Results: map[string]*plan.TaskResult{
			"t1": {TaskID: "t1", Status: plan.StatusCompleted},
			"t2": {TaskID: "t2", Status: plan.StatusFailed, Summary: "tests failed"},
			"t3": {TaskID: "t3", Status: plan.StatusBlocked},
		},
		GateReports: []*plan.GateReport{
			{GateID: "verification", OK: false},
		},
	}
}

// echoPlanner proposes the prior plan unchanged.
func echoPlanner() Planner {
	return PlannerFunc(func(ctx context.Context, req *Request) (*plan.Plan, error) {
		p := *req.Plan
		p.Tasks = append([]plan.Task(nil), req.Plan.Tasks...)
		return &p, nil
	})
}

func TestProposeMergeDropsCompletedTasks(t *testing.T) {
	svc, err := NewService(nil, echoPlanner(), zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	attempt, err := svc.Propose(context.Background(), failedRun())
	require.NoError(t, err)

	require.NotNil(t, attempt.Plan)
	assert.Equal(t, 2, attempt.Plan.Version, "merged plan gets the next version")
	assert.Equal(t, 1, attempt.Iteration)
	assert.Equal(t, []string{"t1"}, attempt.DroppedTasks, "completed unchanged task must not re-run")

	ids := make([]string, 0, len(attempt.Plan.Tasks))
	for _, task := range attempt.Plan.Tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"t2", "t3"}, ids)

	// t2 depended on the dropped t1; that dependency is already satisfied.
	assert.Empty(t, attempt.Plan.TaskByID("t2").DependsOn)
	assert.Equal(t, []string{"t2"}, attempt.Plan.TaskByID("t3").DependsOn)
}

func TestProposeImplicatedCompletedTaskIsRetargeted(t *testing.T) {
	req := failedRun()
	// The gate blames the completed task directly.
	req.GateReports = []*plan.GateReport{{
		GateID: "verification",
		OK:     false,
		Findings: []plan.Finding{
			{Code: "criterion_failed", Message: "file missing", TaskID: "t1"},
		},
	}}

	svc, err := NewService(nil, echoPlanner(), zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	attempt, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, attempt.DroppedTasks)
	require.NotNil(t, attempt.Plan.TaskByID("t1"), "a finding naming the task counts as targeting it")
}

func TestProposeChangedCompletedTaskIsRetargeted(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req *Request) (*plan.Plan, error) {
		p := *req.Plan
		p.Tasks = append([]plan.Task(nil), req.Plan.Tasks...)
		// The planner rewrote the completed task's objective.
		p.Tasks[0].Description = "fix t1 for real this time"
		return &p, nil
	})

	svc, err := NewService(nil, planner, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	attempt, err := svc.Propose(context.Background(), failedRun())
	require.NoError(t, err)
	assert.Empty(t, attempt.DroppedTasks)
	require.NotNil(t, attempt.Plan.TaskByID("t1"), "changed definition counts as explicit retargeting")
}

func TestProposeBoundedIterations(t *testing.T) {
	svc, err := NewService(&Config{MaxIterations: 2}, echoPlanner(), zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	req := failedRun()
	assert.Equal(t, 2, svc.Remaining(req.SessionID))

	first, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Iteration)

	second, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Iteration)
	assert.Equal(t, 0, svc.Remaining(req.SessionID))

	// The third attempt must never happen.
	_, err = svc.Propose(context.Background(), req)
	require.ErrorIs(t, err, ErrExhausted)

	// Budgets are per session.
	other := failedRun()
	other.SessionID = "sess-2"
	_, err = svc.Propose(context.Background(), other)
	require.NoError(t, err)
}

func TestProposePlannerFailure(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req *Request) (*plan.Plan, error) {
		return nil, errors.New("model unavailable")
	})
	svc, err := NewService(nil, planner, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Propose(context.Background(), failedRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestProposeEmptyProposal(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req *Request) (*plan.Plan, error) {
		return &plan.Plan{}, nil
	})
	svc, err := NewService(nil, planner, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Propose(context.Background(), failedRun())
	require.Error(t, err)
}

func TestProposeAllCompletedProposal(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req *Request) (*plan.Plan, error) {
		return &plan.Plan{Tasks: []plan.Task{fixTask("t1", []string{"a.txt"})}}, nil
	})
	svc, err := NewService(nil, planner, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Propose(context.Background(), failedRun())
	require.Error(t, err, "a proposal of only completed work is useless")
}

func TestProposeGroupPruning(t *testing.T) {
	planner := PlannerFunc(func(ctx context.Context, req *Request) (*plan.Plan, error) {
		return &plan.Plan{
			Tasks: []plan.Task{
				fixTask("t1", []string{"a.txt"}),
				fixTask("t2", []string{"b.txt"}),
			},
			Parallel: plan.ParallelConfig{
				Enabled: true,
				Groups: []plan.ParallelGroup{
					{GroupID: "g1", Tasks: []string{"t1"}},
					{GroupID: "g2", Tasks: []string{"t2"}, DependsOnGroups: []string{"g1"}},
				},
			},
		}, nil
	})
	svc, err := NewService(nil, planner, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	attempt, err := svc.Propose(context.Background(), failedRun())
	require.NoError(t, err)

	// t1 completed unchanged, so g1 vanishes and g2 loses its dependency.
	require.Len(t, attempt.Plan.Parallel.Groups, 1)
	assert.Equal(t, "g2", attempt.Plan.Parallel.Groups[0].GroupID)
	assert.Empty(t, attempt.Plan.Parallel.Groups[0].DependsOnGroups)
}

func TestServiceClosed(t *testing.T) {
	svc, err := NewService(nil, echoPlanner(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	_, err = svc.Propose(context.Background(), failedRun())
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, nil, zap.NewNop())
	require.Error(t, err)

	_, err = NewService(&Config{MaxIterations: -1}, echoPlanner(), zap.NewNop())
	require.Error(t, err)
}
