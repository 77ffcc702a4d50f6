package gates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/plan"
)

type fakeRunner struct {
	exitCode int
	stdout   string
	err      error
	commands []string
}

func (f *fakeRunner) Run(ctx context.Context, dir, command string) (int, string, error) {
	f.commands = append(f.commands, command)
	return f.exitCode, f.stdout, f.err
}

type fakeResolver struct {
	found bool
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, dir, path, symbol string) (bool, error) {
	return f.found, f.err
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func evalContext(dir string, tasks []plan.Task, results map[string]*plan.TaskResult) *EvalContext {
	return &EvalContext{
		WorkDir: dir,
		Plan:    &plan.Plan{Tasks: tasks},
		Results: results,
	}
}

func completed(id string, changed ...plan.FileChange) *plan.TaskResult {
	return &plan.TaskResult{TaskID: id, Status: plan.StatusCompleted, ChangedFiles: changed}
}

func TestVerificationGateFileCriteria(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/util.py", "def normalize():\n    pass\n")

	tasks := []plan.Task{{
		ID:        "t1",
		Owner:     plan.OwnerImplementor,
		FileScope: plan.FileScope{Writes: []string{"src/"}},
		AcceptanceCriteria: []plan.VerificationSpec{
			{ID: "c1", Kind: plan.VerificationFile, Path: "src/util.py", Contains: "def normalize"},
		},
	}}
	results := map[string]*plan.TaskResult{"t1": completed("t1")}

	g := NewVerificationGate(nil, nil, true)
	r := g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.True(t, r.OK)
	assert.Empty(t, r.Findings)

	// Missing content fails with evidence.
	tasks[0].AcceptanceCriteria[0].Contains = "def denormalize"
	r = g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.False(t, r.OK)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, FindingCriterionFailed, r.Findings[0].Code)
	assert.Equal(t, "t1", r.Findings[0].TaskID)
	assert.Contains(t, r.Findings[0].Message, "denormalize")
}

func TestVerificationGateGrepCriteria(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/a.go", "package a\n\nfunc Widget() {}\n")
	writeFile(t, dir, "src/b.go", "package a\n")

	tasks := []plan.Task{{
		ID:        "t1",
		Owner:     plan.OwnerImplementor,
		FileScope: plan.FileScope{Writes: []string{"src/"}},
		AcceptanceCriteria: []plan.VerificationSpec{
			{ID: "c1", Kind: plan.VerificationGrep, Path: "src", Pattern: `func Widget\(`},
			{ID: "c2", Kind: plan.VerificationGrep, Path: "src", Pattern: `TODO`, Absent: true},
		},
	}}
	results := map[string]*plan.TaskResult{"t1": completed("t1")}

	g := NewVerificationGate(nil, nil, true)
	r := g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.True(t, r.OK, "findings: %v", r.Findings)

	// Introduce the forbidden pattern.
	writeFile(t, dir, "src/b.go", "package a // TODO remove\n")
	r = g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.False(t, r.OK)
	require.Len(t, r.Findings, 1)
	assert.Contains(t, r.Findings[0].Message, "must not match")
}

func TestVerificationGateCommandCriteria(t *testing.T) {
	dir := t.TempDir()
	tasks := []plan.Task{{
		ID:        "t1",
		Owner:     plan.OwnerImplementor,
		FileScope: plan.FileScope{Writes: []string{"src/"}},
		AcceptanceCriteria: []plan.VerificationSpec{
			{ID: "c1", Kind: plan.VerificationCommand, Command: "run-tests", StdoutContains: "all passed"},
		},
	}}
	results := map[string]*plan.TaskResult{"t1": completed("t1")}

	runner := &fakeRunner{exitCode: 0, stdout: "3 tests, all passed"}
	g := NewVerificationGate(runner, nil, true)
	r := g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.True(t, r.OK)
	assert.Equal(t, []string{"run-tests"}, runner.commands)

	runner.exitCode = 1
	r = g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.False(t, r.OK)
	assert.Contains(t, r.Findings[0].Message, "exited 1")
}

func TestVerificationGateMissingCollaboratorFails(t *testing.T) {
	dir := t.TempDir()
	tasks := []plan.Task{{
		ID:        "t1",
		Owner:     plan.OwnerImplementor,
		FileScope: plan.FileScope{Writes: []string{"src/"}},
		AcceptanceCriteria: []plan.VerificationSpec{
			{ID: "c1", Kind: plan.VerificationCommand, Command: "run-tests"},
			{ID: "c2", Kind: plan.VerificationSymbol, Path: "src/a.go", Symbol: "Widget"},
		},
	}}
	results := map[string]*plan.TaskResult{"t1": completed("t1")}

	g := NewVerificationGate(nil, nil, true)
	r := g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.False(t, r.OK)
	require.Len(t, r.Findings, 2, "unservable criteria must fail, not skip")
	assert.Contains(t, r.Findings[0].Message, "no command runner")
	assert.Contains(t, r.Findings[1].Message, "no symbol resolver")
}

func TestVerificationGateSymbolCriteria(t *testing.T) {
	dir := t.TempDir()
	tasks := []plan.Task{{
		ID:        "t1",
		Owner:     plan.OwnerImplementor,
		FileScope: plan.FileScope{Writes: []string{"src/"}},
		AcceptanceCriteria: []plan.VerificationSpec{
			{ID: "c1", Kind: plan.VerificationSymbol, Path: "src/a.go", Symbol: "Widget"},
		},
	}}
	results := map[string]*plan.TaskResult{"t1": completed("t1")}

	g := NewVerificationGate(nil, &fakeResolver{found: true}, true)
	r := g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.True(t, r.OK)

	g = NewVerificationGate(nil, &fakeResolver{found: false}, true)
	r = g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.False(t, r.OK)
	assert.Contains(t, r.Findings[0].Message, "not found")

	g = NewVerificationGate(nil, &fakeResolver{err: errors.New("parse error")}, true)
	r = g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.False(t, r.OK)
}

func TestVerificationGateMissingResult(t *testing.T) {
	dir := t.TempDir()
	tasks := []plan.Task{{
		ID:        "t1",
		Owner:     plan.OwnerImplementor,
		FileScope: plan.FileScope{Writes: []string{"src/"}},
		AcceptanceCriteria: []plan.VerificationSpec{
			{ID: "c1", Kind: plan.VerificationFile, Path: "src/a.go"},
		},
	}}

	g := NewVerificationGate(nil, nil, true)
	r := g.Evaluate(context.Background(), evalContext(dir, tasks, nil))
	require.False(t, r.OK)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, FindingMissingArtifact, r.Findings[0].Code)

	// Blocked tasks equally have nothing to verify.
	results := map[string]*plan.TaskResult{
		"t1": {TaskID: "t1", Status: plan.StatusBlocked},
	}
	r = g.Evaluate(context.Background(), evalContext(dir, tasks, results))
	require.False(t, r.OK)
	assert.Equal(t, FindingMissingArtifact, r.Findings[0].Code)
}

func TestScopeGate(t *testing.T) {
	dir := t.TempDir()
	tasks := []plan.Task{{
		ID:        "t1",
		Owner:     plan.OwnerImplementor,
		FileScope: plan.FileScope{Writes: []string{"src/", "docs/readme.md"}},
	}}

	t.Run("conforming changes pass", func(t *testing.T) {
		results := map[string]*plan.TaskResult{
			"t1": completed("t1",
				plan.FileChange{Path: "src/a.go", Action: plan.ActionModified},
				plan.FileChange{Path: "docs/readme.md", Action: plan.ActionModified},
			),
		}
		r := NewScopeGate(true).Evaluate(context.Background(), evalContext(dir, tasks, results))
		require.True(t, r.OK)
	})

	t.Run("out of scope change fails", func(t *testing.T) {
		results := map[string]*plan.TaskResult{
			"t1": completed("t1",
				plan.FileChange{Path: "lib/other.go", Action: plan.ActionCreated},
			),
		}
		r := NewScopeGate(true).Evaluate(context.Background(), evalContext(dir, tasks, results))
		require.False(t, r.OK)
		require.Len(t, r.Findings, 1)
		assert.Equal(t, FindingScopeViolation, r.Findings[0].Code)
		assert.Equal(t, "lib/other.go", r.Findings[0].Path)
	})

	t.Run("escaping path fails", func(t *testing.T) {
		results := map[string]*plan.TaskResult{
			"t1": completed("t1",
				plan.FileChange{Path: "../outside.txt", Action: plan.ActionCreated},
			),
		}
		r := NewScopeGate(true).Evaluate(context.Background(), evalContext(dir, tasks, results))
		require.False(t, r.OK)
		assert.Contains(t, r.Findings[0].Message, "invalid path")
	})
}

func TestQualityGate(t *testing.T) {
	dir := t.TempDir()
	ec := evalContext(dir, nil, nil)

	t.Run("no commands passes", func(t *testing.T) {
		r := NewQualityGate(nil, nil, true).Evaluate(context.Background(), ec)
		require.True(t, r.OK)
	})

	t.Run("passing commands", func(t *testing.T) {
		runner := &fakeRunner{exitCode: 0}
		r := NewQualityGate([]string{"lint", "vet"}, runner, true).Evaluate(context.Background(), ec)
		require.True(t, r.OK)
		assert.Equal(t, []string{"lint", "vet"}, runner.commands)
	})

	t.Run("failing command", func(t *testing.T) {
		runner := &fakeRunner{exitCode: 2, stdout: "3 issues found\ndetails..."}
		r := NewQualityGate([]string{"lint"}, runner, true).Evaluate(context.Background(), ec)
		require.False(t, r.OK)
		assert.Equal(t, FindingQualityFailed, r.Findings[0].Code)
		assert.Contains(t, r.Findings[0].Message, "3 issues found")
	})

	t.Run("missing runner fails", func(t *testing.T) {
		r := NewQualityGate([]string{"lint"}, nil, true).Evaluate(context.Background(), ec)
		require.False(t, r.OK)
		assert.Equal(t, FindingMissingArtifact, r.Findings[0].Code)
	})
}

type fakeDocsChecker struct {
	findings []plan.Finding
}

func (f *fakeDocsChecker) Check(ctx context.Context, ec *EvalContext) []plan.Finding {
	return f.findings
}

func TestDocsGate(t *testing.T) {
	dir := t.TempDir()
	ec := evalContext(dir, nil, nil)

	t.Run("missing checker fails when required", func(t *testing.T) {
		r := NewDocsGate(nil, true).Evaluate(context.Background(), ec)
		require.False(t, r.OK)
		assert.Equal(t, FindingMissingArtifact, r.Findings[0].Code)
	})

	t.Run("missing checker passes when optional", func(t *testing.T) {
		r := NewDocsGate(nil, false).Evaluate(context.Background(), ec)
		require.True(t, r.OK)
	})

	t.Run("checker findings surface", func(t *testing.T) {
		checker := &fakeDocsChecker{findings: []plan.Finding{
			{Code: FindingDocsMissing, Message: "changelog entry missing"},
		}}
		r := NewDocsGate(checker, true).Evaluate(context.Background(), ec)
		require.False(t, r.OK)
		assert.Equal(t, FindingDocsMissing, r.Findings[0].Code)
	})
}

func TestEvaluatorVerdict(t *testing.T) {
	dir := t.TempDir()
	ec := evalContext(dir, nil, nil)
	e := NewEvaluator(zap.NewNop())

	t.Run("all required gates pass", func(t *testing.T) {
		reports, ok := e.Evaluate(context.Background(), ec, []Gate{
			NewQualityGate(nil, nil, true),
			NewDocsGate(&fakeDocsChecker{}, true),
		})
		require.True(t, ok)
		require.Len(t, reports, 2)
		for _, r := range reports {
			assert.True(t, r.OK)
		}
	})

	t.Run("required failure blocks", func(t *testing.T) {
		reports, ok := e.Evaluate(context.Background(), ec, []Gate{
			NewQualityGate(nil, nil, true),
			NewDocsGate(nil, true),
		})
		require.False(t, ok)
		assert.True(t, reports[0].OK)
		assert.False(t, reports[1].OK)
	})

	t.Run("optional failure does not block", func(t *testing.T) {
		checker := &fakeDocsChecker{findings: []plan.Finding{{Code: FindingDocsMissing, Message: "x"}}}
		reports, ok := e.Evaluate(context.Background(), ec, []Gate{
			NewDocsGate(checker, false),
		})
		require.True(t, ok)
		assert.False(t, reports[0].OK, "report still records the failure")
	})
}

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()
	var r ExecRunner

	code, out, err := r.Run(context.Background(), dir, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "hello")

	code, _, err = r.Run(context.Background(), dir, "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}
