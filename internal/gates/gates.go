// Package gates evaluates pass/fail quality gates over the artifacts an
// execution pass produced. Every gate emits a machine-readable report;
// severity is binary: a gate passes or it fails.
package gates

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/scope"
)

// Finding codes shared across gates.
const (
	FindingCriterionFailed = "criterion_failed"
	FindingMissingArtifact = "missing_artifact"
	FindingScopeViolation  = "scope_violation"
	FindingQualityFailed   = "quality_failed"
	FindingDocsMissing     = "docs_missing"
)

// Gate names.
const (
	GateVerification     = "verification"
	GateScopeConformance = "scope-conformance"
	GateQuality          = "quality"
	GateDocs             = "docs"
)

// EvalContext carries everything a gate may inspect.
type EvalContext struct {
	// WorkDir is the root all relative paths resolve against.
	WorkDir string

	// Plan is the plan that was executed.
	Plan *plan.Plan

	// Results maps task id to the worker's reported result.
	Results map[string]*plan.TaskResult
}

// Gate is one pass/fail check over an execution pass.
type Gate interface {
	Name() string
	Required() bool
	Evaluate(ctx context.Context, ec *EvalContext) *plan.GateReport
}

// CommandRunner executes an external command line and reports its outcome.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (exitCode int, stdout string, err error)
}

// SymbolResolver checks that a named entity resolves in a file.
type SymbolResolver interface {
	Resolve(ctx context.Context, dir, path, symbol string) (bool, error)
}

// DocsChecker inspects produced artifacts for documentation obligations.
type DocsChecker interface {
	Check(ctx context.Context, ec *EvalContext) []plan.Finding
}

func report(name string, findings []plan.Finding) *plan.GateReport {
	return &plan.GateReport{
		GateID:      name,
		OK:          len(findings) == 0,
		Findings:    findings,
		GeneratedAt: time.Now().UTC(),
	}
}

// VerificationGate executes every task's acceptance criteria against the
// working tree. Criteria whose kind needs a collaborator that was not
// provided fail with evidence; they are never silently skipped.
type VerificationGate struct {
	runner   CommandRunner
	symbols  SymbolResolver
	required bool
}

// NewVerificationGate creates the verification gate. Either collaborator
// may be nil; criteria of the matching kind then fail.
func NewVerificationGate(runner CommandRunner, symbols SymbolResolver, required bool) *VerificationGate {
	return &VerificationGate{runner: runner, symbols: symbols, required: required}
}

// Name returns the gate identifier.
func (g *VerificationGate) Name() string { return GateVerification }

// Required reports whether a failure blocks the session.
func (g *VerificationGate) Required() bool { return g.required }

// Evaluate checks every criterion of every task that produced a result.
// Tasks with criteria but no result fail with a missing_artifact finding.
func (g *VerificationGate) Evaluate(ctx context.Context, ec *EvalContext) *plan.GateReport {
	var findings []plan.Finding

	for i := range ec.Plan.Tasks {
		task := &ec.Plan.Tasks[i]
		if len(task.AcceptanceCriteria) == 0 {
			continue
		}

		result, ok := ec.Results[task.ID]
		if !ok || result == nil {
			findings = append(findings, plan.Finding{
				Code:    FindingMissingArtifact,
				Message: "task produced no result to verify",
				TaskID:  task.ID,
			})
			continue
		}
		if result.Status == plan.StatusBlocked || result.Status == plan.StatusSkipped {
			// Never dispatched; its criteria cannot hold.
			findings = append(findings, plan.Finding{
				Code:    FindingMissingArtifact,
				Message: fmt.Sprintf("task was %s and produced no verifiable output", result.Status),
				TaskID:  task.ID,
			})
			continue
		}

		for j := range task.AcceptanceCriteria {
			spec := &task.AcceptanceCriteria[j]
			if f := g.checkCriterion(ctx, ec.WorkDir, task.ID, spec); f != nil {
				findings = append(findings, *f)
			}
		}
	}

	return report(g.Name(), findings)
}

func (g *VerificationGate) checkCriterion(ctx context.Context, workDir, taskID string, spec *plan.VerificationSpec) *plan.Finding {
	fail := func(format string, args ...any) *plan.Finding {
		return &plan.Finding{
			Code:    FindingCriterionFailed,
			Message: fmt.Sprintf("criterion %s: %s", spec.ID, fmt.Sprintf(format, args...)),
			TaskID:  taskID,
			Path:    spec.Path,
		}
	}

	switch spec.Kind {
	case plan.VerificationFile:
		data, err := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(spec.Path)))
		if err != nil {
			return fail("file %s not readable: %v", spec.Path, err)
		}
		if spec.Contains != "" && !strings.Contains(string(data), spec.Contains) {
			return fail("file %s does not contain %q", spec.Path, spec.Contains)
		}
		return nil

	case plan.VerificationGrep:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return fail("invalid pattern %q: %v", spec.Pattern, err)
		}
		matched, err := grepTree(workDir, spec.Path, re)
		if err != nil {
			return fail("grep under %s: %v", spec.Path, err)
		}
		if spec.Absent && matched != "" {
			return fail("pattern %q must not match but matched in %s", spec.Pattern, matched)
		}
		if !spec.Absent && matched == "" {
			return fail("pattern %q matched nothing under %s", spec.Pattern, spec.Path)
		}
		return nil

	case plan.VerificationCommand:
		if g.runner == nil {
			return fail("no command runner configured for command criteria")
		}
		code, stdout, err := g.runner.Run(ctx, workDir, spec.Command)
		if err != nil {
			return fail("command %q: %v", spec.Command, err)
		}
		if code != spec.ExitCode {
			return fail("command %q exited %d, want %d", spec.Command, code, spec.ExitCode)
		}
		if spec.StdoutContains != "" && !strings.Contains(stdout, spec.StdoutContains) {
			return fail("command %q stdout missing %q", spec.Command, spec.StdoutContains)
		}
		return nil

	case plan.VerificationSymbol:
		if g.symbols == nil {
			return fail("no symbol resolver configured for symbol criteria")
		}
		found, err := g.symbols.Resolve(ctx, workDir, spec.Path, spec.Symbol)
		if err != nil {
			return fail("resolving symbol %s: %v", spec.Symbol, err)
		}
		if !found {
			return fail("symbol %s not found in %s", spec.Symbol, spec.Path)
		}
		return nil
	}

	// Unknown kinds are rejected at decode time.
	return fail("unsupported criterion kind %q", spec.Kind)
}

// grepTree searches all regular files under root (relative to workDir) for
// the pattern and returns the first matching file's relative path, or "".
// A root naming a single file searches just that file.
func grepTree(workDir, root string, re *regexp.Regexp) (string, error) {
	base := filepath.Join(workDir, filepath.FromSlash(root))
	info, err := os.Stat(base)
	if err != nil {
		return "", err
	}

	if !info.IsDir() {
		data, err := os.ReadFile(base)
		if err != nil {
			return "", err
		}
		if re.Match(data) {
			return root, nil
		}
		return "", nil
	}

	var matched string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || matched != "" {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if re.Match(data) {
			rel, rerr := filepath.Rel(workDir, path)
			if rerr != nil {
				rel = path
			}
			matched = filepath.ToSlash(rel)
		}
		return nil
	})
	return matched, err
}

// ScopeGate re-checks every reported file change against the declaring
// task's write scope. Scheduler-side enforcement already refuses writes in
// flight; this gate catches anything that slipped through a worker's own
// reporting.
type ScopeGate struct {
	required bool
}

// NewScopeGate creates the scope conformance gate.
func NewScopeGate(required bool) *ScopeGate {
	return &ScopeGate{required: required}
}

// Name returns the gate identifier.
func (g *ScopeGate) Name() string { return GateScopeConformance }

// Required reports whether a failure blocks the session.
func (g *ScopeGate) Required() bool { return g.required }

// Evaluate compares changed files to declared writes for each task result.
func (g *ScopeGate) Evaluate(ctx context.Context, ec *EvalContext) *plan.GateReport {
	var findings []plan.Finding

	for i := range ec.Plan.Tasks {
		task := &ec.Plan.Tasks[i]
		result, ok := ec.Results[task.ID]
		if !ok || result == nil {
			continue
		}

		for _, change := range result.ChangedFiles {
			allowed, err := scope.PathWithin(change.Path, task.FileScope.Writes)
			if err != nil {
				findings = append(findings, plan.Finding{
					Code:    FindingScopeViolation,
					Message: fmt.Sprintf("reported change has invalid path: %v", err),
					TaskID:  task.ID,
					Path:    change.Path,
				})
				continue
			}
			if !allowed {
				findings = append(findings, plan.Finding{
					Code:    FindingScopeViolation,
					Message: fmt.Sprintf("file %s (%s) is outside the task's declared writes", change.Path, change.Action),
					TaskID:  task.ID,
					Path:    change.Path,
				})
			}
		}
	}

	return report(g.Name(), findings)
}

// QualityGate runs configured external quality commands. An empty command
// list passes trivially.
type QualityGate struct {
	commands []string
	runner   CommandRunner
	required bool
}

// NewQualityGate creates the quality gate.
func NewQualityGate(commands []string, runner CommandRunner, required bool) *QualityGate {
	return &QualityGate{commands: commands, runner: runner, required: required}
}

// Name returns the gate identifier.
func (g *QualityGate) Name() string { return GateQuality }

// Required reports whether a failure blocks the session.
func (g *QualityGate) Required() bool { return g.required }

// Evaluate runs each configured command; any nonzero exit fails the gate.
func (g *QualityGate) Evaluate(ctx context.Context, ec *EvalContext) *plan.GateReport {
	var findings []plan.Finding

	if len(g.commands) > 0 && g.runner == nil {
		findings = append(findings, plan.Finding{
			Code:    FindingMissingArtifact,
			Message: "quality commands configured but no command runner provided",
		})
		return report(g.Name(), findings)
	}

	for _, cmd := range g.commands {
		code, stdout, err := g.runner.Run(ctx, ec.WorkDir, cmd)
		if err != nil {
			findings = append(findings, plan.Finding{
				Code:    FindingQualityFailed,
				Message: fmt.Sprintf("command %q: %v", cmd, err),
			})
			continue
		}
		if code != 0 {
			findings = append(findings, plan.Finding{
				Code:    FindingQualityFailed,
				Message: fmt.Sprintf("command %q exited %d: %s", cmd, code, firstLine(stdout)),
			})
		}
	}

	return report(g.Name(), findings)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// DocsGate defers to a DocsChecker collaborator. When the checker is absent
// and the gate is required, the gate fails rather than silently passing.
type DocsGate struct {
	checker  DocsChecker
	required bool
}

// NewDocsGate creates the docs gate.
func NewDocsGate(checker DocsChecker, required bool) *DocsGate {
	return &DocsGate{checker: checker, required: required}
}

// Name returns the gate identifier.
func (g *DocsGate) Name() string { return GateDocs }

// Required reports whether a failure blocks the session.
func (g *DocsGate) Required() bool { return g.required }

// Evaluate runs the checker if present.
func (g *DocsGate) Evaluate(ctx context.Context, ec *EvalContext) *plan.GateReport {
	if g.checker == nil {
		if !g.required {
			return report(g.Name(), nil)
		}
		return report(g.Name(), []plan.Finding{{
			Code:    FindingMissingArtifact,
			Message: "docs gate is required but no docs checker is configured",
		}})
	}
	return report(g.Name(), g.checker.Check(ctx, ec))
}
