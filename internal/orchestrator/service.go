package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/checkpoint"
	"github.com/fyrsmithlabs/planexec/internal/gates"
	"github.com/fyrsmithlabs/planexec/internal/logging"
	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/remediation"
	"github.com/fyrsmithlabs/planexec/internal/scheduler"
	"github.com/fyrsmithlabs/planexec/internal/scope"
	"github.com/fyrsmithlabs/planexec/internal/session"
	"github.com/fyrsmithlabs/planexec/internal/validator"
)

const instrumentationName = "github.com/fyrsmithlabs/planexec/internal/orchestrator"

// Config configures the orchestrator.
type Config struct {
	// WorkDir is the repository root gates evaluate against.
	WorkDir string

	// AutoRollback restores the checkpoint when remediation is exhausted.
	AutoRollback bool

	// OptionalGates lists gate names whose failure does not block.
	OptionalGates []string

	// QualityCommands are external commands run by the quality gate.
	QualityCommands []string
}

// Deps holds the orchestrator's collaborating services.
type Deps struct {
	Store       session.Store
	Validator   *validator.Validator
	Checkpoints checkpoint.Service
	Scheduler   *scheduler.Scheduler
	Evaluator   *gates.Evaluator
	Remediation remediation.Service
	Dispatcher  scheduler.Dispatcher

	// Gate collaborators; any may be nil.
	Runner  gates.CommandRunner
	Symbols gates.SymbolResolver
	Docs    gates.DocsChecker
}

// Service drives plans through the execution lifecycle.
type Service interface {
	// Run executes one plan end to end and returns the terminal outcome.
	// The error is non-nil only for infrastructure failures; a plan that
	// ends blocked or rolled back is a normal terminal result.
	Run(ctx context.Context, p *plan.Plan) (*RunResult, error)

	// Rollback restores the newest checkpoint recorded for the session.
	Rollback(ctx context.Context, sessionID string) error

	// Close closes the service.
	Close() error
}

// service implements the Service interface.
type service struct {
	config *Config
	deps   Deps
	logger *zap.Logger

	// Telemetry
	tracer     trace.Tracer
	meter      metric.Meter
	runCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates the orchestrator.
func NewService(cfg *Config, deps Deps, logger *zap.Logger) (Service, error) {
	if cfg == nil || cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint service is required")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if deps.Evaluator == nil {
		return nil, errors.New("gate evaluator is required")
	}
	if deps.Remediation == nil {
		return nil, errors.New("remediation service is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config: cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.runCounter, err = s.meter.Int64Counter(
		"planexec.orchestrator.runs_total",
		metric.WithDescription("Total number of orchestrated runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create run counter", zap.Error(err))
	}

	return s, nil
}

func (s *service) Run(ctx context.Context, p *plan.Plan) (*RunResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.New("orchestrator is closed")
	}
	s.mu.RUnlock()

	if p == nil {
		return nil, errors.New("plan is required")
	}

	sess, err := s.deps.Store.CreateSession(ctx, session.WorkflowPlanRun)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	ctx = logging.WithSession(ctx, sess.ID)
	span.SetAttributes(attribute.String("session_id", sess.ID))

	result := &RunResult{
		SessionID:    sess.ID,
		TaskStatuses: make(map[string]plan.TaskStatus),
	}

	if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactPlan, p); err != nil {
		return nil, fmt.Errorf("recording plan: %w", err)
	}
	if p.Version > 0 {
		if err := s.deps.Store.SetPlanVersion(ctx, sess.ID, p.Version); err != nil {
			return nil, fmt.Errorf("recording plan version: %w", err)
		}
	}

	phase := sess.Phase
	advance := func(next session.Phase) error {
		if err := CanTransition(phase, next); err != nil {
			return err
		}
		if err := s.deps.Store.UpdatePhase(ctx, sess.ID, next); err != nil {
			return fmt.Errorf("advancing to %s: %w", next, err)
		}
		s.logger.Info("phase transition",
			append(logging.ContextFields(ctx),
				zap.String("from", string(phase)),
				zap.String("to", string(next)))...)
		phase = next
		result.Phase = next
		return nil
	}
	finalize := func(terminal session.Phase) (*RunResult, error) {
		if err := advance(terminal); err != nil {
			return result, err
		}
		if s.runCounter != nil {
			s.runCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", string(terminal))))
		}
		span.SetAttributes(attribute.String("phase", string(terminal)))
		if terminal != session.PhaseDone {
			span.SetStatus(codes.Error, string(terminal))
		}
		if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactSessionReport, result); err != nil {
			return result, fmt.Errorf("recording session report: %w", err)
		}
		return result, nil
	}

	// Validate.
	if err := advance(session.PhaseValidating); err != nil {
		return result, err
	}
	violations := s.deps.Validator.Validate(p)
	if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactValidationReport, violations); err != nil {
		return result, fmt.Errorf("recording validation report: %w", err)
	}
	if len(violations) > 0 {
		for _, v := range violations {
			result.Violations = append(result.Violations, v.Message)
		}
		s.logger.Warn("plan rejected",
			append(logging.ContextFields(ctx), zap.Int("violations", len(violations)))...)
		return finalize(session.PhaseBlocked)
	}

	// Checkpoint. Failure here is fatal: execution without a restore point
	// would leave no way back.
	cp, err := s.deps.Checkpoints.Create(ctx, &checkpoint.CreateRequest{
		SessionID:  sess.ID,
		Name:       "pre-execution",
		ScopePaths: scopeUnion(p),
	})
	if err != nil {
		s.logger.Error("checkpoint failed", append(logging.ContextFields(ctx), zap.Error(err))...)
		result.Violations = append(result.Violations, fmt.Sprintf("checkpoint failed: %v", err))
		return finalize(session.PhaseBlocked)
	}
	result.CheckpointID = cp.ID
	result.Checkpoints = append(result.Checkpoints, cp.ID)
	covered := scopeUnion(p)
	if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactCheckpoint, cp); err != nil {
		return result, fmt.Errorf("recording checkpoint: %w", err)
	}
	if err := advance(session.PhaseCheckpointed); err != nil {
		return result, err
	}

	current := p
	for {
		// Execute.
		if err := advance(session.PhaseExecuting); err != nil {
			return result, err
		}
		sink := func(r *plan.TaskResult) {
			result.TaskStatuses[r.TaskID] = r.Status
			if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactTaskResult, r); err != nil {
				s.logger.Error("recording task result",
					append(logging.ContextFields(ctx), zap.Error(err))...)
			}
		}
		schedRes, err := s.deps.Scheduler.Execute(ctx, current, s.deps.Dispatcher, sink)
		if err != nil {
			return result, fmt.Errorf("executing plan: %w", err)
		}

		// Gate.
		if err := advance(session.PhaseGating); err != nil {
			return result, err
		}
		reports, ok := s.deps.Evaluator.Evaluate(ctx, &gates.EvalContext{
			WorkDir: s.config.WorkDir,
			Plan:    current,
			Results: schedRes.ByTask,
		}, s.buildGates())
		result.GateReports = reports
		for _, r := range reports {
			if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactGateReport, r); err != nil {
				return result, fmt.Errorf("recording gate report: %w", err)
			}
		}

		if ok {
			return finalize(session.PhaseDone)
		}

		// Remediate within budget, otherwise block or roll back.
		attempt, err := s.deps.Remediation.Propose(ctx, &remediation.Request{
			SessionID:   sess.ID,
			Plan:        current,
			Results:     schedRes.ByTask,
			GateReports: reports,
		})
		if err != nil {
			if !errors.Is(err, remediation.ErrExhausted) {
				s.logger.Error("remediation failed",
					append(logging.ContextFields(ctx), zap.Error(err))...)
				result.Violations = append(result.Violations, fmt.Sprintf("remediation failed: %v", err))
			}
			if s.config.AutoRollback {
				// Newest snapshot first, so supplemental scopes revert
				// before the pre-execution one.
				for i := len(result.Checkpoints) - 1; i >= 0; i-- {
					if rerr := s.deps.Checkpoints.Restore(ctx, result.Checkpoints[i]); rerr != nil {
						result.Violations = append(result.Violations, fmt.Sprintf("rollback failed: %v", rerr))
						return finalize(session.PhaseBlocked)
					}
				}
				return finalize(session.PhaseRolledBack)
			}
			return finalize(session.PhaseBlocked)
		}

		if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactRemediation, attempt); err != nil {
			return result, fmt.Errorf("recording remediation: %w", err)
		}
		if err := advance(session.PhaseRemediating); err != nil {
			return result, err
		}
		result.Iterations = attempt.Iteration
		current = attempt.Plan
		if err := s.deps.Store.SetPlanVersion(ctx, sess.ID, current.Version); err != nil {
			return result, fmt.Errorf("recording plan version: %w", err)
		}

		// Every proposed plan re-enters validation before it runs.
		if err := advance(session.PhaseValidating); err != nil {
			return result, err
		}
		vs := s.deps.Validator.Validate(current)
		if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactValidationReport, vs); err != nil {
			return result, fmt.Errorf("recording validation report: %w", err)
		}
		if len(vs) > 0 {
			for _, v := range vs {
				result.Violations = append(result.Violations, v.Message)
			}
			s.logger.Warn("remediation plan rejected",
				append(logging.ContextFields(ctx), zap.Int("violations", len(vs)))...)
			return finalize(session.PhaseBlocked)
		}

		// New tasks may write outside the snapshot so far; those paths are
		// still untouched here, so a supplemental snapshot keeps rollback
		// covering the whole session.
		if add := uncoveredScopes(covered, current); len(add) > 0 {
			sup, err := s.deps.Checkpoints.Create(ctx, &checkpoint.CreateRequest{
				SessionID:  sess.ID,
				Name:       fmt.Sprintf("pre-remediation-%d", attempt.Iteration),
				ScopePaths: add,
			})
			if err != nil {
				s.logger.Error("checkpoint failed", append(logging.ContextFields(ctx), zap.Error(err))...)
				result.Violations = append(result.Violations, fmt.Sprintf("checkpoint failed: %v", err))
				return finalize(session.PhaseBlocked)
			}
			result.Checkpoints = append(result.Checkpoints, sup.ID)
			covered = append(covered, add...)
			if _, err := s.deps.Store.AppendArtifact(ctx, sess.ID, session.ArtifactCheckpoint, sup); err != nil {
				return result, fmt.Errorf("recording checkpoint: %w", err)
			}
		}
		if err := advance(session.PhaseCheckpointed); err != nil {
			return result, err
		}
	}
}

// buildGates assembles the gate set for one evaluation pass.
func (s *service) buildGates() []gates.Gate {
	optional := make(map[string]bool, len(s.config.OptionalGates))
	for _, name := range s.config.OptionalGates {
		optional[name] = true
	}
	required := func(name string) bool { return !optional[name] }

	return []gates.Gate{
		gates.NewVerificationGate(s.deps.Runner, s.deps.Symbols, required(gates.GateVerification)),
		gates.NewScopeGate(required(gates.GateScopeConformance)),
		gates.NewQualityGate(s.config.QualityCommands, s.deps.Runner, required(gates.GateQuality)),
		gates.NewDocsGate(s.deps.Docs, required(gates.GateDocs)),
	}
}

func (s *service) Rollback(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "orchestrator.rollback",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	cps, err := s.deps.Checkpoints.List(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing checkpoints: %w", err)
	}
	if len(cps) == 0 {
		return fmt.Errorf("session %s has no checkpoints", sessionID)
	}

	// A session may hold supplemental snapshots from remediation passes;
	// restoring every one, newest first, reverts the whole session.
	sort.Slice(cps, func(i, j int) bool { return cps[i].CreatedAt.After(cps[j].CreatedAt) })
	ids := make([]string, 0, len(cps))
	for _, cp := range cps {
		if err := s.deps.Checkpoints.Restore(ctx, cp.ID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("restoring checkpoint %s: %w", cp.ID, err)
		}
		ids = append(ids, cp.ID)
	}

	// The restore itself is recorded as its own workflow.
	rb, err := s.deps.Store.CreateSession(ctx, session.WorkflowRollback)
	if err != nil {
		return fmt.Errorf("creating rollback session: %w", err)
	}
	for _, cp := range cps {
		if _, err := s.deps.Store.AppendArtifact(ctx, rb.ID, session.ArtifactCheckpoint, cp); err != nil {
			return fmt.Errorf("recording restored checkpoint: %w", err)
		}
	}
	if _, err := s.deps.Store.AppendArtifact(ctx, rb.ID, session.ArtifactSessionReport, map[string]any{
		"rolled_back_session": sessionID,
		"checkpoint_ids":      ids,
		"restored_at":         time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("recording rollback report: %w", err)
	}
	if err := s.deps.Store.UpdatePhase(ctx, rb.ID, session.PhaseRolledBack); err != nil {
		return fmt.Errorf("closing rollback session: %w", err)
	}

	s.logger.Info("rollback complete",
		zap.String("session_id", sessionID),
		zap.Strings("checkpoint_ids", ids))
	return nil
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// scopeUnion collects every write entry across the plan's tasks, deduped
// and sorted, for the pre-execution snapshot.
func scopeUnion(p *plan.Plan) []string {
	seen := make(map[string]bool)
	for i := range p.Tasks {
		for _, w := range p.Tasks[i].FileScope.Writes {
			seen[w] = true
		}
	}
	union := make([]string, 0, len(seen))
	for w := range seen {
		union = append(union, w)
	}
	sort.Strings(union)
	return union
}

// uncoveredScopes returns p's write-scope entries that no already-snapshotted
// entry covers. Entries are compared in normalized form; unparseable entries
// never reach here on a validated plan.
func uncoveredScopes(covered []string, p *plan.Plan) []string {
	norm := make([]string, 0, len(covered))
	for _, c := range covered {
		if n, err := scope.NormalizePath(c); err == nil {
			norm = append(norm, n)
		}
	}

	seen := make(map[string]bool)
	var out []string
	for i := range p.Tasks {
		for _, w := range p.Tasks[i].FileScope.Writes {
			n, err := scope.NormalizePath(w)
			if err != nil || seen[n] {
				continue
			}
			seen[n] = true
			within := false
			for _, c := range norm {
				if scope.EntryCovers(c, n) {
					within = true
					break
				}
			}
			if !within {
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}
