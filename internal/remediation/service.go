// Package remediation turns failed gate runs into bounded follow-up plans.
//
// An external planner proposes the fix; the service enforces the iteration
// budget and merges the proposal against what already ran, so completed
// work is not silently redone and the loop can never run unbounded.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/plan"
)

const instrumentationName = "github.com/fyrsmithlabs/planexec/internal/remediation"

var (
	// ErrExhausted signals that the session used its iteration budget.
	ErrExhausted = errors.New("remediation iterations exhausted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("remediation service is closed")
)

// Planner proposes a follow-up plan for a failed gate run. Implementations
// are external to the kernel.
type Planner interface {
	Propose(ctx context.Context, req *Request) (*plan.Plan, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, req *Request) (*plan.Plan, error)

// Propose implements Planner.
func (f PlannerFunc) Propose(ctx context.Context, req *Request) (*plan.Plan, error) {
	return f(ctx, req)
}

// Config configures the remediation service.
type Config struct {
	// MaxIterations bounds remediation attempts per session (default: 2).
	MaxIterations int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxIterations: 2}
}

// Service provides bounded remediation proposals.
type Service interface {
	// Propose asks the planner for a fix and returns the merged attempt.
	// Returns ErrExhausted once the session's budget is spent.
	Propose(ctx context.Context, req *Request) (*Attempt, error)

	// Remaining reports how many attempts the session has left.
	Remaining(sessionID string) int

	// Close closes the service.
	Close() error
}

// service implements the Service interface.
type service struct {
	config  *Config
	planner Planner
	logger  *zap.Logger

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	proposeCounter metric.Int64Counter

	mu       sync.RWMutex
	attempts map[string]int
	closed   bool
}

// NewService creates a remediation service.
func NewService(cfg *Config, planner Planner, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must be non-negative, got %d", cfg.MaxIterations)
	}
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		planner:  planner,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		attempts: make(map[string]int),
	}

	var err error
	s.proposeCounter, err = s.meter.Int64Counter(
		"planexec.remediation.proposals_total",
		metric.WithDescription("Total number of remediation proposals"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		s.logger.Warn("failed to create proposal counter", zap.Error(err))
	}

	return s, nil
}

func (s *service) Propose(ctx context.Context, req *Request) (*Attempt, error) {
	ctx, span := s.tracer.Start(ctx, "remediation.propose")
	defer span.End()

	if req == nil || req.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if req.Plan == nil {
		return nil, errors.New("plan is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	iteration := s.attempts[req.SessionID] + 1
	if iteration > s.config.MaxIterations {
		s.mu.Unlock()
		span.SetStatus(codes.Error, "exhausted")
		return nil, fmt.Errorf("%w: session %s used %d of %d",
			ErrExhausted, req.SessionID, s.attempts[req.SessionID], s.config.MaxIterations)
	}
	s.attempts[req.SessionID] = iteration
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.Int("iteration", iteration),
	)

	proposed, err := s.planner.Propose(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planner failed")
		return nil, fmt.Errorf("planner proposal failed: %w", err)
	}
	if proposed == nil || len(proposed.Tasks) == 0 {
		return nil, errors.New("planner returned an empty proposal")
	}

	merged, dropped := s.merge(req, proposed)
	if len(merged.Tasks) == 0 {
		return nil, errors.New("proposal contains only already-completed tasks")
	}

	if s.proposeCounter != nil {
		s.proposeCounter.Add(ctx, 1)
	}
	s.logger.Info("remediation proposed",
		zap.String("session_id", req.SessionID),
		zap.Int("iteration", iteration),
		zap.Int("tasks", len(merged.Tasks)),
		zap.Strings("dropped", dropped))

	return &Attempt{
		ID:           uuid.NewString(),
		SessionID:    req.SessionID,
		Iteration:    iteration,
		Plan:         merged,
		CreatedAt:    time.Now().UTC(),
		DroppedTasks: dropped,
	}, nil
}

// merge applies the rerun policy to the proposal: a task that completed in
// the failed pass is dropped unless it is explicitly targeted, either by a
// changed definition or by a gate finding naming it. Blocked and failed ids
// pass through as fresh pending tasks. Dependencies on dropped tasks are
// pruned since those tasks already hold.
func (s *service) merge(req *Request, proposed *plan.Plan) (*plan.Plan, []string) {
	implicated := make(map[string]bool)
	for _, gr := range req.GateReports {
		for _, f := range gr.Findings {
			if f.TaskID != "" {
				implicated[f.TaskID] = true
			}
		}
	}

	completedUnchanged := make(map[string]bool)
	for i := range proposed.Tasks {
		t := &proposed.Tasks[i]
		r, ok := req.Results[t.ID]
		if !ok || r.Status != plan.StatusCompleted || implicated[t.ID] {
			continue
		}
		if prior := req.Plan.TaskByID(t.ID); prior != nil && sameTaskDef(prior, t) {
			completedUnchanged[t.ID] = true
		}
	}

	merged := &plan.Plan{
		Version:  req.Plan.Version + 1,
		Parallel: proposed.Parallel,
	}
	var dropped []string
	for i := range proposed.Tasks {
		t := proposed.Tasks[i]
		if completedUnchanged[t.ID] {
			dropped = append(dropped, t.ID)
			continue
		}
		t.DependsOn = pruneDeps(t.DependsOn, completedUnchanged)
		merged.Tasks = append(merged.Tasks, t)
	}

	if merged.Parallel.Enabled {
		merged.Parallel.Groups = pruneGroups(merged.Parallel.Groups, completedUnchanged)
	}
	return merged, dropped
}

func sameTaskDef(a, b *plan.Task) bool {
	return a.Description == b.Description &&
		a.Owner == b.Owner &&
		reflect.DeepEqual(a.FileScope, b.FileScope) &&
		reflect.DeepEqual(a.AcceptanceCriteria, b.AcceptanceCriteria)
}

func pruneDeps(deps []string, drop map[string]bool) []string {
	if len(deps) == 0 {
		return nil
	}
	kept := make([]string, 0, len(deps))
	for _, d := range deps {
		if !drop[d] {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func pruneGroups(groups []plan.ParallelGroup, drop map[string]bool) []plan.ParallelGroup {
	kept := make([]plan.ParallelGroup, 0, len(groups))
	for _, g := range groups {
		g.Tasks = pruneDeps(g.Tasks, drop)
		if len(g.Tasks) > 0 {
			kept = append(kept, g)
		}
	}
	// Groups emptied by the merge disappear; references to them must go too.
	alive := make(map[string]bool, len(kept))
	for _, g := range kept {
		alive[g.GroupID] = true
	}
	for i := range kept {
		deps := make([]string, 0, len(kept[i].DependsOnGroups))
		for _, d := range kept[i].DependsOnGroups {
			if alive[d] {
				deps = append(deps, d)
			}
		}
		if len(deps) == 0 {
			kept[i].DependsOnGroups = nil
		} else {
			kept[i].DependsOnGroups = deps
		}
	}
	return kept
}

func (s *service) Remaining(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	left := s.config.MaxIterations - s.attempts[sessionID]
	if left < 0 {
		return 0
	}
	return left
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
