// Package scheduler walks the plan's group DAG and dispatches tasks to an
// external worker in bounded-concurrency waves.
//
// Groups execute in a total order consistent with depends_on_groups; a group
// does not start until every group it depends on has fully completed. Within
// a group there is no ordering: the validator has already proven member
// write scopes disjoint. Results are recorded by the scheduling loop itself,
// so downstream sinks observe a serialized stream even though dispatch is
// concurrent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/logging"
	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/scope"
)

const instrumentationName = "github.com/fyrsmithlabs/planexec/internal/scheduler"

// Dispatcher hands one task to an external worker and returns its result.
// The worker is a black box; the kernel relies only on this contract.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *plan.Task) (*plan.TaskResult, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, task *plan.Task) (*plan.TaskResult, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, task *plan.Task) (*plan.TaskResult, error) {
	return f(ctx, task)
}

// ResultSink receives each task result as it is recorded. Calls are
// serialized by the scheduling loop.
type ResultSink func(result *plan.TaskResult)

// Config configures the scheduler.
type Config struct {
	// MaxConcurrent is the default per-group dispatch limit (min 1).
	MaxConcurrent int

	// TaskTimeout bounds each dispatch; zero disables the timeout. On
	// timeout the task is marked failed and the scheduler stops waiting;
	// the worker's own side effects are not forcibly cancelled.
	TaskTimeout time.Duration
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		TaskTimeout:   10 * time.Minute,
	}
}

// Result aggregates one execution pass.
type Result struct {
	// OK is true when every task completed.
	OK bool

	// Results holds task results in record order.
	Results []*plan.TaskResult

	// ByTask indexes results by task id.
	ByTask map[string]*plan.TaskResult
}

// Scheduler executes validated plans.
type Scheduler struct {
	config Config
	scopes *scope.Registry
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	dispatchCounter metric.Int64Counter
}

// New creates a scheduler. The scope registry is shared with whatever
// interception point observes worker writes.
func New(cfg Config, scopes *scope.Registry, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scopes == nil {
		scopes = scope.NewRegistry(logger)
	}

	s := &Scheduler{
		config: cfg,
		scopes: scopes,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.dispatchCounter, err = s.meter.Int64Counter(
		"planexec.scheduler.dispatches_total",
		metric.WithDescription("Total number of task dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		s.logger.Warn("failed to create dispatch counter", zap.Error(err))
	}
	return s
}

// Execute runs every task in the plan through the dispatcher, honoring
// group ordering, dependency blocking and the concurrency limit. The
// optional sink observes results as they are recorded, in record order.
func (s *Scheduler) Execute(ctx context.Context, p *plan.Plan, d Dispatcher, sink ResultSink) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute")
	defer span.End()

	if d == nil {
		return nil, errors.New("dispatcher is required")
	}

	groups, err := s.orderedGroups(p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &Result{
		OK:     true,
		ByTask: make(map[string]*plan.TaskResult, len(p.Tasks)),
	}
	record := func(r *plan.TaskResult) {
		result.Results = append(result.Results, r)
		result.ByTask[r.TaskID] = r
		if r.Status != plan.StatusCompleted && r.Status != plan.StatusPartial {
			result.OK = false
		}
		if sink != nil {
			sink(r)
		}
	}

	for _, g := range groups {
		gctx := logging.WithGroup(ctx, g.GroupID)
		s.logger.Info("starting group",
			append(logging.ContextFields(gctx), zap.Int("tasks", len(g.Tasks)))...)

		if err := s.runGroup(gctx, p, g, d, result.ByTask, record); err != nil {
			span.RecordError(err)
			return result, err
		}
	}

	span.SetAttributes(
		attribute.Bool("ok", result.OK),
		attribute.Int("tasks", len(result.Results)),
	)
	return result, nil
}

// orderedGroups returns the plan's groups in a deterministic topological
// order. When parallel execution is disabled, all tasks form one implicit
// serial group honoring task-level depends_on.
func (s *Scheduler) orderedGroups(p *plan.Plan) ([]*plan.ParallelGroup, error) {
	if !p.Parallel.Enabled {
		ids := make([]string, 0, len(p.Tasks))
		for i := range p.Tasks {
			ids = append(ids, p.Tasks[i].ID)
		}
		return []*plan.ParallelGroup{{
			GroupID:       "serial",
			Tasks:         ids,
			MaxConcurrent: 1,
		}}, nil
	}

	groups := p.Parallel.Groups
	indeg := make(map[string]int, len(groups))
	for i := range groups {
		indeg[groups[i].GroupID] = len(groups[i].DependsOnGroups)
	}

	ordered := make([]*plan.ParallelGroup, 0, len(groups))
	placed := make(map[string]bool, len(groups))
	for len(ordered) < len(groups) {
		progressed := false
		// Declared order is the tie-break among ready groups.
		for i := range groups {
			g := &groups[i]
			if placed[g.GroupID] || indeg[g.GroupID] != 0 {
				continue
			}
			ordered = append(ordered, g)
			placed[g.GroupID] = true
			progressed = true
			for j := range groups {
				if placed[groups[j].GroupID] {
					continue
				}
				for _, dep := range groups[j].DependsOnGroups {
					if dep == g.GroupID {
						indeg[groups[j].GroupID]--
					}
				}
			}
		}
		if !progressed {
			// Unreachable for validated plans.
			return nil, errors.New("group dependency graph has a cycle")
		}
	}
	return ordered, nil
}

func (s *Scheduler) groupLimit(p *plan.Plan, g *plan.ParallelGroup) int {
	if g.MaxConcurrent > 0 {
		return g.MaxConcurrent
	}
	if p.Parallel.Enabled && p.Parallel.MaxConcurrent > 0 {
		return p.Parallel.MaxConcurrent
	}
	return s.config.MaxConcurrent
}

// runGroup dispatches the group's tasks in waves bounded by the concurrency
// limit. Already-dispatched siblings always finish before the group is
// left, even when a member fails. Tasks whose dependencies failed are
// recorded blocked without ever being dispatched.
func (s *Scheduler) runGroup(ctx context.Context, p *plan.Plan, g *plan.ParallelGroup, d Dispatcher, state map[string]*plan.TaskResult, record ResultSink) error {
	limit := s.groupLimit(p, g)

	pending := make([]string, len(g.Tasks))
	copy(pending, g.Tasks)

	done := make(chan *plan.TaskResult)
	inflight := 0

	for len(pending) > 0 || inflight > 0 {
		dispatched := false

		if ctx.Err() == nil {
			remaining := pending[:0]
			for _, id := range pending {
				task := p.TaskByID(id)
				if task == nil {
					// Unreachable for validated plans.
					record(&plan.TaskResult{TaskID: id, Status: plan.StatusFailed,
						Summary: "task not found in plan"})
					continue
				}

				switch depDisposition(task, state) {
				case depBlocked:
					s.logger.Info("blocking task: dependency failed",
						logging.ContextFields(logging.WithTask(ctx, id))...)
					record(&plan.TaskResult{TaskID: id, Status: plan.StatusBlocked,
						Summary: "dependency failed or was blocked"})
					continue
				case depWaiting:
					remaining = append(remaining, id)
					continue
				}

				if inflight >= limit {
					remaining = append(remaining, id)
					continue
				}

				inflight++
				dispatched = true
				go s.dispatchOne(ctx, task, d, done)
			}
			pending = remaining
		} else if inflight == 0 {
			for _, id := range pending {
				record(&plan.TaskResult{TaskID: id, Status: plan.StatusSkipped,
					Summary: "execution cancelled"})
			}
			return ctx.Err()
		}

		if inflight > 0 {
			record(<-done)
			inflight--
			continue
		}

		if len(pending) > 0 && !dispatched {
			// No task can make progress: unsatisfiable intra-group
			// dependency chain. Validated plans never reach this.
			for _, id := range pending {
				record(&plan.TaskResult{TaskID: id, Status: plan.StatusBlocked,
					Summary: "unsatisfiable dependency within group"})
			}
			return nil
		}
	}

	return ctx.Err()
}

type dependencyState int

const (
	depReady dependencyState = iota
	depWaiting
	depBlocked
)

// depDisposition decides whether a task can dispatch, must wait for a
// dependency still in flight, or is permanently blocked by a failed one.
func depDisposition(task *plan.Task, state map[string]*plan.TaskResult) dependencyState {
	for _, dep := range task.DependsOn {
		r, ok := state[dep]
		if !ok {
			return depWaiting
		}
		switch r.Status {
		case plan.StatusCompleted, plan.StatusPartial:
		case plan.StatusFailed, plan.StatusBlocked, plan.StatusSkipped:
			return depBlocked
		default:
			return depWaiting
		}
	}
	return depReady
}

// dispatchOne registers the task's scope for the duration of the dispatch,
// invokes the worker under the configured timeout, and reports the outcome.
func (s *Scheduler) dispatchOne(ctx context.Context, task *plan.Task, d Dispatcher, done chan<- *plan.TaskResult) {
	ctx = logging.WithTask(ctx, task.ID)
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch",
		trace.WithAttributes(attribute.String("task_id", task.ID)))
	defer span.End()

	if s.dispatchCounter != nil {
		s.dispatchCounter.Add(ctx, 1)
	}

	if err := s.scopes.Register(task.ID, task.FileScope.Writes); err != nil {
		done <- &plan.TaskResult{TaskID: task.ID, Status: plan.StatusFailed,
			Summary: fmt.Sprintf("scope registration failed: %v", err)}
		return
	}
	defer s.scopes.Release(task.ID)

	dctx := ctx
	var cancel context.CancelFunc
	if s.config.TaskTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, s.config.TaskTimeout)
		defer cancel()
	}

	type outcome struct {
		res *plan.TaskResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := d.Dispatch(dctx, task)
		ch <- outcome{res: res, err: err}
	}()

	resultFrom := func(o outcome) *plan.TaskResult {
		switch {
		case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
			return &plan.TaskResult{TaskID: task.ID, Status: plan.StatusFailed,
				Summary: fmt.Sprintf("worker dispatch timed out after %s", s.config.TaskTimeout)}
		case o.err != nil:
			return &plan.TaskResult{TaskID: task.ID, Status: plan.StatusFailed,
				Summary: fmt.Sprintf("worker dispatch failed: %v", o.err)}
		case o.res == nil:
			return &plan.TaskResult{TaskID: task.ID, Status: plan.StatusFailed,
				Summary: "worker returned no result"}
		default:
			r := o.res
			r.TaskID = task.ID
			if r.Status == "" {
				r.Status = plan.StatusCompleted
			}
			return r
		}
	}

	var result *plan.TaskResult
	select {
	case o := <-ch:
		result = resultFrom(o)
	case <-dctx.Done():
		// A result the worker delivered in the same instant still counts.
		select {
		case o := <-ch:
			result = resultFrom(o)
		default:
			if errors.Is(dctx.Err(), context.DeadlineExceeded) {
				// Stop waiting; the worker may not support interruption.
				result = &plan.TaskResult{TaskID: task.ID, Status: plan.StatusFailed,
					Summary: fmt.Sprintf("worker dispatch timed out after %s", s.config.TaskTimeout)}
			} else {
				// Cancellation is not a deadline: the in-flight worker is
				// allowed to finish, and its result is what gets recorded.
				result = resultFrom(<-ch)
			}
		}
	}

	s.logger.Info("task finished",
		append(logging.ContextFields(ctx),
			zap.String("status", string(result.Status)))...)
	done <- result
}
