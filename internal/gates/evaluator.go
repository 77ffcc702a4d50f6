package gates

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/plan"
)

const instrumentationName = "github.com/fyrsmithlabs/planexec/internal/gates"

// Evaluator runs a set of gates and aggregates their verdict.
type Evaluator struct {
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	gateCounter metric.Int64Counter
}

// NewEvaluator creates a gate evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	e.gateCounter, err = e.meter.Int64Counter(
		"planexec.gates.evaluations_total",
		metric.WithDescription("Total number of gate evaluations"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		e.logger.Warn("failed to create gate counter", zap.Error(err))
	}
	return e
}

// Evaluate runs every gate in order and returns all reports plus the
// overall verdict. The verdict is the conjunction of the required gates;
// optional gate failures are recorded but do not block.
func (e *Evaluator) Evaluate(ctx context.Context, ec *EvalContext, gs []Gate) ([]*plan.GateReport, bool) {
	ctx, span := e.tracer.Start(ctx, "gates.evaluate")
	defer span.End()

	reports := make([]*plan.GateReport, 0, len(gs))
	ok := true

	for _, g := range gs {
		r := g.Evaluate(ctx, ec)
		reports = append(reports, r)

		if e.gateCounter != nil {
			e.gateCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("gate", g.Name()),
				attribute.Bool("ok", r.OK),
			))
		}
		e.logger.Info("gate evaluated",
			zap.String("gate", g.Name()),
			zap.Bool("ok", r.OK),
			zap.Bool("required", g.Required()),
			zap.Int("findings", len(r.Findings)))

		if !r.OK && g.Required() {
			ok = false
		}
	}

	span.SetAttributes(attribute.Bool("ok", ok), attribute.Int("gates", len(gs)))
	return reports, ok
}

// ExecRunner runs command criteria through the host shell.
type ExecRunner struct{}

// Run executes the command line with sh -c in dir and reports exit code
// and combined stdout.
func (ExecRunner) Run(ctx context.Context, dir, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), out.String(), nil
		}
		return -1, out.String(), err
	}
	return 0, out.String(), nil
}
