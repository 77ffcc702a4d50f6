package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/checkpoint"
	"github.com/fyrsmithlabs/planexec/internal/gates"
	"github.com/fyrsmithlabs/planexec/internal/orchestrator"
	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/remediation"
	"github.com/fyrsmithlabs/planexec/internal/scheduler"
	"github.com/fyrsmithlabs/planexec/internal/scope"
	"github.com/fyrsmithlabs/planexec/internal/session"
	"github.com/fyrsmithlabs/planexec/internal/validator"
)

var (
	// run command flags
	runWorker  string
	runPlanner string
	runJSON    bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runWorker, "worker", "", "worker command (overrides execution.worker_command)")
	runCmd.Flags().StringVar(&runPlanner, "planner", "", "remediation planner command (overrides execution.planner_command)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
}

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Validate, checkpoint and execute a plan",
	Long: `Run a plan end to end: validate it, snapshot the scoped working tree,
dispatch tasks to the worker command, evaluate gates and remediate within
budget.

The worker command receives each task as JSON on stdin and reports a task
result as JSON on stdout.

Exit codes: 0 done, 2 blocked, 3 rolled back.

Examples:
  planexec run plan.yaml --worker ./worker.sh
  planexec run plan.json --worker ./worker.sh --planner ./planner.sh`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	p, err := plan.DecodeFile(args[0])
	if err != nil {
		return exitWith(1, "reading plan: %v", err)
	}

	workerCmd := cfg.Execution.WorkerCommand
	if runWorker != "" {
		workerCmd = runWorker
	}
	if workerCmd == "" {
		return exitWith(1, "a worker command is required (--worker or execution.worker_command)")
	}
	plannerCmd := cfg.Execution.PlannerCommand
	if runPlanner != "" {
		plannerCmd = runPlanner
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	checkpoints, err := checkpoint.NewService(checkpoint.DefaultConfig(cfg.WorkDir), logger)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	var planner remediation.Planner
	if plannerCmd != "" {
		planner = &execPlanner{command: plannerCmd, workDir: cfg.WorkDir}
	} else {
		planner = remediation.PlannerFunc(func(ctx context.Context, req *remediation.Request) (*plan.Plan, error) {
			return nil, errors.New("no remediation planner configured")
		})
	}
	remed, err := remediation.NewService(&remediation.Config{
		MaxIterations: cfg.Execution.MaxRemediationLoops,
	}, planner, logger)
	if err != nil {
		return err
	}
	defer remed.Close()

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.Execution.MaxConcurrent,
		TaskTimeout:   time.Duration(cfg.Execution.TaskTimeout),
	}, scope.NewRegistry(logger), logger)

	svc, err := orchestrator.NewService(&orchestrator.Config{
		WorkDir:         cfg.WorkDir,
		AutoRollback:    cfg.Execution.AutoRollback,
		OptionalGates:   cfg.Gates.Optional,
		QualityCommands: cfg.Gates.QualityCommands,
	}, orchestrator.Deps{
		Store:       store,
		Validator:   validator.New(validator.Policy{RequireAcceptanceCriteria: cfg.Execution.RequireAcceptanceCriteria}, logger),
		Checkpoints: checkpoints,
		Scheduler:   sched,
		Evaluator:   gates.NewEvaluator(logger),
		Remediation: remed,
		Dispatcher:  &execDispatcher{command: workerCmd, workDir: cfg.WorkDir},
		Runner:      gates.ExecRunner{},
	}, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Run(cmd.Context(), p)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return exitWith(1, "run failed: %v", err)
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printRunResult(result)
	}

	switch result.Phase {
	case session.PhaseDone:
		return nil
	case session.PhaseRolledBack:
		return &exitError{code: 3, msg: "run rolled back"}
	default:
		return &exitError{code: 2, msg: "run " + string(result.Phase)}
	}
}

func printRunResult(result *orchestrator.RunResult) {
	fmt.Printf("session:    %s\n", result.SessionID)
	fmt.Printf("phase:      %s\n", result.Phase)
	if result.CheckpointID != "" {
		fmt.Printf("checkpoint: %s\n", result.CheckpointID)
	}
	if result.Iterations > 0 {
		fmt.Printf("remediation iterations: %d\n", result.Iterations)
	}

	if len(result.TaskStatuses) > 0 {
		ids := make([]string, 0, len(result.TaskStatuses))
		for id := range result.TaskStatuses {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Println("tasks:")
		for _, id := range ids {
			fmt.Printf("  %-24s %s\n", id, result.TaskStatuses[id])
		}
	}

	for _, r := range result.GateReports {
		verdict := "ok"
		if !r.OK {
			verdict = "failed"
		}
		fmt.Printf("gate %-20s %s\n", r.GateID, verdict)
		for _, f := range r.Findings {
			fmt.Printf("  [%s] %s\n", f.Code, f.Message)
		}
	}

	for _, v := range result.Violations {
		fmt.Printf("violation: %s\n", v)
	}
}
