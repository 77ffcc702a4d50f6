package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/remediation"
)

// execDispatcher hands tasks to an external worker command. The task is
// written to the worker's stdin as JSON; the worker reports a task result
// as JSON on stdout. An empty stdout with exit 0 counts as completed.
type execDispatcher struct {
	command string
	workDir string
}

func (d *execDispatcher) Dispatch(ctx context.Context, task *plan.Task) (*plan.TaskResult, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", d.command)
	cmd.Dir = d.workDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), "PLANEXEC_TASK_ID="+task.ID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &plan.TaskResult{
				TaskID:  task.ID,
				Status:  plan.StatusFailed,
				Summary: fmt.Sprintf("worker exited %d: %s", exitErr.ExitCode(), firstLine(stderr.String())),
			}, nil
		}
		return nil, fmt.Errorf("running worker: %w", err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return &plan.TaskResult{TaskID: task.ID, Status: plan.StatusCompleted}, nil
	}

	var result plan.TaskResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("decoding worker output: %w", err)
	}
	return &result, nil
}

// execPlanner asks an external command for a remediation proposal. The
// request is written as JSON on stdin; the command reports a plan as JSON
// on stdout.
type execPlanner struct {
	command string
	workDir string
}

func (p *execPlanner) Propose(ctx context.Context, req *remediation.Request) (*plan.Plan, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.command)
	cmd.Dir = p.workDir
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("planner exited %d: %s",
				exitErr.ExitCode(), firstLine(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("running planner: %w", err)
	}

	return plan.Decode(out)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
