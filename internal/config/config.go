// Package config provides configuration loading for planexec.
package config

import (
	"fmt"
	"time"
)

// Config is the root planexec configuration.
type Config struct {
	// WorkDir is the repository root the kernel operates on.
	WorkDir string `koanf:"work_dir"`

	// StorePath is the sqlite database for the session/artifact store.
	// Relative paths are resolved against WorkDir.
	StorePath string `koanf:"store_path"`

	Logging   LoggingConfig   `koanf:"logging"`
	Execution ExecutionConfig `koanf:"execution"`
	Gates     GatesConfig     `koanf:"gates"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// ExecutionConfig controls the scheduler and remediation loop.
type ExecutionConfig struct {
	// MaxConcurrent is the default per-group dispatch limit.
	MaxConcurrent int `koanf:"max_concurrent"`

	// TaskTimeout bounds each worker dispatch. Zero disables the timeout.
	TaskTimeout Duration `koanf:"task_timeout"`

	// MaxRemediationLoops bounds gate-failure retries.
	MaxRemediationLoops int `koanf:"max_remediation_loops"`

	// AutoRollback restores the checkpoint when remediation is exhausted.
	AutoRollback bool `koanf:"auto_rollback"`

	// RequireAcceptanceCriteria rejects code-producing tasks without
	// verification at plan validation.
	RequireAcceptanceCriteria bool `koanf:"require_acceptance_criteria"`

	// WorkerCommand is the shell command tasks are dispatched to. It
	// receives the task as JSON on stdin and reports a task result as
	// JSON on stdout.
	WorkerCommand string `koanf:"worker_command"`

	// PlannerCommand is the shell command remediation proposals come
	// from. It receives the remediation request as JSON on stdin and
	// reports a plan as JSON on stdout.
	PlannerCommand string `koanf:"planner_command"`
}

// GatesConfig controls gate evaluation.
type GatesConfig struct {
	// Optional lists gate names whose failure does not block the session.
	Optional []string `koanf:"optional"`

	// QualityCommands are external commands run by the quality gate.
	QualityCommands []string `koanf:"quality_commands"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		WorkDir:   ".",
		StorePath: ".planexec/planexec.db",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Execution: ExecutionConfig{
			MaxConcurrent:             2,
			TaskTimeout:               Duration(10 * time.Minute),
			MaxRemediationLoops:       2,
			AutoRollback:              false,
			RequireAcceptanceCriteria: true,
		},
		Gates: GatesConfig{
			// The docs gate needs an external checker; it blocks nothing
			// until one is wired in.
			Optional: []string{"docs"},
		},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution.max_concurrent must be >= 1, got %d", c.Execution.MaxConcurrent)
	}
	if c.Execution.MaxRemediationLoops < 0 {
		return fmt.Errorf("execution.max_remediation_loops cannot be negative")
	}
	return nil
}
