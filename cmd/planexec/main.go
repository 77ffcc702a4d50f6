// Package main implements the planexec CLI: deterministic plan execution
// with validation, checkpointing, gate evaluation and session inspection.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/planexec/internal/config"
	"github.com/fyrsmithlabs/planexec/internal/logging"
	"github.com/fyrsmithlabs/planexec/internal/session"
)

var (
	// configPath is the optional YAML configuration file
	configPath string
	// workDir overrides the configured repository root
	workDir string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "planexec",
	Short: "Deterministic plan-execution kernel",
	Long: `planexec validates machine-readable task plans, snapshots the scoped
working tree, dispatches tasks to an external worker under file-scope
enforcement, and judges the result with pass/fail gates.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "repository root (overrides configuration)")
}

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitWith(code int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	return &exitError{code: code, msg: msg}
}

// loadConfig resolves configuration from defaults, file and environment,
// then applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if workDir != "" {
		cfg.WorkDir = workDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

// openStore opens the session store, creating its directory if needed.
func openStore(cfg *config.Config, logger *zap.Logger) (session.Store, error) {
	path := cfg.StorePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.WorkDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return session.NewStore(path, logger)
}
