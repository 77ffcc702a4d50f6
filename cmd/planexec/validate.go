package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/planexec/internal/plan"
	"github.com/fyrsmithlabs/planexec/internal/validator"
)

var validateJSON bool

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print violations as JSON")
}

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a plan without executing it",
	Long: `Check a plan document against the structural rules: unique task ids,
well-formed write scopes, acyclic dependencies, group coverage and
pairwise-disjoint writes within parallel groups.

Exit code is 0 for a valid plan, 2 otherwise.

Examples:
  planexec validate plan.yaml
  planexec validate plan.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
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
		return exitWith(2, "reading plan: %v", err)
	}

	v := validator.New(validator.Policy{
		RequireAcceptanceCriteria: cfg.Execution.RequireAcceptanceCriteria,
	}, logger)
	violations := v.Validate(p)

	if validateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(violations); err != nil {
			return err
		}
	} else {
		for _, violation := range violations {
			fmt.Printf("[%s] %s\n", violation.Kind, violation.Message)
		}
	}

	if len(violations) > 0 {
		return &exitError{code: 2, msg: fmt.Sprintf("plan is invalid: %d violations", len(violations))}
	}
	if !validateJSON {
		fmt.Printf("plan is valid: %d tasks\n", len(p.Tasks))
	}
	return nil
}
