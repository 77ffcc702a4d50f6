package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/planexec/internal/checkpoint"
)

var (
	// checkpoint command flags
	cpSessionID  string
	cpOutputJSON bool
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)

	checkpointCmd.PersistentFlags().BoolVar(&cpOutputJSON, "json", false, "output results as JSON")
	checkpointListCmd.Flags().StringVar(&cpSessionID, "session-id", "", "filter by session ID")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and restore working-tree checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	Long: `List recorded checkpoints, newest last.

Examples:
  planexec checkpoint list
  planexec checkpoint list --session-id 7b0c...`,
	RunE: runCheckpointList,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-id>",
	Short: "Restore the scoped working tree from a checkpoint",
	Long: `Revert every path covered by the checkpoint's scope to its snapshotted
state. Files created inside scoped directories after the snapshot are
removed; files outside the scope are untouched.

Examples:
  planexec checkpoint restore 1f4a...`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointRestore,
}

func newCheckpointService() (checkpoint.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewService(checkpoint.DefaultConfig(cfg.WorkDir), logger)
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	svc, err := newCheckpointService()
	if err != nil {
		return err
	}
	defer svc.Close()

	cps, err := svc.List(cmd.Context(), cpSessionID)
	if err != nil {
		return err
	}

	if cpOutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cps)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tNAME\tCREATED\tPATHS")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			cp.ID, cp.SessionID, cp.Name,
			cp.CreatedAt.Format("2006-01-02 15:04:05"), len(cp.Entries))
	}
	return w.Flush()
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	svc, err := newCheckpointService()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Restore(cmd.Context(), args[0]); err != nil {
		return exitWith(1, "restore failed: %v", err)
	}
	fmt.Printf("restored checkpoint %s\n", args[0])
	return nil
}
