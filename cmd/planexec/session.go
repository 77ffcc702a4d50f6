package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/planexec/internal/session"
)

var (
	// session command flags
	sessOutputJSON   bool
	sessArtifactKind string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)

	sessionCmd.PersistentFlags().BoolVar(&sessOutputJSON, "json", false, "output results as JSON")
	sessionShowCmd.Flags().StringVar(&sessArtifactKind, "kind", "", "filter artifacts by kind")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect recorded execution sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its artifact trail",
	Long: `Print a session's phase and its append-only artifact records in the
order they were written.

Examples:
  planexec session show 7b0c...
  planexec session show 7b0c... --kind gate_report --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionShow,
}

func newSessionStore() (session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return openStore(cfg, logger)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	store, err := newSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context())
	if err != nil {
		return err
	}

	if sessOutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPHASE\tPLAN\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%s\n",
			s.ID, s.Kind, s.Phase, s.PlanVersion,
			s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	store, err := newSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.GetSession(cmd.Context(), args[0])
	if err != nil {
		return exitWith(1, "loading session: %v", err)
	}
	artifacts, err := store.Artifacts(cmd.Context(), sess.ID, session.ArtifactKind(sessArtifactKind))
	if err != nil {
		return err
	}

	if sessOutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Session   *session.Session    `json:"session"`
			Artifacts []*session.Artifact `json:"artifacts"`
		}{sess, artifacts})
	}

	fmt.Printf("session: %s\n", sess.ID)
	fmt.Printf("kind:    %s\n", sess.Kind)
	fmt.Printf("phase:   %s\n", sess.Phase)
	fmt.Printf("plan:    v%d\n", sess.PlanVersion)
	fmt.Printf("created: %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tCREATED\tBYTES")
	for _, a := range artifacts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n",
			a.Seq, a.Kind, a.CreatedAt.Format("15:04:05"), len(a.Payload))
	}
	return w.Flush()
}
