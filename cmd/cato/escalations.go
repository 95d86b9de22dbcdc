package main

import (
	"encoding/json"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/zynapses/cato-safety/internal/escalation"
)

var (
	escTenant     string
	escResolution string
	escResolvedBy string
)

// #region escalations-cmd

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List pending human escalations",
	RunE:  runEscalations,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an escalation resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	escalationsCmd.Flags().StringVar(&escTenant, "tenant", "", "tenant id (required)")
	escalationsCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	_ = escalationsCmd.MarkFlagRequired("tenant")
	resolveCmd.Flags().StringVar(&escResolution, "resolution", "", "what the reviewer decided (required)")
	resolveCmd.Flags().StringVar(&escResolvedBy, "by", "", "reviewer name (default: current user)")
	_ = resolveCmd.MarkFlagRequired("resolution")
	escalationsCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(escalationsCmd)
}

func openQueue() (*escalation.Queue, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	db, err := openStore(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	q, err := escalation.NewQueue(db, log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return q, db.Close, nil
}

func runEscalations(cmd *cobra.Command, _ []string) error {
	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	tickets, err := q.ListPending(cmd.Context(), escTenant)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tickets)
	}
	if len(tickets) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no pending escalations")
		return nil
	}
	fmt.Fprintf(out, "%-36s| %-12s| %-20s| %-7s| %s\n", "ID", "Session", "Created", "Events", "Reason")
	for _, t := range tickets {
		fmt.Fprintf(out, "%-36s| %-12s| %-20s| %-7d| %s\n",
			t.ID, t.SessionID, t.CreatedAt.Format("2006-01-02 15:04:05"), len(t.History), t.Reason)
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	by := escResolvedBy
	if by == "" {
		by = "unknown"
		if u, err := user.Current(); err == nil {
			by = u.Username
		}
	}
	if err := q.Resolve(cmd.Context(), args[0], escResolution, by); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", args[0])
	return nil
}

// #endregion escalations-cmd
