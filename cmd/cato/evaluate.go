package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// #region evaluate-cmd

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [request.json]",
	Short: "Evaluate one request and print the decision",
	Long: `evaluate reads one JSON request (same shape as a serve line) from the
given file, or from stdin when the argument is "-" or missing, and prints
the decision. ASYNC entropy checks run inline.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	var data []byte
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	ctx := cmd.Context()
	st, err := newStack(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer st.Close()

	turnID, req, err := parseRequest(ctx, st.settings, data)
	if err != nil {
		return err
	}
	d, err := st.pipeline.Evaluate(ctx, req)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(newDecisionLine(turnID, d))
}

// #endregion evaluate-cmd
