package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zynapses/cato-safety/internal/replay"
)

// #region replay-cmd

var replayCmd = &cobra.Command{
	Use:   "replay <fixture>",
	Short: "Replay a fixture through an in-memory pipeline",
	Long: `replay seeds a fresh in-memory environment with the fixture's models,
barriers and BAA status, evaluates every interaction in order and compares
status and stage with the expected results. It exits non-zero when any turn
diverges.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	f, err := replay.LoadFixture(args[0])
	if err != nil {
		return err
	}
	turns, err := f.Turns()
	if err != nil {
		return err
	}
	env, err := replay.NewEnv(log)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	if err := f.Seed(ctx, env); err != nil {
		return fmt.Errorf("seed fixture: %w", err)
	}
	results, err := replay.Replay(ctx, env, turns)
	if err != nil {
		return err
	}
	env.Pipeline.Wait()

	diverge := printComparison(cmd.OutOrStdout(), results, f.ExpectedResults)
	if diverge > 0 {
		return fmt.Errorf("%d of %d turns diverge", diverge, len(results))
	}
	return nil
}

// #endregion replay-cmd

// #region output

// printComparison writes a comparison table and returns the number of
// diverging turns. A turn without an expected result counts as a match.
func printComparison(w io.Writer, results []replay.Result, expected []replay.FixtureExpectedResult) int {
	want := make(map[string]replay.FixtureExpectedResult, len(expected))
	for _, e := range expected {
		want[e.TurnID] = e
	}

	fmt.Fprintf(w, "%-14s| %-30s| %-30s| %s\n", "Turn", "Expected", "Replayed", "Match")
	fmt.Fprintf(w, "%-14s+%-30s+%-30s+%s\n",
		"--------------", "-------------------------------", "-------------------------------", "------")

	diverge := 0
	for _, r := range results {
		got := fmt.Sprintf("%s/%s", r.Status, r.Stage)
		exp, ok := want[r.TurnID]
		match := "OK"
		expStr := "-"
		if ok {
			expStr = exp.Status
			if exp.Stage != "" {
				expStr += "/" + exp.Stage
			}
			if string(r.Status) != exp.Status || (exp.Stage != "" && string(r.Stage) != exp.Stage) {
				match = "DIFF"
				diverge++
			}
		}
		fmt.Fprintf(w, "%-14s| %-30s| %-30s| %s\n", r.TurnID, expStr, got, match)
	}

	s := replay.Summarize(results)
	fmt.Fprintf(w, "\nSummary: %d total, %d allowed, %d blocked, %d retries, %d escalations, %d diverge\n",
		s.TotalTurns, s.Allowed, s.Blocked, s.Retries, s.Escalations, diverge)
	return diverge
}

// #endregion output
