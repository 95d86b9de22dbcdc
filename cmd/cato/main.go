// Command cato runs the safety pipeline: a long-lived serve loop, one-off
// evaluations, audit verification, escalation review and fixture replay.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/logging"
)

var (
	// Global flags
	cfgFile string
	dbPath  string
	devLog  bool
)

// #region root

var rootCmd = &cobra.Command{
	Use:   "cato",
	Short: "Safety decision pipeline for AI-generated actions",
	Long: `cato evaluates proposed AI actions through veto, confidence governor,
perception, barriers, deception and fracture checks and a governance
checkpoint, and records every decision in a per-tenant hash chain.

Commands:
  serve        Evaluate newline-delimited JSON requests from stdin
  evaluate     Evaluate one request
  verify       Verify audit chains and tiles
  audit        List audit entries for a tenant
  escalations  List or resolve human escalations
  replay       Replay a fixture and compare decisions`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "console logging at debug level")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// #endregion root

// #region helpers

// loadConfig reads --config, or the built-in defaults when it is unset.
func loadConfig() (config.File, error) {
	f := config.DefaultFile()
	if cfgFile != "" {
		var err error
		if f, err = config.Load(cfgFile); err != nil {
			return config.File{}, err
		}
	}
	if dbPath != "" {
		f.DatabasePath = dbPath
	}
	return f, nil
}

// newLogger builds the process logger for the chosen profile.
func newLogger() (*zap.Logger, error) {
	profile := logging.ProfileRuntime
	if devLog {
		profile = logging.ProfileDevelopment
	}
	log, err := logging.New(profile)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

// #endregion helpers
