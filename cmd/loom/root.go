package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/projectloom/loom/internal/config"
	"github.com/projectloom/loom/internal/contract"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Multi-agent orchestration engine",
	Long: `Loom turns a natural-language request into an ordered plan of
specialized agents and executes it under budget, contract, and
concurrency control.

Core capabilities:
- Validates task dependency graphs and derives parallel batches
- Runs agent plans through a reviewed, budget-gated state machine
- Schedules many concurrent projects with bounded backpressure
- Enforces per-role output contracts and daily spend caps`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: user then project config)")

	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fleetCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig honors the --config flag, falling back to the standard
// search path.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromPath(cfgFile)
	}
	return config.Load()
}

// loadRoles builds the role registry from config, defaulting to the
// built-in roles.
func loadRoles(cfg *config.Config) (*contract.Registry, error) {
	if cfg.Roles.Path == "" {
		return contract.DefaultRegistry(), nil
	}
	registry, err := contract.LoadFile(cfg.Roles.Path)
	if err != nil {
		return nil, fmt.Errorf("loading roles from %s: %w", cfg.Roles.Path, err)
	}
	return registry, nil
}
