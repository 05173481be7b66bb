package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/projectloom/loom/internal/config"
	"github.com/projectloom/loom/internal/state"
	"github.com/projectloom/loom/pkg/models"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently settled runs",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum records to show")
	rootCmd.AddCommand(historyCmd)
}

// openHistory opens the run-history store. Returns nil when history
// is disabled.
func openHistory(cfg *config.Config) (*state.DB, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	path := cfg.History.DBPath
	if path == "" {
		path = state.DefaultDBPath()
	}
	return state.Open(path)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if db == nil {
		return fmt.Errorf("run history is disabled (history.enabled: false)")
	}
	defer db.Close()

	runs, err := db.RecentRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}

	for _, p := range runs {
		line := fmt.Sprintf("%s  %-10s %-8s $%.4f  %s",
			p.CreatedAt.Format(time.DateTime), p.Status, p.UserID, p.CostUSD, p.Request)
		switch p.Status {
		case models.ProjectCompleted:
			color.Green("%s", line)
		case models.ProjectFailed, models.ProjectTimeout:
			color.Red("%s", line)
		default:
			fmt.Println(line)
		}
	}
	return nil
}
