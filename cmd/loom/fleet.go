package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/projectloom/loom/internal/fleet"
	"github.com/projectloom/loom/internal/run"
	"github.com/projectloom/loom/pkg/models"
)

var fleetFile string

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Schedule a batch of projects through the fleet scheduler",
	Long: `Read project submissions from a YAML file and execute them under
the fleet's queue and concurrency bounds, printing lifecycle events
and final statistics.

Submission file format:
  - user: alice
    tier: pro
    request: "build a todo app"
    plan: [planner, backend_engineer, tester]`,
	RunE: runFleet,
}

func init() {
	fleetCmd.Flags().StringVarP(&fleetFile, "file", "f", "", "YAML submissions file (required)")
	fleetCmd.MarkFlagRequired("file")
}

// fleetSubmission is one entry in the submissions file.
type fleetSubmission struct {
	User          string   `yaml:"user"`
	Tier          string   `yaml:"tier"`
	Request       string   `yaml:"request"`
	Plan          []string `yaml:"plan"`
	EstimatedCost float64  `yaml:"estimated_cost"`
}

func runFleet(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(fleetFile)
	if err != nil {
		return fmt.Errorf("reading submissions: %w", err)
	}
	var subs []fleetSubmission
	if err := yaml.Unmarshal(data, &subs); err != nil {
		return fmt.Errorf("parsing submissions: %w", err)
	}
	if len(subs) == 0 {
		return fmt.Errorf("no submissions in %s", fleetFile)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	roles, err := loadRoles(cfg)
	if err != nil {
		return err
	}
	if cfg.Roles.Watch && cfg.Roles.Path != "" {
		go func() {
			if err := roles.Watch(cmd.Context(), cfg.Roles.Path); err != nil && err != context.Canceled {
				color.Yellow("role watch stopped: %v", err)
			}
		}()
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	scheduler := fleet.New(newExecutor(cfg), roles, ledger, fleet.Config{
		MaxConcurrent:  cfg.Fleet.MaxConcurrentProjects,
		MaxQueueSize:   cfg.Fleet.MaxQueueSize,
		ProjectTimeout: cfg.Fleet.ProjectTimeout,
		Run: run.Config{
			MaxRetries:  cfg.Run.MaxRetries,
			BackoffBase: cfg.Run.BackoffBase,
			BackoffCap:  cfg.Run.BackoffCap,
		},
	})
	if history, err := openHistory(cfg); err != nil {
		return err
	} else if history != nil {
		defer history.Close()
		scheduler.SetHistory(history)
	}

	accepted := 0
	for _, sub := range subs {
		tier := models.Tier(sub.Tier)
		if !tier.Valid() {
			return fmt.Errorf("submission for %s: unknown tier %q", sub.User, sub.Tier)
		}
		id, err := scheduler.Submit(fleet.SubmitRequest{
			UserID:           sub.User,
			Tier:             tier,
			Request:          sub.Request,
			Plan:             &models.ExecutionPlan{ExecutionOrder: sub.Plan},
			EstimatedCostUSD: sub.EstimatedCost,
		})
		if err != nil {
			color.Red("  rejected %s: %v", sub.User, err)
			continue
		}
		accepted++
		fmt.Printf("  queued %s for %s\n", id, sub.User)
	}
	if accepted == 0 {
		scheduler.Stop()
		return fmt.Errorf("no submissions accepted")
	}

	// Print lifecycle events as they arrive, but terminate on polled
	// stats: the emitter drops events on overflow, so a lost settle
	// event must not stall the loop.
	ctx := cmd.Context()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case ev := <-scheduler.Events():
			switch ev.Type {
			case fleet.EventProjectStarted:
				fmt.Printf("  started %s\n", ev.ProjectID)
			case fleet.EventProjectSettled:
				if ev.Status == models.ProjectCompleted {
					color.Green("  settled %s: %s", ev.ProjectID, ev.Status)
				} else {
					color.Red("  settled %s: %s", ev.ProjectID, ev.Status)
				}
			}
		case <-ticker.C:
			st := scheduler.Stats()
			if st.Completed+st.Failed+st.Cancelled+st.TimedOut >= accepted {
				break drain
			}
		}
	}
	scheduler.Stop()

	st := scheduler.Stats()
	fmt.Printf("\ncompleted=%d failed=%d timed_out=%d cancelled=%d cost=$%.4f\n",
		st.Completed, st.Failed, st.TimedOut, st.Cancelled, st.TotalCostUSD)
	if st.Failed > 0 || st.TimedOut > 0 {
		return fmt.Errorf("fleet finished with failures")
	}
	return nil
}
