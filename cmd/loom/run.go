package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/projectloom/loom/internal/agent"
	"github.com/projectloom/loom/internal/budget"
	"github.com/projectloom/loom/internal/config"
	"github.com/projectloom/loom/internal/contract"
	"github.com/projectloom/loom/internal/dispatch"
	"github.com/projectloom/loom/internal/graph"
	"github.com/projectloom/loom/internal/run"
	"github.com/projectloom/loom/pkg/models"
)

var (
	runPlan            string
	runGraphFile       string
	runUser            string
	runTier            string
	runYes             bool
	runSkipNonCritical bool
	runStrictContracts bool
	runEstimatedCost   float64
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Execute one request through an agent plan or a task graph",
	Long: `Execute a single request. With --plan, roles run strictly in
order through the run state machine (approval gate, review and QA
sub-states, budget check). With --graph, tasks run concurrently in
dependency batches.

Examples:
  loom run "build a todo app" --plan planner,backend_engineer,tester
  loom run "build a todo app" --graph tasks.json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlan, "plan", "", "Comma-separated ordered roles")
	runCmd.Flags().StringVar(&runGraphFile, "graph", "", "JSON task graph file")
	runCmd.Flags().StringVar(&runUser, "user", "default", "User ID for budget accounting")
	runCmd.Flags().StringVar(&runTier, "tier", string(models.TierFree), "Budget tier (free, pro, enterprise)")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve the plan without prompting")
	runCmd.Flags().BoolVar(&runSkipNonCritical, "skip-non-critical", false, "Skip non-critical agents")
	runCmd.Flags().BoolVar(&runStrictContracts, "strict", false, "Require an output contract for every role")
	runCmd.Flags().Float64Var(&runEstimatedCost, "estimated-cost", 0, "Expected run cost in USD, refused upfront if over the remaining budget")
}

func runRun(cmd *cobra.Command, args []string) error {
	if (runPlan == "") == (runGraphFile == "") {
		return fmt.Errorf("exactly one of --plan or --graph is required")
	}
	tier := models.Tier(runTier)
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", runTier)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	roles, err := loadRoles(cfg)
	if err != nil {
		return err
	}
	executor := newExecutor(cfg)

	if runGraphFile != "" {
		return runGraphMode(cmd.Context(), cfg, roles, executor, args[0])
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	runCfg := run.Config{
		MaxRetries:  cfg.Run.MaxRetries,
		BackoffBase: cfg.Run.BackoffBase,
		BackoffCap:  cfg.Run.BackoffCap,
		Timeout:     cfg.Run.Timeout,
		AutoApprove: runYes || cfg.Run.AutoApprove,
	}
	ctrl := run.NewController(executor, roles, ledger, runCfg)
	ctrl.OnProgress = func(role string, completed, total int) {
		fmt.Printf("  [%d/%d] %s\n", completed, total, role)
	}

	order := strings.Split(runPlan, ",")
	for i := range order {
		order[i] = strings.TrimSpace(order[i])
	}
	if !runCfg.AutoApprove {
		go promptApproval(ctrl, order)
	}

	report, err := ctrl.Run(cmd.Context(), run.Input{
		UserID:           runUser,
		Tier:             tier,
		Request:          args[0],
		EstimatedCostUSD: runEstimatedCost,
		Plan: &models.ExecutionPlan{
			ExecutionOrder: order,
			Config: models.PlanConfig{
				SkipNonCritical: runSkipNonCritical,
				StrictContracts: runStrictContracts,
			},
		},
	})
	printReport(report)
	return err
}

// runGraphMode executes a JSON task graph in dependency batches.
func runGraphMode(ctx context.Context, cfg *config.Config, roles *contract.Registry, executor agent.Executor, request string) error {
	data, err := os.ReadFile(runGraphFile)
	if err != nil {
		return fmt.Errorf("reading graph file: %w", err)
	}
	g, err := graph.Parse(data, roles.Has)
	if err != nil {
		return err
	}

	d := dispatch.New(executor, dispatch.Config{
		MaxConcurrent: cfg.Dispatch.MaxConcurrentTasks,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		BackoffBase:   cfg.Dispatch.BackoffBase,
		BackoffCap:    cfg.Dispatch.BackoffCap,
	})

	go func() {
		for ev := range d.Events() {
			switch ev.Type {
			case dispatch.EventTaskCompleted:
				color.Green("  done    %s", ev.TaskID)
			case dispatch.EventTaskFailed:
				color.Red("  failed  %s: %s", ev.TaskID, ev.Message)
			case dispatch.EventTaskBlocked:
				color.Yellow("  blocked %s: %s", ev.TaskID, ev.Message)
			}
		}
	}()

	result, err := d.Run(ctx, g, request)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d completed, %d failed, %d blocked in %s\n",
		len(result.Completed), len(result.Failed), len(result.Blocked), result.Duration.Round(time.Millisecond))
	if !result.Ok() {
		return fmt.Errorf("graph run finished with failures")
	}
	return nil
}

// promptApproval shows the plan and feeds the controller's approval
// gate from stdin.
func promptApproval(ctrl *run.Controller, order []string) {
	fmt.Printf("Plan: %s\n", strings.Join(order, " -> "))
	fmt.Print("Proceed? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(line), "y") {
		ctrl.Approve()
	} else {
		ctrl.Reject()
	}
}

func printReport(report *run.Report) {
	fmt.Println()
	switch report.State {
	case models.StateCompleted:
		color.Green("run %s completed in %s", report.RunID, report.Duration.Round(time.Millisecond))
	case models.StatePartialSuccess:
		color.Yellow("run %s completed with degraded agents in %s", report.RunID, report.Duration.Round(time.Millisecond))
	default:
		color.Red("run %s ended %s: %s", report.RunID, report.State, report.Error)
	}
	for _, a := range report.Agents {
		line := fmt.Sprintf("  %-20s %-12s attempts=%d", a.Role, a.Status, a.Attempts)
		if a.Error != "" {
			line += " error=" + a.Error
		}
		fmt.Println(line)
	}
	if report.CostUSD > 0 {
		fmt.Printf("cost: $%.4f\n", report.CostUSD)
	}
}

// newExecutor builds the Claude-backed executor from config.
func newExecutor(cfg *config.Config) agent.Executor {
	return agent.NewClaudeExecutor(agent.ClaudeConfig{
		Model:     anthropic.Model(cfg.Anthropic.Model),
		MaxTokens: int64(cfg.Anthropic.MaxTokens),
	})
}

// openLedger builds the spend ledger from config.
func openLedger(cfg *config.Config) (*budget.Ledger, error) {
	caps, err := cfg.Budget.Caps()
	if err != nil {
		return nil, err
	}
	if cfg.Budget.DBPath == ":memory:" {
		return budget.NewLedger(caps, budget.NewMemoryStore()), nil
	}
	path := cfg.Budget.DBPath
	if path == "" {
		path = budget.DefaultDBPath()
	}
	store, err := budget.OpenSQL(path)
	if err != nil {
		return nil, fmt.Errorf("opening budget store: %w", err)
	}
	return budget.NewLedger(caps, store), nil
}
