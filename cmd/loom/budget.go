package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/projectloom/loom/pkg/models"
)

var (
	budgetUser string
	budgetTier string
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show today's spend and remaining budget for a user",
	RunE:  runBudget,
}

func init() {
	budgetCmd.Flags().StringVar(&budgetUser, "user", "default", "User ID")
	budgetCmd.Flags().StringVar(&budgetTier, "tier", string(models.TierFree), "Budget tier (free, pro, enterprise)")
}

func runBudget(cmd *cobra.Command, args []string) error {
	tier := models.Tier(budgetTier)
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", budgetTier)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	summary, err := ledger.Summarize(budgetUser, tier)
	if err != nil {
		return err
	}

	fmt.Printf("user:  %s (%s)\n", budgetUser, tier)
	fmt.Printf("date:  %s\n", summary.Date)
	fmt.Printf("spent: $%.4f\n", summary.SpentUSD)
	if summary.DailyCapUSD == nil {
		color.Green("cap:   unlimited")
		return nil
	}
	fmt.Printf("cap:   $%.2f\n", *summary.DailyCapUSD)
	if summary.RemainingUSD != nil && *summary.RemainingUSD > 0 {
		color.Green("left:  $%.4f", *summary.RemainingUSD)
	} else {
		color.Red("left:  $0.0000 (cap reached)")
	}
	return nil
}
