package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/projectloom/loom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage loom configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		key, _ := config.APIKey(cfg)
		fmt.Printf("anthropic.api_key:              %s\n", config.MaskAPIKey(key))
		fmt.Printf("dispatch.max_concurrent_tasks:  %d\n", cfg.Dispatch.MaxConcurrentTasks)
		fmt.Printf("dispatch.max_retries:           %d\n", cfg.Dispatch.MaxRetries)
		fmt.Printf("run.timeout:                    %s\n", cfg.Run.Timeout)
		fmt.Printf("run.auto_approve:               %t\n", cfg.Run.AutoApprove)
		fmt.Printf("fleet.max_concurrent_projects:  %d\n", cfg.Fleet.MaxConcurrentProjects)
		fmt.Printf("fleet.max_queue_size:           %d\n", cfg.Fleet.MaxQueueSize)
		fmt.Printf("fleet.project_timeout:          %s\n", cfg.Fleet.ProjectTimeout)
		fmt.Printf("budget.free:                    %s\n", cfg.Budget.Free)
		fmt.Printf("budget.pro:                     %s\n", cfg.Budget.Pro)
		fmt.Printf("budget.enterprise:              %s\n", cfg.Budget.Enterprise)
		fmt.Printf("roles.path:                     %s\n", orDefault(cfg.Roles.Path, "(built-in)"))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default user config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(config.Default()); err != nil {
			return err
		}
		color.Green("wrote %s", config.UserConfigPath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
