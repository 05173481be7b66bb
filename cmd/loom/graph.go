package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/projectloom/loom/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Work with task dependency graphs",
}

var graphValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a graph file and print its execution batches",
	Long: `Validate a JSON task graph against the role registry and the
structural rules (unique IDs, known dependencies, no cycles), then
print the dependency batches in execution order.

Tasks in the same batch have no ordering between them and may run
concurrently.`,
	Args: cobra.ExactArgs(1),
	RunE: runGraphValidate,
}

func init() {
	graphCmd.AddCommand(graphValidateCmd)
}

func runGraphValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	roles, err := loadRoles(cfg)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading graph file: %w", err)
	}

	g, err := graph.Parse(data, roles.Has)
	if err != nil {
		color.Red("invalid: %v", err)
		return err
	}
	batches, err := g.Batches()
	if err != nil {
		color.Red("invalid: %v", err)
		return err
	}

	color.Green("valid: %d tasks in %d batches", g.Size(), len(batches))
	for i, batch := range batches {
		fmt.Printf("  batch %d: %s\n", i+1, strings.Join(batch, ", "))
	}
	return nil
}
