package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "weave",
		Short:         "Weave: cost-aware LLM execution with caching, budgets and provider routing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to weave config file (.yaml or .toml)")

	load := func() (*config.Config, error) {
		return config.LoadOrDefault(configPath)
	}

	root.AddCommand(
		newGenerateCmd(load),
		newClassifyCmd(load),
		newCacheCmd(load),
		newCostCmd(load),
		newBudgetCmd(load),
		newProvidersCmd(load),
		newAuditCmd(load),
		newMCPCmd(load),
	)
	return root
}

// loader returns the effective configuration for a command.
type loader func() (*config.Config, error)
