package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/budget"
	"github.com/pario-ai/weave/pkg/tracker"
)

func newBudgetCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect spend against budget limits",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted spend against each budget window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cfg.Budget.Enabled {
				fmt.Println("Budget enforcement is disabled.")
				return nil
			}

			ledger, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			statuses, err := budget.New(cfg.Budget.Policy(), ledger).Status(cmd.Context())
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("No budget limits configured.")
				return nil
			}

			w := newTable()
			row(w, "WINDOW", "LIMIT", "SPENT", "REMAINING", "ON EXCEEDED")
			for _, s := range statuses {
				row(w, s.Window, money(s.Limit), money(s.Spent), money(s.Remaining), cfg.Budget.OnExceeded)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(statusCmd)
	return cmd
}
