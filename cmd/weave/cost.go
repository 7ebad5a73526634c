package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/cost"
	"github.com/pario-ai/weave/pkg/tracker"
)

func newCostCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Estimate and report LLM spend",
	}
	cmd.AddCommand(newCostEstimateCmd(load), newCostReportCmd(load), newCostPricingCmd(load))
	return cmd
}

func newCostEstimateCmd(load loader) *cobra.Command {
	var (
		model  string
		input  int
		output int
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Price a call from token counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			t := cost.NewTracker(cost.WithPricing(cfg.Pricing))
			est := t.EstimateCost(model, input, output)
			fmt.Printf("%s  %s in / %s out  %s\n", model, count(int64(input)), count(int64(output)), money(est))
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "pricing key in provider:model form")
	cmd.Flags().IntVar(&input, "input", 0, "input tokens")
	cmd.Flags().IntVar(&output, "output", 0, "output tokens")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newCostReportCmd(load loader) *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show persisted usage by provider and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ledger, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			summaries, err := ledger.Summary(cmd.Context(), provider)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage recorded. Set usage.persist to keep a ledger.")
				return nil
			}

			var total float64
			w := newTable()
			row(w, "PROVIDER", "MODEL", "REQUESTS", "INPUT", "OUTPUT", "TOTAL", "COST")
			for _, s := range summaries {
				row(w, s.Provider, s.Model, count(int64(s.Requests)), count(s.InputTokens),
					count(s.OutputTokens), count(s.TotalTokens), money(s.TotalCost))
				total += s.TotalCost
			}
			row(w, "", "", "", "", "", "TOTAL", money(total))
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	return cmd
}

func newCostPricingCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "pricing",
		Short: "List configured per-1K token prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			t := cost.NewTracker(cost.WithPricing(cfg.Pricing))

			w := newTable()
			row(w, "MODEL KEY", "INPUT/1K", "OUTPUT/1K")
			for _, p := range t.Pricing() {
				row(w, p.Model, money(p.InputCostPer1K), money(p.OutputCostPer1K))
			}
			row(w, "(default)", money(cost.DefaultPricing.InputCostPer1K), money(cost.DefaultPricing.OutputCostPer1K))
			return w.Flush()
		},
	}
}
