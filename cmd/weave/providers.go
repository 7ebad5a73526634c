package main

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/config"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/pario-ai/weave/pkg/router"
)

func newProvidersCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers and routes",
	}
	cmd.AddCommand(newProvidersListCmd(load), newProvidersRoutesCmd(load))
	return cmd
}

func newProvidersListCmd(load loader) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers, optionally probing their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Providers) == 0 {
				fmt.Println("No providers configured.")
				return nil
			}

			if !check {
				w := newTable()
				row(w, "NAME", "TYPE", "MODEL", "URL")
				for _, p := range cfg.Providers {
					row(w, p.Name, p.Type, orDash(p.Model), orDash(p.URL))
				}
				return w.Flush()
			}

			reg := provider.NewRegistry()
			reg.RegisterFactory(provider.TypeEcho, provider.NewEcho)
			if err := reg.BuildAll(cfg.Providers); err != nil {
				return err
			}
			r := router.New(cfg, reg)
			checkErr := r.Check(cmd.Context())

			statuses, err := r.Statuses(cmd.Context())
			if err != nil {
				return err
			}
			types := lo.SliceToMap(cfg.Providers, func(p config.ProviderConfig) (string, string) { return p.Name, p.Type })

			w := newTable()
			row(w, "NAME", "TYPE", "HEALTHY", "LATENCY", "SUCCESS", "CHECKED")
			for _, s := range statuses {
				row(w, s.Name, types[s.Name], s.Healthy, s.Latency, percent(s.SuccessRate), ago(s.LastChecked))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if checkErr != nil {
				fmt.Printf("\n%v\n", checkErr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "validate every provider and show health")
	return cmd
}

func newProvidersRoutesCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show model aliases and their fallback chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Router.Routes) == 0 {
				fmt.Println("No routes configured; requests go to the first provider.")
				return nil
			}

			w := newTable()
			row(w, "ALIAS", "CHAIN")
			for _, r := range cfg.Router.Routes {
				chain := lo.Map(r.Targets, func(t config.RouteTarget, _ int) string {
					return t.Provider + "/" + lo.Ternary(t.Model == "", r.Model, t.Model)
				})
				row(w, r.Model, strings.Join(chain, " -> "))
			}
			return w.Flush()
		},
	}
}
