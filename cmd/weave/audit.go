package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/audit"
	"github.com/pario-ai/weave/pkg/models"
)

func newAuditCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the operation audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(load),
		newAuditShowCmd(load),
		newAuditStatsCmd(load),
		newAuditCleanupCmd(load),
	)
	return cmd
}

func newAuditSearchCmd(load loader) *cobra.Command {
	var (
		opts  models.AuditQueryOpts
		since string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(load)
			if err != nil {
				return err
			}
			defer cleanup()

			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			records, err := l.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No audit records found.")
				return nil
			}

			w := newTable()
			row(w, "ID", "KIND", "PROVIDER", "MODEL", "STATUS", "CACHED", "TOKENS", "COST", "LATENCY", "WHEN")
			for _, r := range records {
				row(w, r.ID, r.Kind, orDash(r.Provider), orDash(r.Model), status(r), r.CacheHit,
					count(int64(r.InputTokens+r.OutputTokens)), money(r.Cost),
					fmt.Sprintf("%dms", r.LatencyMs), ago(r.CreatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter by operation kind")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&opts.Model, "model", "", "filter by model")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (ok or error)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max records to return")
	return cmd
}

func status(r models.OperationRecord) string {
	if r.Status == models.OperationError && r.ErrorCode != "" {
		return r.Status + ":" + r.ErrorCode
	}
	return r.Status
}

func newAuditShowCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "show OPERATION_ID",
		Short: "Show a single audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(load)
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := l.Query(cmd.Context(), models.AuditQueryOpts{OperationID: args[0], Limit: 1})
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No record found for that operation ID.")
				return nil
			}

			r := records[0]
			w := newTable()
			row(w, "Operation:", r.ID)
			row(w, "Kind:", r.Kind)
			row(w, "Provider:", orDash(r.Provider))
			row(w, "Model:", orDash(r.Model))
			row(w, "Status:", status(r))
			row(w, "Cache hit:", r.CacheHit)
			row(w, "Streamed:", r.Streamed)
			row(w, "Tokens:", fmt.Sprintf("%s in / %s out", count(int64(r.InputTokens)), count(int64(r.OutputTokens))))
			row(w, "Cost:", money(r.Cost))
			row(w, "Latency:", fmt.Sprintf("%dms", r.LatencyMs))
			row(w, "Time:", r.CreatedAt.Format(time.RFC3339))
			if err := w.Flush(); err != nil {
				return err
			}
			if r.ErrorMessage != "" {
				fmt.Printf("\n--- Error ---\n%s\n", r.ErrorMessage)
			}
			if r.Prompt != "" {
				fmt.Printf("\n--- Prompt ---\n%s\n", r.Prompt)
			}
			return nil
		},
	}
}

func newAuditStatsCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show operation counts by provider and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(load)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No audit stats found.")
				return nil
			}

			w := newTable()
			row(w, "DAY", "PROVIDER", "OPERATIONS", "CACHE HITS", "COST")
			for _, s := range stats {
				row(w, s.Day, orDash(s.Provider), count(int64(s.Count)), count(int64(s.CacheHits)), money(s.Cost))
			}
			return w.Flush()
		},
	}
}

func newAuditCleanupCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit records older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(load)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %s audit records.\n", count(deleted))
			return nil
		},
	}
}

func openAuditLogger(load loader) (*audit.Logger, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	l, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}
