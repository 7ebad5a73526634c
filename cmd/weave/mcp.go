package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/logging"
	"github.com/pario-ai/weave/pkg/mcp"
	"github.com/pario-ai/weave/pkg/weave"
)

func newMCPCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve weave operations as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, logCloser, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logCloser.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := weave.New(ctx, cfg, weave.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			logger.Info().Str("version", version).Msg("mcp server listening on stdio")
			return mcp.New(c, version, mcp.WithLogger(logger)).Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
