package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/logging"
	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/operation"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/pario-ai/weave/pkg/stream"
	"github.com/pario-ai/weave/pkg/weave"
)

type runFlags struct {
	model     string
	maxTokens int
	noCache   bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model name or configured route alias")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "cap on output tokens")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "bypass the result cache")
}

func (f *runFlags) request() operation.Request {
	return operation.Request{
		Model:   f.model,
		NoCache: f.noCache,
		Options: provider.Options{MaxTokens: f.maxTokens},
	}
}

// openClient builds the full stack with logging configured from cfg.
func openClient(ctx context.Context, load loader) (*weave.Client, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	c, err := weave.New(ctx, cfg, weave.WithLogger(logger))
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}
	return c, func() {
		_ = c.Close()
		_ = logCloser.Close()
	}, nil
}

func newGenerateCmd(load loader) *cobra.Command {
	var (
		flags    runFlags
		streamed bool
	)

	cmd := &cobra.Command{
		Use:   "generate PROMPT...",
		Short: "Run a generation through cache, budget and provider routing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, closeClient, err := openClient(ctx, load)
			if err != nil {
				return err
			}
			defer closeClient()

			req := flags.request()
			req.Prompt = strings.Join(args, " ")

			if streamed {
				return streamGeneration(ctx, c, req)
			}
			res, err := c.Executor.Generate(ctx, req)
			if err != nil {
				return err
			}
			fmt.Println(res.Text)
			printSummary(res)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&streamed, "stream", false, "print output as it is produced")
	return cmd
}

func streamGeneration(ctx context.Context, c *weave.Client, req operation.Request) error {
	h, err := c.Executor.GenerateStream(ctx, req)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	h.Subscribe(stream.Subscriber{
		OnChunk: func(ch models.StreamChunk) { fmt.Print(ch.Data) },
		OnComplete: func(models.StreamState) {
			done <- nil
		},
		OnError: func(err error, recoverable bool) {
			if recoverable {
				fmt.Fprintf(os.Stderr, "\nwarning: %v\n", err)
				return
			}
			done <- err
		},
	})

	select {
	case err = <-done:
	case <-ctx.Done():
		h.Cancel()
		err = <-done
	}
	fmt.Println()
	if err != nil {
		return err
	}

	st := h.State()
	usage := c.Cost.Usage()
	fmt.Fprintf(os.Stderr, "stream %s: %d chunks in %s, session cost %s\n",
		st.ID, st.TotalChunks, st.Duration.Round(time.Millisecond), money(usage.TotalCost))
	return nil
}

func newClassifyCmd(load loader) *cobra.Command {
	var (
		flags  runFlags
		labels []string
	)

	cmd := &cobra.Command{
		Use:   "classify TEXT...",
		Short: "Assign text one of the given labels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeClient, err := openClient(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer closeClient()

			req := flags.request()
			req.Text = strings.Join(args, " ")
			req.Labels = labels
			res, err := c.Executor.Classify(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("%s (confidence %s)\n", res.Classification.Label, percent(res.Classification.Confidence))
			printSummary(res)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVarP(&labels, "labels", "l", nil, "candidate labels (comma separated)")
	_ = cmd.MarkFlagRequired("labels")
	return cmd
}

func printSummary(res *operation.Result) {
	source := res.Provider + "/" + res.Model
	if res.Cached {
		source += " (cached, saved " + money(res.Savings.Cost) + ")"
	}
	fmt.Fprintf(os.Stderr, "%s  %s tokens  %s  %s\n",
		source, count(int64(res.TokenCount.Total())), money(res.Cost), res.Latency.Round(time.Millisecond))
	for _, b := range res.Budget {
		fmt.Fprintf(os.Stderr, "budget warning: %s window at %s of %s\n", b.Window, money(b.Spent), money(b.Limit))
	}
}
