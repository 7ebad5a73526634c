package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/weave/pkg/cache"
	"github.com/pario-ai/weave/pkg/cache/sqlite"
	"github.com/pario-ai/weave/pkg/config"
	"github.com/pario-ai/weave/pkg/weave"
)

func newCacheCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache backend and entry count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, storage, closeStorage, err := openStorage(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer closeStorage()

			w := newTable()
			row(w, "Backend:", cfg.Cache.Backend)
			row(w, "Strategy:", cfg.Cache.Strategy)
			row(w, "TTL:", cfg.Cache.TTL)
			row(w, "Enabled:", cfg.Cache.Enabled)

			switch s := storage.(type) {
			case *sqlite.Storage:
				n, err := s.Count(cmd.Context())
				if err != nil {
					return err
				}
				row(w, "Entries:", count(n))
			case cache.KeyLister:
				if cfg.Cache.Backend == config.BackendMemory {
					row(w, "Entries:", "- (memory cache lives only inside a running process)")
					break
				}
				keys, err := s.ListKeys(cmd.Context())
				if err != nil {
					return err
				}
				row(w, "Entries:", count(int64(len(keys))))
			}
			return w.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, storage, closeStorage, err := openStorage(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer closeStorage()

			if err := storage.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Cleared the %s cache.\n", cfg.Cache.Backend)
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired entries from the sqlite cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, storage, closeStorage, err := openStorage(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer closeStorage()

			s, ok := storage.(*sqlite.Storage)
			if !ok {
				return errors.New("purge needs the sqlite backend; redis expires entries itself")
			}
			n, err := s.PurgeExpired(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %s expired entries.\n", count(n))
			return nil
		},
	}

	cmd.AddCommand(statsCmd, clearCmd, purgeCmd)
	return cmd
}

func openStorage(ctx context.Context, load loader) (*config.Config, cache.Storage, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, nil, err
	}
	storage, err := weave.OpenStorage(ctx, cfg.Cache, cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	closeStorage := func() {}
	if c, ok := storage.(io.Closer); ok {
		closeStorage = func() { _ = c.Close() }
	}
	return cfg, storage, closeStorage, nil
}
