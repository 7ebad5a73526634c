// Package weave assembles the cost-aware execution stack from a Config:
// providers, router, routing controller, cache, cost tracking, budget,
// audit log and the operation executor.
package weave

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pario-ai/weave/pkg/audit"
	"github.com/pario-ai/weave/pkg/budget"
	"github.com/pario-ai/weave/pkg/cache"
	"github.com/pario-ai/weave/pkg/cache/memory"
	"github.com/pario-ai/weave/pkg/cache/redis"
	"github.com/pario-ai/weave/pkg/cache/sqlite"
	"github.com/pario-ai/weave/pkg/config"
	"github.com/pario-ai/weave/pkg/cost"
	"github.com/pario-ai/weave/pkg/ids"
	"github.com/pario-ai/weave/pkg/operation"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/pario-ai/weave/pkg/router"
	"github.com/pario-ai/weave/pkg/routing"
	"github.com/pario-ai/weave/pkg/stream"
	"github.com/pario-ai/weave/pkg/tracker"
)

// Client owns every component built from one Config.
type Client struct {
	Config   *config.Config
	Registry *provider.Registry
	Router   *router.Router
	Routing  *routing.Controller
	Storage  cache.Storage
	Cache    *cache.Manager
	Cost     *cost.Tracker
	Ledger   *tracker.SQLiteTracker // nil unless usage.persist
	Budget   *budget.Enforcer       // nil unless budget.enabled
	Audit    *audit.Logger          // nil unless audit.enabled
	Streams  *stream.Manager
	Executor *operation.Executor

	logger  zerolog.Logger
	closers []io.Closer
}

type options struct {
	logger    zerolog.Logger
	factories map[string]provider.Factory
	ids       ids.Generator
	embedder  cache.Embedder
}

// Option configures New.
type Option func(*options)

// WithLogger sets the root logger. Components derive tagged children from it.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithProvider registers a provider factory for typ alongside the built-in echo type.
func WithProvider(typ string, f provider.Factory) Option {
	return func(o *options) { o.factories[typ] = f }
}

// WithIDs sets the operation id generator.
func WithIDs(g ids.Generator) Option { return func(o *options) { o.ids = g } }

// WithEmbedder replaces the embedder used by the semantic cache strategy.
func WithEmbedder(e cache.Embedder) Option { return func(o *options) { o.embedder = e } }

// New builds a Client. On error every component opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	o := options{
		logger:    zerolog.Nop(),
		factories: map[string]provider.Factory{provider.TypeEcho: provider.NewEcho},
		ids:       ids.UUID{},
		embedder:  cache.HashEmbedder{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{Config: cfg, logger: o.logger}
	if err := c.build(ctx, o); err != nil {
		_ = c.Close()
		return nil, err
	}
	o.logger.Debug().
		Strs("providers", c.Registry.Names()).
		Str("cache_backend", cfg.Cache.Backend).
		Bool("budget", c.Budget != nil).
		Bool("audit", c.Audit != nil).
		Msg("weave client ready")
	return c, nil
}

func (c *Client) build(ctx context.Context, o options) error {
	cfg := c.Config

	c.Registry = provider.NewRegistry()
	for typ, f := range o.factories {
		c.Registry.RegisterFactory(typ, f)
	}
	if err := c.Registry.BuildAll(cfg.Providers); err != nil {
		return err
	}

	c.Router = router.New(cfg, c.Registry, router.WithLogger(o.logger))

	if err := c.openCost(); err != nil {
		return err
	}
	if err := c.openCache(ctx, o.embedder); err != nil {
		return err
	}

	if cfg.Budget.Enabled {
		var source budget.SpendSource = c.Cost
		if c.Ledger != nil {
			source = c.Ledger
		}
		c.Budget = budget.New(cfg.Budget.Policy(), source, budget.WithLogger(o.logger))
	}

	if cfg.Audit.Enabled {
		al, err := audit.New(cfg.Audit, audit.WithLogger(o.logger))
		if err != nil {
			return err
		}
		c.Audit = al
		c.closers = append(c.closers, al)
	}

	routingOpts := []routing.Option{routing.WithMaxEvents(cfg.Routing.MaxEvents), routing.WithLogger(o.logger)}
	if cfg.Routing.AutoRefresh {
		routingOpts = append(routingOpts, routing.WithAutoRefresh(cfg.Routing.RefreshInterval))
	}
	c.Routing = routing.New(c.Router, routingOpts...)

	c.Streams = stream.NewManager(
		stream.WithIDs(o.ids),
		stream.WithMaxStreams(cfg.Stream.MaxStreams),
		stream.WithManagerLogger(o.logger),
	)

	execOpts := []operation.Option{
		operation.WithRouting(c.Routing),
		operation.WithCache(c.Cache),
		operation.WithCost(c.Cost),
		operation.WithStreams(c.Streams),
		operation.WithIDs(o.ids),
		operation.WithLogger(o.logger),
	}
	if c.Budget != nil {
		execOpts = append(execOpts, operation.WithBudget(c.Budget))
	}
	if c.Audit != nil {
		execOpts = append(execOpts, operation.WithAudit(c.Audit))
	}
	c.Executor = operation.New(c.Router, execOpts...)
	return nil
}

func (c *Client) openCost() error {
	cfg := c.Config
	opts := []cost.Option{cost.WithPricing(cfg.Pricing), cost.WithLogger(c.logger)}
	if cfg.Usage.Persist {
		ledger, err := tracker.New(cfg.DBPath)
		if err != nil {
			return err
		}
		c.Ledger = ledger
		c.closers = append(c.closers, ledger)
		opts = append(opts, cost.WithRecorder(ledger))
	}
	c.Cost = cost.NewTracker(opts...)
	if cfg.Usage.ResetSchedule != "" {
		if err := c.Cost.StartResetSchedule(cfg.Usage.ResetSchedule); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) openCache(ctx context.Context, embedder cache.Embedder) error {
	storage, err := OpenStorage(ctx, c.Config.Cache, c.Config.DBPath)
	if err != nil {
		return err
	}
	c.Storage = storage
	if cl, ok := storage.(io.Closer); ok {
		c.closers = append(c.closers, cl)
	}

	cc := c.Config.Cache
	opts := []cache.Option{
		cache.WithEnabled(cc.Enabled),
		cache.WithTTL(cc.TTL),
		cache.WithLogger(c.logger),
	}
	if cc.Strategy == config.StrategySemantic {
		opts = append(opts, cache.WithSemantic(embedder, cc.SimilarityThreshold))
	}
	c.Cache = cache.NewManager(storage, opts...)
	return nil
}

// OpenStorage opens the cache backend named by cfg.Backend. The sqlite
// backend shares dbPath with the usage ledger.
func OpenStorage(ctx context.Context, cfg config.CacheConfig, dbPath string) (cache.Storage, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(), nil
	case config.BackendSQLite:
		return sqlite.New(dbPath)
	case config.BackendRedis:
		return redis.New(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, provider.NewConfigError("unknown cache backend %q", cfg.Backend)
	}
}

// Close stops background work and releases every opened resource.
func (c *Client) Close() error {
	if c.Streams != nil {
		c.Streams.CancelAll()
	}
	if c.Routing != nil {
		c.Routing.Dispose()
	}
	if c.Cost != nil {
		c.Cost.Stop()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close weave client: %w", err)
	}
	return nil
}
