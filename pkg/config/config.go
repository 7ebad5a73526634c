package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/pario-ai/weave/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all Weave configuration.
type Config struct {
	DBPath           string                `yaml:"db_path" toml:"db_path"`
	Log              LogConfig             `yaml:"log" toml:"log"`
	ProviderDefaults ProviderConfig        `yaml:"provider_defaults" toml:"provider_defaults"`
	Providers        []ProviderConfig      `yaml:"providers" toml:"providers"`
	Router           RouterConfig          `yaml:"router" toml:"router"`
	Cache            CacheConfig           `yaml:"cache" toml:"cache"`
	Pricing          []models.ModelPricing `yaml:"pricing" toml:"pricing"`
	Budget           BudgetConfig          `yaml:"budget" toml:"budget"`
	Usage            UsageConfig           `yaml:"usage" toml:"usage"`
	Stream           StreamConfig          `yaml:"stream" toml:"stream"`
	Routing          RoutingConfig         `yaml:"routing" toml:"routing"`
	Audit            models.AuditConfig    `yaml:"audit" toml:"audit"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	File   string `yaml:"file" toml:"file"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// ProviderConfig defines an LLM provider instance.
// Type selects the factory registered in the provider registry.
type ProviderConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"`
	Model   string            `yaml:"model" toml:"model"`
	URL     string            `yaml:"url" toml:"url"`
	APIKey  string            `yaml:"api_key" toml:"api_key"`
	Options map[string]string `yaml:"options" toml:"options"`
}

// RouterConfig defines model routing, fallback chains and health thresholds.
type RouterConfig struct {
	Routes           []RouteConfig `yaml:"routes" toml:"routes"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" toml:"success_threshold"`
	MaxRetries       uint64        `yaml:"max_retries" toml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay" toml:"retry_delay"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model" toml:"model"`
	Targets []RouteTarget `yaml:"targets" toml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider" toml:"provider"`
	Model    string `yaml:"model" toml:"model"`
}

// Cache strategies.
const (
	StrategyExact    = "exact"
	StrategySemantic = "semantic"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// CacheConfig controls the result cache.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled" toml:"enabled"`
	Strategy            string        `yaml:"strategy" toml:"strategy"`
	TTL                 time.Duration `yaml:"ttl" toml:"ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" toml:"similarity_threshold"`
	Backend             string        `yaml:"backend" toml:"backend"`
	Redis               RedisConfig   `yaml:"redis" toml:"redis"`
}

// RedisConfig points the cache at a shared Redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// BudgetConfig controls budget enforcement.
type BudgetConfig struct {
	Enabled    bool                `yaml:"enabled" toml:"enabled"`
	PerSession float64             `yaml:"per_session" toml:"per_session"`
	PerHour    float64             `yaml:"per_hour" toml:"per_hour"`
	OnExceeded models.BudgetAction `yaml:"on_exceeded" toml:"on_exceeded"`
}

// Policy returns the configured limits as a budget policy.
func (b BudgetConfig) Policy() models.BudgetPolicy {
	return models.BudgetPolicy{PerSession: b.PerSession, PerHour: b.PerHour, OnExceeded: b.OnExceeded}
}

// UsageConfig controls the cost ledger.
type UsageConfig struct {
	// ResetSchedule is a cron spec ("@daily", "@monthly", "0 0 * * 1") that
	// starts a new billing window. Empty keeps a single window.
	ResetSchedule string `yaml:"reset_schedule" toml:"reset_schedule"`
	Persist       bool   `yaml:"persist" toml:"persist"`
}

// StreamConfig controls the stream manager.
type StreamConfig struct {
	MaxStreams int `yaml:"max_streams" toml:"max_streams"`
}

// RoutingConfig controls the provider routing controller.
type RoutingConfig struct {
	MaxEvents       int           `yaml:"max_events" toml:"max_events"`
	AutoRefresh     bool          `yaml:"auto_refresh" toml:"auto_refresh"`
	RefreshInterval time.Duration `yaml:"refresh_interval" toml:"refresh_interval"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath: "weave.db",
		Log: LogConfig{
			Level: "info",
		},
		Router: RouterConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			MaxRetries:       2,
			RetryDelay:       200 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled:             true,
			Strategy:            StrategyExact,
			TTL:                 10 * time.Minute,
			SimilarityThreshold: 0.92,
			Backend:             BackendMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "weave:cache:",
			},
		},
		Budget: BudgetConfig{
			OnExceeded: models.BudgetWarn,
		},
		Stream: StreamConfig{
			MaxStreams: 1000,
		},
		Routing: RoutingConfig{
			MaxEvents:       50,
			RefreshInterval: 30 * time.Second,
		},
		Audit: models.AuditConfig{
			DBPath:        "weave-audit.db",
			RetentionDays: 30,
		},
	}
}

// Load reads a YAML or TOML config file (chosen by extension) over Default.
// Environment variables in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyProviderDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyProviderDefaults fills empty provider fields from ProviderDefaults.
func (c *Config) applyProviderDefaults() error {
	for i := range c.Providers {
		if err := mergo.Merge(&c.Providers[i], c.ProviderDefaults); err != nil {
			return fmt.Errorf("providers[%d]: merge defaults: %w", i, err)
		}
	}
	return nil
}

// LoadOrDefault loads path when it is non-empty and returns Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate rejects configurations that cannot be consumed.
func (c *Config) Validate() error {
	var errs []error

	switch c.Cache.Strategy {
	case StrategyExact, StrategySemantic:
	default:
		errs = append(errs, fmt.Errorf("cache.strategy: unknown strategy %q", c.Cache.Strategy))
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("cache.similarity_threshold: must be in (0, 1], got %v", c.Cache.SimilarityThreshold))
	}

	switch c.Budget.OnExceeded {
	case models.BudgetWarn, models.BudgetBlock:
	default:
		errs = append(errs, fmt.Errorf("budget.on_exceeded: must be warn or block, got %q", c.Budget.OnExceeded))
	}
	if c.Budget.PerSession < 0 || c.Budget.PerHour < 0 {
		errs = append(errs, errors.New("budget: limits must not be negative"))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.Type == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: type is required", i))
		}
	}

	if c.Routing.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("routing.max_events: must be positive, got %d", c.Routing.MaxEvents))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
