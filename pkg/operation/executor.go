// Package operation runs generate, classify, extract and chat operations:
// cache lookup, budget check, routed provider call, cache store, cost
// tracking and auditing.
package operation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/weave/pkg/audit"
	"github.com/pario-ai/weave/pkg/budget"
	"github.com/pario-ai/weave/pkg/cache"
	"github.com/pario-ai/weave/pkg/cost"
	"github.com/pario-ai/weave/pkg/ids"
	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/pario-ai/weave/pkg/router"
	"github.com/pario-ai/weave/pkg/routing"
	"github.com/pario-ai/weave/pkg/stream"
)

// Kind names an operation.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindClassify Kind = "classify"
	KindExtract  Kind = "extract"
	KindChat     Kind = "chat"
)

// Request carries the inputs of every operation kind. Model is a model name
// or a configured route alias; empty uses the default route.
type Request struct {
	Model    string               `json:"model,omitempty"`
	Prompt   string               `json:"prompt,omitempty"`
	Text     string               `json:"text,omitempty"`
	Labels   []string             `json:"labels,omitempty"`
	Schema   json.RawMessage      `json:"schema,omitempty"`
	Messages []models.ChatMessage `json:"messages,omitempty"`
	Options  provider.Options     `json:"options"`
	// NoCache bypasses the cache for both lookup and store.
	NoCache bool `json:"no_cache,omitempty"`
}

// Result is the outcome of a successful operation.
type Result struct {
	OperationID    string                   `json:"operation_id"`
	Kind           Kind                     `json:"kind"`
	Provider       string                   `json:"provider"`
	Model          string                   `json:"model"`
	Text           string                   `json:"text,omitempty"`
	Classification *provider.Classification `json:"classification,omitempty"`
	Data           json.RawMessage          `json:"data,omitempty"`
	TokenCount     models.TokenCount        `json:"token_count"`
	FinishReason   string                   `json:"finish_reason,omitempty"`
	Cost           float64                  `json:"cost"`
	Latency        time.Duration            `json:"latency"`
	Cached         bool                     `json:"cached"`
	Savings        models.CacheSavings      `json:"savings"`
	// Budget lists the windows this call overran under a warn policy.
	Budget []models.BudgetStatus `json:"budget,omitempty"`
}

// payload is the cached part of a Result.
type payload struct {
	Provider       string                   `json:"provider"`
	Model          string                   `json:"model"`
	Text           string                   `json:"text,omitempty"`
	Classification *provider.Classification `json:"classification,omitempty"`
	Data           json.RawMessage          `json:"data,omitempty"`
	TokenCount     models.TokenCount        `json:"token_count"`
	FinishReason   string                   `json:"finish_reason,omitempty"`
}

// call performs the provider request for one route attempt.
type call func(ctx context.Context, p provider.Provider, opts provider.Options) (payload, error)

// Executor runs operations. Only the router is required; every other
// collaborator is optional and skipped when absent.
type Executor struct {
	router  *router.Router
	routing *routing.Controller
	cache   *cache.Manager
	budget  *budget.Enforcer
	cost    *cost.Tracker
	audit   *audit.Logger
	streams *stream.Manager
	ids     ids.Generator
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithRouting prefers the controller's current provider.
func WithRouting(c *routing.Controller) Option { return func(e *Executor) { e.routing = c } }

// WithCache consults and fills m.
func WithCache(m *cache.Manager) Option { return func(e *Executor) { e.cache = m } }

// WithBudget checks b before every provider call.
func WithBudget(b *budget.Enforcer) Option { return func(e *Executor) { e.budget = b } }

// WithCost tracks usage in t.
func WithCost(t *cost.Tracker) Option { return func(e *Executor) { e.cost = t } }

// WithAudit records every operation in l.
func WithAudit(l *audit.Logger) Option { return func(e *Executor) { e.audit = l } }

// WithStreams registers streams in m.
func WithStreams(m *stream.Manager) Option { return func(e *Executor) { e.streams = m } }

// WithIDs sets the operation id generator.
func WithIDs(g ids.Generator) Option { return func(e *Executor) { e.ids = g } }

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l.With().Str("component", "operation").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// New creates an Executor routing calls through r.
func New(r *router.Router, opts ...Option) *Executor {
	e := &Executor{
		router: r,
		ids:    ids.UUID{},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.streams == nil {
		e.streams = stream.NewManager(stream.WithIDs(e.ids), stream.WithManagerLogger(e.logger), stream.WithManagerClock(e.now))
	}
	return e
}

// Streams returns the stream manager used by GenerateStream.
func (e *Executor) Streams() *stream.Manager {
	return e.streams
}

// Generate completes req.Prompt.
func (e *Executor) Generate(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, KindGenerate, req, req.Prompt, req.Options,
		func(ctx context.Context, p provider.Provider, opts provider.Options) (payload, error) {
			res, err := p.Generate(ctx, req.Prompt, opts)
			if err != nil {
				return payload{}, err
			}
			return payload{Text: res.Text, TokenCount: res.TokenCount, FinishReason: res.FinishReason}, nil
		})
}

// Classify assigns req.Text one of req.Labels.
func (e *Executor) Classify(ctx context.Context, req Request) (*Result, error) {
	if len(req.Labels) == 0 {
		return nil, e.reject(KindClassify, req, provider.New(provider.KindInvalidRequest, "classify needs at least one label", nil))
	}
	nsOpts := struct {
		Options provider.Options `json:"options"`
		Labels  []string         `json:"labels"`
	}{req.Options, req.Labels}
	return e.run(ctx, KindClassify, req, req.Text, nsOpts,
		func(ctx context.Context, p provider.Provider, opts provider.Options) (payload, error) {
			res, err := p.Classify(ctx, req.Text, req.Labels, opts)
			if err != nil {
				return payload{}, err
			}
			return payload{Classification: res, TokenCount: res.TokenCount}, nil
		})
}

// Extract pulls structured data matching req.Schema out of req.Text.
func (e *Executor) Extract(ctx context.Context, req Request) (*Result, error) {
	nsOpts := struct {
		Options provider.Options `json:"options"`
		Schema  json.RawMessage  `json:"schema,omitempty"`
	}{req.Options, req.Schema}
	return e.run(ctx, KindExtract, req, req.Text, nsOpts,
		func(ctx context.Context, p provider.Provider, opts provider.Options) (payload, error) {
			res, err := p.Extract(ctx, req.Text, req.Schema, opts)
			if err != nil {
				return payload{}, err
			}
			return payload{Data: res.Data, TokenCount: res.TokenCount}, nil
		})
}

// Chat continues the conversation in req.Messages.
func (e *Executor) Chat(ctx context.Context, req Request) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, e.reject(KindChat, req, provider.New(provider.KindInvalidRequest, "chat needs at least one message", nil))
	}
	return e.run(ctx, KindChat, req, transcript(req.Messages), req.Options,
		func(ctx context.Context, p provider.Provider, opts provider.Options) (payload, error) {
			res, err := p.Chat(ctx, req.Messages, opts)
			if err != nil {
				return payload{}, err
			}
			return payload{Text: res.Text, TokenCount: res.TokenCount, FinishReason: res.FinishReason}, nil
		})
}

// transcript flattens messages into cache key text.
func transcript(messages []models.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// operation carries the per-call state shared by run and GenerateStream.
type operation struct {
	id       string
	kind     Kind
	req      Request
	text     string
	key      string
	start    time.Time
	logger   zerolog.Logger
	streamed bool
}

func (e *Executor) begin(kind Kind, req Request, text string, nsOpts any) *operation {
	op := &operation{
		id:    e.ids.New(),
		kind:  kind,
		req:   req,
		text:  text,
		start: e.now(),
	}
	op.logger = e.logger.With().Str("op_id", op.id).Str("kind", string(kind)).Logger()
	if e.cacheable(req) {
		op.key = cache.Key(cache.Namespace(string(kind), req.Model, nsOpts), text)
	}
	return op
}

func (e *Executor) cacheable(req Request) bool {
	return e.cache != nil && e.cache.Enabled() && !req.NoCache
}

func (e *Executor) run(ctx context.Context, kind Kind, req Request, text string, nsOpts any, fn call) (*Result, error) {
	op := e.begin(kind, req, text, nsOpts)

	if res, ok := e.cached(ctx, op); ok {
		return res, nil
	}

	warnings, perr := e.checkBudget(ctx, op)
	if perr != nil {
		e.fail(op, "", perr)
		return nil, perr
	}

	var pl payload
	route, err := e.router.Execute(ctx, req.Model, e.preferred(), func(ctx context.Context, p provider.Provider, rt router.Route) error {
		opts := req.Options
		if rt.Model != "" {
			opts.Model = rt.Model
		}
		out, err := fn(ctx, p, opts)
		if err != nil {
			return err
		}
		out.Provider = rt.Provider.Name
		out.Model = opts.Model
		if out.Model == "" {
			out.Model = p.Info().Model
		}
		pl = out
		return nil
	})
	if err != nil {
		perr := provider.Classify(err)
		e.fail(op, route.Provider.Name, perr)
		return nil, perr
	}

	res := e.finish(ctx, op, pl)
	res.Budget = warnings
	return res, nil
}

// cached answers op from the cache. Undecodable entries count as misses.
func (e *Executor) cached(ctx context.Context, op *operation) (*Result, bool) {
	if op.key == "" {
		return nil, false
	}
	hit := e.cache.Query(ctx, op.key)
	if !hit.Hit {
		return nil, false
	}
	var pl payload
	if err := json.Unmarshal(hit.Data, &pl); err != nil {
		op.logger.Warn().Err(err).Str("key", hit.Key).Msg("undecodable cache entry")
		return nil, false
	}

	res := e.result(op, pl)
	res.Cached = true
	res.Savings = hit.Savings
	op.logger.Info().Str("provider", pl.Provider).Str("model", pl.Model).
		Dur("duration", res.Latency).Float64("cost_saved", hit.Savings.Cost).Msg("cache hit")
	e.record(op, res, models.OperationOK, nil)
	return res, true
}

// checkBudget estimates the call's cost against the budget. Under a block
// policy an overrun returns a budget error; failures to read spend are
// logged and ignored.
func (e *Executor) checkBudget(ctx context.Context, op *operation) ([]models.BudgetStatus, *provider.Error) {
	if e.budget == nil {
		return nil, nil
	}
	estimate := e.estimate(ctx, op)
	exceeded, err := e.budget.Check(ctx, estimate)
	if err == nil {
		return exceeded, nil
	}
	if errors.Is(err, budget.ErrBudgetExceeded) {
		return exceeded, provider.New(provider.KindBudget, "budget exceeded", err)
	}
	op.logger.Warn().Err(err).Msg("budget check skipped")
	return nil, nil
}

// estimate prices the call on the first planned route. Input tokens come
// from the provider's counter; output tokens from max_tokens, or the input
// count when unset.
func (e *Executor) estimate(ctx context.Context, op *operation) float64 {
	if e.cost == nil {
		return 0
	}
	routes, err := e.router.Plan(op.req.Model, e.preferred())
	if err != nil || len(routes) == 0 {
		return 0
	}
	rt := routes[0]
	in := len(strings.Fields(op.text))
	model := rt.Model
	if p, err := e.router.Lookup(rt.Provider.Name); err == nil {
		if n, err := p.CountTokens(ctx, op.text); err == nil {
			in = n
		}
		if model == "" {
			model = p.Info().Model
		}
	}
	out := op.req.Options.MaxTokens
	if out <= 0 {
		out = in
	}
	return e.cost.EstimateCost(cost.ModelKey(rt.Provider.Name, model), in, out)
}

func (e *Executor) preferred() string {
	if e.routing == nil {
		return ""
	}
	return e.routing.CurrentProvider()
}

// finish tracks cost, stores the result in the cache and audits it.
func (e *Executor) finish(ctx context.Context, op *operation, pl payload) *Result {
	res := e.result(op, pl)
	if e.cost != nil {
		res.Cost = e.cost.Track(ctx, op.id, pl.Provider, pl.Model, pl.TokenCount.Input, pl.TokenCount.Output)
	}

	if op.key != "" {
		meta := models.CacheMetadata{Cost: res.Cost, Latency: res.Latency, TokenCount: pl.TokenCount}
		if err := e.cache.StoreValue(ctx, op.key, pl, meta); err != nil {
			op.logger.Warn().Err(err).Msg("cache store failed")
		}
	}

	op.logger.Info().Str("provider", pl.Provider).Str("model", pl.Model).
		Dur("duration", res.Latency).Int("tokens", pl.TokenCount.Total()).
		Float64("cost", res.Cost).Bool("streamed", op.streamed).Msg("operation complete")
	e.record(op, res, models.OperationOK, nil)
	return res
}

func (e *Executor) result(op *operation, pl payload) *Result {
	return &Result{
		OperationID:    op.id,
		Kind:           op.kind,
		Provider:       pl.Provider,
		Model:          pl.Model,
		Text:           pl.Text,
		Classification: pl.Classification,
		Data:           pl.Data,
		TokenCount:     pl.TokenCount,
		FinishReason:   pl.FinishReason,
		Latency:        e.now().Sub(op.start),
	}
}

// reject fails an operation before any provider is involved.
func (e *Executor) reject(kind Kind, req Request, perr *provider.Error) error {
	op := e.begin(kind, Request{Model: req.Model, NoCache: true}, "", nil)
	e.fail(op, "", perr)
	return perr
}

func (e *Executor) fail(op *operation, providerName string, perr *provider.Error) {
	ev := op.logger.Warn()
	if perr.Kind == provider.KindCancelled {
		ev = op.logger.Info()
	}
	ev.Str("provider", providerName).Str("model", op.req.Model).
		Dur("duration", e.now().Sub(op.start)).Str("error_kind", string(perr.Kind)).
		Err(perr).Msg("operation failed")
	res := &Result{
		OperationID: op.id,
		Kind:        op.kind,
		Provider:    providerName,
		Model:       op.req.Model,
		Latency:     e.now().Sub(op.start),
	}
	e.record(op, res, models.OperationError, perr)
}

// record hands the outcome to the audit log without blocking.
func (e *Executor) record(op *operation, res *Result, status string, perr *provider.Error) {
	if e.audit == nil {
		return
	}
	rec := models.OperationRecord{
		ID:           op.id,
		Kind:         string(op.kind),
		Provider:     res.Provider,
		Model:        res.Model,
		CacheHit:     res.Cached,
		Streamed:     op.streamed,
		InputTokens:  res.TokenCount.Input,
		OutputTokens: res.TokenCount.Output,
		Cost:         res.Cost,
		LatencyMs:    res.Latency.Milliseconds(),
		Status:       status,
		Prompt:       op.text,
		CreatedAt:    op.start,
	}
	if perr != nil {
		rec.ErrorCode = perr.Code
		rec.ErrorMessage = perr.Error()
	}
	e.audit.Enqueue(rec)
}
