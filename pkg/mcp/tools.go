package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/operation"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/pario-ai/weave/pkg/weave"
)

// Tool argument structs.

type generateArgs struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	NoCache   bool   `json:"no_cache"`
}

type classifyArgs struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
	Model  string   `json:"model"`
}

type selectArgs struct {
	Name string `json:"name"`
}

type auditSearchArgs struct {
	Kind     string `json:"kind"`
	Provider string `json:"provider"`
	Status   string `json:"status"`
	Limit    int    `json:"limit"`
}

type tool struct {
	def    mcp.Tool
	handle server.ToolHandlerFunc
}

var modelOpt = mcp.WithString("model", mcp.Description("Model alias to route (optional, defaults to the first provider)"))

// tools returns the ordered tool list bound to c.
func tools(c *weave.Client) []tool {
	h := handlers{c: c}
	return []tool{
		{
			def: mcp.NewTool("weave_generate",
				mcp.WithDescription("Generate text for a prompt through the router, using the response cache and budget."),
				mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt text")),
				modelOpt,
				mcp.WithNumber("max_tokens", mcp.Description("Maximum output tokens (optional)")),
				mcp.WithBoolean("no_cache", mcp.Description("Bypass the response cache (optional)")),
			),
			handle: h.generate,
		},
		{
			def: mcp.NewTool("weave_classify",
				mcp.WithDescription("Classify text into one of the given labels."),
				mcp.WithString("text", mcp.Required(), mcp.Description("Text to classify")),
				mcp.WithArray("labels", mcp.Required(), mcp.Description("Candidate labels"),
					mcp.Items(map[string]any{"type": "string"})),
				modelOpt,
			),
			handle: h.classify,
		},
		{
			def:    mcp.NewTool("weave_usage", mcp.WithDescription("Show token usage and cost for the current billing window.")),
			handle: h.usage,
		},
		{
			def:    mcp.NewTool("weave_cache_stats", mcp.WithDescription("Show response cache hit rate and savings.")),
			handle: h.cacheStats,
		},
		{
			def:    mcp.NewTool("weave_budget", mcp.WithDescription("Show spend against each budget window.")),
			handle: h.budget,
		},
		{
			def:    mcp.NewTool("weave_providers", mcp.WithDescription("Refresh and show provider health and the preferred provider.")),
			handle: h.providers,
		},
		{
			def: mcp.NewTool("weave_select_provider",
				mcp.WithDescription("Make a healthy provider the preferred first hop for routing."),
				mcp.WithString("name", mcp.Required(), mcp.Description("Provider name")),
			),
			handle: h.selectProvider,
		},
		{
			def: mcp.NewTool("weave_audit_search",
				mcp.WithDescription("Search the operation audit log, newest first."),
				mcp.WithString("kind", mcp.Description("Operation kind: generate, classify, extract or chat (optional)")),
				mcp.WithString("provider", mcp.Description("Filter by provider (optional)")),
				mcp.WithString("status", mcp.Description("Filter by status: ok or error (optional)")),
				mcp.WithNumber("limit", mcp.Description("Max records (optional, default 20)")),
			),
			handle: h.auditSearch,
		},
	}
}

type handlers struct {
	c *weave.Client
}

func (h handlers) generate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args generateArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	res, err := h.c.Executor.Generate(ctx, operation.Request{
		Model:   args.Model,
		Prompt:  args.Prompt,
		Options: provider.Options{MaxTokens: args.MaxTokens},
		NoCache: args.NoCache,
	})
	if err != nil {
		return operationError(err), nil
	}
	return mcp.NewToolResultText(formatResult(res)), nil
}

func (h handlers) classify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args classifyArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	res, err := h.c.Executor.Classify(ctx, operation.Request{Model: args.Model, Text: args.Text, Labels: args.Labels})
	if err != nil {
		return operationError(err), nil
	}
	return mcp.NewToolResultText(formatResult(res)), nil
}

func (h handlers) usage(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(formatUsage(h.c.Cost.Usage())), nil
}

func (h handlers) cacheStats(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !h.c.Cache.Enabled() {
		return mcp.NewToolResultText("Response cache is disabled."), nil
	}
	return mcp.NewToolResultText(formatCacheStats(h.c.Cache.Stats())), nil
}

func (h handlers) budget(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.c.Budget == nil {
		return mcp.NewToolResultText("Budget enforcement is disabled."), nil
	}
	statuses, err := h.c.Budget.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("budget status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatBudget(statuses, h.c.Budget.Policy())), nil
}

func (h handlers) providers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := h.c.Routing.RefreshStatus(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refresh provider status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRouting(h.c.Routing.State())), nil
}

func (h handlers) selectProvider(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args selectArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	if len(h.c.Routing.State().Providers) == 0 {
		if err := h.c.Routing.RefreshStatus(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("refresh provider status: %v", err)), nil
		}
	}
	h.c.Routing.SelectProvider(args.Name)
	state := h.c.Routing.State()
	if state.Err != "" {
		return mcp.NewToolResultError(state.Err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Preferred provider is now %s.", state.CurrentProvider)), nil
}

func (h handlers) auditSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.c.Audit == nil {
		return mcp.NewToolResultError("audit logging is not enabled"), nil
	}
	var args auditSearchArgs
	if err := req.BindArguments(&args); err != nil {
		return invalidArgs(err), nil
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}
	if err := h.c.Audit.Flush(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flush audit log: %v", err)), nil
	}
	records, err := h.c.Audit.Query(ctx, models.AuditQueryOpts{
		Kind:     args.Kind,
		Provider: args.Provider,
		Status:   args.Status,
		Limit:    args.Limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit search: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAuditRecords(records)), nil
}

func invalidArgs(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
}

func operationError(err error) *mcp.CallToolResult {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", perr.Kind, perr.Message))
	}
	return mcp.NewToolResultError(err.Error())
}
