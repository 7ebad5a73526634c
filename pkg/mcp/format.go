package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/operation"
)

// formatResult renders an operation result followed by its accounting line.
func formatResult(res *operation.Result) string {
	var b strings.Builder
	switch {
	case res.Classification != nil:
		fmt.Fprintf(&b, "%s (confidence %.2f)\n", res.Classification.Label, res.Classification.Confidence)
	case len(res.Data) > 0:
		b.Write(res.Data)
		b.WriteString("\n")
	default:
		b.WriteString(res.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Operation: %s\n", res.OperationID)
	fmt.Fprintf(&b, "Provider:  %s/%s\n", res.Provider, res.Model)
	fmt.Fprintf(&b, "Tokens:    %d in / %d out\n", res.TokenCount.Input, res.TokenCount.Output)
	if res.Cached {
		fmt.Fprintf(&b, "Cached:    saved $%.6f\n", res.Savings.Cost)
	} else {
		fmt.Fprintf(&b, "Cost:      $%.6f\n", res.Cost)
	}
	return b.String()
}

// formatUsage formats the running cost ledger as a text table.
func formatUsage(u models.UsageTotals) string {
	if len(u.ByModel) == 0 {
		return "No usage recorded since " + u.WindowStart.Format("2006-01-02 15:04:05") + "."
	}
	keys := lo.Keys(u.ByModel)
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %8s %10s %10s %12s\n", "Model", "Requests", "Input", "Output", "Cost")
	b.WriteString(strings.Repeat("-", 76) + "\n")
	for _, k := range keys {
		m := u.ByModel[k]
		fmt.Fprintf(&b, "%-32s %8d %10d %10d %12.6f\n", k, m.Requests, m.InputTokens, m.OutputTokens, m.TotalCost)
	}
	b.WriteString(strings.Repeat("-", 76) + "\n")
	fmt.Fprintf(&b, "%-32s %8s %10d %10d %12.6f\n", "Total", "", u.InputTokens, u.OutputTokens, u.TotalCost)
	return b.String()
}

// formatCacheStats formats cache statistics.
func formatCacheStats(s models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queries:       %d\n", s.TotalQueries)
	fmt.Fprintf(&b, "Hits:          %d\n", s.Hits)
	fmt.Fprintf(&b, "Misses:        %d\n", s.Misses)
	fmt.Fprintf(&b, "Hit rate:      %.1f%%\n", s.HitRate*100)
	fmt.Fprintf(&b, "Stores:        %d\n", s.Stores)
	fmt.Fprintf(&b, "Errors:        %d\n", s.Errors)
	fmt.Fprintf(&b, "Cost saved:    $%.6f\n", s.CostSaved)
	fmt.Fprintf(&b, "Latency saved: %s\n", s.LatencySaved)
	return b.String()
}

// formatBudget formats budget statuses as a text table.
func formatBudget(statuses []models.BudgetStatus, p models.BudgetPolicy) string {
	if len(statuses) == 0 {
		return "No budget limits configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %12s %12s %12s %9s\n", "Window", "Limit", "Spent", "Remaining", "Exceeded")
	b.WriteString(strings.Repeat("-", 59) + "\n")
	for _, s := range statuses {
		fmt.Fprintf(&b, "%-10s %12.6f %12.6f %12.6f %9t\n", s.Window, s.Limit, s.Spent, s.Remaining, s.Exceeded)
	}
	fmt.Fprintf(&b, "\nOn exceeded: %s\n", p.OnExceeded)
	return b.String()
}

// formatRouting formats the routing state with the most recent events.
func formatRouting(s models.RoutingState) string {
	if len(s.Providers) == 0 {
		return "No providers available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-2s %-20s %-8s %12s %8s %8s\n", "", "Provider", "Healthy", "Latency", "Success", "Failures")
	b.WriteString(strings.Repeat("-", 63) + "\n")
	for _, p := range s.Providers {
		mark := ""
		if p.Name == s.CurrentProvider {
			mark = "*"
		}
		fmt.Fprintf(&b, "%-2s %-20s %-8t %12s %7.1f%% %8d\n",
			mark, p.Name, p.Healthy, p.Latency, p.SuccessRate*100, p.ConsecutiveFailures)
	}
	if s.Err != "" {
		fmt.Fprintf(&b, "\nError: %s\n", s.Err)
	}
	if n := len(s.Events); n > 0 {
		b.WriteString("\nRecent events:\n")
		for _, e := range s.Events[max(0, n-5):] {
			fmt.Fprintf(&b, "  %s %-14s %s -> %s\n", e.Timestamp.Format("15:04:05"), e.Type, orDash(e.From), e.To)
		}
	}
	return b.String()
}

// formatAuditRecords formats audit records as a text table.
func formatAuditRecords(records []models.OperationRecord) string {
	if len(records) == 0 {
		return "No audit records found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-9s %-12s %-16s %-18s %6s %8s %8s\n",
		"Operation", "Kind", "Provider", "Model", "Status", "Cached", "Tokens", "Latency")
	b.WriteString(strings.Repeat("-", 122) + "\n")
	for _, r := range records {
		status := r.Status
		if r.ErrorCode != "" {
			status += ":" + r.ErrorCode
		}
		fmt.Fprintf(&b, "%-36s %-9s %-12s %-16s %-18s %6t %8d %6dms\n",
			r.ID, r.Kind, orDash(r.Provider), orDash(r.Model), status, r.CacheHit,
			r.InputTokens+r.OutputTokens, r.LatencyMs)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
