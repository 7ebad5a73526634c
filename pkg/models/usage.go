package models

import "time"

// ModelPricing defines per-1K token costs for a provider:model key.
type ModelPricing struct {
	Model           string  `json:"model" yaml:"model" toml:"model"`
	InputCostPer1K  float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k" toml:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k" toml:"output_cost_per_1k"`
	Currency        string  `json:"currency,omitempty" yaml:"currency" toml:"currency"`
}

// KeyUsage is the running total for one provider:model key.
type KeyUsage struct {
	ModelKey     string  `json:"model_key"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// UsageTotals is a snapshot of the cost ledger for the current billing window.
type UsageTotals struct {
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
	TotalTokens  int64               `json:"total_tokens"`
	TotalCost    float64             `json:"total_cost"`
	ByModel      map[string]KeyUsage `json:"by_model"`
	WindowStart  time.Time           `json:"window_start"`
}

// UsageRecord is one persisted usage row.
type UsageRecord struct {
	ID           int64     `json:"id"`
	OperationID  string    `json:"operation_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageSummary aggregates persisted usage per provider and model.
type UsageSummary struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}
