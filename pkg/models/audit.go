package models

import "time"

// OperationRecord is one audited operation.
type OperationRecord struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CacheHit     bool      `json:"cache_hit"`
	Streamed     bool      `json:"streamed"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
// Include selects optional payloads: "prompts" and "errors".
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	DBPath        string   `yaml:"db_path" toml:"db_path"`
	RetentionDays int      `yaml:"retention_days" toml:"retention_days"`
	MaxBodySize   int      `yaml:"max_body_size" toml:"max_body_size"`
	Include       []string `yaml:"include" toml:"include"`
	ExcludeModels []string `yaml:"exclude_models" toml:"exclude_models"`
}

// AuditQueryOpts specifies filters for querying audit records.
type AuditQueryOpts struct {
	OperationID string
	Kind        string
	Provider    string
	Model       string
	Status      string
	Since       time.Time
	Limit       int
}

// AuditStat holds aggregate counts for a provider/day combination.
type AuditStat struct {
	Provider  string  `json:"provider"`
	Day       string  `json:"day"`
	Count     int     `json:"count"`
	CacheHits int     `json:"cache_hits"`
	Cost      float64 `json:"cost"`
}

// Operation record statuses.
const (
	OperationOK    = "ok"
	OperationError = "error"
)
