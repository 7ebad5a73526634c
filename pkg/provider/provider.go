// Package provider defines the contract every LLM backend implements and the
// registry the application root uses to build them from configuration.
package provider

import (
	"context"
	"encoding/json"

	"github.com/pario-ai/weave/pkg/models"
)

// Options tune a single provider call. Model overrides the provider's
// configured model when set (route targets use this).
type Options struct {
	Model       string            `json:"model,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	System      string            `json:"system,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Result is the outcome of Generate and Chat.
type Result struct {
	Text         string            `json:"text"`
	TokenCount   models.TokenCount `json:"token_count"`
	FinishReason string            `json:"finish_reason"`
}

// Classification is the outcome of Classify.
type Classification struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	TokenCount models.TokenCount  `json:"token_count"`
}

// Extraction is the outcome of Extract. Data conforms to the requested schema.
type Extraction struct {
	Data       json.RawMessage   `json:"data"`
	TokenCount models.TokenCount `json:"token_count"`
}

// Info identifies a provider instance.
type Info struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Provider is an LLM backend. Implementations must be safe for concurrent use.
type Provider interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Result, error)
	Classify(ctx context.Context, text string, labels []string, opts Options) (*Classification, error)
	Extract(ctx context.Context, text string, schema json.RawMessage, opts Options) (*Extraction, error)
	Chat(ctx context.Context, messages []models.ChatMessage, opts Options) (*Result, error)
	CountTokens(ctx context.Context, text string) (int, error)
	Validate(ctx context.Context) error
	Info() Info
}

// Streamer is implemented by providers that can stream Generate output.
// emit is called once per text delta; a non-nil return aborts the call.
type Streamer interface {
	GenerateStream(ctx context.Context, prompt string, opts Options, emit func(string) error) (*Result, error)
}
