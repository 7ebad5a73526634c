package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/weave/pkg/config"
	"github.com/pario-ai/weave/pkg/models"
)

// TypeEcho is the registry type of the built-in echo provider.
const TypeEcho = "echo"

// Echo is a local provider that answers with its input. It performs no
// network I/O and is used for dry runs and tests. Tokens are counted as
// whitespace-separated words.
type Echo struct {
	name    string
	model   string
	latency time.Duration
}

// NewEcho creates an echo provider. The "latency" option (a Go duration)
// delays every call.
func NewEcho(cfg config.ProviderConfig) (Provider, error) {
	e := &Echo{name: cfg.Name, model: cfg.Model}
	if e.model == "" {
		e.model = "echo-1"
	}
	if v, ok := cfg.Options["latency"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse latency option: %w", err)
		}
		e.latency = d
	}
	return e, nil
}

// Info implements Provider.
func (e *Echo) Info() Info {
	return Info{Provider: e.name, Model: e.model}
}

// Validate implements Provider.
func (e *Echo) Validate(ctx context.Context) error {
	return ctx.Err()
}

// CountTokens implements Provider.
func (e *Echo) CountTokens(_ context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

// Generate implements Provider.
func (e *Echo) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	return e.result(prompt, opts), nil
}

// GenerateStream implements Streamer, emitting one word per delta.
func (e *Echo) GenerateStream(ctx context.Context, prompt string, opts Options, emit func(string) error) (*Result, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	res := e.result(prompt, opts)
	for i, w := range strings.Fields(res.Text) {
		if err := ctx.Err(); err != nil {
			return nil, Classify(err)
		}
		if i > 0 {
			w = " " + w
		}
		if err := emit(w); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Chat implements Provider by echoing the last user message.
func (e *Echo) Chat(ctx context.Context, messages []models.ChatMessage, opts Options) (*Result, error) {
	if len(messages) == 0 {
		return nil, New(KindInvalidRequest, "no messages", nil)
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	var last string
	var input strings.Builder
	for _, m := range messages {
		input.WriteString(m.Content)
		input.WriteByte(' ')
		if m.Role == "user" {
			last = m.Content
		}
	}
	res := e.result(last, opts)
	res.TokenCount.Input = len(strings.Fields(input.String()))
	return res, nil
}

// Classify implements Provider. The first label mentioned in text wins;
// otherwise the first label is returned with a uniform score.
func (e *Echo) Classify(ctx context.Context, text string, labels []string, _ Options) (*Classification, error) {
	if len(labels) == 0 {
		return nil, New(KindInvalidRequest, "no labels", nil)
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	scores := make(map[string]float64, len(labels))
	winner := ""
	for _, l := range labels {
		if winner == "" && strings.Contains(lower, strings.ToLower(l)) {
			winner = l
		}
	}
	for _, l := range labels {
		switch {
		case winner == "":
			scores[l] = 1 / float64(len(labels))
		case l == winner:
			scores[l] = 1
		default:
			scores[l] = 0
		}
	}
	if winner == "" {
		winner = labels[0]
	}
	return &Classification{
		Label:      winner,
		Confidence: scores[winner],
		Scores:     scores,
		TokenCount: models.TokenCount{Input: len(strings.Fields(text)), Output: 1},
	}, nil
}

// Extract implements Provider, returning {"text": ...}.
func (e *Echo) Extract(ctx context.Context, text string, _ json.RawMessage, _ Options) (*Extraction, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, New(KindProvider, "encode extraction", err)
	}
	n := len(strings.Fields(text))
	return &Extraction{Data: data, TokenCount: models.TokenCount{Input: n, Output: n}}, nil
}

func (e *Echo) result(prompt string, opts Options) *Result {
	words := strings.Fields(prompt)
	reason := "stop"
	out := words
	if opts.MaxTokens > 0 && len(out) > opts.MaxTokens {
		out = out[:opts.MaxTokens]
		reason = "length"
	}
	return &Result{
		Text:         strings.Join(out, " "),
		TokenCount:   models.TokenCount{Input: len(words), Output: len(out)},
		FinishReason: reason,
	}
}

func (e *Echo) wait(ctx context.Context) error {
	if e.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return Classify(err)
		}
		return nil
	}
	t := time.NewTimer(e.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Classify(ctx.Err())
	case <-t.C:
		return nil
	}
}
