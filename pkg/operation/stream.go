package operation

import (
	"context"
	"errors"
	"strings"

	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/pario-ai/weave/pkg/router"
	"github.com/pario-ai/weave/pkg/stream"
)

// GenerateStream starts a streamed generation and returns its handler at
// once. The handler id is the operation id. Chunks arrive through the
// handler's subscribers and pausing the handler blocks the producer. Once a
// route has emitted output it is neither retried nor replaced by a
// fallback. Cancelling the handler cancels the provider call.
func (e *Executor) GenerateStream(ctx context.Context, req Request) (*stream.Handler, error) {
	op := e.begin(KindGenerate, req, req.Prompt, req.Options)
	op.streamed = true

	h, err := e.streams.CreateWithID(op.id)
	if err != nil {
		perr := provider.New(provider.KindInvalidRequest, "create stream", err)
		if errors.Is(err, stream.ErrTooManyStreams) {
			perr = provider.New(provider.KindRateLimit, "too many concurrent streams", err)
		}
		e.fail(op, "", perr)
		return nil, perr
	}
	h.Start()

	go e.produce(ctx, op, h)
	return h, nil
}

func (e *Executor) produce(parent context.Context, op *operation, h *stream.Handler) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if res, ok := e.cached(ctx, op); ok {
		if err := h.EmitChunk(ctx, res.Text); err != nil {
			e.abort(op, h, "", err)
			return
		}
		_ = h.EmitComplete()
		return
	}

	if _, perr := e.checkBudget(ctx, op); perr != nil {
		e.abort(op, h, "", perr)
		return
	}

	req := op.req
	var pl payload
	route, err := e.router.Execute(ctx, req.Model, e.preferred(), func(ctx context.Context, p provider.Provider, rt router.Route) error {
		opts := req.Options
		if rt.Model != "" {
			opts.Model = rt.Model
		}
		out, err := generateStream(ctx, p, h, req.Prompt, opts)
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
		e.abort(op, h, route.Provider.Name, err)
		return
	}

	e.finish(ctx, op, pl)
	if err := h.EmitComplete(); err != nil {
		op.logger.Debug().Err(err).Msg("stream closed before completion")
	}
}

// generateStream runs one route attempt. Providers without native streaming
// deliver their whole answer as a single chunk.
func generateStream(ctx context.Context, p provider.Provider, h *stream.Handler, prompt string, opts provider.Options) (payload, error) {
	var (
		b       strings.Builder
		emitted bool
	)
	emit := func(chunk string) error {
		if err := h.EmitChunk(ctx, chunk); err != nil {
			return router.Stop(emitError(h, err))
		}
		emitted = true
		b.WriteString(chunk)
		return nil
	}

	s, ok := p.(provider.Streamer)
	if !ok {
		res, err := p.Generate(ctx, prompt, opts)
		if err != nil {
			return payload{}, err
		}
		if err := emit(res.Text); err != nil {
			return payload{}, err
		}
		return payload{Text: res.Text, TokenCount: res.TokenCount, FinishReason: res.FinishReason}, nil
	}

	res, err := s.GenerateStream(ctx, prompt, opts, emit)
	if err != nil {
		if emitted {
			return payload{}, router.Stop(err)
		}
		return payload{}, err
	}
	return payload{Text: b.String(), TokenCount: res.TokenCount, FinishReason: res.FinishReason}, nil
}

// emitError maps a failed emit to a provider error.
func emitError(h *stream.Handler, err error) error {
	if cancelled(h, err) {
		return provider.New(provider.KindCancelled, "stream cancelled", err)
	}
	return provider.New(provider.KindInvalidRequest, "emit chunk", err)
}

func cancelled(h *stream.Handler, err error) bool {
	return errors.Is(err, stream.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		h.State().Status == models.StreamCancelled
}

// abort audits a failed stream and ends it as errored. A cancelled stream is
// left as it is.
func (e *Executor) abort(op *operation, h *stream.Handler, providerName string, err error) {
	perr := provider.Classify(err)
	if perr.Kind != provider.KindCancelled && cancelled(h, err) {
		perr = provider.New(provider.KindCancelled, "stream cancelled", err)
	}
	e.fail(op, providerName, perr)
	if perr.Kind == provider.KindCancelled {
		h.Cancel()
		return
	}
	_ = h.EmitError(perr, false)
}
