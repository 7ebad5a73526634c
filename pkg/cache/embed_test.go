package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/weave/pkg/cache/memory"
)

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := HashEmbedder{}

	a, err := e.Embed(ctx, "The quick brown fox")
	require.NoError(t, err)
	assert.Len(t, a, DefaultDimensions)

	b, err := e.Embed(ctx, "the QUICK, brown fox!")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)

	c, err := e.Embed(ctx, "stock market report for tuesday")
	require.NoError(t, err)
	assert.Less(t, CosineSimilarity(a, c), 0.5)

	empty, err := e.Embed(ctx, "  ...  ")
	require.NoError(t, err)
	assert.Zero(t, CosineSimilarity(a, empty))
}

func TestHashEmbedderWordOrder(t *testing.T) {
	ctx := context.Background()
	e := HashEmbedder{}

	a, err := e.Embed(ctx, "dog bites man")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "man bites dog")
	require.NoError(t, err)
	assert.Less(t, CosineSimilarity(a, b), DefaultSimilarityThreshold)

	m := NewManager(memory.New(), WithSemantic(e, 0))
	require.NoError(t, m.Store(ctx, Key("ns", "man bites dog"), []byte(`"news"`), meta(0, 0)))
	assert.False(t, m.Query(ctx, Key("ns", "dog bites man")).Hit)
	assert.True(t, m.Query(ctx, Key("ns", "Man bites dog!")).Hit)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestKeys(t *testing.T) {
	ns := Namespace("classify", "gpt-4", []string{"a", "b"})
	assert.Equal(t, ns, Namespace("classify", "gpt-4", []string{"a", "b"}))
	assert.NotEqual(t, ns, Namespace("classify", "gpt-4", []string{"b", "a"}))

	gotNS, text := SplitKey(Key(ns, "x|y"))
	assert.Equal(t, ns, gotNS)
	assert.Equal(t, "x|y", text)

	gotNS, text = SplitKey("plain")
	assert.Empty(t, gotNS)
	assert.Equal(t, "plain", text)
}
