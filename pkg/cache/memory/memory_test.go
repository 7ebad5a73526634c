package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/weave/pkg/models"
)

func TestSimpleCache(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "b", models.CacheEntry{Data: []byte(`"two"`)}))
	require.NoError(t, c.Set(ctx, "a", models.CacheEntry{Data: []byte(`"one"`)}))

	e, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", e.Key)
	assert.JSONEq(t, `"one"`, string(e.Data))

	keys, err := c.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, c.Delete(ctx, "a"))
	require.NoError(t, c.Delete(ctx, "a"))
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Clear(ctx))
	assert.Zero(t, c.Len())
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	c := New()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seen := created.Add(time.Minute)

	ok, err := c.Touch(ctx, "k", created, seen)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", models.CacheEntry{
		Data:     []byte(`1`),
		Metadata: models.CacheMetadata{CreatedAt: created},
	}))

	ok, err = c.Touch(ctx, "k", created.Add(-time.Second), seen)
	require.NoError(t, err)
	assert.False(t, ok, "stale createdAt")

	ok, err = c.Touch(ctx, "k", created, seen)
	require.NoError(t, err)
	assert.True(t, ok)

	e, _, _ := c.Get(ctx, "k")
	assert.Equal(t, int64(1), e.Metadata.HitCount)
	assert.Equal(t, seen, e.Metadata.LastAccessedAt)
	assert.JSONEq(t, `1`, string(e.Data))
}
