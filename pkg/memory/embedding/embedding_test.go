package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHash(32)
	a, err := p.Embed(context.Background(), []string{"hello", "hello", "world"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1], "equal texts embed identically")
	assert.NotEqual(t, a[0], a[2])
	assert.Len(t, a[0], 32)
}

// countingProvider counts inner Embed calls.
type countingProvider struct {
	inner Provider
	calls int
}

func (c *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, texts)
}

func (c *countingProvider) Dimensions() int { return c.inner.Dimensions() }

func TestCachedServesHitsWithoutInnerCall(t *testing.T) {
	counting := &countingProvider{inner: NewHash(16)}
	cached, err := NewCached(counting, 8)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, counting.calls)

	// Full hit: no inner call.
	second, err := cached.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, counting.calls)
	assert.Equal(t, first, second)

	// Partial hit: one inner call with only the miss.
	_, err = cached.Embed(ctx, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, counting.calls)
}

func TestCachedPurge(t *testing.T) {
	counting := &countingProvider{inner: NewHash(16)}
	cached, err := NewCached(counting, 8)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	cached.Purge("a")
	_, err = cached.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, counting.calls, "purged entry re-embeds")
}

// errProvider always fails.
type errProvider struct{}

func (errProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("boom")
}
func (errProvider) Dimensions() int { return 4 }

func TestCachedPropagatesErrors(t *testing.T) {
	cached, err := NewCached(errProvider{}, 4)
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), []string{"x"})
	assert.Error(t, err)
}
