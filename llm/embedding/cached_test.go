package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eloquent/ragchat/internal/cache"
)

type countingProvider struct {
	*BaseProvider
	calls int
	vec   []float64
}

func (p *countingProvider) Embed(context.Context, *EmbeddingRequest) (*EmbeddingResponse, error) {
	return nil, nil
}

func (p *countingProvider) EmbedQuery(context.Context, string) ([]float64, error) {
	p.calls++
	return p.vec, nil
}

func newCacheManager(t *testing.T) *cache.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := cache.DefaultConfig()
	cfg.Enabled = true
	cfg.Addr = mr.Addr()
	m, err := cache.NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCachedProviderHitSkipsUpstream(t *testing.T) {
	upstream := &countingProvider{
		BaseProvider: NewBaseProvider(BaseConfig{Name: "counting"}),
		vec:          []float64{0.1, 0.2},
	}
	p := NewCachedProvider(upstream, newCacheManager(t), time.Minute, nil)
	ctx := context.Background()

	v1, err := p.EmbedQuery(ctx, "what are the fees")
	require.NoError(t, err)
	v2, err := p.EmbedQuery(ctx, "what are the fees")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, upstream.calls)

	// 不同查询仍然回源。
	_, err = p.EmbedQuery(ctx, "different question")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls)
}

type countingMetrics struct {
	hits, misses int
}

func (m *countingMetrics) EmbeddingCacheHit()  { m.hits++ }
func (m *countingMetrics) EmbeddingCacheMiss() { m.misses++ }

func TestCachedProviderReportsMetrics(t *testing.T) {
	upstream := &countingProvider{
		BaseProvider: NewBaseProvider(BaseConfig{Name: "counting"}),
		vec:          []float64{0.5},
	}
	m := &countingMetrics{}
	p := NewCachedProvider(upstream, newCacheManager(t), time.Minute, nil).WithMetrics(m)
	ctx := context.Background()

	_, err := p.EmbedQuery(ctx, "fees")
	require.NoError(t, err)
	_, err = p.EmbedQuery(ctx, "fees")
	require.NoError(t, err)

	assert.Equal(t, 1, m.misses)
	assert.Equal(t, 1, m.hits)
}

func TestCachedProviderNilCachePassesThrough(t *testing.T) {
	upstream := &countingProvider{
		BaseProvider: NewBaseProvider(BaseConfig{Name: "counting"}),
		vec:          []float64{1},
	}
	p := NewCachedProvider(upstream, nil, time.Minute, nil)

	_, err := p.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	_, err = p.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls)
}
