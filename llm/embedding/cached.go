package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// QueryCache 是查询向量缓存的最小接口。
type QueryCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CacheMetrics 上报缓存命中情况。
type CacheMetrics interface {
	EmbeddingCacheHit()
	EmbeddingCacheMiss()
}

// CachedProvider 用缓存包装嵌入提供者。
// 只缓存查询路径（EmbedQuery）: 同一问题重复出现时省掉一次上游调用。
// 缓存故障只记日志, 不影响嵌入结果。
type CachedProvider struct {
	Provider

	cache   QueryCache
	ttl     time.Duration
	metrics CacheMetrics
	logger  *zap.Logger
}

// NewCachedProvider 包装 provider; cache 为 nil 时原样返回底层行为。
func NewCachedProvider(p Provider, cache QueryCache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		Provider: p,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "embedding_cache")),
	}
}

// WithMetrics 挂接命中率指标上报。
func (c *CachedProvider) WithMetrics(m CacheMetrics) *CachedProvider {
	c.metrics = m
	return c
}

// cacheKey 为 (提供者, 文本) 生成稳定键。
func (c *CachedProvider) cacheKey(query string) string {
	sum := sha256.Sum256([]byte(c.Provider.Name() + "\x00" + query))
	return "emb:" + hex.EncodeToString(sum[:])
}

func (c *CachedProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	if c.cache == nil {
		return c.Provider.EmbedQuery(ctx, query)
	}

	key := c.cacheKey(query)
	var cached []float64
	if err := c.cache.GetJSON(ctx, key, &cached); err == nil && len(cached) > 0 {
		if c.metrics != nil {
			c.metrics.EmbeddingCacheHit()
		}
		return cached, nil
	}
	if c.metrics != nil {
		c.metrics.EmbeddingCacheMiss()
	}

	vec, err := c.Provider.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetJSON(ctx, key, vec, c.ttl); err != nil {
		c.logger.Debug("embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}
