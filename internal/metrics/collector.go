// Package metrics 提供服务指标收集与 /metrics 暴露。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。每个 Collector 持有独立的注册表,
// 测试可以并行创建而不会重复注册。
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 聊天轮次指标
	chatTurnsTotal    *prometheus.CounterVec
	chatTurnDuration  *prometheus.HistogramVec
	chatTokensStreamed prometheus.Counter

	// 检索指标
	retrievalDocsSelected prometheus.Histogram
	retrievalClauses      prometheus.Histogram

	// 嵌入缓存指标
	embeddingCacheHits   prometheus.Counter
	embeddingCacheMisses prometheus.Counter
}

// NewCollector 创建指标收集器
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{registry: registry}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.chatTurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Total number of chat turns by terminal event",
		},
		[]string{"terminal"},
	)

	c.chatTurnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_turn_duration_seconds",
			Help:      "Chat turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"terminal"},
	)

	c.chatTokensStreamed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_tokens_streamed_total",
			Help:      "Total number of token fragments streamed to callers",
		},
	)

	c.retrievalDocsSelected = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_docs_selected",
			Help:      "Number of documents selected per turn",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
	)

	c.retrievalClauses = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_clauses",
			Help:      "Number of clauses per decomposed query",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)

	c.embeddingCacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding cache hits",
		},
	)

	c.embeddingCacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding cache misses",
		},
	)

	return c
}

// Handler 返回 /metrics 的 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ===== 记录方法 =====

// ObserveHTTPRequest 记录一次 HTTP 请求
func (c *Collector) ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveChatTurn 记录一轮聊天, terminal 为 done 或 error
func (c *Collector) ObserveChatTurn(terminal string, duration time.Duration) {
	c.chatTurnsTotal.WithLabelValues(terminal).Inc()
	c.chatTurnDuration.WithLabelValues(terminal).Observe(duration.Seconds())
}

// AddTokensStreamed 累计转发给调用方的片段数
func (c *Collector) AddTokensStreamed(n int) {
	c.chatTokensStreamed.Add(float64(n))
}

// ObserveRetrieval 记录一次检索的子句数与选中文档数
func (c *Collector) ObserveRetrieval(clauses, selected int) {
	c.retrievalClauses.Observe(float64(clauses))
	c.retrievalDocsSelected.Observe(float64(selected))
}

// EmbeddingCacheHit 记录嵌入缓存命中
func (c *Collector) EmbeddingCacheHit() { c.embeddingCacheHits.Inc() }

// EmbeddingCacheMiss 记录嵌入缓存未命中
func (c *Collector) EmbeddingCacheMiss() { c.embeddingCacheMisses.Inc() }
