package rag

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/eloquent/ragchat/types"
)

const (
	// DefaultTopK 是每个子句向索引请求的候选数。
	DefaultTopK = 10

	// perClauseKeep 是每个子句保留的候选上限, 为下游多样化留出空间。
	perClauseKeep = 5
)

// Embedder 将文本映射为固定维度向量。
type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
}

// RetrievalMetrics 上报每次检索的子句数与选中数。
type RetrievalMetrics interface {
	ObserveRetrieval(clauses, selected int)
}

// Retriever 实现多意图检索: 类别软过滤、无过滤回退、
// 跨子句去重和公平选择。
type Retriever struct {
	index    VectorIndex
	embedder Embedder
	logger   *zap.Logger
	metrics  RetrievalMetrics
	topK     int
}

// RetrieverOption 定制 Retriever。
type RetrieverOption func(*Retriever)

// WithTopK 覆盖每子句的索引检索数。
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithRetrievalMetrics 挂接检索指标上报。
func WithRetrievalMetrics(m RetrievalMetrics) RetrieverOption {
	return func(r *Retriever) {
		r.metrics = m
	}
}

// NewRetriever 创建检索选择器。
func NewRetriever(index VectorIndex, embedder Embedder, logger *zap.Logger, opts ...RetrieverOption) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retriever{
		index:    index,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "retriever")),
		topK:     DefaultTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// clauseCandidate 把候选文档与其来源子句序号绑定。
type clauseCandidate struct {
	clauseIdx int
	doc       types.Document
}

// Select 对查询执行多意图检索, 返回至多 finalK 个去重后的文档。
//
// 每个子句:
//  1. 嵌入子句文本。
//  2. 猜测类别; 恰好一个类别命中时构造等值过滤, 否则不过滤。
//  3. 以 topK=10 查询索引; 过滤结果为空时无过滤重试一次。
//  4. 保留该子句得分最高的至多 5 个候选。
//
// 跨子句合并: 按文档 ID 去重, 保留得分较高的出现。
// 公平选择: 按子句原始顺序, 每个子句先占一个最优席位,
// 剩余名额按全局得分填充。
func (r *Retriever) Select(ctx context.Context, query string, finalK int) ([]types.Document, error) {
	if finalK < 1 {
		finalK = 1
	}

	clauses := Decompose(query)
	var bucketed []clauseCandidate

	for idx, clause := range clauses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 单个子句的嵌入或索引失败不终止整轮检索:
		// 该子句不贡献候选, 全部失败时返回空集而不是错误。
		emb, err := r.embedder.EmbedQuery(ctx, clause)
		if err != nil {
			r.logger.Warn("clause embedding failed",
				zap.Int("index", idx), zap.Error(err))
			continue
		}

		cats := GuessCategories(clause)
		category := ""
		if len(cats) == 1 {
			for only := range cats {
				category = only
			}
		}
		r.logger.Debug("retrieve clause",
			zap.Int("index", idx),
			zap.String("clause", truncate(clause, 120)),
			zap.String("category", category))

		docs, err := r.index.Query(ctx, IndexQuery{Vector: emb, TopK: r.topK, Category: category})
		if err != nil {
			r.logger.Warn("clause index query failed",
				zap.Int("index", idx), zap.Error(err))
			continue
		}
		if len(docs) == 0 && category != "" {
			// 过滤过严时无过滤重试。
			docs, err = r.index.Query(ctx, IndexQuery{Vector: emb, TopK: r.topK})
			if err != nil {
				r.logger.Warn("unfiltered retry failed",
					zap.Int("index", idx), zap.Error(err))
				continue
			}
		}

		keep := len(docs)
		if keep > perClauseKeep {
			keep = perClauseKeep
		}
		for _, d := range docs[:keep] {
			bucketed = append(bucketed, clauseCandidate{clauseIdx: idx, doc: d})
		}
	}

	if len(bucketed) == 0 {
		r.observe(len(clauses), 0)
		return []types.Document{}, nil
	}

	// 按 ID 去重, 保留得分最高的出现。
	byID := make(map[string]clauseCandidate)
	for _, c := range bucketed {
		existing, ok := byID[c.doc.ID]
		if !ok || c.doc.Score > existing.doc.Score {
			byID[c.doc.ID] = c
		}
	}

	// 稳定排序: 得分降序, 同分按 ID 保证确定性。
	pool := make([]clauseCandidate, 0, len(byID))
	for _, c := range byID {
		pool = append(pool, c)
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].doc.Score != pool[j].doc.Score {
			return pool[i].doc.Score > pool[j].doc.Score
		}
		return pool[i].doc.ID < pool[j].doc.ID
	})

	selected := make([]types.Document, 0, finalK)
	seen := make(map[string]struct{})

	// 公平选择: 每个子句先占一个最优席位。
	for i := range clauses {
		for _, c := range pool {
			if c.clauseIdx != i {
				continue
			}
			if _, dup := seen[c.doc.ID]; dup {
				continue
			}
			selected = append(selected, c.doc)
			seen[c.doc.ID] = struct{}{}
			break
		}
	}

	// 剩余名额按全局得分填充。
	for _, c := range pool {
		if len(selected) >= finalK {
			break
		}
		if _, dup := seen[c.doc.ID]; dup {
			continue
		}
		selected = append(selected, c.doc)
		seen[c.doc.ID] = struct{}{}
	}

	if len(selected) > finalK {
		selected = selected[:finalK]
	}

	r.logger.Debug("retrieve selected",
		zap.String("query", truncate(query, 120)),
		zap.Int("clauses", len(clauses)),
		zap.Int("selected", len(selected)))
	r.observe(len(clauses), len(selected))
	return selected, nil
}

func (r *Retriever) observe(clauses, selected int) {
	if r.metrics != nil {
		r.metrics.ObserveRetrieval(clauses, selected)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
