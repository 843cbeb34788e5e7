package rag

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/eloquent/ragchat/types"
)

// IndexQuery 是一次稠密检索请求。
type IndexQuery struct {
	Vector []float64
	TopK   int

	// Category 非空时按元数据 category 等值过滤。
	Category string
}

// VectorIndex 抽象一个排序近邻检索服务。
// 实现必须按相似度降序返回至多 TopK 个文档;
// 零命中返回空切片而不是错误。
type VectorIndex interface {
	Query(ctx context.Context, q IndexQuery) ([]types.Document, error)
}

// IndexedDocument 是写入索引的一条记录。
type IndexedDocument struct {
	ID        string
	Text      string
	Category  string
	Embedding []float64
}

// MemoryIndex 是 VectorIndex 的进程内余弦相似度实现,
// 用于测试和无外部索引的本地运行。
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []IndexedDocument
}

// NewMemoryIndex 创建空的内存索引。
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Upsert 插入或按 ID 替换文档。
func (m *MemoryIndex) Upsert(docs ...IndexedDocument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		replaced := false
		for i := range m.docs {
			if m.docs[i].ID == d.ID {
				m.docs[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			m.docs = append(m.docs, d)
		}
	}
}

// Len 返回索引中的文档数。
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryIndex) Query(_ context.Context, q IndexQuery) ([]types.Document, error) {
	if q.TopK <= 0 || len(q.Vector) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	scored := make([]types.Document, 0, len(m.docs))
	for _, d := range m.docs {
		if q.Category != "" && d.Category != q.Category {
			continue
		}
		scored = append(scored, types.Document{
			ID:       d.ID,
			Text:     d.Text,
			Score:    cosineSimilarity(q.Vector, d.Embedding),
			Category: d.Category,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > q.TopK {
		scored = scored[:q.TopK]
	}
	return scored, nil
}

// cosineSimilarity 计算两个向量的余弦相似度。
// 维度不匹配或零向量返回 0。
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
