// Package llm 定义统一的聊天补全接口与流式数据类型。
package llm

import (
	"context"
	"time"

	"github.com/eloquent/ragchat/types"
)

// ChatRequest 聊天补全请求。
type ChatRequest struct {
	TraceID     string          `json:"trace_id,omitempty"`
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	TopP        float32         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

// ChatUsage 上游返回的 Token 用量。
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatChoice 单个候选回复。
type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

// ChatResponse 非流式补全的完整响应。
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk 流式补全的增量片段。最后一个 chunk 可携带 Usage；
// Err 非空表示流在该点失败，之后不会再有数据。
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Index        int          `json:"index,omitempty"`
	Delta        string       `json:"delta"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *ChatUsage   `json:"usage,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义统一的 LLM 适配接口。
// Stream 返回的通道由实现方负责关闭；调用方通过 ctx 取消即可放弃拉取，
// 实现方必须在 ctx 取消后停止向通道发送并退出。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应。
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck 执行轻量级健康检查，返回延迟与可用性信息。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识。
	Name() string
}
