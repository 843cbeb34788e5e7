// Package chat 实现聊天编排: 会话解析、轮次生命周期与流式事件序列。
package chat

import "github.com/eloquent/ragchat/types"

// EventName 是一次轮次内向调用方推送的事件名。
type EventName string

const (
	// EventOpen 立即发送以促使传输层尽早刷出响应头。
	EventOpen EventName = "open"
	// EventToken 携带一个文本片段。
	EventToken EventName = "token"
	// EventDone 是正常终局, 携带引用、用量与会话 ID。
	EventDone EventName = "done"
	// EventError 是错误终局, 携带人类可读消息。
	EventError EventName = "error"
)

// Event 是一次轮次事件。每轮恰好一个终局事件（done 或 error）,
// 终局之后不再有事件。
type Event struct {
	Name EventName
	Data any
}

// TokenPayload 是 token 事件的负载。
type TokenPayload struct {
	Token string `json:"token"`
}

// DonePayload 是 done 事件的负载。
type DonePayload struct {
	Citations []types.Citation `json:"citations"`
	Usage     types.Usage      `json:"usage"`
	SessionID string           `json:"session_id"`
}

// ErrorPayload 是 error 事件的负载。
type ErrorPayload struct {
	Message string `json:"message"`
}
