package api

// =============================================================================
// 📦 请求/响应 DTO
// =============================================================================

// ChatIn 是聊天接口的入站请求体。
// SessionID 为空时由服务端按身份解析或创建会话。
type ChatIn struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// RegisterIn 注册请求体
type RegisterIn struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginIn 登录请求体
type LoginIn struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// OKOut 简单成功响应
type OKOut struct {
	OK bool `json:"ok"`
}

// WhoamiOut 当前身份响应。已认证时只有 UserID,
// 匿名时只有 AnonID, 两者皆无表示无身份。
type WhoamiOut struct {
	UserID *string `json:"user_id,omitempty"`
	AnonID *string `json:"anon_id,omitempty"`
}

// SessionCreateIn 创建会话请求体
type SessionCreateIn struct {
	Title *string `json:"title,omitempty"`
}

// SessionUpdateIn 更新会话请求体
type SessionUpdateIn struct {
	Title *string `json:"title,omitempty"`
}
