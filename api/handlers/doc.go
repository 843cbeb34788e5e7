// Package handlers 实现 HTTP 处理器: 认证、会话管理、
// SSE 聊天流与健康检查, 以及通用的 JSON/错误写出辅助。
package handlers
