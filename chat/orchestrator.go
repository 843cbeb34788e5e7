package chat

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/eloquent/ragchat/llm"
	"github.com/eloquent/ragchat/llm/tokenizer"
	"github.com/eloquent/ragchat/rag"
	"github.com/eloquent/ragchat/store"
	"github.com/eloquent/ragchat/types"
)

const (
	// MaxContextMessages 是上下文窗口的消息条数。
	MaxContextMessages = 12
	// FinalContextK 是每轮选入提示的文档数。
	FinalContextK = 4
	// MaxMessageLen 是入站消息的最大字符数, 超长在任何持久化前拒绝。
	MaxMessageLen = 2000

	// fallbackQuestion 在窗口内找不到用户消息时使用。
	fallbackQuestion = "Respond helpfully based on the context."
)

// Selector 计算一轮的上下文文档。
type Selector interface {
	Select(ctx context.Context, query string, finalK int) ([]types.Document, error)
}

// Conversations 是编排器消费的持久化契约。
type Conversations interface {
	CreateSession(ctx context.Context, owner types.Identity, title string) (*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetOrCreateAnonSession(ctx context.Context, anonID string) (*store.Session, error)
	AppendMessage(ctx context.Context, sessionID string, role types.Role, content string, tokensIn, tokensOut int) (*store.Message, error)
	ListRecentMessages(ctx context.Context, sessionID string, window int) ([]store.Message, error)
}

// Config 配置聊天编排器。
type Config struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`

	// PersistPartialOnError 控制流错误后是否持久化已累积的部分回答。
	// 默认关闭: 错误路径从不持久化, 调用方必须把 error 事件
	// 理解为"这一轮未被保存"。
	PersistPartialOnError bool `yaml:"persist_partial_on_error" json:"persist_partial_on_error"`
}

// DefaultConfig 返回默认编排配置。
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
	}
}

// Orchestrator 驱动一轮聊天: 解析会话、持久化入站消息、
// 检索上下文、组装提示、转发流式片段并在正常完成时持久化助手回答。
type Orchestrator struct {
	store    Conversations
	selector Selector
	provider llm.Provider
	logger   *zap.Logger
	cfg      Config
}

// NewOrchestrator 创建聊天编排器。
func NewOrchestrator(conv Conversations, selector Selector, provider llm.Provider, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultConfig().Temperature
	}
	return &Orchestrator{
		store:    conv,
		selector: selector,
		provider: provider,
		logger:   logger.With(zap.String("component", "chat_orchestrator")),
		cfg:      cfg,
	}
}

// errSessionDenied 对"会话不存在"与"会话不属于调用者"返回同一错误,
// 避免向未授权身份泄露存在性。
func errSessionDenied() *types.Error {
	return types.NewError(types.ErrForbidden, "session not found").
		WithHTTPStatus(http.StatusForbidden)
}

// ResolveSession 按调用者身份和可选的会话 ID 解析出本轮会话。
//
//   - 已认证 + 无会话 ID: 为该用户创建新会话。
//   - 已认证 + 有会话 ID: 取会话; 不存在或不属于该用户时拒绝。
//   - 匿名 + 无会话 ID: 复用该匿名标识最近的会话, 没有则创建。
//   - 匿名 + 有会话 ID: 取会话; 不存在或匿名所有者不匹配时拒绝。
//   - 无身份: 在任何持久化发生前以未认证失败。
func (o *Orchestrator) ResolveSession(ctx context.Context, identity types.Identity, sessionID string) (*store.Session, error) {
	switch identity.Kind {
	case types.IdentityUser:
		if sessionID == "" {
			return o.store.CreateSession(ctx, identity, "")
		}
		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil || !sess.BelongsTo(identity) {
			return nil, errSessionDenied()
		}
		return sess, nil

	case types.IdentityAnon:
		if sessionID == "" {
			return o.store.GetOrCreateAnonSession(ctx, identity.AnonID)
		}
		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil || !sess.BelongsTo(identity) {
			return nil, errSessionDenied()
		}
		return sess, nil

	default:
		return nil, types.NewError(types.ErrUnauthenticated, "no usable identity").
			WithHTTPStatus(http.StatusUnauthorized)
	}
}

// TurnRequest 是一次聊天轮次的输入。
type TurnRequest struct {
	Identity  types.Identity
	SessionID string // 可选
	Message   string
}

// StreamTurn 执行一轮聊天。
//
// 解析与校验错误在打开流之前同步返回; 返回的通道随后产生
// open、零或多个 token、以及恰好一个终局事件（done 或 error）,
// 之后关闭。片段到达即转发, 缓冲区是最终持久化助手消息的唯一来源。
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	message := req.Message
	if strings.TrimSpace(message) == "" {
		return nil, types.NewError(types.ErrValidation, "message must not be empty").
			WithHTTPStatus(http.StatusUnprocessableEntity)
	}
	if utf8.RuneCountInString(message) > MaxMessageLen {
		return nil, types.NewError(types.ErrValidation, "message too long").
			WithHTTPStatus(http.StatusUnprocessableEntity)
	}

	sess, err := o.ResolveSession(ctx, req.Identity, req.SessionID)
	if err != nil {
		return nil, err
	}

	// 入站消息在检索之前持久化, 流中途崩溃不丢失用户输入。
	if _, err := o.store.AppendMessage(ctx, sess.ID, types.RoleUser, message,
		o.countTokens(message), 0); err != nil {
		return nil, err
	}

	events := make(chan Event)
	go o.runTurn(ctx, sess.ID, events)
	return events, nil
}

// runTurn 驱动检索、提示组装与流式转发, 结束后关闭事件通道。
func (o *Orchestrator) runTurn(ctx context.Context, sessionID string, events chan<- Event) {
	defer close(events)

	if !o.emit(ctx, events, Event{Name: EventOpen, Data: "ok"}) {
		return
	}

	history, userQ, err := o.buildContextWindow(ctx, sessionID)
	if err != nil {
		o.fail(ctx, events, err)
		return
	}

	// 检索失败优雅降级为空文档集, 助手仍尝试不带引用地回答。
	docs, err := o.selector.Select(ctx, userQ, FinalContextK)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("retrieval failed, continuing without context", zap.Error(err))
		docs = nil
	}
	citations := make([]types.Citation, 0, len(docs))
	for i, d := range docs {
		citations = append(citations, d.ToCitation(i+1))
	}

	messages := rag.BuildMessages(history, userQ, docs)

	promptTokens := 0
	for _, m := range messages {
		promptTokens += o.countTokens(m.Content)
	}

	chunks, err := o.provider.Stream(ctx, &llm.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		o.fail(ctx, events, err)
		return
	}

	var buffer strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			o.persistPartial(sessionID, buffer.String(), promptTokens)
			o.fail(ctx, events, chunk.Err)
			return
		}
		if chunk.Delta == "" {
			continue
		}
		buffer.WriteString(chunk.Delta)
		if !o.emit(ctx, events, Event{Name: EventToken, Data: TokenPayload{Token: chunk.Delta}}) {
			// 调用方断开: 放弃本轮, 不持久化助手消息。
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	// 仅正常完成路径持久化: 拼接并修剪缓冲区, 非空才写入。
	usage := types.Usage{TokensIn: promptTokens, TokensOut: o.countTokens(buffer.String())}
	assistantText := strings.TrimSpace(buffer.String())
	if assistantText != "" {
		if _, err := o.store.AppendMessage(context.WithoutCancel(ctx), sessionID,
			types.RoleAssistant, assistantText, usage.TokensIn, usage.TokensOut); err != nil {
			o.fail(ctx, events, err)
			return
		}
	}

	o.emit(ctx, events, Event{Name: EventDone, Data: DonePayload{
		Citations: citations,
		Usage:     usage,
		SessionID: sessionID,
	}})
}

// buildContextWindow 读取最近消息, 返回 user/assistant 历史
// 与最新的用户问题。
func (o *Orchestrator) buildContextWindow(ctx context.Context, sessionID string) ([]types.Message, string, error) {
	rows, err := o.store.ListRecentMessages(ctx, sessionID, MaxContextMessages)
	if err != nil {
		return nil, "", err
	}

	history := make([]types.Message, 0, len(rows))
	latestUser := ""
	for _, r := range rows {
		switch types.Role(r.Role) {
		case types.RoleUser:
			latestUser = r.Content
			history = append(history, types.NewUserMessage(r.Content))
		case types.RoleAssistant:
			history = append(history, types.NewAssistantMessage(r.Content))
		}
	}
	if latestUser == "" {
		latestUser = fallbackQuestion
	}
	return history, latestUser, nil
}

// persistPartial 在流错误后按配置持久化部分回答。
func (o *Orchestrator) persistPartial(sessionID, buffered string, promptTokens int) {
	if !o.cfg.PersistPartialOnError {
		return
	}
	text := strings.TrimSpace(buffered)
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.store.AppendMessage(ctx, sessionID, types.RoleAssistant,
		text, promptTokens, o.countTokens(text)); err != nil {
		o.logger.Warn("persist partial answer failed", zap.Error(err))
	}
}

// emit 发送事件, 调用方上下文取消时返回 false。
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail 发送错误终局事件。
func (o *Orchestrator) fail(ctx context.Context, events chan<- Event, err error) {
	o.logger.Warn("chat turn failed", zap.Error(err))
	msg := "internal error"
	if e, ok := err.(*types.Error); ok {
		msg = e.Message
	} else if err != nil {
		msg = err.Error()
	}
	o.emit(ctx, events, Event{Name: EventError, Data: ErrorPayload{Message: msg}})
}

// countTokens 用配置模型的分词器计数, 分词数据不可用时回退估计器。
func (o *Orchestrator) countTokens(text string) int {
	tok := tokenizer.GetTokenizerOrEstimator(o.cfg.Model)
	n, err := tok.CountTokens(text)
	if err != nil {
		n, _ = tokenizer.NewEstimatorTokenizer(o.cfg.Model).CountTokens(text)
	}
	return n
}
