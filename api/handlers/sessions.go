package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eloquent/ragchat/api"
	"github.com/eloquent/ragchat/internal/auth"
	"github.com/eloquent/ragchat/store"
	"github.com/eloquent/ragchat/types"
)

// =============================================================================
// 🗂️ 会话接口 Handler
// =============================================================================

// SessionHandler 会话 CRUD 处理器。
// 所有按 ID 的操作先做所有权检查: 无身份 401、不存在 404、非所有者 403。
type SessionHandler struct {
	store  *store.Store
	auth   *auth.Authenticator
	logger *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(st *store.Store, authn *auth.Authenticator, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		store:  st,
		auth:   authn,
		logger: logger.With(zap.String("component", "session_handler")),
	}
}

// HandleCreate 处理 POST /sessions: 为当前身份创建新会话。
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	identity := h.auth.IdentityFromRequest(r)
	if !identity.IsPresent() {
		WriteError(w, types.NewError(types.ErrUnauthenticated, "unauthorized"), h.logger)
		return
	}

	var in api.SessionCreateIn
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}
	title := ""
	if in.Title != nil {
		title = *in.Title
	}

	sess, err := h.store.CreateSession(r.Context(), identity, title)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

// HandleList 处理 GET /sessions: 按创建时间倒序列出当前身份的会话。
// 无身份时返回空列表而非 401, 前端首屏无需先建立身份。
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identity := h.auth.IdentityFromRequest(r)
	if !identity.IsPresent() {
		WriteJSON(w, http.StatusOK, []store.Session{})
		return
	}

	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), identity, limit)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

// HandleMessages 处理 GET /sessions/{id}/messages:
// 最新优先分页, before 游标取更早的消息。软删除会话返回空列表。
func (h *SessionHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, types.NewError(types.ErrValidation, "before must be an RFC 3339 timestamp"), h.logger)
			return
		}
		before = &t
	}

	messages, err := h.store.ListMessages(r.Context(), sess.ID, limit, before)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	WriteJSON(w, http.StatusOK, messages)
}

// HandleDelete 处理 DELETE /sessions/{id}: 软删除, 幂等, 204。
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	if err := h.store.SoftDeleteSession(r.Context(), sess.ID); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdate 处理 PATCH /sessions/{id}: 更新标题。
func (h *SessionHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var in api.SessionUpdateIn
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}
	if in.Title == nil {
		WriteJSON(w, http.StatusOK, sess)
		return
	}

	updated, err := h.store.UpdateSessionTitle(r.Context(), sess.ID, *in.Title)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// ownedSession 解析路径中的会话并做所有权检查;
// 失败时已写出错误响应并返回 ok=false。
func (h *SessionHandler) ownedSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	identity := h.auth.IdentityFromRequest(r)
	if !identity.IsPresent() {
		WriteError(w, types.NewError(types.ErrUnauthenticated, "unauthorized"), h.logger)
		return nil, false
	}

	sess, err := h.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return nil, false
	}
	if !sess.BelongsTo(identity) {
		WriteError(w, types.NewError(types.ErrForbidden, "forbidden"), h.logger)
		return nil, false
	}
	return sess, true
}

// parseLimit 解析 limit 查询参数; 未提供时为 0, 由存储层取默认并夹紧上限。
func (h *SessionHandler) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		WriteError(w, types.NewError(types.ErrValidation, "limit must be a positive integer"), h.logger)
		return 0, false
	}
	return limit, true
}
