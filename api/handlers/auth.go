package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/eloquent/ragchat/api"
	"github.com/eloquent/ragchat/internal/auth"
	"github.com/eloquent/ragchat/store"
	"github.com/eloquent/ragchat/types"
)

// =============================================================================
// 🔐 认证接口 Handler
// =============================================================================

// AuthHandler 注册/登录/登出/whoami 处理器。
// 凭证通过 HttpOnly cookie 往返, 响应体只携带 {"ok": true}。
type AuthHandler struct {
	store  *store.Store
	auth   *auth.Authenticator
	logger *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(st *store.Store, authn *auth.Authenticator, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		store:  st,
		auth:   authn,
		logger: logger.With(zap.String("component", "auth_handler")),
	}
}

// HandleRegister 处理 POST /auth/register:
// 创建用户、签发 JWT 并设置认证 cookie。
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in api.RegisterIn
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || in.Password == "" {
		WriteError(w, types.NewError(types.ErrValidation, "email and password are required"), h.logger)
		return
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	user, err := h.store.CreateUser(r.Context(), in.Email, hash)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	if err := h.issueCookie(w, user.ID); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	h.logger.Info("user registered", zap.String("user_id", user.ID))
	WriteJSON(w, http.StatusOK, api.OKOut{OK: true})
}

// HandleLogin 处理 POST /auth/login。
// 邮箱不存在与密码错误返回同一 401, 不泄露账户存在性。
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in api.LoginIn
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))

	user, err := h.store.GetUserByEmail(r.Context(), in.Email)
	if err != nil || !auth.VerifyPassword(in.Password, user.HashedPassword) {
		WriteError(w, types.NewError(types.ErrUnauthenticated, "invalid credentials").
			WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}

	if err := h.issueCookie(w, user.ID); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, api.OKOut{OK: true})
}

// HandleLogout 处理 POST /auth/logout: 清除认证 cookie。
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.auth.ClearAuthCookie(w)
	WriteJSON(w, http.StatusOK, api.OKOut{OK: true})
}

// HandleWhoami 处理 GET /auth/whoami: 返回当前身份。
func (h *AuthHandler) HandleWhoami(w http.ResponseWriter, r *http.Request) {
	identity := h.auth.IdentityFromRequest(r)
	out := api.WhoamiOut{}
	switch identity.Kind {
	case types.IdentityUser:
		out.UserID = &identity.UserID
	case types.IdentityAnon:
		out.AnonID = &identity.AnonID
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *AuthHandler) issueCookie(w http.ResponseWriter, userID string) error {
	token, err := h.auth.CreateToken(userID)
	if err != nil {
		return err
	}
	h.auth.SetAuthCookie(w, token)
	return nil
}
