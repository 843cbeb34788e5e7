// Package auth 提供密码散列、JWT 签发校验与请求身份提取。
// 认证凭证放在 HttpOnly cookie 中, 匿名身份用客户端持有的 anon_id cookie。
package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/eloquent/ragchat/types"
)

const (
	// CookieName 是认证 JWT 的 cookie 名。
	CookieName = "id_token"
	// AnonCookie 是匿名标识的 cookie 名。
	AnonCookie = "anon_id"
)

// Config 认证配置
type Config struct {
	// JWTSecret HS256 签名密钥, 生产环境必须强随机。
	JWTSecret string `yaml:"jwt_secret" json:"-"`

	// TokenTTL 令牌有效期。
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`

	// SecureCookies 为 true 时 cookie 仅经 HTTPS 传输;
	// 本地 http 开发时需关闭。
	SecureCookies bool `yaml:"secure_cookies" json:"secure_cookies"`
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{
		TokenTTL:      24 * time.Hour,
		SecureCookies: true,
	}
}

// Authenticator 签发与校验身份凭证。
type Authenticator struct {
	cfg    Config
	logger *zap.Logger
}

// New 创建 Authenticator。
func New(cfg Config, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultConfig().TokenTTL
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "auth")),
	}
}

// ===== 密码 =====

// HashPassword 用 bcrypt 散列密码。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword 校验明文密码与散列是否匹配。
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ===== JWT =====

// CreateToken 为用户签发 HS256 JWT, sub 为用户 ID。
func (a *Authenticator) CreateToken(userID string) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

// DecodeToken 校验 JWT 并返回用户 ID; 无效或过期返回错误。
func (a *Authenticator) DecodeToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(a.cfg.JWTSecret), nil
		})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// ===== 请求身份 =====

// IdentityFromRequest 从请求 cookie 提取调用者身份。
// 优先有效的 id_token（认证用户）, 回退 anon_id（匿名）,
// 两者皆无时返回空身份。
func (a *Authenticator) IdentityFromRequest(r *http.Request) types.Identity {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		if userID, err := a.DecodeToken(c.Value); err == nil {
			return types.UserIdentity(userID)
		}
		a.logger.Debug("invalid auth token cookie, falling back to anon")
	}
	if c, err := r.Cookie(AnonCookie); err == nil && c.Value != "" {
		return types.AnonIdentity(c.Value)
	}
	return types.NoIdentity()
}

// SetAuthCookie 在响应上设置认证 cookie。
func (a *Authenticator) SetAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(a.cfg.TokenTTL.Seconds()),
	})
}

// ClearAuthCookie 清除认证 cookie（登出）。
func (a *Authenticator) ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}
