package store

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eloquent/ragchat/types"
)

const (
	// DefaultSessionLimit 是会话列表的默认页大小。
	DefaultSessionLimit = 50
	// MaxPageLimit 是任何列表操作的页大小硬上限。
	MaxPageLimit = 200
	// DefaultMessageLimit 是消息列表的默认页大小。
	DefaultMessageLimit = 50
)

// Store 封装所有 CRUD 操作。每个操作是一个独立事务;
// 会话是只追加日志, 软删除幂等, 因此无需跨调用锁。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New 创建 Store 并迁移表结构。
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&User{}, &Session{}, &Message{}); err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// ===== 用户 =====

// CreateUser 创建新用户; 邮箱唯一冲突时返回 Validation 错误。
func (s *Store) CreateUser(ctx context.Context, email, hashedPassword string) (*User, error) {
	user := &User{Email: email, HashedPassword: hashedPassword}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, types.NewError(types.ErrValidation, "email already registered").
				WithHTTPStatus(http.StatusConflict)
		}
		return nil, err
	}
	return user, nil
}

// GetUserByEmail 按邮箱查找用户。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "user not found").
			WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser 按 ID 查找用户。
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "user not found").
			WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ===== 会话 =====

// CreateSession 为给定所有者创建会话。所有者必须是用户或匿名身份。
func (s *Store) CreateSession(ctx context.Context, owner types.Identity, title string) (*Session, error) {
	sess := &Session{}
	switch owner.Kind {
	case types.IdentityUser:
		uid := owner.UserID
		sess.UserID = &uid
	case types.IdentityAnon:
		aid := owner.AnonID
		sess.AnonID = &aid
	default:
		return nil, types.NewError(types.ErrUnauthenticated, "no identity for session owner").
			WithHTTPStatus(http.StatusUnauthorized)
	}
	if title != "" {
		sess.Title = &title
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession 按 ID 获取会话, 不做所有权检查（调用方负责）。
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "session not found").
			WithHTTPStatus(http.StatusNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetOrCreateAnonSession 复用该匿名标识最近创建的未删除会话,
// 不存在时创建新会话（幂等 get-or-create）。
func (s *Store) GetOrCreateAnonSession(ctx context.Context, anonID string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("anon_id = ? AND deleted_at IS NULL", anonID).
		Order("created_at DESC, id DESC").
		First(&sess).Error
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.CreateSession(ctx, types.AnonIdentity(anonID), "")
}

// ListSessions 按创建时间倒序返回所有者的会话, 排除软删除。
func (s *Store) ListSessions(ctx context.Context, owner types.Identity, limit int) ([]Session, error) {
	limit = clampLimit(limit, DefaultSessionLimit)

	q := s.db.WithContext(ctx).Where("deleted_at IS NULL")
	switch owner.Kind {
	case types.IdentityUser:
		q = q.Where("user_id = ?", owner.UserID)
	case types.IdentityAnon:
		q = q.Where("anon_id = ?", owner.AnonID)
	default:
		return nil, types.NewError(types.ErrUnauthenticated, "no identity").
			WithHTTPStatus(http.StatusUnauthorized)
	}

	var sessions []Session
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// SoftDeleteSession 设置删除标记。会话不存在或已删除时为无操作。
func (s *Store) SoftDeleteSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", now).Error
}

// UpdateSessionTitle 更新会话标题并返回更新后的会话。
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) (*Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Title = &title
	if err := s.db.WithContext(ctx).Model(sess).Update("title", title).Error; err != nil {
		return nil, err
	}
	return sess, nil
}

// ===== 消息 =====

// AppendMessage 向会话追加一条消息。
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role types.Role, content string, tokensIn, tokensOut int) (*Message, error) {
	msg := &Message{
		SessionID: sessionID,
		Role:      string(role),
		Content:   content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages 返回会话消息的最新优先分页。
// before 非空时只返回严格早于该时间的消息（向后翻页游标）。
// 软删除会话对读者返回空序列, 底层数据保留。
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int, before *time.Time) ([]Message, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Deleted() {
		return []Message{}, nil
	}

	limit = clampLimit(limit, DefaultMessageLimit)
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var messages []Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// ListRecentMessages 按时间顺序返回会话最近的 window 条消息,
// 用于组装对话上下文窗口。
func (s *Store) ListRecentMessages(ctx context.Context, sessionID string, window int) ([]Message, error) {
	if window <= 0 {
		window = DefaultMessageLimit
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(window).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// 倒序查询取最近 window 条, 再反转回时间顺序。
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
