// Package store 提供会话、消息与用户的持久化层。
// 消息只追加, 会话软删除; 读取路径负责按删除标记过滤。
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/eloquent/ragchat/types"
)

// User 是注册用户。
type User struct {
	ID             string    `gorm:"type:char(36);primaryKey" json:"id"`
	Email          string    `gorm:"size:255;uniqueIndex" json:"email"`
	HashedPassword string    `gorm:"size:255" json:"-"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Session 是一个对话会话。UserID 与 AnonID 恰好一个非空,
// 所有权创建后不可变。DeletedAt 非空表示软删除。
type Session struct {
	ID        string     `gorm:"type:char(36);primaryKey" json:"id"`
	UserID    *string    `gorm:"type:char(36);index" json:"user_id,omitempty"`
	AnonID    *string    `gorm:"size:64;index" json:"anon_id,omitempty"`
	Title     *string    `gorm:"size:200" json:"title,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

// Message 属于恰好一个会话, 只追加, 从不单独编辑或删除。
// 按 (created_at, id) 排序以获得稳定分页。
type Message struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	SessionID string    `gorm:"type:char(36);index" json:"session_id"`
	Role      string    `gorm:"size:16" json:"role"`
	Content   string    `gorm:"type:text" json:"content"`
	TokensIn  int       `gorm:"default:0" json:"tokens_in"`
	TokensOut int       `gorm:"default:0" json:"tokens_out"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Deleted 报告会话是否已软删除。
func (s *Session) Deleted() bool {
	return s.DeletedAt != nil
}

// BelongsTo 报告会话是否归给定身份所有。
// 按身份变体穷举判断, 不依赖可选字段探测。
func (s *Session) BelongsTo(id types.Identity) bool {
	switch id.Kind {
	case types.IdentityUser:
		return s.UserID != nil && *s.UserID == id.UserID
	case types.IdentityAnon:
		return s.AnonID != nil && *s.AnonID == id.AnonID
	default:
		return false
	}
}
