package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eloquent/ragchat/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	s, err := New(db, nil)
	require.NoError(t, err)
	return s
}

// appendMessageAt 以显式时间戳插入消息, 便于确定性分页测试。
func appendMessageAt(t *testing.T, s *Store, sessionID string, role types.Role, content string, at time.Time) *Message {
	t.Helper()
	msg := &Message{
		SessionID: sessionID,
		Role:      string(role),
		Content:   content,
		CreatedAt: at,
	}
	require.NoError(t, s.db.Create(msg).Error)
	return msg
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "a@example.com", "hash")
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, "a@example.com", "hash2")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestCreateSessionOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("user-owned", func(t *testing.T) {
		sess, err := s.CreateSession(ctx, types.UserIdentity("user-1"), "my session")
		require.NoError(t, err)
		require.NotNil(t, sess.UserID)
		assert.Equal(t, "user-1", *sess.UserID)
		assert.Nil(t, sess.AnonID)
		require.NotNil(t, sess.Title)
		assert.Equal(t, "my session", *sess.Title)
	})

	t.Run("anon-owned", func(t *testing.T) {
		sess, err := s.CreateSession(ctx, types.AnonIdentity("anon-1"), "")
		require.NoError(t, err)
		require.NotNil(t, sess.AnonID)
		assert.Equal(t, "anon-1", *sess.AnonID)
		assert.Nil(t, sess.UserID)
		assert.Nil(t, sess.Title)
	})

	t.Run("no identity rejected", func(t *testing.T) {
		_, err := s.CreateSession(ctx, types.NoIdentity(), "")
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrUnauthenticated))
	})
}

func TestGetOrCreateAnonSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateAnonSession(ctx, "anon-7")
	require.NoError(t, err)

	second, err := s.GetOrCreateAnonSession(ctx, "anon-7")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// 不同匿名标识得到不同会话。
	other, err := s.GetOrCreateAnonSession(ctx, "anon-8")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestGetOrCreateAnonSessionSkipsDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateAnonSession(ctx, "anon-9")
	require.NoError(t, err)
	require.NoError(t, s.SoftDeleteSession(ctx, first.ID))

	second, err := s.GetOrCreateAnonSession(ctx, "anon-9")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestListSessionsExcludesDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := types.UserIdentity("user-2")

	a, err := s.CreateSession(ctx, owner, "a")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, owner, "b")
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteSession(ctx, a.ID))

	sessions, err := s.ListSessions(ctx, owner, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "b", *sessions[0].Title)
}

func TestSoftDeleteSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, types.AnonIdentity("anon-x"), "")
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteSession(ctx, sess.ID))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
	firstDeletedAt := *got.DeletedAt

	// 第二次删除是无操作, 删除时间不变。
	require.NoError(t, s.SoftDeleteSession(ctx, sess.ID))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.DeletedAt.Equal(firstDeletedAt))

	// 不存在的会话也不报错。
	require.NoError(t, s.SoftDeleteSession(ctx, "missing"))
}

func TestUpdateSessionTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, types.AnonIdentity("anon-t"), "A")
	require.NoError(t, err)

	updated, err := s.UpdateSessionTitle(ctx, sess.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", *updated.Title)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", *got.Title)
	// 其他字段不变。
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, *sess.AnonID, *got.AnonID)
	assert.Nil(t, got.DeletedAt)

	_, err = s.UpdateSessionTitle(ctx, "missing", "X")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestListMessagesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, types.AnonIdentity("anon-p"), "")
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		appendMessageAt(t, s, sess.ID, types.RoleUser, string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
	}

	// 第一页: 最新的两条。
	page1, err := s.ListMessages(ctx, sess.ID, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "e", page1[0].Content)
	assert.Equal(t, "d", page1[1].Content)

	// 用第一页最旧的时间戳做游标取下一页: 无重叠无缺口。
	cursor := page1[1].CreatedAt
	page2, err := s.ListMessages(ctx, sess.ID, 2, &cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c", page2[0].Content)
	assert.Equal(t, "b", page2[1].Content)
}

func TestListMessagesSoftDeletedSessionReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, types.AnonIdentity("anon-d"), "")
	require.NoError(t, err)
	appendMessageAt(t, s, sess.ID, types.RoleUser, "hello", time.Now().UTC())

	require.NoError(t, s.SoftDeleteSession(ctx, sess.ID))

	msgs, err := s.ListMessages(ctx, sess.ID, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// 底层行仍然存在（软删除不物理删除）。
	var count int64
	require.NoError(t, s.db.Model(&Message{}).Where("session_id = ?", sess.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestListRecentMessagesChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, types.AnonIdentity("anon-r"), "")
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		appendMessageAt(t, s, sess.ID, types.RoleUser, string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
	}

	// 窗口小于总数时取最近的, 按时间顺序返回。
	msgs, err := s.ListRecentMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", msgs[0].Content)
	assert.Equal(t, "d", msgs[1].Content)
}

func TestAppendMessageTokenCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, types.AnonIdentity("anon-m"), "")
	require.NoError(t, err)

	msg, err := s.AppendMessage(ctx, sess.ID, types.RoleAssistant, "answer", 42, 7)
	require.NoError(t, err)
	assert.Equal(t, string(types.RoleAssistant), msg.Role)
	assert.Equal(t, 42, msg.TokensIn)
	assert.Equal(t, 7, msg.TokensOut)
	assert.NotEmpty(t, msg.ID)
}
