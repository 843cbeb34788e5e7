package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eloquent/ragchat/llm"
	"github.com/eloquent/ragchat/store"
	"github.com/eloquent/ragchat/types"
)

// fakeSelector 返回固定文档集。
type fakeSelector struct {
	docs []types.Document
	err  error
}

func (f *fakeSelector) Select(_ context.Context, _ string, _ int) ([]types.Document, error) {
	return f.docs, f.err
}

// fakeProvider 按脚本回放流式片段。
type fakeProvider struct {
	chunks    []llm.StreamChunk
	streamErr error
}

func (f *fakeProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Stream(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range f.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	s, err := store.New(db, nil)
	require.NoError(t, err)
	return s
}

func newOrchestrator(t *testing.T, s *store.Store, sel Selector, p llm.Provider, cfg Config) *Orchestrator {
	t.Helper()
	return NewOrchestrator(s, sel, p, cfg, nil)
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func tokenChunks(deltas ...string) []llm.StreamChunk {
	chunks := make([]llm.StreamChunk, len(deltas))
	for i, d := range deltas {
		chunks[i] = llm.StreamChunk{Delta: d}
	}
	return chunks
}

func TestResolveSession(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticated without id creates new session", func(t *testing.T) {
		s := newTestStore(t)
		o := newOrchestrator(t, s, &fakeSelector{}, &fakeProvider{}, Config{})

		sess, err := o.ResolveSession(ctx, types.UserIdentity("user-1"), "")
		require.NoError(t, err)
		require.NotNil(t, sess.UserID)
		assert.Equal(t, "user-1", *sess.UserID)
	})

	t.Run("authenticated with foreign or missing id fails identically", func(t *testing.T) {
		s := newTestStore(t)
		o := newOrchestrator(t, s, &fakeSelector{}, &fakeProvider{}, Config{})

		other, err := s.CreateSession(ctx, types.UserIdentity("user-other"), "")
		require.NoError(t, err)

		_, errForeign := o.ResolveSession(ctx, types.UserIdentity("user-1"), other.ID)
		_, errMissing := o.ResolveSession(ctx, types.UserIdentity("user-1"), "no-such-session")

		require.Error(t, errForeign)
		require.Error(t, errMissing)
		// 不存在与不属于返回完全相同的错误, 不泄露存在性。
		assert.Equal(t, errForeign.Error(), errMissing.Error())
		assert.True(t, types.IsCode(errForeign, types.ErrForbidden))
	})

	t.Run("anonymous without id reuses most recent session", func(t *testing.T) {
		s := newTestStore(t)
		o := newOrchestrator(t, s, &fakeSelector{}, &fakeProvider{}, Config{})

		first, err := o.ResolveSession(ctx, types.AnonIdentity("anon-1"), "")
		require.NoError(t, err)
		second, err := o.ResolveSession(ctx, types.AnonIdentity("anon-1"), "")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("anonymous cannot access another anon session", func(t *testing.T) {
		s := newTestStore(t)
		o := newOrchestrator(t, s, &fakeSelector{}, &fakeProvider{}, Config{})

		sessA, err := s.CreateSession(ctx, types.AnonIdentity("anon-a"), "")
		require.NoError(t, err)

		_, err = o.ResolveSession(ctx, types.AnonIdentity("anon-b"), sessA.ID)
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrForbidden))

		// 认证用户同样无法访问匿名会话。
		_, err = o.ResolveSession(ctx, types.UserIdentity("user-1"), sessA.ID)
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrForbidden))
	})

	t.Run("no identity is rejected", func(t *testing.T) {
		s := newTestStore(t)
		o := newOrchestrator(t, s, &fakeSelector{}, &fakeProvider{}, Config{})

		_, err := o.ResolveSession(ctx, types.NoIdentity(), "")
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrUnauthenticated))
	})
}

func TestStreamTurnLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	docs := []types.Document{
		{ID: "faq-1", Text: "fees info", Score: 0.9, Category: "Payments & Transactions"},
	}
	provider := &fakeProvider{chunks: tokenChunks("Hel", "lo", " there")}
	o := newOrchestrator(t, s, &fakeSelector{docs: docs}, provider, Config{})

	events, err := o.StreamTurn(ctx, TurnRequest{
		Identity: types.AnonIdentity("anon-life"),
		Message:  "Hi",
	})
	require.NoError(t, err)
	got := collect(t, events)

	// 顺序: open, 一个或多个 token, 恰好一个 done。
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, EventOpen, got[0].Name)
	var full string
	for _, ev := range got[1 : len(got)-1] {
		require.Equal(t, EventToken, ev.Name)
		full += ev.Data.(TokenPayload).Token
	}
	last := got[len(got)-1]
	require.Equal(t, EventDone, last.Name)
	assert.Equal(t, "Hello there", full)

	done := last.Data.(DonePayload)
	require.Len(t, done.Citations, 1)
	assert.Equal(t, "faq-1", done.Citations[0].ID)
	assert.Equal(t, 1, done.Citations[0].Rank)
	assert.Equal(t, o.countTokens(full), done.Usage.TokensOut)
	assert.NotEmpty(t, done.SessionID)

	// 随后列出消息: 恰好 user 与 assistant 各一条, 按时间顺序。
	msgs, err := s.ListRecentMessages(ctx, done.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, string(types.RoleUser), msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, string(types.RoleAssistant), msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.Equal(t, done.Usage.TokensOut, msgs[1].TokensOut)
}

func TestStreamTurnValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := newOrchestrator(t, s, &fakeSelector{}, &fakeProvider{}, Config{})
	identity := types.AnonIdentity("anon-v")

	t.Run("empty message", func(t *testing.T) {
		_, err := o.StreamTurn(ctx, TurnRequest{Identity: identity, Message: "   "})
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrValidation))
	})

	t.Run("oversized message", func(t *testing.T) {
		long := make([]rune, MaxMessageLen+1)
		for i := range long {
			long[i] = 'x'
		}
		_, err := o.StreamTurn(ctx, TurnRequest{Identity: identity, Message: string(long)})
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrValidation))
	})

	t.Run("rejected before any persistence", func(t *testing.T) {
		sessions, err := s.ListSessions(ctx, identity, 0)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}

func TestStreamTurnProviderError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	provider := &fakeProvider{chunks: []llm.StreamChunk{
		{Delta: "partial "},
		{Err: types.NewError(types.ErrProviderUnavailable, "upstream timeout")},
	}}
	o := newOrchestrator(t, s, &fakeSelector{}, provider, Config{})

	events, err := o.StreamTurn(ctx, TurnRequest{
		Identity: types.AnonIdentity("anon-err"),
		Message:  "Hi",
	})
	require.NoError(t, err)
	got := collect(t, events)

	// 终局是 error 事件, 之后没有任何事件。
	last := got[len(got)-1]
	require.Equal(t, EventError, last.Name)
	assert.Equal(t, "upstream timeout", last.Data.(ErrorPayload).Message)

	// 错误路径不持久化助手消息: 只有用户消息被保存。
	sess, err := s.GetOrCreateAnonSession(ctx, "anon-err")
	require.NoError(t, err)
	msgs, err := s.ListRecentMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(types.RoleUser), msgs[0].Role)
}

func TestStreamTurnPersistPartialOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	provider := &fakeProvider{chunks: []llm.StreamChunk{
		{Delta: "half an answer"},
		{Err: types.NewError(types.ErrProviderUnavailable, "upstream reset")},
	}}
	o := newOrchestrator(t, s, &fakeSelector{}, provider, Config{PersistPartialOnError: true})

	events, err := o.StreamTurn(ctx, TurnRequest{
		Identity: types.AnonIdentity("anon-partial"),
		Message:  "Hi",
	})
	require.NoError(t, err)
	got := collect(t, events)
	require.Equal(t, EventError, got[len(got)-1].Name)

	sess, err := s.GetOrCreateAnonSession(ctx, "anon-partial")
	require.NoError(t, err)
	msgs, err := s.ListRecentMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "half an answer", msgs[1].Content)
}

func TestStreamTurnEmptyAnswerNotPersisted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	provider := &fakeProvider{chunks: tokenChunks("  ", "\n")}
	o := newOrchestrator(t, s, &fakeSelector{}, provider, Config{})

	events, err := o.StreamTurn(ctx, TurnRequest{
		Identity: types.AnonIdentity("anon-empty"),
		Message:  "Hi",
	})
	require.NoError(t, err)
	got := collect(t, events)
	require.Equal(t, EventDone, got[len(got)-1].Name)

	// 修剪后为空的缓冲区不产生助手消息。
	sess, err := s.GetOrCreateAnonSession(ctx, "anon-empty")
	require.NoError(t, err)
	msgs, err := s.ListRecentMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestStreamTurnRetrievalFailureDegrades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	provider := &fakeProvider{chunks: tokenChunks("no sources answer")}
	o := newOrchestrator(t, s, &fakeSelector{err: errors.New("index down")}, provider, Config{})

	events, err := o.StreamTurn(ctx, TurnRequest{
		Identity: types.AnonIdentity("anon-degrade"),
		Message:  "Hi",
	})
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, EventDone, last.Name)
	assert.Empty(t, last.Data.(DonePayload).Citations)
}

func TestStreamTurnCallerDisconnect(t *testing.T) {
	s := newTestStore(t)
	provider := &fakeProvider{chunks: tokenChunks("a", "b", "c", "d")}
	o := newOrchestrator(t, s, &fakeSelector{}, provider, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.StreamTurn(ctx, TurnRequest{
		Identity: types.AnonIdentity("anon-gone"),
		Message:  "Hi",
	})
	require.NoError(t, err)

	// 消费第一个事件后断开。
	<-events
	cancel()
	for range events {
	}

	// 断开等同于流错误: 不持久化助手消息。
	sess, err := s.GetOrCreateAnonSession(context.Background(), "anon-gone")
	require.NoError(t, err)
	msgs, err := s.ListRecentMessages(context.Background(), sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
