package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eloquent/ragchat/api"
	"github.com/eloquent/ragchat/chat"
	"github.com/eloquent/ragchat/llm"
	"github.com/eloquent/ragchat/store"
	"github.com/eloquent/ragchat/types"
)

// scriptedSelector 返回固定文档集。
type scriptedSelector struct {
	docs []types.Document
}

func (s *scriptedSelector) Select(context.Context, string, int) ([]types.Document, error) {
	return s.docs, nil
}

// scriptedProvider 按脚本回放流式片段。
type scriptedProvider struct {
	chunks []llm.StreamChunk
}

func (p *scriptedProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, types.NewError(types.ErrInternalError, "not implemented")
}

func (p *scriptedProvider) Stream(ctx context.Context, _ *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range p.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *scriptedProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func newChatHandler(t *testing.T, st *store.Store, provider llm.Provider, docs []types.Document) *ChatHandler {
	t.Helper()
	orch := chat.NewOrchestrator(st, &scriptedSelector{docs: docs}, provider, chat.Config{}, nil)
	return NewChatHandler(orch, newTestAuthenticator(t), nil, nil)
}

// sseFrame 是解析出的一个 SSE 帧。
type sseFrame struct {
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			default:
				t.Fatalf("unexpected SSE line: %q", line)
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func TestChatStreamLifecycle(t *testing.T) {
	st := newTestStore(t)
	provider := &scriptedProvider{chunks: []llm.StreamChunk{
		{Delta: "Hello"},
		{Delta: " there"},
	}}
	docs := []types.Document{{ID: "faq-3", Text: "refund policy", Category: "Payments & Transactions", Score: 0.9}}
	h := newChatHandler(t, st, provider, docs)

	rec := httptest.NewRecorder()
	req := withAnonCookie(httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"message":"How do refunds work?"}`)), "anon-1")
	h.HandleStream(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	frames := parseSSE(t, rec.Body.String())
	require.GreaterOrEqual(t, len(frames), 4)

	assert.Equal(t, "open", frames[0].event)
	assert.Equal(t, "ok", frames[0].data)

	var answer strings.Builder
	for _, f := range frames[1 : len(frames)-1] {
		require.Equal(t, "token", f.event)
		var tok chat.TokenPayload
		require.NoError(t, json.Unmarshal([]byte(f.data), &tok))
		answer.WriteString(tok.Token)
	}
	assert.Equal(t, "Hello there", answer.String())

	last := frames[len(frames)-1]
	require.Equal(t, "done", last.event)
	var done chat.DonePayload
	require.NoError(t, json.Unmarshal([]byte(last.data), &done))
	assert.NotEmpty(t, done.SessionID)
	require.Len(t, done.Citations, 1)
	assert.Equal(t, "faq-3", done.Citations[0].ID)
	assert.Equal(t, 1, done.Citations[0].Rank)
	assert.Positive(t, done.Usage.TokensOut)

	// 用户与助手消息都已持久化。
	messages, err := st.ListRecentMessages(req.Context(), done.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello there", messages[1].Content)
}

func TestChatStreamProviderErrorEmitsErrorEvent(t *testing.T) {
	st := newTestStore(t)
	provider := &scriptedProvider{chunks: []llm.StreamChunk{
		{Delta: "partial"},
		{Err: types.NewError(types.ErrUpstreamError, "model unavailable")},
	}}
	h := newChatHandler(t, st, provider, nil)

	rec := httptest.NewRecorder()
	req := withAnonCookie(httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"message":"hello there friend"}`)), "anon-1")
	h.HandleStream(rec, req)

	frames := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, "error", last.event)
	var payload chat.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(last.data), &payload))
	assert.Equal(t, "model unavailable", payload.Message)
}

func TestChatRejectsBeforeStreaming(t *testing.T) {
	st := newTestStore(t)
	h := newChatHandler(t, st, &scriptedProvider{}, nil)

	t.Run("no identity", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HandleStream(rec, httptest.NewRequest(http.MethodPost, "/chat",
			strings.NewReader(`{"message":"hi"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	})

	t.Run("empty message", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := withAnonCookie(httptest.NewRequest(http.MethodPost, "/chat",
			strings.NewReader(`{"message":"   "}`)), "anon-1")
		h.HandleStream(rec, req)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("foreign session", func(t *testing.T) {
		sess, err := st.CreateSession(context.Background(), types.AnonIdentity("other"), "")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		body, _ := json.Marshal(api.ChatIn{SessionID: sess.ID, Message: "hello"})
		req := withAnonCookie(httptest.NewRequest(http.MethodPost, "/chat",
			strings.NewReader(string(body))), "anon-1")
		h.HandleStream(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
