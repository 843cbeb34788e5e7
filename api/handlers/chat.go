package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/eloquent/ragchat/api"
	"github.com/eloquent/ragchat/chat"
	"github.com/eloquent/ragchat/internal/auth"
	"github.com/eloquent/ragchat/internal/metrics"
	"github.com/eloquent/ragchat/types"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler SSE 聊天流处理器。
type ChatHandler struct {
	orch      *chat.Orchestrator
	auth      *auth.Authenticator
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewChatHandler 创建聊天处理器。collector 可为 nil。
func NewChatHandler(orch *chat.Orchestrator, authn *auth.Authenticator, collector *metrics.Collector, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		orch:      orch,
		auth:      authn,
		collector: collector,
		logger:    logger.With(zap.String("component", "chat_handler")),
	}
}

// HandleStream 处理 POST /chat。
//
// 解析/校验/会话错误以 JSON 同步返回; 流一旦打开,
// 按 SSE 帧推送 open、token*、以及恰好一个 done 或 error 终局事件。
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	var in api.ChatIn
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}

	identity := h.auth.IdentityFromRequest(r)
	start := time.Now()

	events, err := h.orch.StreamTurn(r.Context(), chat.TurnRequest{
		Identity:  identity,
		SessionID: in.SessionID,
		Message:   in.Message,
	})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	// SSE 响应头; X-Accel-Buffering 禁用 nginx 缓冲。
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	terminal := "disconnect"
	tokens := 0
	for ev := range events {
		if err := writeSSE(w, ev); err != nil {
			h.logger.Debug("SSE write failed, client gone", zap.Error(err))
			return
		}
		flusher.Flush()

		switch ev.Name {
		case chat.EventToken:
			tokens++
		case chat.EventDone:
			terminal = "done"
		case chat.EventError:
			terminal = "error"
		}
	}

	if h.collector != nil {
		h.collector.ObserveChatTurn(terminal, time.Since(start))
		h.collector.AddTokensStreamed(tokens)
	}
}

// writeSSE 写出一个 SSE 帧: "event: <name>\ndata: <payload>\n\n"。
// 字符串负载原样写出, 其余负载 JSON 编码。
func writeSSE(w http.ResponseWriter, ev chat.Event) error {
	var payload []byte
	if s, ok := ev.Data.(string); ok {
		payload = []byte(s)
	} else {
		var err error
		payload, err = json.Marshal(ev.Data)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
	return err
}
