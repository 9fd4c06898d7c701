package livechat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/chatflow/internal/aggregator"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

// MessageAggregator batches bursts of messages per conversation.
type MessageAggregator interface {
	ProcessQuestionWithAggregation(ctx context.Context, msg domain.PendingMessage) (*aggregator.Result, error)
}

// WebSocketHandler serves /ws/contexts/{contextID}.
type WebSocketHandler struct {
	sm            *SessionManager
	agg           MessageAggregator
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sm *SessionManager, agg MessageAggregator, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{sm: sm, agg: agg, allowedOrigin: allowedOrigin, isDev: isDev}
}

// inbound is a client frame.
type inbound struct {
	Type       string            `json:"type"`
	MessageID  string            `json:"message_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Text       string            `json:"text,omitempty"`
	FromAudio  bool              `json:"from_audio,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type      string             `json:"type"`
	MessageID string             `json:"message_id,omitempty"`
	Code      domain.ErrorCode   `json:"code,omitempty"`
	Error     string             `json:"error,omitempty"`
	Result    *aggregator.Result `json:"result,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspaceID := identity.WorkspaceIDFromContext(r.Context())
	botID := identity.BotIDFromContext(r.Context())
	contextID := chi.URLParam(r, "contextID")
	if contextID == "" {
		http.Error(w, `{"error": "context id required"}`, http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "context_id", contextID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "context_id", contextID)
		}
	}()

	h.sm.Register(workspaceID, contextID, ws)
	defer h.sm.Unregister(contextID, ws)

	ctx := r.Context()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "context_id", contextID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "context_id", contextID)
			}
			return
		}
		h.sm.Touch(contextID, ws)

		var frame inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(ctx, ws, outbound{Type: "error", Error: "invalid_frame"})
			continue
		}

		switch frame.Type {
		case "ping":
			h.reply(ctx, ws, outbound{Type: "pong"})
		case "message":
			if frame.Text == "" {
				h.reply(ctx, ws, outbound{Type: "error", Error: "text_required"})
				continue
			}
			msg := domain.PendingMessage{
				MessageID:   frame.MessageID,
				Text:        frame.Text,
				WorkspaceID: workspaceID,
				ContextID:   contextID,
				FromAudio:   frame.FromAudio,
				BotID:       botID,
				AgentID:     frame.AgentID,
				Parameters:  frame.Parameters,
				Timestamp:   time.Now().UTC(),
			}
			if msg.MessageID == "" {
				msg.MessageID = uuid.NewString()
			}
			// The read loop keeps going while a batch waits out its window.
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.dispatch(ctx, ws, msg)
			}()
		default:
			h.reply(ctx, ws, outbound{Type: "error", Error: "unknown_type"})
		}
	}
}

// dispatch runs msg through the aggregator. A driven batch is broadcast to
// every socket of the conversation; a queued message is acknowledged to its
// sender only. The pass outlives the sender's socket since the batch may hold
// other clients' messages.
func (h *WebSocketHandler) dispatch(ctx context.Context, ws Conn, msg domain.PendingMessage) {
	res, err := h.agg.ProcessQuestionWithAggregation(context.WithoutCancel(ctx), msg)
	if err != nil {
		slog.Warn("Live chat message failed", "context_id", msg.ContextID, "error", err)
		h.reply(ctx, ws, outbound{Type: "error", MessageID: msg.MessageID, Code: domain.CodeOf(err), Error: "message_failed"})
		return
	}
	if res.Status == aggregator.StatusQueued {
		h.reply(ctx, ws, outbound{Type: "queued", MessageID: msg.MessageID, Code: res.Code})
		return
	}

	payload, err := json.Marshal(outbound{Type: "turn", MessageID: msg.MessageID, Result: res})
	if err != nil {
		slog.Warn("Failed to marshal live chat turn", "error", err)
		return
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	h.sm.Broadcast(bctx, msg.WorkspaceID, msg.ContextID, payload)
}

func (h *WebSocketHandler) reply(ctx context.Context, ws Conn, frame outbound) {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal live chat frame", "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, payload); err != nil {
		slog.Debug("Live chat write failed", "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
