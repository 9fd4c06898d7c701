// Package api provides HTTP handlers for the chatflow API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatflow/internal/aggregator"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/identity"
	"github.com/ashureev/chatflow/internal/intent"
	"github.com/ashureev/chatflow/internal/orchestrator"
	"github.com/ashureev/chatflow/internal/tools"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxRequestBodySize bounds inbound JSON bodies (64KB).
const maxRequestBodySize = 64 << 10

// QuestionService runs one orchestration pass.
type QuestionService interface {
	DoQuestion(ctx context.Context, msg domain.PendingMessage) (*orchestrator.Result, error)
}

// MessageAggregator batches bursts of messages per conversation.
type MessageAggregator interface {
	ProcessQuestionWithAggregation(ctx context.Context, msg domain.PendingMessage) (*aggregator.Result, error)
}

// IntentDetector classifies text against an agent's intents.
type IntentDetector interface {
	Detect(ctx context.Context, req intent.Request) (*intent.Result, error)
}

// ToolLoader lists the tools of an agent.
type ToolLoader interface {
	Load(ctx context.Context, agentID string) ([]tools.Tool, error)
}

// Reader is the read side of the repository used by listing endpoints.
type Reader interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListRecentMessages(ctx context.Context, contextID string, limit int) ([]*domain.ContextMessage, error)
}

// Handler serves the orchestration API.
type Handler struct {
	questions   QuestionService
	aggregator  MessageAggregator
	detector    IntentDetector
	tools       ToolLoader
	repo        Reader
	historySize int
}

// NewHandler creates a Handler.
func NewHandler(questions QuestionService, agg MessageAggregator, detector IntentDetector, toolLoader ToolLoader, repo Reader) *Handler {
	return &Handler{
		questions:   questions,
		aggregator:  agg,
		detector:    detector,
		tools:       toolLoader,
		repo:        repo,
		historySize: 50,
	}
}

// RegisterRoutes registers the v1 routes. Callers must install
// identity.Middleware in front of them.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/questions", h.Question)
		r.Post("/messages", h.Message)
		r.Post("/intents/detect", h.DetectIntent)
		r.Get("/contexts/{contextID}/messages", h.ListMessages)
		r.Get("/agents/{agentID}/tools", h.ListTools)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a classified failure onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodeInvalidMessageContext:
		status = http.StatusUnprocessableEntity
	case domain.CodeAgentNotConfigured:
		status = http.StatusNotFound
	case domain.CodeAggregationConflict:
		status = http.StatusConflict
	case domain.CodeProviderFailure:
		status = http.StatusBadGateway
	}
	if code == "" {
		slog.Error("Request failed", "error", err)
		Error(w, status, "internal error")
		return
	}
	JSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

// questionRequest is the body of /questions and /messages.
type questionRequest struct {
	MessageID         string            `json:"message_id"`
	ContextID         string            `json:"context_id"`
	AgentID           string            `json:"agent_id"`
	Text              string            `json:"text"`
	FromAudio         bool              `json:"from_audio"`
	FromInteractionID string            `json:"from_interaction_id"`
	Parameters        map[string]string `json:"parameters"`
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// pendingFromRequest builds the inbound message. Ids and timestamps are
// assigned here when the client omits them.
func pendingFromRequest(r *http.Request, w http.ResponseWriter) (domain.PendingMessage, bool) {
	var req questionRequest
	if !decode(w, r, &req) {
		return domain.PendingMessage{}, false
	}
	if strings.TrimSpace(req.ContextID) == "" {
		Error(w, http.StatusBadRequest, "context_id is required")
		return domain.PendingMessage{}, false
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return domain.PendingMessage{}, false
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	return domain.PendingMessage{
		MessageID:         req.MessageID,
		Text:              req.Text,
		WorkspaceID:       identity.WorkspaceIDFromContext(r.Context()),
		ContextID:         req.ContextID,
		FromAudio:         req.FromAudio,
		FromInteractionID: req.FromInteractionID,
		BotID:             identity.BotIDFromContext(r.Context()),
		AgentID:           req.AgentID,
		Parameters:        req.Parameters,
		Timestamp:         time.Now().UTC(),
	}, true
}

// Question handles POST /api/v1/questions: one pass, no aggregation.
func (h *Handler) Question(w http.ResponseWriter, r *http.Request) {
	msg, ok := pendingFromRequest(r, w)
	if !ok {
		return
	}
	res, err := h.questions.DoQuestion(r.Context(), msg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Message handles POST /api/v1/messages. A queued message answers 202; its
// reply is produced by the pass that owns the batch.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	msg, ok := pendingFromRequest(r, w)
	if !ok {
		return
	}
	res, err := h.aggregator.ProcessQuestionWithAggregation(r.Context(), msg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == aggregator.StatusQueued {
		status = http.StatusAccepted
	}
	JSON(w, status, res)
}

// DetectIntent handles POST /api/v1/intents/detect.
func (h *Handler) DetectIntent(w http.ResponseWriter, r *http.Request) {
	var req intent.Request
	if !decode(w, r, &req) {
		return
	}
	req.WorkspaceID = identity.WorkspaceIDFromContext(r.Context())
	if req.BotID == "" {
		req.BotID = identity.BotIDFromContext(r.Context())
	}
	res, err := h.detector.Detect(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// ListMessages handles GET /api/v1/contexts/{contextID}/messages?limit=N.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	limit := h.historySize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.repo.ListRecentMessages(r.Context(), contextID, limit)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "context_id", contextID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	// Context ids are not namespaced, so turns of other workspaces are hidden.
	workspaceID := identity.WorkspaceIDFromContext(r.Context())
	out := make([]*domain.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.WorkspaceID == workspaceID {
			out = append(out, m)
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"context_id": contextID,
		"messages":   out,
	})
}

type toolView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        tools.Kind `json:"type"`
	Description string     `json:"description"`
	Examples    []string   `json:"examples"`
	Prompt      string     `json:"prompt,omitempty"`
}

// ListTools handles GET /api/v1/agents/{agentID}/tools.
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	a, err := h.repo.GetAgent(r.Context(), agentID)
	if err != nil {
		slog.Error("Failed to get agent", "error", err, "agent_id", agentID)
		Error(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	if a == nil || a.WorkspaceID != identity.WorkspaceIDFromContext(r.Context()) {
		Error(w, http.StatusNotFound, "agent not found")
		return
	}

	loaded, err := h.tools.Load(r.Context(), agentID)
	if err != nil {
		slog.Error("Failed to load tools", "error", err, "agent_id", agentID)
		Error(w, http.StatusInternalServerError, "failed to load tools")
		return
	}
	views := make([]toolView, 0, len(loaded))
	for _, t := range loaded {
		v := toolView{
			ID:          t.ID(),
			Name:        t.Name(),
			Type:        t.Type(),
			Description: t.Description(),
			Examples:    t.Examples(),
		}
		if p, ok := t.GeneratePrompt(); ok {
			v.Prompt = p
		}
		views = append(views, v)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"tools":    views,
	})
}
