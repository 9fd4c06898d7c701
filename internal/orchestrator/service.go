// Package orchestrator runs one question through agent resolution, question
// rewriting, knowledge retrieval, the model and the fallback resolver.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatflow/internal/agent"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/intent"
	"github.com/ashureev/chatflow/internal/llm"
	"github.com/ashureev/chatflow/internal/tools"
	"github.com/google/uuid"
)

// Repository is the persistence the orchestrator needs.
type Repository interface {
	agent.Lookup
	tools.Lookup
	KnowledgeSearcher
	CreateMessage(ctx context.Context, msg *domain.ContextMessage) error
	ListRecentMessages(ctx context.Context, contextID string, limit int) ([]*domain.ContextMessage, error)
	CreateFallbackQuestion(ctx context.Context, q *domain.FallbackQuestion) error
	GetFallbackMessages(ctx context.Context, workspaceID string) (map[domain.ErrorCode]string, error)
}

// IntentDetector resolves a next-step intent the model named loosely.
type IntentDetector interface {
	Detect(ctx context.Context, req intent.Request) (*intent.Result, error)
}

// Config holds orchestration defaults.
type Config struct {
	HistorySize        int
	PassTimeout        time.Duration
	PersistTimeout     time.Duration
	DefaultProvider    string
	DefaultModel       string
	AnswerMaxTokens    int
	AnswerTemperature  float64
	FrequencyPenalty   float64
	PresencePenalty    float64
	RewriteMaxTokens   int
	RewriteTemperature float64
	RetrievalLimit     int
	MinScore           float64
}

// DefaultConfig returns default orchestration configuration.
func DefaultConfig() Config {
	return Config{
		HistorySize:        10,
		PassTimeout:        45 * time.Second,
		PersistTimeout:     5 * time.Second,
		AnswerMaxTokens:    800,
		AnswerTemperature:  0.3,
		RewriteMaxTokens:   200,
		RewriteTemperature: 0,
		RetrievalLimit:     5,
		MinScore:           0.35,
	}
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Repo     Repository
	Gateway  llm.Gateway
	Embedder llm.Embedder
	Registry *tools.Registry
	Detector IntentDetector
	Log      ConversationLogger
}

// Result is the outcome of one orchestration pass.
type Result struct {
	Turn       *domain.ContextMessage `json:"turn"`
	Code       domain.ErrorCode       `json:"code,omitempty"`
	IsFallback bool                   `json:"is_fallback"`
	Entities   []string               `json:"entities,omitempty"`
	// Outcome is set when the next step ran a tool.
	Outcome *tools.Outcome `json:"outcome,omitempty"`
}

// Service answers questions.
type Service struct {
	repo      Repository
	resolver  *agent.Resolver
	registry  *tools.Registry
	rewriter  *Rewriter
	retriever *Retriever
	gateway   llm.Gateway
	detector  IntentDetector
	log       ConversationLogger
	cfg       Config
}

// NewService wires a Service.
func NewService(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = def.RetrievalLimit
	}
	log := deps.Log
	if log == nil {
		log = noopConversationLogger{}
	}
	registry := deps.Registry
	if registry == nil {
		registry = tools.NewRegistry(deps.Repo, tools.Builtins()...)
	}
	return &Service{
		repo:      deps.Repo,
		resolver:  agent.NewResolver(deps.Repo),
		registry:  registry,
		rewriter:  NewRewriter(deps.Gateway, cfg.RewriteMaxTokens, cfg.RewriteTemperature),
		retriever: NewRetriever(deps.Embedder, deps.Repo, cfg.RetrievalLimit, cfg.MinScore),
		gateway:   deps.Gateway,
		detector:  deps.Detector,
		log:       log,
		cfg:       cfg,
	}
}

// DoQuestion runs one orchestration pass for msg. Only configuration errors
// are returned; every provider-facing failure becomes a persisted fallback turn.
func (s *Service) DoQuestion(ctx context.Context, msg domain.PendingMessage) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	a, err := s.resolver.MustResolve(ctx, agent.Query{
		WorkspaceID:   msg.WorkspaceID,
		AgentID:       msg.AgentID,
		BotID:         msg.BotID,
		PreferredType: domain.AgentTypeConversational,
		AgentContext:  msg.Parameters["agent_context"],
	})
	if err != nil {
		return nil, err
	}
	eff := *a
	if eff.ModelName == "" {
		eff.ModelName = s.cfg.DefaultModel
	}
	if eff.Provider == "" {
		eff.Provider = s.cfg.DefaultProvider
	}

	history, err := s.repo.ListRecentMessages(ctx, msg.ContextID, s.cfg.HistorySize)
	if err != nil {
		slog.Warn("failed to load conversation history", "context_id", msg.ContextID, "error", err)
		history = nil
	}

	turnType := domain.MessageTypeText
	if msg.FromAudio {
		turnType = domain.MessageTypeAudio
	}
	s.persistTurn(ctx, &domain.ContextMessage{
		ContextID:    msg.ContextID,
		WorkspaceID:  msg.WorkspaceID,
		AgentID:      eff.ID,
		Role:         domain.RoleUser,
		Content:      msg.Text,
		IsAggregated: msg.Aggregated,
		Type:         turnType,
		CreatedAt:    msg.Timestamp,
	})
	s.logTurn(msg, domain.RoleUser, msg.Text, nil)

	loaded, err := s.registry.Load(ctx, eff.ID)
	if err != nil {
		slog.Warn("failed to load tools", "agent_id", eff.ID, "error", err)
	}

	var (
		promptTokens, completionTokens int64
		preflag                        domain.ErrorCode
		raw                            string
		retrieval                      Retrieval
	)

	question, rewriteResp, err := s.rewriter.Rewrite(ctx, &eff, history, msg.Text)
	if err != nil {
		slog.Warn("question rewrite failed", "context_id", msg.ContextID, "error", err)
		preflag = domain.CodeInvalidQuestion
		question = msg.Text
	}
	if rewriteResp != nil {
		promptTokens += rewriteResp.PromptTokens
		completionTokens += rewriteResp.CompletionTokens
	}

	if preflag == "" {
		retrieval, err = s.retriever.Retrieve(ctx, &eff, question)
		if err != nil {
			slog.Warn("knowledge retrieval failed", "workspace_id", msg.WorkspaceID, "error", err)
		}
		if retrieval.NoContext {
			preflag = domain.CodeContextNotFound
		}
	}

	if preflag == "" {
		resp, err := s.answer(ctx, &eff, loaded, history, retrieval, question)
		if err != nil {
			slog.Error("model call failed", "context_id", msg.ContextID, "model", eff.ModelName, "error", err)
			preflag = domain.CodeProviderFailure
		} else {
			raw = resp.Message
			promptTokens += resp.PromptTokens
			completionTokens += resp.CompletionTokens
		}
	}

	overrides, err := s.repo.GetFallbackMessages(ctx, msg.WorkspaceID)
	if err != nil {
		slog.Warn("failed to load fallback overrides", "workspace_id", msg.WorkspaceID, "error", err)
	}
	decision := Decide(raw, preflag, overrides)

	turn := &domain.ContextMessage{
		ContextID:        msg.ContextID,
		WorkspaceID:      msg.WorkspaceID,
		AgentID:          eff.ID,
		Role:             domain.RoleSystem,
		Content:          decision.Content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		IsFallback:       decision.IsFallback,
		IsAggregated:     msg.Aggregated,
		ModelName:        eff.ModelName,
		Type:             domain.MessageTypeText,
	}
	res := &Result{Turn: turn, Code: decision.Code, IsFallback: decision.IsFallback}
	if decision.NextStep != nil {
		turn.NextStep, res.Outcome = s.resolveNextStep(ctx, &eff, loaded, decision.NextStep, msg, question)
		res.Entities = decision.NextStep.Entities
	}
	turn.CreatedAt = time.Now()
	if !turn.CreatedAt.After(msg.Timestamp) {
		turn.CreatedAt = msg.Timestamp.Add(time.Microsecond)
	}
	s.persistTurn(ctx, turn)

	if decision.IsFallback {
		s.recordFallback(ctx, &domain.FallbackQuestion{
			WorkspaceID:       msg.WorkspaceID,
			AgentID:           eff.ID,
			ContextID:         msg.ContextID,
			Question:          msg.Text,
			RewrittenQuestion: question,
			Context:           retrieval.Text(),
			TrainingIDs:       retrieval.IDs(),
			ErrorCode:         decision.Code,
		})
	}
	s.logTurn(msg, domain.RoleSystem, turn.Content, map[string]any{
		"is_fallback":       decision.IsFallback,
		"code":              string(decision.Code),
		"model":             eff.ModelName,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
	})
	return res, nil
}

func (s *Service) answer(ctx context.Context, a *domain.Agent, loaded []tools.Tool, history []*domain.ContextMessage, retrieval Retrieval, question string) (*llm.Response, error) {
	prompt, err := RenderPrompt(PromptData{
		AgentName:     a.Name,
		Personality:   a.Personality,
		Customization: a.Prompt,
		SkillPrompts:  tools.Prompts(loaded),
		Snippets:      retrieval.Snippets,
		RAGOnly:       a.RAGOnly(),
		Question:      question,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == domain.RoleSystem {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})

	return s.gateway.Execute(ctx, llm.Request{
		Provider:         a.Provider,
		Model:            a.ModelName,
		Prompt:           prompt,
		Messages:         messages,
		MaxTokens:        s.cfg.AnswerMaxTokens,
		Temperature:      s.cfg.AnswerTemperature,
		FrequencyPenalty: s.cfg.FrequencyPenalty,
		PresencePenalty:  s.cfg.PresencePenalty,
	})
}

// resolveNextStep maps the model's next-step intent to a stored step and runs
// the matching tool. Known tools are matched by id or name; anything else goes
// through the detector.
func (s *Service) resolveNextStep(ctx context.Context, a *domain.Agent, loaded []tools.Tool, nsm *NextStepMap, msg domain.PendingMessage, question string) (string, *tools.Outcome) {
	want := strings.TrimSpace(nsm.Intent)
	if want == "" {
		return "", nil
	}
	inv := tools.Invocation{WorkspaceID: msg.WorkspaceID, ContextID: msg.ContextID, Text: question, Parameters: msg.Parameters}
	for _, t := range loaded {
		if intent.CanonicalID(t.ID()) != intent.CanonicalID(want) && !strings.EqualFold(t.Name(), want) {
			continue
		}
		out, err := t.Execute(ctx, inv)
		if err != nil {
			slog.Warn("tool execution failed", "tool", t.Name(), "kind", t.Type(), "error", err)
			if t.Kind == tools.KindIntent {
				return t.ID(), nil
			}
			return "", nil
		}
		return stepFor(t, out), &out
	}

	if s.detector == nil {
		return "", nil
	}
	res, err := s.detector.Detect(ctx, intent.Request{
		WorkspaceID: msg.WorkspaceID,
		AgentID:     a.ID,
		BotID:       msg.BotID,
		ContextID:   msg.ContextID,
		Text:        question,
	})
	if err != nil || res == nil || res.Intent == nil {
		return "", nil
	}
	if res.Outcome != nil && res.Outcome.NextStep != "" {
		return res.Outcome.NextStep, res.Outcome
	}
	return res.Intent.ID, res.Outcome
}

// stepFor picks the stored next step for an executed tool. Intents fall back
// to their own id, skills to their name.
func stepFor(t tools.Tool, out tools.Outcome) string {
	if out.NextStep != "" {
		return out.NextStep
	}
	if t.Kind == tools.KindIntent {
		return t.ID()
	}
	return t.Name()
}

// persistCtx outlives the pass deadline so failures are still recorded.
func (s *Service) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
}

func (s *Service) persistTurn(ctx context.Context, m *domain.ContextMessage) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	if err := s.repo.CreateMessage(pctx, m); err != nil {
		slog.Error("failed to persist turn", "context_id", m.ContextID, "role", m.Role, "error", err)
	}
}

func (s *Service) recordFallback(ctx context.Context, q *domain.FallbackQuestion) {
	pctx, cancel := s.persistCtx(ctx)
	defer cancel()
	if err := s.repo.CreateFallbackQuestion(pctx, q); err != nil {
		slog.Error("failed to record fallback question", "context_id", q.ContextID, "error", err)
	}
}

func (s *Service) logTurn(msg domain.PendingMessage, role domain.Role, content string, meta map[string]any) {
	direction, event := "inbound", "user_message"
	if role == domain.RoleSystem {
		direction, event = "outbound", "system_message"
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["message_id"] = msg.MessageID
	s.log.Log(ConversationLogEvent{
		WorkspaceID: msg.WorkspaceID,
		ContextID:   msg.ContextID,
		Channel:     "orchestrator",
		Direction:   direction,
		EventType:   event,
		ContentRaw:  content,
		Meta:        meta,
	})
}
