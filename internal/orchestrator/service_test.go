package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/llm"
	"github.com/ashureev/chatflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGateway struct {
	mu      sync.Mutex
	answer  string
	rewrite string
	err     error
	reqs    []llm.Request
}

func (g *scriptedGateway) Execute(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	if strings.Contains(req.Prompt, "Output contract") {
		return &llm.Response{Message: g.answer, PromptTokens: 100, CompletionTokens: 20}, nil
	}
	return &llm.Response{Message: g.rewrite, PromptTokens: 10, CompletionTokens: 5}, nil
}

func (g *scriptedGateway) answerCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.reqs {
		if strings.Contains(r.Prompt, "Output contract") {
			n++
		}
	}
	return n
}

type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return e.vec, nil }

type harness struct {
	repo *store.SQLiteStore
	gw   *scriptedGateway
	svc  *Service
}

func newHarness(t *testing.T, mode domain.AgentMode) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chatflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	require.NoError(t, repo.UpsertAgent(ctx, &domain.Agent{
		ID: "default", Name: "Clara", WorkspaceID: "ws", Type: domain.AgentTypeConversational,
		IsDefault: true, IsActive: true, Mode: mode, ModelName: "gpt-4o-mini",
	}))
	require.NoError(t, repo.UpsertKnowledge(ctx, &domain.KnowledgeSnippet{
		ID: "k1", WorkspaceID: "ws", Identifier: "hours", Content: "Abrimos das 8h às 18h.", Embedding: []float32{1, 0},
	}))

	gw := &scriptedGateway{}
	svc := NewService(Deps{Repo: repo, Gateway: gw, Embedder: fixedEmbedder{vec: []float32{1, 0}}}, DefaultConfig())
	return &harness{repo: repo, gw: gw, svc: svc}
}

func question(text string) domain.PendingMessage {
	return domain.PendingMessage{
		MessageID:   "m1",
		Text:        text,
		WorkspaceID: "ws",
		ContextID:   "ctx-1",
		Timestamp:   time.Now(),
	}
}

func TestDoQuestionAnswersVerbatim(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	h.gw.answer = "```json\n{\"result\":{\"response\":\"Abrimos às 8h.\",\"next_step_map\":{\"intent\":\"\",\"entities\":[\"8h\"]}},\"error\":null}\n```"

	res, err := h.svc.DoQuestion(context.Background(), question("Que horas vocês abrem?"))
	require.NoError(t, err)
	assert.False(t, res.IsFallback)
	assert.Equal(t, "Abrimos às 8h.", res.Turn.Content)
	assert.Equal(t, []string{"8h"}, res.Entities)
	assert.EqualValues(t, 100, res.Turn.PromptTokens)

	turns, err := h.repo.ListRecentMessages(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, domain.RoleSystem, turns[1].Role)

	fq, err := h.repo.ListFallbackQuestions(context.Background(), "ws", 10)
	require.NoError(t, err)
	assert.Empty(t, fq)
}

func TestDoQuestionContextIrrelevant(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	h.gw.answer = `{"error":"ERR_01","result":null}`

	res, err := h.svc.DoQuestion(context.Background(), question("Quem ganhou o jogo ontem?"))
	require.NoError(t, err)
	assert.True(t, res.IsFallback)
	assert.Equal(t, domain.CodeContextIrrelevant, res.Code)
	assert.Equal(t, DefaultFallbackMessages[domain.CodeContextIrrelevant], res.Turn.Content)

	fq, err := h.repo.ListFallbackQuestions(context.Background(), "ws", 10)
	require.NoError(t, err)
	require.Len(t, fq, 1)
	assert.Equal(t, "Quem ganhou o jogo ontem?", fq[0].Question)
	assert.Equal(t, domain.CodeContextIrrelevant, fq[0].ErrorCode)
	assert.Equal(t, []string{"k1"}, fq[0].TrainingIDs)
}

func TestDoQuestionWorkspaceOverride(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	require.NoError(t, h.repo.SetFallbackMessage(context.Background(), "ws", domain.CodeContextIrrelevant, "Só falo sobre a clínica."))
	h.gw.answer = `{"error":"ERR_01","result":null}`

	res, err := h.svc.DoQuestion(context.Background(), question("Quem ganhou o jogo ontem?"))
	require.NoError(t, err)
	assert.Equal(t, "Só falo sobre a clínica.", res.Turn.Content)
}

func TestDoQuestionReservedPrefixInResponse(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	h.gw.answer = `{"result":{"response":"ERR_02 not found"},"error":null}`

	res, err := h.svc.DoQuestion(context.Background(), question("Qual o valor da consulta?"))
	require.NoError(t, err)
	assert.Equal(t, domain.CodeResultError, res.Code)
	assert.NotContains(t, res.Turn.Content, ReservedErrorPrefix)
}

func TestDoQuestionRAGOnlyWithoutContextSkipsModel(t *testing.T) {
	h := newHarness(t, domain.AgentModeRAGOnly)
	h.svc.retriever = NewRetriever(fixedEmbedder{vec: []float32{0, 1}}, h.repo, 5, 0.5)

	res, err := h.svc.DoQuestion(context.Background(), question("Vocês aceitam convênio?"))
	require.NoError(t, err)
	assert.Equal(t, domain.CodeContextNotFound, res.Code)
	assert.Zero(t, h.gw.answerCalls())

	fq, err := h.repo.ListFallbackQuestions(context.Background(), "ws", 10)
	require.NoError(t, err)
	require.Len(t, fq, 1)
	assert.Equal(t, domain.CodeContextNotFound, fq[0].ErrorCode)
}

func TestDoQuestionProviderFailurePersistsFallback(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	h.gw.err = errors.New("upstream 503")

	res, err := h.svc.DoQuestion(context.Background(), question("Qual o endereço da clínica?"))
	require.NoError(t, err)
	assert.Equal(t, domain.CodeProviderFailure, res.Code)
	assert.Equal(t, DefaultFallbackMessages[domain.CodeInvalidQuestion], res.Turn.Content)

	turns, err := h.repo.ListRecentMessages(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestDoQuestionNoAgentConfigured(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	msg := question("Qual o endereço da clínica?")
	msg.WorkspaceID = "unknown"

	_, err := h.svc.DoQuestion(context.Background(), msg)
	assert.Equal(t, domain.CodeAgentNotConfigured, domain.CodeOf(err))

	turns, err := h.repo.ListRecentMessages(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestDoQuestionRewritesWithHistoryAndResolvesNextStep(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	ctx := context.Background()
	in := &domain.Intent{
		Name: "schedule", AgentID: "default", WorkspaceID: "ws",
		Actions: []domain.IntentAction{{Type: domain.ActionTree, TargetValue: "tree-1"}},
	}
	require.NoError(t, h.repo.UpsertIntent(ctx, in))

	h.gw.rewrite = "Quero agendar uma consulta para amanhã"
	h.gw.answer = `{"result":{"response":"Claro! Qual horário?","next_step_map":{"intent":"schedule"}},"error":null}`

	_, err := h.svc.DoQuestion(ctx, question("Quero agendar"))
	require.NoError(t, err)
	res, err := h.svc.DoQuestion(ctx, question("amanhã"))
	require.NoError(t, err)

	assert.Equal(t, "tree-1", res.Turn.NextStep)
	require.NotNil(t, res.Outcome)
	assert.False(t, res.Outcome.Completed)
	assert.EqualValues(t, 110, res.Turn.PromptTokens)
	last := h.gw.reqs[len(h.gw.reqs)-1]
	assert.Contains(t, last.Prompt, "Quero agendar uma consulta para amanhã")
	assert.Len(t, last.Messages, 3)
}

func TestDoQuestionImmediateIntentCompletes(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	ctx := context.Background()
	in := &domain.Intent{
		Name: "emergency", AgentID: "default", WorkspaceID: "ws",
		Actions: []domain.IntentAction{{Type: domain.ActionTreeImmediately, TargetValue: "tree-urgent"}},
	}
	require.NoError(t, h.repo.UpsertIntent(ctx, in))
	h.gw.answer = `{"result":{"response":"Vou te encaminhar agora.","next_step_map":{"intent":"emergency"}},"error":null}`

	res, err := h.svc.DoQuestion(ctx, question("Estou com muita dor"))
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Completed)
	assert.Equal(t, "tree-urgent", res.Outcome.NextStep)
	assert.Equal(t, "tree-urgent", res.Turn.NextStep)

	turns, err := h.repo.ListRecentMessages(ctx, "ctx-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "tree-urgent", turns[1].NextStep)
}

func TestDoQuestionIntentWithoutTargetStoresIntentID(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	ctx := context.Background()
	in := &domain.Intent{
		Name: "greeting", AgentID: "default", WorkspaceID: "ws",
		Actions: []domain.IntentAction{{Type: domain.ActionMessage, TargetValue: "Olá!"}},
	}
	require.NoError(t, h.repo.UpsertIntent(ctx, in))
	h.gw.answer = `{"result":{"response":"Oi!","next_step_map":{"intent":"greeting"}},"error":null}`

	res, err := h.svc.DoQuestion(ctx, question("oi"))
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Completed)
	assert.Equal(t, "Olá!", res.Outcome.Message)
	assert.Equal(t, in.ID, res.Turn.NextStep)
}

func TestDoQuestionPersistsAggregatedFlag(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	h.gw.answer = `{"result":{"response":"Claro, para quando?"},"error":null}`

	msg := question("Quero\nagendar uma consulta")
	msg.Aggregated = true
	res, err := h.svc.DoQuestion(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, res.Turn.IsAggregated)

	turns, err := h.repo.ListRecentMessages(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.True(t, turns[0].IsAggregated)
	assert.True(t, turns[1].IsAggregated)

	_, err = h.svc.DoQuestion(context.Background(), question("obrigado"))
	require.NoError(t, err)
	turns, err = h.repo.ListRecentMessages(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.False(t, turns[3].IsAggregated)
}

func TestDoQuestionInactiveExplicitAgentUsesDefault(t *testing.T) {
	h := newHarness(t, domain.AgentModeFree)
	require.NoError(t, h.repo.UpsertAgent(context.Background(), &domain.Agent{
		ID: "retired", WorkspaceID: "ws", Type: domain.AgentTypeConversational, IsActive: false,
	}))
	h.gw.answer = `{"result":{"response":"ok"},"error":null}`

	msg := question("Qual o endereço da clínica?")
	msg.AgentID = "retired"
	res, err := h.svc.DoQuestion(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "default", res.Turn.AgentID)
}
