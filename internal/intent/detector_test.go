package intent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ashureev/chatflow/internal/agent"
	"github.com/ashureev/chatflow/internal/domain"
	"github.com/ashureev/chatflow/internal/llm"
	"github.com/ashureev/chatflow/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scheduleID = "3f2b8c1e-9a4d-4e7b-8c2a-1d5e6f7a8b9c"

type fakeRepo struct {
	mu      sync.Mutex
	agents  map[string]*domain.Agent
	intents []*domain.Intent
	history []*domain.IntentHistoryEntry
}

func (f *fakeRepo) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	return f.agents[id], nil
}

func (f *fakeRepo) ListDefaultAgents(_ context.Context, ws string, t domain.AgentType) ([]*domain.Agent, error) {
	var out []*domain.Agent
	for _, a := range f.agents {
		if a.WorkspaceID == ws && a.Type == t && a.IsDefault {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListAgentSkills(context.Context, string) ([]*domain.AgentSkill, error) {
	return nil, nil
}

func (f *fakeRepo) ListIntents(context.Context, string) ([]*domain.Intent, error) {
	return f.intents, nil
}

func (f *fakeRepo) CreateIntentHistory(_ context.Context, e *domain.IntentHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, e)
	return nil
}

type scriptedGateway struct {
	reply string
	err   error
	reqs  []llm.Request
}

func (g *scriptedGateway) Execute(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return &llm.Response{Message: g.reply, PromptTokens: 120, CompletionTokens: 9}, nil
}

func newDetector(t *testing.T, reply string) (*Detector, *fakeRepo, *scriptedGateway) {
	t.Helper()
	repo := &fakeRepo{
		agents: map[string]*domain.Agent{
			"clf": {ID: "clf", WorkspaceID: "ws", Type: domain.AgentTypeIntentClassifier, IsDefault: true, IsActive: true, ModelName: "m"},
		},
		intents: []*domain.Intent{{
			ID:       scheduleID,
			Name:     "schedule",
			Examples: []string{"quero agendar"},
			Actions:  []domain.IntentAction{{Type: domain.ActionTreeImmediately, TargetValue: "tree-schedule"}},
		}},
	}
	gw := &scriptedGateway{reply: reply}
	d := NewDetector(agent.NewResolver(repo), tools.NewRegistry(repo), gw, repo, DefaultConfig())
	return d, repo, gw
}

func TestDetectMatchesIntent(t *testing.T) {
	d, repo, gw := newDetector(t, "```\n3F2B8C1E9A4D4E7B8C2A1D5E6F7A8B9C\n```")

	res, err := d.Detect(context.Background(), Request{WorkspaceID: "ws", Text: "Quero agendar uma consulta"})
	require.NoError(t, err)
	require.NotNil(t, res.Intent)
	assert.Equal(t, scheduleID, res.Intent.ID)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Completed)
	assert.Equal(t, "tree-schedule", res.Outcome.NextStep)

	require.Len(t, gw.reqs, 1)
	assert.Zero(t, gw.reqs[0].Temperature)
	assert.Contains(t, gw.reqs[0].Prompt, scheduleID)

	require.Len(t, repo.history, 1)
	require.NotNil(t, repo.history[0].IntentID)
	assert.Equal(t, scheduleID, *repo.history[0].IntentID)
	assert.EqualValues(t, 120, repo.history[0].PromptTokens)
}

func TestDetectNoMatchStillRecorded(t *testing.T) {
	d, repo, _ := newDetector(t, "NONE")

	res, err := d.Detect(context.Background(), Request{WorkspaceID: "ws", Text: "qual o valor do exame?"})
	require.NoError(t, err)
	assert.Nil(t, res.Intent)
	require.Len(t, repo.history, 1)
	assert.Nil(t, repo.history[0].IntentID)
	assert.EqualValues(t, 9, repo.history[0].CompletionTokens)
}

func TestDetectRejectsInvalidText(t *testing.T) {
	d, repo, gw := newDetector(t, scheduleID)

	_, err := d.Detect(context.Background(), Request{WorkspaceID: "ws", Text: "ok"})
	assert.Equal(t, domain.CodeInvalidMessageContext, domain.CodeOf(err))
	assert.Empty(t, gw.reqs)
	require.Len(t, repo.history, 1)
	assert.Equal(t, "ok", repo.history[0].Text)
	assert.NotEmpty(t, repo.history[0].Error)
	assert.Nil(t, repo.history[0].IntentID)
}

func TestDetectWithoutAgent(t *testing.T) {
	d, repo, gw := newDetector(t, scheduleID)

	_, err := d.Detect(context.Background(), Request{WorkspaceID: "empty", ContextID: "ctx-9", Text: "Quero agendar uma consulta"})
	assert.Equal(t, domain.CodeAgentNotConfigured, domain.CodeOf(err))
	assert.Empty(t, gw.reqs)
	require.Len(t, repo.history, 1)
	assert.Equal(t, "empty", repo.history[0].WorkspaceID)
	assert.Equal(t, "ctx-9", repo.history[0].ContextID)
	assert.Empty(t, repo.history[0].AgentID)
	assert.NotEmpty(t, repo.history[0].Error)
}

func TestDetectProviderFailure(t *testing.T) {
	d, repo, gw := newDetector(t, "")
	gw.err = errors.New("timeout")

	_, err := d.Detect(context.Background(), Request{WorkspaceID: "ws", Text: "Quero agendar uma consulta"})
	assert.Equal(t, domain.CodeProviderFailure, domain.CodeOf(err))
	require.Len(t, repo.history, 1)
	assert.Equal(t, "timeout", repo.history[0].Error)
}

func TestExtractToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{scheduleID, scheduleID},
		{"`" + scheduleID + "`", scheduleID},
		{`"3F2B8C1E-9A4D-4E7B-8C2A-1D5E6F7A8B9C"`, scheduleID},
		{"The intent is " + scheduleID + ".", scheduleID},
		{"**NONE**", "NONE"},
		{"'billing'", "billing"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractToken(tt.in), "input %q", tt.in)
	}
}
