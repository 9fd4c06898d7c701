package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/chatflow/internal/config"
	"github.com/ashureev/chatflow/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:         "0",
		DBPath:       filepath.Join(dir, "app.db"),
		Coordination: config.CoordinationConfig{Backend: "memory"},
		Aggregation:  config.AggregationConfig{Window: 10 * time.Millisecond, LockBuffer: time.Second},
		Providers: config.ProvidersConfig{
			Default:       llm.ProviderOpenAI,
			DefaultModel:  "gpt-4o-mini",
			OpenAIAPIKey:  "sk-test",
			OpenAIBaseURL: "http://127.0.0.1:1/",
		},
		Orchestration:   config.OrchestrationConfig{PassTimeout: time.Second},
		ConversationLog: config.ConversationLogConfig{Dir: filepath.Join(dir, "logs")},
	}
}

func TestBuildWiresRuntime(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), nil, Options{})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Service)
	assert.NotNil(t, a.Aggregator)
	assert.NotNil(t, a.Detector)
	assert.Nil(t, a.Embedder, "retrieval is off without an embedding provider")
	assert.Equal(t, []string{llm.ProviderOpenAI}, a.Gateway.Providers())
}

func TestBuildSkipsCoordination(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), nil, Options{SkipCoordination: true, SkipConvLog: true})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Coordination)
	assert.Nil(t, a.Aggregator)
}

func TestBuildRejectsMissingDefaultProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.Default = llm.ProviderGemini

	_, err := Build(context.Background(), cfg, nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini")
}

func TestBuildEmbedderNeedsKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.Provider = llm.ProviderGemini

	_, err := Build(context.Background(), cfg, nil, Options{})
	require.Error(t, err)
}
