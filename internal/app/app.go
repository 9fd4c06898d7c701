// Package app wires the orchestration runtime from configuration. It is shared
// by the HTTP server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/chatflow/internal/agent"
	"github.com/ashureev/chatflow/internal/aggregator"
	"github.com/ashureev/chatflow/internal/config"
	"github.com/ashureev/chatflow/internal/coordination"
	"github.com/ashureev/chatflow/internal/intent"
	"github.com/ashureev/chatflow/internal/llm"
	"github.com/ashureev/chatflow/internal/orchestrator"
	"github.com/ashureev/chatflow/internal/store"
	"github.com/ashureev/chatflow/internal/tools"
)

// App holds the wired runtime.
type App struct {
	Repo         *store.SQLiteStore
	Coordination coordination.Store
	Gateway      *llm.Router
	Embedder     llm.Embedder
	Registry     *tools.Registry
	Detector     *intent.Detector
	Service      *orchestrator.Service
	Aggregator   *aggregator.Aggregator
	ConvLog      orchestrator.ConversationLogger

	closers []func() error
}

// Options narrow what Build wires. The CLI skips the coordination store.
type Options struct {
	SkipCoordination bool
	SkipConvLog      bool
}

// Build opens the database and connects every configured provider. On error
// everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Repo, err = store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, a.Repo.Close)
	if err = a.Repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}

	if !opts.SkipCoordination {
		if err = a.buildCoordination(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if err = a.buildGateways(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if a.Embedder, err = buildEmbedder(ctx, cfg); err != nil {
		return nil, err
	}

	a.ConvLog = orchestrator.NoopConversationLogger()
	if !opts.SkipConvLog {
		a.ConvLog, err = orchestrator.NewConversationLogger(orchestrator.ConversationLogConfig{
			Enabled:       cfg.ConversationLog.Enabled,
			Dir:           cfg.ConversationLog.Dir,
			GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
			GlobalPath:    cfg.ConversationLog.GlobalPath,
			QueueSize:     cfg.ConversationLog.QueueSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("conversation logger: %w", err)
		}
		a.closers = append(a.closers, a.ConvLog.Close)
	}

	a.Registry = tools.NewRegistry(a.Repo, tools.Builtins()...)
	a.Detector = intent.NewDetector(agent.NewResolver(a.Repo), a.Registry, a.Gateway, a.Repo, intent.Config{
		Provider:  cfg.Providers.Default,
		Model:     cfg.Providers.DefaultModel,
		MaxTokens: cfg.Orchestration.IntentMaxTokens,
	})

	o := cfg.Orchestration
	a.Service = orchestrator.NewService(orchestrator.Deps{
		Repo:     a.Repo,
		Gateway:  a.Gateway,
		Embedder: a.Embedder,
		Registry: a.Registry,
		Detector: a.Detector,
		Log:      a.ConvLog,
	}, orchestrator.Config{
		HistorySize:        o.HistorySize,
		PassTimeout:        o.PassTimeout,
		DefaultProvider:    cfg.Providers.Default,
		DefaultModel:       cfg.Providers.DefaultModel,
		AnswerMaxTokens:    o.AnswerMaxTokens,
		AnswerTemperature:  o.AnswerTemperature,
		FrequencyPenalty:   o.FrequencyPenalty,
		PresencePenalty:    o.PresencePenalty,
		RewriteMaxTokens:   o.RewriteMaxTokens,
		RewriteTemperature: o.RewriteTemperature,
		RetrievalLimit:     cfg.Embedding.Limit,
		MinScore:           cfg.Embedding.MinScore,
	})

	if a.Coordination != nil {
		a.Aggregator = aggregator.New(a.Coordination, a.Service, aggregator.Config{
			Window:      cfg.Aggregation.Window,
			LockBuffer:  cfg.Aggregation.LockBuffer,
			BufferTTL:   cfg.Aggregation.BufferTTL,
			PassTimeout: cfg.Orchestration.PassTimeout,
			KeyPrefix:   cfg.Aggregation.KeyPrefix,
		})
	}
	return a, nil
}

func (a *App) buildCoordination(ctx context.Context, cfg *config.Config) error {
	if cfg.Coordination.Backend != "redis" {
		a.Coordination = coordination.NewMemoryStore()
		slog.Info("Coordination store ready", "backend", "memory")
		return nil
	}
	rs, err := coordination.DialRedis(ctx, cfg.Coordination.RedisURL)
	if err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}
	a.Coordination = rs
	a.closers = append(a.closers, rs.Close)
	slog.Info("Coordination store ready", "backend", "redis")
	return nil
}

// buildGateways registers every provider with credentials. The default
// provider must be among them.
func (a *App) buildGateways(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	p := cfg.Providers
	a.Gateway = llm.NewRouter(p.Default)

	if p.OpenAIAPIKey != "" {
		a.Gateway.Register(llm.ProviderOpenAI, llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  p.OpenAIAPIKey,
			BaseURL: p.OpenAIBaseURL,
		}))
	}
	if p.GoogleAPIKey != "" {
		g, err := llm.NewGemini(ctx, p.GoogleAPIKey, p.GeminiBaseURL)
		if err != nil {
			return fmt.Errorf("gemini gateway: %w", err)
		}
		a.Gateway.Register(llm.ProviderGemini, g)
	}
	if p.GatewayAddr != "" {
		gcfg := llm.DefaultGRPCConfig()
		gcfg.Address = p.GatewayAddr
		gcfg.ConnectTimeout = p.ConnectTimeout
		g, err := llm.NewGRPC(gcfg, logger)
		if err != nil {
			// A remote gateway that is down should not keep the direct
			// providers from serving.
			slog.Warn("Model gateway unavailable", "address", p.GatewayAddr, "error", err)
		} else {
			a.Gateway.Register(llm.ProviderGRPC, g)
			a.closers = append(a.closers, func() error { g.Close(); return nil })
		}
	}

	providers := a.Gateway.Providers()
	for _, name := range providers {
		if name == p.Default {
			slog.Info("Model providers ready", "providers", providers, "default", p.Default)
			return nil
		}
	}
	return fmt.Errorf("default provider %q is not configured (have %v)", p.Default, providers)
}

// buildEmbedder returns a nil interface when retrieval is disabled.
func buildEmbedder(ctx context.Context, cfg *config.Config) (llm.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "":
		slog.Info("Retrieval disabled, no embedding provider configured")
		return nil, nil
	case llm.ProviderOpenAI:
		if cfg.Providers.OpenAIAPIKey == "" {
			return nil, errors.New("EMBEDDING_PROVIDER=openai requires OPENAI_API_KEY")
		}
		return llm.NewOpenAIEmbedder(llm.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAIAPIKey,
			BaseURL: cfg.Providers.OpenAIBaseURL,
		}, cfg.Embedding.Model), nil
	case llm.ProviderGemini:
		if cfg.Providers.GoogleAPIKey == "" {
			return nil, errors.New("EMBEDDING_PROVIDER=gemini requires GOOGLE_API_KEY")
		}
		e, err := llm.NewGenAIEmbedder(ctx, cfg.Providers.GoogleAPIKey, cfg.Providers.GeminiBaseURL, cfg.Embedding.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini embedder: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

// Close releases everything Build opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
