// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	CORSOrigins        []string
	DBPath             string
	DefaultWorkspaceID string
	SeedFile           string
	Coordination       CoordinationConfig
	Aggregation        AggregationConfig
	Providers          ProvidersConfig
	Embedding          EmbeddingConfig
	Orchestration      OrchestrationConfig
	RateLimit          RateLimitConfig
	LiveChat           LiveChatConfig
	Timeout            TimeoutConfig
	ConversationLog    ConversationLogConfig
}

// CoordinationConfig selects the shared lock/buffer store.
type CoordinationConfig struct {
	Backend  string // "memory" or "redis"
	RedisURL string
}

// AggregationConfig controls message batching per conversation.
type AggregationConfig struct {
	Window     time.Duration
	LockBuffer time.Duration
	BufferTTL  time.Duration
	KeyPrefix  string
}

// ProvidersConfig holds model provider credentials.
type ProvidersConfig struct {
	Default        string
	DefaultModel   string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	GoogleAPIKey   string
	GeminiBaseURL  string
	GatewayAddr    string
	ConnectTimeout time.Duration
}

// EmbeddingConfig selects the embedding backend.
type EmbeddingConfig struct {
	Provider string // "openai", "gemini" or "" to disable retrieval
	Model    string
	Limit    int
	MinScore float64
}

// OrchestrationConfig holds model call defaults.
type OrchestrationConfig struct {
	HistorySize        int
	PassTimeout        time.Duration
	AnswerMaxTokens    int
	AnswerTemperature  float64
	FrequencyPenalty   float64
	PresencePenalty    float64
	RewriteMaxTokens   int
	RewriteTemperature float64
	IntentMaxTokens    int
}

// RateLimitConfig throttles API requests per workspace.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// LiveChatConfig controls websocket sessions.
type LiveChatConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// TimeoutConfig holds request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		CORSOrigins:        splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		DBPath:             getEnv("DB_PATH", "./data/chatflow.db"),
		DefaultWorkspaceID: getEnv("DEFAULT_WORKSPACE_ID", ""),
		SeedFile:           getEnv("SEED_FILE", ""),
		Coordination: CoordinationConfig{
			Backend:  strings.ToLower(getEnv("COORDINATION_BACKEND", "memory")),
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Aggregation: AggregationConfig{
			Window:     getEnvDuration("AGGREGATION_WINDOW", 600*time.Millisecond),
			LockBuffer: getEnvDuration("AGGREGATION_LOCK_BUFFER", 5*time.Second),
			BufferTTL:  getEnvDuration("AGGREGATION_BUFFER_TTL", 30*time.Second),
			KeyPrefix:  getEnv("AGGREGATION_KEY_PREFIX", "chatflow"),
		},
		Providers: ProvidersConfig{
			Default:        strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			DefaultModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
			OpenAIAPIKey:   firstEnv("OPENAI_API_KEY", "OPENROUTER_API_KEY"),
			OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
			GoogleAPIKey:   getEnv("GOOGLE_API_KEY", ""),
			GeminiBaseURL:  getEnv("GEMINI_BASE_URL", ""),
			GatewayAddr:    getEnv("MODEL_GATEWAY_ADDR", ""),
			ConnectTimeout: getEnvDuration("MODEL_GATEWAY_CONNECT_TIMEOUT", 5*time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", "")),
			Model:    getEnv("EMBEDDING_MODEL", ""),
			Limit:    getEnvInt("RETRIEVAL_LIMIT", 5),
			MinScore: getEnvFloat("RETRIEVAL_MIN_SCORE", 0.35),
		},
		Orchestration: OrchestrationConfig{
			HistorySize:        getEnvInt("HISTORY_SIZE", 10),
			PassTimeout:        getEnvDuration("PASS_TIMEOUT", 45*time.Second),
			AnswerMaxTokens:    getEnvInt("ANSWER_MAX_TOKENS", 800),
			AnswerTemperature:  getEnvFloat("ANSWER_TEMPERATURE", 0.3),
			FrequencyPenalty:   getEnvFloat("FREQUENCY_PENALTY", 0),
			PresencePenalty:    getEnvFloat("PRESENCE_PENALTY", 0),
			RewriteMaxTokens:   getEnvInt("REWRITE_MAX_TOKENS", 200),
			RewriteTemperature: getEnvFloat("REWRITE_TEMPERATURE", 0),
			IntentMaxTokens:    getEnvInt("INTENT_MAX_TOKENS", 40),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 120),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		LiveChat: LiveChatConfig{
			IdleTTL:       getEnvDuration("LIVECHAT_IDLE_TTL", 30*time.Minute),
			SweepInterval: getEnvDuration("LIVECHAT_SWEEP_INTERVAL", time.Minute),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 2*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Coordination.Backend {
	case "memory":
	case "redis":
		if c.Coordination.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty when COORDINATION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("COORDINATION_BACKEND must be memory or redis, got %q", c.Coordination.Backend)
	}
	if c.Aggregation.Window < 0 {
		return fmt.Errorf("AGGREGATION_WINDOW must be >= 0")
	}
	if c.Aggregation.LockBuffer <= 0 {
		return fmt.Errorf("AGGREGATION_LOCK_BUFFER must be > 0")
	}
	switch c.Providers.Default {
	case "openai", "gemini", "grpc":
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai, gemini or grpc, got %q", c.Providers.Default)
	}
	switch c.Embedding.Provider {
	case "", "openai", "gemini":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be openai, gemini or empty, got %q", c.Embedding.Provider)
	}
	if c.Orchestration.PassTimeout <= 0 {
		return fmt.Errorf("PASS_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 || c.LiveChat.SweepInterval <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW and LIVECHAT_SWEEP_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
