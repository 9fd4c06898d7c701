// Package llm is the model gateway: a provider-agnostic request/response
// contract plus the concrete provider clients behind it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Provider names accepted in Request.Provider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderGRPC   = "grpc"
)

// ErrUnknownProvider is returned when no gateway is registered for a provider.
var ErrUnknownProvider = errors.New("unknown model provider")

// Role of a chat message sent to a provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single model invocation. Prompt, when set, is sent as the
// system instruction ahead of Messages.
type Request struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Prompt           string    `json:"prompt,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Temperature      float64   `json:"temperature"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
}

// Response carries the completion text and token accounting.
type Response struct {
	Message          string `json:"message"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Gateway executes a model request.
type Gateway interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Router dispatches requests to a gateway by provider name.
type Router struct {
	providers map[string]Gateway
	fallback  string
}

// NewRouter creates a router. Requests without a provider go to fallback.
func NewRouter(fallback string) *Router {
	return &Router{providers: make(map[string]Gateway), fallback: fallback}
}

// Register binds a gateway to a provider name.
func (r *Router) Register(provider string, g Gateway) {
	r.providers[strings.ToLower(provider)] = g
}

// Providers lists registered provider names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute implements Gateway.
func (r *Router) Execute(ctx context.Context, req Request) (*Response, error) {
	name := strings.ToLower(req.Provider)
	if name == "" {
		name = r.fallback
	}
	g, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return g.Execute(ctx, req)
}

var _ Gateway = (*Router)(nil)
