package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

var errEmptyCompletion = errors.New("empty response from model")

// OpenAIConfig configures an OpenAI-compatible endpoint. Setting BaseURL to
// https://openrouter.ai/api/v1 targets OpenRouter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// OpenAI is a Gateway backed by the chat completions API.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI-compatible gateway.
func NewOpenAI(cfg OpenAIConfig, extra ...option.RequestOption) *OpenAI {
	return &OpenAI{client: openai.NewClient(clientOptions(cfg, extra)...)}
}

func clientOptions(cfg OpenAIConfig, extra []option.RequestOption) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return append(opts, extra...)
}

// Execute implements Gateway.
func (o *OpenAI) Execute(ctx context.Context, req Request) (*Response, error) {
	history := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Prompt != "" {
		history = append(history, openai.SystemMessage(req.Prompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			history = append(history, openai.SystemMessage(m.Content))
		case RoleAssistant:
			history = append(history, openai.AssistantMessage(m.Content))
		default:
			history = append(history, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    history,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openai.Float(req.PresencePenalty)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errEmptyCompletion
	}
	return &Response{
		Message:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

var _ Gateway = (*OpenAI)(nil)
