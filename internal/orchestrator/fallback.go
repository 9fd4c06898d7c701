package orchestrator

import (
	"strings"

	"github.com/ashureev/chatflow/internal/domain"
)

// DefaultFallbackMessages are the end-user sentences per code when a
// workspace has no override.
var DefaultFallbackMessages = map[domain.ErrorCode]string{
	domain.CodeContextIrrelevant: "Desculpe, só consigo ajudar com assuntos relacionados ao nosso atendimento.",
	domain.CodeContextNotFound:   "Desculpe, não encontrei essa informação. Vou encaminhar sua pergunta para nossa equipe.",
	domain.CodeInvalidQuestion:   "Desculpe, não entendi sua pergunta. Pode reformular?",
	domain.CodeResultError:       "Desculpe, não consegui formular uma resposta. Pode reformular sua pergunta?",
}

// Decision is the end-user reply chosen for a model pass.
type Decision struct {
	Content    string
	NextStep   *NextStepMap
	IsFallback bool
	Code       domain.ErrorCode
}

// Decide picks the reply for a pass. preflag carries a failure detected
// before or during the model call (empty when the call succeeded). The
// result depends only on its inputs.
func Decide(raw string, preflag domain.ErrorCode, overrides map[domain.ErrorCode]string) Decision {
	out, parsed := ParseOutput(raw)
	if preflag == "" && parsed && out.Result != nil && strings.Contains(out.Result.Response, ReservedErrorPrefix) {
		return Decision{
			Content:    DefaultFallbackMessages[domain.CodeResultError],
			IsFallback: true,
			Code:       domain.CodeResultError,
		}
	}
	if preflag == "" && parsed && out.Error == nil && out.Result != nil {
		return Decision{Content: out.Result.Response, NextStep: out.Result.NextStepMap}
	}

	code := preflag
	if code == "" {
		code = domain.CodeInvalidQuestion
		if parsed && out.Error != nil {
			code = errorCode(*out.Error)
		}
	}
	return Decision{Content: fallbackMessage(code, overrides), IsFallback: true, Code: code}
}

func fallbackMessage(code domain.ErrorCode, overrides map[domain.ErrorCode]string) string {
	lookup := code
	if code == domain.CodeProviderFailure {
		lookup = domain.CodeInvalidQuestion
	}
	if msg, ok := overrides[lookup]; ok && msg != "" {
		return msg
	}
	return DefaultFallbackMessages[lookup]
}
