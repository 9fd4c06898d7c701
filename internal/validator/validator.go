// Package validator rejects inbound text that carries too little meaning to
// justify a model call.
package validator

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/chatflow/internal/domain"
)

const (
	// MinLength is the shortest accepted message, in runes.
	MinLength = 5
	// MaxLength is the longest accepted message, in runes.
	MaxLength = 1000
	// minFreeTextLength applies to messages without a contextual keyword.
	minFreeTextLength = 10
)

var (
	digitsOnly      = regexp.MustCompile(`^\d+$`)
	fewLetters      = regexp.MustCompile(`^\pL{1,2}$`)
	punctuationOnly = regexp.MustCompile(`^[\pP\pS\s]+$`)
	emojiOnly       = regexp.MustCompile(`^[\p{So}\p{Sk}\x{200D}\x{FE0F}\x{1F3FB}-\x{1F3FF}\s]+$`)
	repeatedLaugh   = regexp.MustCompile(`^(?i)(k{3,}|(ha){2,}h?|(he){2,}h?|(rs)+|lo+l)$`)
)

var fillerWords = map[string]struct{}{
	"ok": {}, "okay": {}, "oi": {}, "olá": {}, "ola": {}, "opa": {}, "eai": {}, "e aí": {},
	"hmm": {}, "hum": {}, "ah": {}, "ahh": {}, "eh": {}, "uhum": {}, "aham": {},
	"sim": {}, "não": {}, "nao": {}, "ta": {}, "tá": {}, "blz": {}, "beleza": {},
	"valeu": {}, "obrigado": {}, "obrigada": {}, "tchau": {}, "bom dia": {}, "boa tarde": {}, "boa noite": {},
	"hello": {}, "hi": {}, "hey": {}, "yes": {}, "no": {}, "thanks": {}, "bye": {},
}

var contextualKeywords = []string{
	"agendar", "agendamento", "consulta", "marcar", "desmarcar", "remarcar", "cancelar",
	"horário", "horario", "preço", "preco", "valor", "endereço", "endereco", "exame",
	"convênio", "convenio", "pagamento", "médico", "medico", "atendimento", "resultado",
	"schedule", "appointment", "cancel", "price", "address", "booking",
}

// Validate returns a CodeInvalidMessageContext error when text lacks enough
// semantic content. The offending text is echoed in the error.
func Validate(text string) error {
	if reason := rejectReason(text); reason != "" {
		return domain.NewError(domain.CodeInvalidMessageContext, text, &rejection{reason})
	}
	return nil
}

// Valid reports whether text passes Validate.
func Valid(text string) bool {
	return rejectReason(text) == ""
}

type rejection struct{ reason string }

func (r *rejection) Error() string { return r.reason }

func rejectReason(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty message"
	}
	n := utf8.RuneCountInString(trimmed)
	if n < MinLength {
		return "message too short"
	}
	if n > MaxLength {
		return "message too long"
	}

	lower := strings.ToLower(trimmed)
	switch {
	case digitsOnly.MatchString(lower):
		return "digits only"
	case fewLetters.MatchString(lower):
		return "too few letters"
	case punctuationOnly.MatchString(lower):
		return "punctuation only"
	case emojiOnly.MatchString(lower):
		return "emoji only"
	case repeatedLaugh.MatchString(lower):
		return "interjection"
	}
	if _, ok := fillerWords[strings.Trim(lower, ".!?,; ")]; ok {
		return "filler word"
	}

	if hasKeyword(lower) {
		return ""
	}
	if n >= minFreeTextLength && strings.ContainsRune(trimmed, ' ') {
		return ""
	}
	return "no contextual content"
}

func hasKeyword(lower string) bool {
	for _, kw := range contextualKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
