package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/chatflow/internal/domain"
)

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"blank":       "   ",
		"short":       "abc",
		"digits":      "123456",
		"punctuation": "?!?!...",
		"emoji":       "😀😀😀😀😀",
		"filler":      "beleza",
		"laugh":       "kkkkkkk",
		"no context":  "asdfgh",
		"too long":    strings.Repeat("agendar ", MaxLength/8+1),
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(text)
			if err == nil {
				t.Fatalf("expected %q to be rejected", text)
			}
			if domain.CodeOf(err) != domain.CodeInvalidMessageContext {
				t.Fatalf("unexpected code %q", domain.CodeOf(err))
			}
			var de *domain.Error
			if !errors.As(err, &de) || de.Text != text {
				t.Fatalf("expected offending text to be echoed, got %v", err)
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	for _, text := range []string{
		"preço",
		"Quero agendar uma consulta",
		"what time do you open tomorrow",
	} {
		if err := Validate(text); err != nil {
			t.Errorf("expected %q to be accepted: %v", text, err)
		}
	}
}

func TestValidateLengthBoundary(t *testing.T) {
	atMin := "preço"
	if got := len([]rune(atMin)); got != MinLength {
		t.Fatalf("fixture must be exactly MinLength runes, got %d", got)
	}
	if !Valid(atMin) {
		t.Fatalf("%q at MinLength with keyword must be accepted", atMin)
	}
	if Valid("preç") {
		t.Fatal("text below MinLength must be rejected")
	}

	atMax := "agendar " + strings.Repeat("a", MaxLength-len("agendar "))
	if !Valid(atMax) {
		t.Fatal("text at MaxLength must be accepted")
	}
	if Valid(atMax + "a") {
		t.Fatal("text above MaxLength must be rejected")
	}
}
