package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the orchestration error taxonomy.
type ErrorCode string

const (
	CodeInvalidMessageContext ErrorCode = "InvalidMessageContext"
	CodeAggregationConflict   ErrorCode = "AggregationConflict"
	CodeInvalidQuestion       ErrorCode = "InvalidQuestion"
	CodeContextNotFound       ErrorCode = "ContextNotFound"
	CodeContextIrrelevant     ErrorCode = "ContextIrrelevant"
	CodeResultError           ErrorCode = "ResultError"
	CodeProviderFailure       ErrorCode = "ProviderFailure"
	CodeAgentNotConfigured    ErrorCode = "AgentNotConfigured"
)

// Error is a classified failure. Text echoes the offending input where useful.
type Error struct {
	Code ErrorCode
	Text string
	Err  error
}

// NewError creates a classified error.
func NewError(code ErrorCode, text string, err error) *Error {
	return &Error{Code: code, Text: text, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Text != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Text)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the taxonomy code from err, or "" if err is unclassified.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
