package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/skillgate/internal/shared"
)

// ErrorClass groups agent runtime failures by cause for logs and CLI hints.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassNotConfigured   ErrorClass = "NOT_CONFIGURED"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// classRules are checked in order against the lowercased error text.
var classRules = []struct {
	class   ErrorClass
	needles []string
}{
	{ErrorClassNotConfigured, []string{"llm not configured"}},
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "invalid x-api-key"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "overloaded"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "prompt is too long"}},
}

// ClassifyError returns the first class whose patterns match err.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || shared.IsKind(err, shared.KindAgentTimeout) {
		return ErrorClassTimeout
	}
	return classifyText(err.Error())
}

func classifyText(msg string) ErrorClass {
	msg = strings.ToLower(msg)
	for _, rule := range classRules {
		for _, n := range rule.needles {
			if strings.Contains(msg, n) {
				return rule.class
			}
		}
	}
	return ErrorClassUnknown
}

// Kind maps the class onto the error taxonomy.
func (c ErrorClass) Kind() shared.ErrorKind {
	if c == ErrorClassTimeout {
		return shared.KindAgentTimeout
	}
	return shared.KindAgentRuntimeError
}

// Retryable reports whether the same request may succeed later unchanged.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassRateLimit || c == ErrorClassTimeout
}

// Hint is a one-line operator suggestion, empty when there is none.
func (c ErrorClass) Hint() string {
	switch c {
	case ErrorClassNotConfigured:
		return "set the provider API key in the environment or ~/.skillgate/.env"
	case ErrorClassAuth:
		return "check the provider API key; run `skillgate doctor`"
	case ErrorClassRateLimit:
		return "provider rate limit reached; retry later"
	case ErrorClassTimeout:
		return "raise session.timeout_seconds or pass -timeout"
	case ErrorClassBilling:
		return "check the provider account's billing status"
	case ErrorClassContextOverflow:
		return "shorten the conversation history"
	}
	return ""
}
