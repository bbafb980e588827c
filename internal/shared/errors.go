package shared

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes failures of skill routing and execution.
type ErrorKind string

const (
	// KindPermissionDenied: missing capability or caller identity. Checked before any I/O.
	KindPermissionDenied ErrorKind = "PERMISSION_DENIED"

	KindSkillNotFound  ErrorKind = "SKILL_NOT_FOUND"
	KindScriptNotFound ErrorKind = "SCRIPT_NOT_FOUND"
	KindScriptTimeout  ErrorKind = "SCRIPT_TIMEOUT"

	// KindScriptOutputMalformed: stdout was not a single result object.
	KindScriptOutputMalformed ErrorKind = "SCRIPT_OUTPUT_MALFORMED"

	// KindFallbackRequired is a routing signal, never shown to a user.
	KindFallbackRequired ErrorKind = "FALLBACK_REQUIRED"

	// KindRemoteToolError: the MCP tool used as fallback failed.
	KindRemoteToolError ErrorKind = "REMOTE_TOOL_ERROR"

	KindAgentTimeout      ErrorKind = "AGENT_TIMEOUT"
	KindAgentRuntimeError ErrorKind = "AGENT_RUNTIME_ERROR"
	KindInvalidInput      ErrorKind = "INVALID_INPUT"
	KindInternal          ErrorKind = "INTERNAL"
)

// FailurePrefix marks tool output as an error rather than data.
const FailurePrefix = "[ERROR] "

// Error is a classified failure. Message is safe to hand to the model.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind ErrorKind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first classified error in the chain,
// KindInternal for unclassified errors and "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// FailureText renders err as a short failure string for tool results.
func FailureText(err error) string {
	if err == nil {
		return ""
	}
	msg := Redact(strings.TrimSpace(err.Error()))
	if strings.HasPrefix(msg, FailurePrefix) {
		return msg
	}
	return FailurePrefix + msg
}
