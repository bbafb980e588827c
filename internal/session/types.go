// Package session owns one agent invocation end to end: an isolated working
// directory, the MCP server set, hook registration, the query timeout,
// post-processing of the answer and cleanup on every exit path.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/skillgate/internal/mcp"
	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/shared"
)

// HistoryEntry is one prior conversation turn.
type HistoryEntry struct {
	Role      string `json:"role"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content"`
	IsSummary bool   `json:"is_summary,omitempty"`
}

// ToolCallRecord is one completed tool invocation, in emission order.
type ToolCallRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// CallRequest is the input of Manager.Call.
type CallRequest struct {
	Prompt             string
	Model              string
	History            []HistoryEntry
	SystemPrompt       string
	ToolNames          []string
	RequiredMCPServers []string
	Timeout            time.Duration
	Mode               policy.Mode

	// OnToolStart and OnToolEnd are optional caller callbacks, invoked after
	// the manager has recorded the event.
	OnToolStart func(name string, input json.RawMessage)
	OnToolEnd   func(rec ToolCallRecord)
}

// CallResult never carries a Go error; failures are described by Error and
// Kind.
type CallResult struct {
	Success      bool             `json:"success"`
	Message      string           `json:"message,omitempty"`
	Error        string           `json:"error,omitempty"`
	Kind         shared.ErrorKind `json:"kind,omitempty"`
	ToolCalls    []ToolCallRecord `json:"tool_calls"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	SessionID    string           `json:"session_id"`
	DurationMS   int64            `json:"duration_ms"`
}

// SessionConfig binds a runtime session to its workdir and tool set.
type SessionConfig struct {
	ID           string
	Workdir      string
	MCPConfig    string // path of mcp.json inside Workdir
	MCPServers   []mcp.ServerDescriptor
	SystemPrompt string
	Model        string
	ToolNames    []string
	Mode         policy.Mode
}

// ToolEvent is emitted by a runtime around each tool invocation. ID pairs a
// start with its end; runtimes that execute tools sequentially may leave it
// empty.
type ToolEvent struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Output string
	Err    error
}

// Usage is the token accounting of one query.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// QueryResult is the final answer of a runtime query.
type QueryResult struct {
	Text  string
	Usage Usage
}

// Hooks are registered on a runtime session before its query starts.
type Hooks struct {
	OnToolStart  func(ctx context.Context, ev ToolEvent)
	OnToolEnd    func(ctx context.Context, ev ToolEvent)
	OnPermission func(ctx context.Context, tool string, input json.RawMessage) bool
	OnResult     func(ctx context.Context, res QueryResult)
}

// Runtime starts agent sessions. engine.GenkitRuntime is the production
// implementation.
type Runtime interface {
	Start(ctx context.Context, cfg SessionConfig) (RuntimeSession, error)
}

// RuntimeSession is one live agent conversation.
type RuntimeSession interface {
	SetHooks(h Hooks)
	Query(ctx context.Context, prompt string) (QueryResult, error)
	Close() error
}

// DescriptorSource resolves server names into descriptors; *mcp.Manager
// implements it.
type DescriptorSource interface {
	Descriptors(names []string) []mcp.ServerDescriptor
}
