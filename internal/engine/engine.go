// Package engine turns a caller request into one agent invocation: it
// filters skills by permission, derives the tool set from the routing
// policy, composes the system prompt and records the outcome.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/audit"
	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/session"
	"github.com/basket/skillgate/internal/shared"
	"github.com/basket/skillgate/internal/skills"
)

const defaultSystemPrompt = "You are a helpful assistant. Use the tools you are given when they help; " +
	"tool output starting with [ERROR] describes a failure you should report or work around."

// Caller runs one agent session; *session.Manager implements it.
type Caller interface {
	Call(ctx context.Context, req session.CallRequest) session.CallResult
}

// Request is one user turn.
type Request struct {
	Permissions    skills.Permissions
	CallerIdentity string
	History        []session.HistoryEntry
	Message        string
	Model          string
	SystemPrompt   string // replaces the configured base prompt when set
	Timeout        time.Duration

	OnToolStart func(name string, input json.RawMessage)
	OnToolEnd   func(rec session.ToolCallRecord)
}

// Response is the outcome of Handle together with the routing decision
// it was made under.
type Response struct {
	session.CallResult
	Route  policy.Result `json:"route"`
	Skills []string      `json:"skills"`
}

// Config configures an Engine.
type Config struct {
	Skills       *skills.Registry
	Routing      *policy.Live
	Sessions     Caller
	Audit        audit.Recorder
	FallbackMaps map[string]map[string]string
	SystemPrompt string
	Model        string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	skills       *skills.Registry
	routing      *policy.Live
	sessions     Caller
	audit        audit.Recorder
	fallbackMaps map[string]map[string]string
	systemPrompt string
	model        string
	timeout      time.Duration
	logger       *slog.Logger
}

// New validates cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Skills == nil {
		return nil, errors.New("engine: skill registry is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("engine: session caller is required")
	}
	if cfg.Routing == nil {
		cfg.Routing = policy.NewLive(policy.ModeScriptFirst, policy.Options{})
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		skills:       cfg.Skills,
		routing:      cfg.Routing,
		sessions:     cfg.Sessions,
		audit:        cfg.Audit,
		fallbackMaps: cfg.FallbackMaps,
		systemPrompt: cfg.SystemPrompt,
		model:        cfg.Model,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger.With("component", "engine"),
	}, nil
}

// Route returns the tool and server set a caller with perms would get.
func (e *Engine) Route(perms skills.Permissions) policy.Result {
	return e.routing.Compute(e.skills.ListFor(perms), e.fallbackMaps)
}

// Handle runs one agent turn. Failures are reported in the response, never
// as an error.
func (e *Engine) Handle(ctx context.Context, req Request) Response {
	if shared.TraceID(ctx) == "" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	if req.CallerIdentity != "" {
		ctx = shared.WithCallerIdentity(ctx, req.CallerIdentity)
	}

	permitted := e.skills.ListFor(req.Permissions)
	route := e.routing.Compute(permitted, e.fallbackMaps)
	names := make([]string, 0, len(permitted))
	for _, s := range permitted {
		names = append(names, s.Name)
	}

	model := req.Model
	if model == "" {
		model = e.model
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	base := e.systemPrompt
	if strings.TrimSpace(req.SystemPrompt) != "" {
		base = req.SystemPrompt
	}

	e.logger.Info("agent request",
		"trace_id", shared.TraceID(ctx),
		"mode", route.State.Mode,
		"skills", len(permitted),
		"tools", len(route.Tools),
		"mcp_servers", route.MCPServers,
	)

	if strings.TrimSpace(req.Message) == "" {
		res := session.CallResult{Error: "empty message", Kind: shared.KindInvalidInput, ToolCalls: []session.ToolCallRecord{}}
		e.record(ctx, model, route, res)
		return Response{CallResult: res, Route: route, Skills: names}
	}

	res := e.sessions.Call(ctx, session.CallRequest{
		Prompt:             req.Message,
		Model:              model,
		History:            req.History,
		SystemPrompt:       SystemPrompt(base, permitted),
		ToolNames:          route.Tools,
		RequiredMCPServers: route.MCPServers,
		Timeout:            timeout,
		Mode:               route.State.Mode,
		OnToolStart:        req.OnToolStart,
		OnToolEnd:          req.OnToolEnd,
	})
	if !res.Success {
		class := classifyText(res.Error)
		e.logger.Warn("agent request failed",
			"trace_id", shared.TraceID(ctx),
			"session_id", res.SessionID,
			"kind", res.Kind,
			"class", class,
			"retryable", class.Retryable(),
			"error", shared.Redact(res.Error),
		)
	}
	e.record(ctx, model, route, res)
	return Response{CallResult: res, Route: route, Skills: names}
}

func (e *Engine) record(ctx context.Context, model string, route policy.Result, res session.CallResult) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, audit.Entry{
		Context:      audit.ContextAgent,
		Model:        model,
		Success:      res.Success,
		DurationMS:   res.DurationMS,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Error:        res.Error,
		Policy:       string(route.State.Mode),
		SessionID:    res.SessionID,
		TraceID:      shared.TraceID(ctx),
		Identity:     shared.CallerIdentity(ctx),
	})
}

// SystemPrompt appends one "## Skill: <name>" section per skill to base.
// Skills without a body contribute their description.
func SystemPrompt(base string, permitted []skills.Skill) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	for _, s := range permitted {
		body := strings.TrimSpace(s.Body)
		if body == "" {
			body = strings.TrimSpace(s.Description)
		}
		b.WriteString("\n\n## Skill: ")
		b.WriteString(s.Name)
		if s.Description != "" && body != strings.TrimSpace(s.Description) {
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(s.Description))
		}
		if body != "" {
			b.WriteString("\n\n")
			b.WriteString(body)
		}
		if s.HasScripts() {
			b.WriteString("\n\nScripts: ")
			b.WriteString(strings.Join(s.ScriptNames(), ", "))
		}
	}
	return b.String()
}
