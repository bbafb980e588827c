package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/audit"
	"github.com/basket/skillgate/internal/otel"
	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/sandbox/script"
	"github.com/basket/skillgate/internal/shared"
	"github.com/basket/skillgate/internal/skills"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"
)

// RemoteExecutor invokes a remote (MCP) tool and returns its text output.
// *mcp.Manager implements it.
type RemoteExecutor interface {
	ExecuteTool(ctx context.Context, toolName string, args map[string]any) (string, error)
}

// ScriptRunner is the script execution surface the dispatcher needs.
type ScriptRunner interface {
	Run(ctx context.Context, req script.Request) script.Result
}

// ModeSource reports the routing mode in effect. *policy.Live implements it.
type ModeSource interface {
	Mode() policy.Mode
	Options() policy.Options
}

// DispatchInput is the argument object of the run_skill_script tool.
type DispatchInput struct {
	// Skill is the name of the skill that owns the script.
	Skill string `json:"skill"`
	// Script is the script file name under the skill's scripts/ dir, with or without extension.
	Script string `json:"script"`
	// Input is a JSON object, encoded as a string, passed to the script on stdin.
	Input string `json:"input,omitempty"`
	// CallerIdentity is required by skills gated on an app capability.
	CallerIdentity string `json:"caller_identity,omitempty"`
}

// RouteOutcome records how a dispatch was served.
type RouteOutcome struct {
	Policy       policy.Mode `json:"policy"`
	FallbackUsed bool        `json:"fallback_used"`
	FallbackTool string      `json:"fallback_tool,omitempty"`
}

// DispatchResult is what run_skill_script returns to the model, as JSON.
type DispatchResult struct {
	Success    bool             `json:"success"`
	Output     any              `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Kind       shared.ErrorKind `json:"kind,omitempty"`
	DurationMS int64            `json:"duration_ms"`
	Route      RouteOutcome     `json:"route"`
}

const dispatchInputSchema = `{
	"type": "object",
	"required": ["skill", "script"],
	"properties": {
		"skill": {"type": "string", "minLength": 1},
		"script": {"type": "string", "minLength": 1},
		"input": {"type": "string"},
		"caller_identity": {"type": "string"}
	}
}`

const scriptArgsSchema = `{"type": "object"}`

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Skills    *skills.Registry
	Runner    ScriptRunner
	Remote    RemoteExecutor // nil disables the fallback bridge
	Routing   ModeSource
	Audit     audit.Recorder // nil drops audit entries
	Telemetry *otel.Instruments
	Logger    *slog.Logger

	// FallbackMaps overrides a skill's own script_mcp_fallback, keyed by skill.
	FallbackMaps map[string]map[string]string
}

// Dispatcher serves the generic run_skill_script tool: it runs a skill
// script and, when the script asks for it, forwards the normalized input to
// the equivalent remote tool.
type Dispatcher struct {
	skills       *skills.Registry
	runner       ScriptRunner
	remote       RemoteExecutor
	routing      ModeSource
	audit        audit.Recorder
	tel          *otel.Instruments
	logger       *slog.Logger
	fallbackMaps map[string]map[string]string

	inputSchema *jsonschema.Schema
	argsSchema  *jsonschema.Schema
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Skills == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("dispatcher: skills registry and runner are required")
	}
	if cfg.Routing == nil {
		cfg.Routing = policy.NewLive(policy.ModeScriptFirst, policy.Options{})
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = otel.NoopInstruments()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	inputSchema, err := script.CompileSchema("run-skill-script-input.json", []byte(dispatchInputSchema))
	if err != nil {
		return nil, fmt.Errorf("dispatcher input schema: %w", err)
	}
	argsSchema, err := script.CompileSchema("run-skill-script-args.json", []byte(scriptArgsSchema))
	if err != nil {
		return nil, fmt.Errorf("dispatcher args schema: %w", err)
	}
	return &Dispatcher{
		skills:       cfg.Skills,
		runner:       cfg.Runner,
		remote:       cfg.Remote,
		routing:      cfg.Routing,
		audit:        cfg.Audit,
		tel:          cfg.Telemetry,
		logger:       cfg.Logger.With("component", "dispatcher"),
		fallbackMaps: cfg.FallbackMaps,
		inputSchema:  inputSchema,
		argsSchema:   argsSchema,
	}, nil
}

// ToolName is the fully-qualified name the dispatcher is exposed under.
func (d *Dispatcher) ToolName() string {
	return d.routing.Options().Dispatcher()
}

// RunSkillScript is the tool body. It always returns a JSON document.
func (d *Dispatcher) RunSkillScript(ctx context.Context, in DispatchInput) string {
	res := d.Dispatch(ctx, in)
	b, err := json.Marshal(res)
	if err != nil {
		// Output came from a script we decoded ourselves; this only fails on
		// exotic values, so fall back to text.
		b, _ = json.Marshal(DispatchResult{
			Success: res.Success,
			Output:  fmt.Sprint(res.Output),
			Error:   res.Error,
			Kind:    res.Kind,
			Route:   res.Route,
		})
	}
	return string(b)
}

// Dispatch runs one script invocation and records exactly one audit entry.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) DispatchResult {
	start := time.Now()
	mode := d.routing.Mode()
	ctx, span := otel.StartSpan(ctx, d.tel.Tracer, "tools.run_skill_script",
		otel.AttrSkill.String(in.Skill),
		otel.AttrScript.String(in.Script),
		otel.AttrPolicy.String(string(mode)),
	)

	identity := in.CallerIdentity
	if identity == "" {
		identity = shared.CallerIdentity(ctx)
	}

	res := d.dispatch(ctx, in, identity, mode)
	res.DurationMS = time.Since(start).Milliseconds()
	res.Route.Policy = mode

	attrs := metric.WithAttributes(otel.AttrSkill.String(in.Skill), otel.AttrFallbackUsed.Bool(res.Route.FallbackUsed))
	d.tel.Metrics.ScriptDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if res.Route.FallbackUsed {
		d.tel.Metrics.ScriptFallbacks.Add(ctx, 1, metric.WithAttributes(otel.AttrSkill.String(in.Skill)))
		span.SetAttributes(otel.AttrFallbackTool.String(res.Route.FallbackTool))
	}
	if !res.Success {
		d.tel.Metrics.ToolErrors.Add(ctx, 1, metric.WithAttributes(
			otel.AttrToolName.String(d.ToolName()),
			otel.AttrErrorKind.String(string(res.Kind)),
		))
		span.SetAttributes(otel.AttrErrorKind.String(string(res.Kind)))
	}
	otel.EndSpan(span, !res.Success, res.Error)

	if d.audit != nil {
		d.audit.Record(ctx, audit.Entry{
			Context:      audit.ContextTool,
			Success:      res.Success,
			DurationMS:   res.DurationMS,
			Error:        res.Error,
			Tool:         d.ToolName(),
			Skill:        in.Skill,
			FallbackUsed: res.Route.FallbackUsed,
			FallbackTool: res.Route.FallbackTool,
			Policy:       string(mode),
			Identity:     identity,
		})
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, in DispatchInput, identity string, mode policy.Mode) DispatchResult {
	raw, err := json.Marshal(in)
	if err != nil {
		return failed(shared.Wrap(shared.KindInvalidInput, "invalid dispatcher arguments", err))
	}
	if err := script.ValidateJSON(d.inputSchema, raw); err != nil {
		return failed(shared.Wrap(shared.KindInvalidInput, "invalid dispatcher arguments", err))
	}
	args := strings.TrimSpace(in.Input)
	if args == "" {
		args = "{}"
	}
	if err := script.ValidateJSON(d.argsSchema, []byte(args)); err != nil {
		return failed(shared.Wrap(shared.KindInvalidInput, "script input must be a JSON object", err))
	}

	run := d.runner.Run(shared.WithSkill(ctx, in.Skill), script.Request{
		Skill:          in.Skill,
		Script:         in.Script,
		Input:          json.RawMessage(args),
		CallerIdentity: identity,
	})
	switch {
	case run.Success:
		return DispatchResult{Success: true, Output: run.Output}
	case !run.FallbackRequested():
		return DispatchResult{Error: shared.FailureText(shared.Errorf(run.Kind, "%s", run.Error)), Kind: run.Kind}
	}

	tool, ok := d.fallbackTool(in.Skill, in.Script)
	if !ok || d.remote == nil {
		d.logger.Info("fallback requested without a mapped tool", "skill", in.Skill, "script", in.Script, "policy", mode)
		return DispatchResult{
			Error: shared.FailureText(shared.Errorf(shared.KindFallbackRequired, "%s", script.FallbackRequired)),
			Kind:  shared.KindFallbackRequired,
		}
	}

	payload := run.NormalizedInput
	if payload == nil {
		// Scripts that request fallback without normalizing forward the
		// caller's input unchanged.
		payload = map[string]any{}
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return failed(shared.Wrap(shared.KindInvalidInput, "script input must be a JSON object", err))
		}
	}
	return d.bridge(ctx, in.Skill, tool, payload)
}

// bridge forwards payload to the remote tool. Errors and panics are
// converted into a failed result.
func (d *Dispatcher) bridge(ctx context.Context, skill, tool string, payload map[string]any) (res DispatchResult) {
	route := RouteOutcome{FallbackUsed: true, FallbackTool: tool}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("fallback tool panicked", "skill", skill, "tool", tool, "panic", r)
			res = DispatchResult{
				Error: shared.FailureText(shared.Errorf(shared.KindRemoteToolError, "fallback tool %s failed: panic: %v", tool, r)),
				Kind:  shared.KindRemoteToolError,
				Route: route,
			}
		}
	}()

	start := time.Now()
	cctx, span := otel.StartClientSpan(ctx, d.tel.Tracer, "tools.fallback",
		otel.AttrSkill.String(skill),
		otel.AttrFallbackTool.String(tool),
	)
	out, err := d.remote.ExecuteTool(cctx, tool, payload)
	d.tel.Metrics.ToolDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(otel.AttrToolName.String(tool)))
	otel.EndSpan(span, err != nil, errText(err))
	if err != nil {
		d.logger.Warn("fallback tool failed", "skill", skill, "tool", tool, "error", err)
		return DispatchResult{
			Error: shared.FailureText(shared.Wrap(shared.KindRemoteToolError, "fallback tool "+tool+" failed", err)),
			Kind:  shared.KindRemoteToolError,
			Route: route,
		}
	}
	d.logger.Info("fallback tool completed", "skill", skill, "tool", tool, "duration_ms", time.Since(start).Milliseconds())
	return DispatchResult{Success: true, Output: out, Route: route}
}

// fallbackTool finds the remote tool mapped to script. Keys may name the
// script with or without its extension.
func (d *Dispatcher) fallbackTool(skillName, scriptName string) (string, bool) {
	m, ok := d.fallbackMaps[skillName]
	if !ok {
		sk, found := d.skills.Get(skillName)
		if !found {
			return "", false
		}
		m = sk.ScriptMCPFallback
	}
	if tool, ok := m[scriptName]; ok && tool != "" {
		return tool, true
	}
	want := stem(scriptName)
	for key, tool := range m {
		if stem(key) == want && tool != "" {
			return tool, true
		}
	}
	return "", false
}

func stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func failed(err error) DispatchResult {
	return DispatchResult{Error: shared.FailureText(err), Kind: shared.KindOf(err)}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
