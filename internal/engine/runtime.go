package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/basket/skillgate/internal/session"
	"github.com/basket/skillgate/internal/shared"
	"github.com/basket/skillgate/internal/tokenutil"
	"github.com/basket/skillgate/internal/tools"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const defaultMaxTurns = 8

// RuntimeConfig selects the LLM provider behind a GenkitRuntime.
type RuntimeConfig struct {
	// Provider is "google", "anthropic", "openai", "openai_compatible" or
	// "openrouter". Empty defaults to "anthropic".
	Provider string
	Model    string
	APIKey   string

	// BaseURL and CompatProvider configure openai_compatible.
	BaseURL        string
	CompatProvider string

	MaxTurns int
	Logger   *slog.Logger
}

// GenkitRuntime implements session.Runtime on a single Genkit instance.
// Tools are defined on the instance once; each session selects its subset
// by name.
type GenkitRuntime struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	maxTurns int
	logger   *slog.Logger
}

// NewGenkitRuntime initializes Genkit with the configured provider. Without
// credentials it still returns a runtime whose queries fail with a
// deterministic "LLM not configured" error.
func NewGenkitRuntime(ctx context.Context, cfg RuntimeConfig) *GenkitRuntime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runtime")

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false
	if apiKey != "" {
		switch provider {
		case "anthropic":
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		case "openai":
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		case "openai_compatible":
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
		case "openrouter":
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		case "google":
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
		logger.Warn("LLM provider not configured; agent queries will fail", "provider", provider)
	} else {
		logger.Info("genkit runtime initialized", "provider", provider, "model", modelID)
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &GenkitRuntime{
		g:        g,
		provider: provider,
		model:    modelID,
		llmOn:    llmOn,
		maxTurns: maxTurns,
		logger:   logger,
	}
}

// Genkit returns the instance tools must be registered on.
func (r *GenkitRuntime) Genkit() *genkit.Genkit { return r.g }

// Configured reports whether provider credentials were found.
func (r *GenkitRuntime) Configured() bool { return r.llmOn }

// Start binds a session to the tools named in cfg.ToolNames. Names with no
// registered tool are skipped with a warning.
func (r *GenkitRuntime) Start(_ context.Context, cfg session.SessionConfig) (session.RuntimeSession, error) {
	refs := make([]ai.ToolRef, 0, len(cfg.ToolNames))
	for _, name := range cfg.ToolNames {
		tool := genkit.LookupTool(r.g, name)
		if tool == nil {
			r.logger.Warn("tool not registered; not exposed to session", "tool", name, "session_id", cfg.ID)
			continue
		}
		refs = append(refs, tool)
	}
	model := cfg.Model
	if model == "" {
		model = r.model
	}
	return &genkitSession{
		rt:     r,
		cfg:    cfg,
		model:  modelNameForProvider(r.provider, model),
		tools:  refs,
		logger: r.logger.With("session_id", cfg.ID),
	}, nil
}

type genkitSession struct {
	rt     *GenkitRuntime
	cfg    session.SessionConfig
	model  string
	tools  []ai.ToolRef
	hooks  session.Hooks
	closed atomic.Bool
	logger *slog.Logger
}

func (s *genkitSession) SetHooks(h session.Hooks) { s.hooks = h }

func (s *genkitSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *genkitSession) Query(ctx context.Context, prompt string) (session.QueryResult, error) {
	if s.closed.Load() {
		return session.QueryResult{}, shared.Errorf(shared.KindAgentRuntimeError, "session %s is closed", s.cfg.ID)
	}
	if !s.rt.llmOn {
		return session.QueryResult{}, shared.Errorf(shared.KindAgentRuntimeError,
			"LLM not configured: set an API key for provider %s", s.rt.provider)
	}

	ctx = tools.WithObserver(ctx, s.observer())

	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	opts := []ai.GenerateOption{
		ai.WithModelName(s.model),
		ai.WithSystem(strings.ReplaceAll(s.cfg.SystemPrompt, "%", "%%")),
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
	}
	if len(s.tools) > 0 {
		opts = append(opts, ai.WithTools(s.tools...), ai.WithMaxTurns(s.rt.maxTurns))
	}

	resp, err := genkit.Generate(ctx, s.rt.g, opts...)
	if err != nil {
		return session.QueryResult{}, shared.Wrap(shared.KindAgentRuntimeError, "genkit generate", err)
	}
	res := session.QueryResult{Text: resp.Text()}
	if resp.Usage != nil {
		res.Usage = session.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	}
	// Some openai_compatible backends omit usage.
	if res.Usage.InputTokens == 0 && res.Usage.OutputTokens == 0 {
		res.Usage = session.Usage{
			InputTokens:  tokenutil.EstimateAll(s.cfg.SystemPrompt, prompt),
			OutputTokens: tokenutil.Estimate(res.Text),
		}
	}
	if s.hooks.OnResult != nil {
		s.hooks.OnResult(ctx, res)
	}
	return res, nil
}

// observer forwards tool events from the genkit tool functions to the
// session hooks.
func (s *genkitSession) observer() tools.Observer {
	return tools.ObserverFuncs{
		PermitFunc: func(ctx context.Context, tool string, input any) bool {
			if s.hooks.OnPermission == nil {
				return true
			}
			return s.hooks.OnPermission(ctx, tool, rawInput(input))
		},
		StartFunc: func(ctx context.Context, tool string, input any) {
			if s.hooks.OnToolStart != nil {
				s.hooks.OnToolStart(ctx, session.ToolEvent{Name: tool, Input: rawInput(input)})
			}
		},
		EndFunc: func(ctx context.Context, tool string, output string, err error) {
			if s.hooks.OnToolEnd != nil {
				s.hooks.OnToolEnd(ctx, session.ToolEvent{Name: tool, Output: output, Err: err})
			}
		},
	}
}

func rawInput(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	return b
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	case "google":
		return "gemini-2.5-flash"
	case "openrouter":
		return "openrouter/auto"
	default:
		return ""
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	var prefix string
	switch provider {
	case "anthropic":
		prefix = "anthropic/"
	case "openai":
		prefix = "openai/"
	case "openai_compatible", "openrouter":
		return model
	default:
		prefix = "googleai/"
	}
	if strings.HasPrefix(model, prefix) {
		return model
	}
	return prefix + model
}
