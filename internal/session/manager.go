package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/skillgate/internal/mcp"
	"github.com/basket/skillgate/internal/otel"
	"github.com/basket/skillgate/internal/persistence"
	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultTimeout = 5 * time.Minute
	timedOutText   = "request timed out"

	// defaultStopGrace bounds how long a timed-out call waits for the
	// runtime's query to return after the session is closed.
	defaultStopGrace = 2 * time.Second
)

// Ledger records session lifecycles; *persistence.Store implements it.
type Ledger interface {
	StartSession(ctx context.Context, rec persistence.SessionRecord) error
	FinishSession(ctx context.Context, rec persistence.SessionRecord) error
}

// Config configures a Manager.
type Config struct {
	Root           string // parent of session workdirs
	Runtime        Runtime
	Servers        DescriptorSource
	CoreServer     string
	DefaultTimeout time.Duration
	Ledger         Ledger
	Telemetry      *otel.Instruments
	Logger         *slog.Logger
}

// Manager runs agent invocations. It holds no per-call state beyond the set
// of live workdirs, so one Manager serves any number of concurrent calls.
type Manager struct {
	root           string
	runtime        Runtime
	servers        DescriptorSource
	coreServer     string
	defaultTimeout time.Duration
	ledger         Ledger
	tel            *otel.Instruments
	logger         *slog.Logger

	removeDir func(string) error
	stopGrace time.Duration

	live   sync.Map // workdir path -> struct{}
	active atomic.Int64
}

// NewManager validates cfg and fills defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("session manager: runtime is required")
	}
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "skillgate-sessions")
	}
	if cfg.CoreServer == "" {
		cfg.CoreServer = policy.DefaultCoreServer
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = otel.NoopInstruments()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		root:           cfg.Root,
		runtime:        cfg.Runtime,
		servers:        cfg.Servers,
		coreServer:     cfg.CoreServer,
		defaultTimeout: cfg.DefaultTimeout,
		ledger:         cfg.Ledger,
		tel:            cfg.Telemetry,
		logger:         cfg.Logger.With("component", "session"),
		removeDir:      os.RemoveAll,
		stopGrace:      defaultStopGrace,
	}, nil
}

// Root returns the directory session workdirs are created in.
func (m *Manager) Root() string { return m.root }

// Active returns the number of calls in flight.
func (m *Manager) Active() int64 { return m.active.Load() }

// Sweep removes orphaned workdirs older than ttl, never touching the
// workdir of a call in flight.
func (m *Manager) Sweep(_ context.Context, ttl time.Duration) (int, error) {
	return sweep(m.root, ttl, time.Now(), func(path string) bool {
		_, ok := m.live.Load(path)
		return ok
	}, m.logger)
}

type queryOutcome struct {
	res QueryResult
	err error
}

// Call runs one agent invocation. It never panics and never returns with
// the workdir still on disk.
func (m *Manager) Call(ctx context.Context, req CallRequest) (res CallResult) {
	start := time.Now()
	id := uuid.NewString()
	ctx = shared.WithSessionID(ctx, id)
	if shared.TraceID(ctx) == "" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	logger := m.logger.With("session_id", id, "trace_id", shared.TraceID(ctx))

	ctx, span := otel.StartSpan(ctx, m.tel.Tracer, "session.call",
		otel.AttrSessionID.String(id),
		otel.AttrModel.String(req.Model),
		otel.AttrPolicy.String(string(req.Mode)),
	)
	m.active.Add(1)
	m.tel.Metrics.SessionsActive.Add(ctx, 1)

	calls := newCallState(req)
	m.startLedger(ctx, id, req, start, logger)

	defer func() {
		res.SessionID = id
		res.DurationMS = time.Since(start).Milliseconds()
		if res.ToolCalls == nil {
			res.ToolCalls = []ToolCallRecord{}
		}
		m.active.Add(-1)
		m.tel.Metrics.SessionsActive.Add(ctx, -1)
		m.tel.Metrics.AgentDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrModel.String(req.Model)))
		m.tel.Metrics.AgentTokens.Add(ctx, int64(res.InputTokens),
			metric.WithAttributes(otel.AttrTokenType.String("input")))
		m.tel.Metrics.AgentTokens.Add(ctx, int64(res.OutputTokens),
			metric.WithAttributes(otel.AttrTokenType.String("output")))
		span.SetAttributes(
			otel.AttrTokensInput.Int(res.InputTokens),
			otel.AttrTokensOutput.Int(res.OutputTokens),
		)
		if !res.Success {
			span.SetAttributes(otel.AttrErrorKind.String(string(res.Kind)))
		}
		otel.EndSpan(span, !res.Success, res.Error)
		m.finishLedger(ctx, id, req, start, res, calls.last(), logger)
		logger.Info("agent call finished",
			"success", res.Success,
			"kind", res.Kind,
			"tool_calls", len(res.ToolCalls),
			"duration_ms", res.DurationMS,
		)
	}()

	descs := m.descriptors(req.RequiredMCPServers)
	dir, cfgPath, err := createWorkdir(m.root, id, descs)
	if err != nil {
		logger.Error("session workdir setup failed", "error", err)
		return failed(shared.KindAgentRuntimeError, err.Error())
	}
	m.live.Store(dir, struct{}{})

	var (
		once    sync.Once
		closeRS sync.Once
		rs      RuntimeSession
	)
	closeRuntime := func() {
		closeRS.Do(func() {
			if rs == nil {
				return
			}
			if err := rs.Close(); err != nil {
				logger.Warn("runtime session close failed", "error", err)
			}
		})
	}
	cleanup := func() {
		once.Do(func() {
			closeRuntime()
			if err := m.removeDir(dir); err != nil {
				logger.Error("session workdir removal failed", "path", dir, "error", err)
			}
			m.live.Delete(dir)
		})
	}
	defer cleanup()
	// Runs before cleanup: no hook reaches the caller once Call returns.
	defer calls.close()

	rs, err = m.startRuntime(ctx, SessionConfig{
		ID:           id,
		Workdir:      dir,
		MCPConfig:    cfgPath,
		MCPServers:   descs,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		ToolNames:    append([]string(nil), req.ToolNames...),
		Mode:         req.Mode,
	})
	if err != nil {
		logger.Error("runtime session start failed", "error", err)
		return failed(runtimeKind(err), err.Error())
	}
	rs.SetHooks(calls.hooks(logger))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := ComposePrompt(req.History, req.Prompt)
	done := make(chan queryOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- queryOutcome{err: fmt.Errorf("agent runtime panic: %v", r)}
			}
		}()
		out, err := rs.Query(qctx, prompt)
		done <- queryOutcome{res: out, err: err}
	}()

	var out queryOutcome
	select {
	case out = <-done:
	case <-qctx.Done():
		calls.close()
		closeRuntime()
		select {
		case <-done:
		case <-time.After(m.stopGrace):
			logger.Warn("agent runtime still running after close", "grace", m.stopGrace)
		}
		out = queryOutcome{err: qctx.Err()}
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) {
			msg := timedOutText
			if last := calls.last(); last != "" {
				msg += " (last tool: " + last + ")"
			}
			logger.Warn("agent call timed out", "timeout", timeout, "last_tool", calls.last())
			res = failed(shared.KindAgentTimeout, msg)
		} else {
			logger.Error("agent call failed", "error", out.err)
			res = failed(runtimeKind(out.err), out.err.Error())
		}
		res.ToolCalls = calls.records()
		return res
	}

	final := out.res
	if final.Text == "" {
		if r, ok := calls.result(); ok {
			final = r
		}
	}
	return CallResult{
		Success:      true,
		Message:      TruncateContinuation(final.Text),
		ToolCalls:    calls.records(),
		InputTokens:  final.Usage.InputTokens,
		OutputTokens: final.Usage.OutputTokens,
	}
}

func (m *Manager) descriptors(required []string) []mcp.ServerDescriptor {
	if m.servers == nil {
		return nil
	}
	names := append([]string{m.coreServer}, required...)
	return m.servers.Descriptors(names)
}

func (m *Manager) startRuntime(ctx context.Context, cfg SessionConfig) (rs RuntimeSession, err error) {
	defer func() {
		if r := recover(); r != nil {
			rs, err = nil, fmt.Errorf("agent runtime panic: %v", r)
		}
	}()
	rs, err = m.runtime.Start(ctx, cfg)
	if err == nil && rs == nil {
		err = errors.New("agent runtime returned no session")
	}
	return rs, err
}

func (m *Manager) startLedger(ctx context.Context, id string, req CallRequest, start time.Time, logger *slog.Logger) {
	if m.ledger == nil {
		return
	}
	err := m.ledger.StartSession(ctx, persistence.SessionRecord{
		SessionID: id,
		TraceID:   shared.TraceID(ctx),
		Model:     req.Model,
		Policy:    string(req.Mode),
		StartedAt: start,
	})
	if err != nil {
		logger.Warn("session ledger start failed", "error", err)
	}
}

func (m *Manager) finishLedger(ctx context.Context, id string, req CallRequest, start time.Time, res CallResult, lastTool string, logger *slog.Logger) {
	if m.ledger == nil {
		return
	}
	status := persistence.SessionSucceeded
	switch {
	case res.Kind == shared.KindAgentTimeout:
		status = persistence.SessionTimedOut
	case !res.Success:
		status = persistence.SessionFailed
	}
	finished := time.Now()
	err := m.ledger.FinishSession(context.WithoutCancel(ctx), persistence.SessionRecord{
		SessionID:    id,
		Status:       status,
		LastTool:     lastTool,
		ToolCalls:    len(res.ToolCalls),
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Error:        res.Error,
		StartedAt:    start,
		FinishedAt:   &finished,
	})
	if err != nil {
		logger.Warn("session ledger finish failed", "error", err)
	}
}

func failed(kind shared.ErrorKind, msg string) CallResult {
	return CallResult{Error: msg, Kind: kind}
}

func runtimeKind(err error) shared.ErrorKind {
	if k := shared.KindOf(err); k != shared.KindInternal {
		return k
	}
	return shared.KindAgentRuntimeError
}

// callState pairs tool events for one call. Every hook runs under mu, so
// caller callbacks observe the runtime's emission order. After close, hooks
// are ignored.
type callState struct {
	mu      sync.Mutex
	req     CallRequest
	allowed map[string]bool
	entries []*pendingCall
	lastRun string
	final   *QueryResult
	closed  bool
}

type pendingCall struct {
	id      string
	started time.Time
	rec     ToolCallRecord
	done    bool
}

func newCallState(req CallRequest) *callState {
	allowed := make(map[string]bool, len(req.ToolNames))
	for _, n := range req.ToolNames {
		allowed[n] = true
	}
	return &callState{req: req, allowed: allowed}
}

func (c *callState) hooks(logger *slog.Logger) Hooks {
	return Hooks{
		OnToolStart: func(_ context.Context, ev ToolEvent) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed {
				return
			}
			recID := ev.ID
			if recID == "" {
				recID = fmt.Sprintf("call-%d", len(c.entries)+1)
			}
			c.entries = append(c.entries, &pendingCall{
				id:      ev.ID,
				started: time.Now(),
				rec:     ToolCallRecord{ID: recID, Name: ev.Name, Input: ev.Input},
			})
			c.lastRun = ev.Name
			if c.req.OnToolStart != nil {
				c.req.OnToolStart(ev.Name, ev.Input)
			}
		},
		OnToolEnd: func(_ context.Context, ev ToolEvent) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed {
				return
			}
			p := c.match(ev)
			if p == nil {
				logger.Warn("tool end without matching start", "tool", ev.Name)
				return
			}
			p.done = true
			p.rec.Output = ev.Output
			p.rec.DurationMS = time.Since(p.started).Milliseconds()
			if ev.Err != nil {
				p.rec.Error = ev.Err.Error()
			}
			if c.req.OnToolEnd != nil {
				c.req.OnToolEnd(p.rec)
			}
		},
		OnPermission: func(_ context.Context, tool string, _ json.RawMessage) bool {
			ok := c.allowed[tool]
			if !ok {
				logger.Warn("tool call denied", "tool", tool)
			}
			return ok
		},
		OnResult: func(_ context.Context, res QueryResult) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed {
				return
			}
			c.final = &res
		},
	}
}

// match finds the open call an end event belongs to: by ID when given,
// otherwise the oldest open call with the same name.
func (c *callState) match(ev ToolEvent) *pendingCall {
	for _, p := range c.entries {
		if p.done {
			continue
		}
		if ev.ID != "" {
			if p.id == ev.ID {
				return p
			}
			continue
		}
		if p.rec.Name == ev.Name {
			return p
		}
	}
	return nil
}

// close waits for a hook in progress and disables the rest.
func (c *callState) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *callState) records() []ToolCallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolCallRecord, 0, len(c.entries))
	for _, p := range c.entries {
		if p.done {
			out = append(out, p.rec)
		}
	}
	return out
}

func (c *callState) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

func (c *callState) result() (QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final == nil {
		return QueryResult{}, false
	}
	return *c.final, true
}
