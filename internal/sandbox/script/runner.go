package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/safety"
	"github.com/basket/skillgate/internal/shared"
	"github.com/basket/skillgate/internal/skills"
)

const (
	// FallbackRequired in Result.Error asks the caller to route the call to
	// the skill's remote equivalent. It is not a failure.
	FallbackRequired = "fallback_required"

	// MissingIdentity is returned for identity-gated skills called anonymously.
	MissingIdentity = "missing identity"

	DefaultTimeout = 60 * time.Second

	maxStdout = 1 << 20
	maxStderr = 64 << 10
)

// SkillSource is the registry view the runner needs.
type SkillSource interface {
	Get(name string) (skills.Skill, bool)
	ScriptPath(name, script string) (string, error)
}

// Request names one script invocation.
type Request struct {
	Skill          string
	Script         string
	Input          json.RawMessage // one JSON object; nil means {}
	CallerIdentity string
	Timeout        time.Duration // zero uses the runner default
}

// Result is the structured outcome of a script run. Errors are carried in
// the value, never returned.
type Result struct {
	Success         bool           `json:"success"`
	Output          any            `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	NormalizedInput map[string]any `json:"normalized_input,omitempty"`
	DurationMS      int64          `json:"duration_ms"`

	// Kind classifies a failed run. Empty on success and on fallback_required.
	Kind shared.ErrorKind `json:"-"`
}

// FallbackRequested reports whether the script asked for its remote equivalent.
func (r Result) FallbackRequested() bool {
	return !r.Success && r.Error == FallbackRequired
}

func failure(kind shared.ErrorKind, msg string) Result {
	return Result{Success: false, Error: msg, Kind: kind}
}

// Config configures a Runner.
type Config struct {
	Timeout time.Duration
	Pool    *Pool // nil runs subprocesses on the caller's goroutine
	Logger  *slog.Logger
}

// Runner executes skill scripts as isolated subprocesses.
type Runner struct {
	skills  SkillSource
	timeout time.Duration
	pool    *Pool
	logger  *slog.Logger
}

func NewRunner(src SkillSource, cfg Config) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		skills:  src,
		timeout: cfg.Timeout,
		pool:    cfg.Pool,
		logger:  cfg.Logger,
	}
}

// Run executes req and always returns a Result.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	res := r.run(ctx, req)
	res.DurationMS = time.Since(start).Milliseconds()

	attrs := []any{"skill", req.Skill, "script", req.Script, "duration_ms", res.DurationMS, "trace_id", shared.TraceID(ctx)}
	switch {
	case res.Success:
		r.logger.Info("script completed", attrs...)
		if leaks := scanOutput(res.Output); len(leaks) > 0 {
			r.logger.Warn("script output may contain secrets", append(attrs, "kinds", safety.Kinds(leaks), "matches", len(leaks))...)
		}
	case res.FallbackRequested():
		r.logger.Info("script requested fallback", attrs...)
	default:
		r.logger.Warn("script failed", append(attrs, "kind", res.Kind, "error", res.Error)...)
	}
	return res
}

func scanOutput(out any) []safety.Leak {
	if out == nil {
		return nil
	}
	if s, ok := out.(string); ok {
		return safety.Scan(s)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return safety.Scan(string(b))
}

func (r *Runner) run(ctx context.Context, req Request) Result {
	skill, ok := r.skills.Get(req.Skill)
	if !ok {
		return failure(shared.KindSkillNotFound, fmt.Sprintf("skill %q not found", req.Skill))
	}
	// Identity gate comes before any filesystem access or process spawn.
	if skill.RequiresApp != "" && strings.TrimSpace(req.CallerIdentity) == "" {
		return failure(shared.KindPermissionDenied, MissingIdentity)
	}

	path, err := r.skills.ScriptPath(req.Skill, req.Script)
	if err != nil {
		kind := shared.KindOf(err)
		if kind == shared.KindInternal {
			kind = shared.KindScriptNotFound
		}
		return failure(kind, err.Error())
	}

	input := bytes.TrimSpace(req.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}
	var probe map[string]any
	if err := json.Unmarshal(input, &probe); err != nil {
		return failure(shared.KindInvalidInput, "script input must be a JSON object")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	res := failure(shared.KindInternal, "script did not run")
	job := func() { res = r.exec(ctx, skill, path, input, timeout) }
	if r.pool != nil {
		if err := r.pool.Submit(ctx, job); err != nil {
			return failure(shared.KindInternal, fmt.Sprintf("script not started: %v", err))
		}
	} else {
		job()
	}
	return res
}

func (r *Runner) exec(ctx context.Context, skill skills.Skill, path string, input []byte, timeout time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := Interpreter(path)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = skill.Dir
	cmd.Env = BuildEnv(skill.Dir, skill.Env)
	r.logger.Debug("script env", "skill", skill.Name, "script", filepath.Base(path), "env", describeEnv(cmd.Env))
	cmd.Stdin = bytes.NewReader(input)
	stdout := &cappedBuffer{limit: maxStdout}
	stderr := &cappedBuffer{limit: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	runErr := cmd.Run()
	if stderr.Len() > 0 {
		r.logger.Debug("script stderr", "skill", skill.Name, "script", filepath.Base(path), "stderr", shared.Redact(stderr.String()))
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return failure(shared.KindScriptTimeout, fmt.Sprintf("script timed out after %s", timeout))
	}
	if ctx.Err() != nil {
		return failure(shared.KindInternal, fmt.Sprintf("script cancelled: %v", ctx.Err()))
	}
	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		return failure(shared.KindScriptNotFound, fmt.Sprintf("cannot start script: %v", execErr.Err))
	}
	if stdout.truncated {
		return failure(shared.KindScriptOutputMalformed, fmt.Sprintf("script output exceeds %d bytes", maxStdout))
	}

	out, err := parseOutput(stdout.Bytes())
	if err != nil {
		msg := "malformed script output: " + err.Error()
		if runErr != nil {
			msg = fmt.Sprintf("script exited with error (%v) and %s", runErr, msg)
		}
		return failure(shared.KindScriptOutputMalformed, msg)
	}

	res := Result{
		Success:         out.Success,
		Output:          out.Output,
		NormalizedInput: out.NormalizedInput,
	}
	if out.Error != nil {
		res.Error = *out.Error
	}
	if !res.Success && res.Error == "" {
		res.Error = "script reported failure"
	}
	if res.Success && runErr != nil {
		r.logger.Warn("script reported success with non-zero exit", "skill", skill.Name, "error", runErr)
	}
	return res
}

// Interpreter chooses the program for a script by extension. Unknown
// extensions are executed directly.
func Interpreter(path string) (string, []string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python3", []string{path}
	case ".sh":
		return "sh", []string{path}
	case ".js", ".mjs":
		return "node", []string{path}
	case ".rb":
		return "ruby", []string{path}
	default:
		return path, nil
	}
}

// cappedBuffer keeps the first limit bytes and drops the rest so the child
// never blocks on a full pipe.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Buffer.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
