package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/skillgate/internal/shared"
)

// Contexts an entry can be recorded under.
const (
	ContextAgent  = "agent"
	ContextTool   = "tool"
	ContextScript = "script"
)

// Entry is one audit row. Recording is fire-and-forget: a failed write is
// logged and dropped.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Context      string    `json:"context"`
	Model        string    `json:"model,omitempty"`
	Success      bool      `json:"success"`
	DurationMS   int64     `json:"duration_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Error        string    `json:"error,omitempty"`

	Tool         string `json:"tool,omitempty"`
	Skill        string `json:"skill,omitempty"`
	FallbackUsed bool   `json:"fallback_used,omitempty"`
	FallbackTool string `json:"fallback_tool,omitempty"`
	Policy       string `json:"policy,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
	Identity     string `json:"identity,omitempty"`
}

// Store persists entries; *persistence.Store implements it.
type Store interface {
	InsertAudit(ctx context.Context, e Entry) error
}

// Recorder is what components write audit entries through.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Logger writes entries to <home>/logs/audit.jsonl and, when set, a Store.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	store  Store
	logger *slog.Logger

	failures atomic.Int64
	total    atomic.Int64
}

// Open creates the JSONL sink under homeDir. An empty homeDir disables the
// file sink.
func Open(homeDir string, store Store, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{store: store, logger: logger}
	if homeDir == "" {
		return l, nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record writes e to every sink. It never fails the caller.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	l.total.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	if e.SessionID == "" {
		e.SessionID = shared.SessionID(ctx)
	}
	e.Error = shared.Redact(e.Error)

	l.mu.Lock()
	if l.file != nil {
		if b, err := json.Marshal(e); err == nil {
			if _, err := l.file.Write(append(b, '\n')); err != nil {
				l.fail("file", err)
			}
		}
	}
	l.mu.Unlock()

	if l.store != nil {
		// Detached from the request so a cancelled call is still recorded.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.store.InsertAudit(storeCtx, e); err != nil {
			l.fail("store", err)
		}
	}
}

func (l *Logger) fail(sink string, err error) {
	l.failures.Add(1)
	l.logger.Warn("audit write failed", "sink", sink, "error", err)
}

// Failures returns how many sink writes failed since startup.
func (l *Logger) Failures() int64 { return l.failures.Load() }

// Total returns how many entries were recorded since startup.
func (l *Logger) Total() int64 { return l.total.Load() }
