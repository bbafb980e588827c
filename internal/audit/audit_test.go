package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/skillgate/internal/shared"
)

type memStore struct {
	entries []Entry
	err     error
}

func (m *memStore) InsertAudit(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	store := &memStore{}
	l, err := Open(home, store, quietLogger())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	ctx = shared.WithSessionID(ctx, "sess-1")
	l.Record(ctx, Entry{Context: ContextTool, Tool: "mcp__ctos__run_skill_script", Skill: "share-links", Success: false, Error: "failed with key sk-abcdefghijklmnopqrstuvwxyz"})
	l.Record(ctx, Entry{Context: ContextAgent, Model: "claude", Success: true, InputTokens: 10, OutputTokens: 5})

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["context"] != "tool" || first["trace_id"] != "trace-1" || first["session_id"] != "sess-1" {
		t.Fatalf("unexpected entry: %#v", first)
	}
	if strings.Contains(lines[0], "sk-abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret not redacted: %s", lines[0])
	}
	if len(store.entries) != 2 || store.entries[1].InputTokens != 10 {
		t.Fatalf("store entries = %+v", store.entries)
	}
	if store.entries[0].Timestamp.IsZero() {
		t.Fatal("timestamp should be filled")
	}
}

func TestRecordSwallowsStoreFailures(t *testing.T) {
	store := &memStore{err: errors.New("database is locked")}
	l, err := Open("", store, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.Record(context.Background(), Entry{Context: ContextAgent})
	if l.Failures() != 1 || l.Total() != 1 {
		t.Fatalf("failures=%d total=%d", l.Failures(), l.Total())
	}
}

func TestRecordOnCancelledContextStillPersists(t *testing.T) {
	store := &memStore{}
	l, _ := Open("", store, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, Entry{Context: ContextAgent, Error: "request timed out"})
	if len(store.entries) != 1 {
		t.Fatalf("expected entry despite cancelled context, got %d", len(store.entries))
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), Entry{})
}
