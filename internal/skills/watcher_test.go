package skills

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_DebounceCoalescing(t *testing.T) {
	dir := t.TempDir()
	skillMD := filepath.Join(dir, "myskill", "SKILL.md")
	writeSkillMD(t, filepath.Dir(skillMD), "---\nname: myskill\n---\nv1\n")

	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(skillMD, []byte("---\nname: myskill\n---\nupdated\n"), 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	eventCount := 0
	drain := time.After(600 * time.Millisecond)
loop:
	for {
		select {
		case names, ok := <-w.Events():
			if !ok {
				break loop
			}
			if len(names) != 1 || names[0] != "myskill" {
				t.Fatalf("event names = %v, want [myskill]", names)
			}
			eventCount++
		case <-drain:
			break loop
		}
	}
	if eventCount == 0 {
		t.Fatal("expected at least 1 debounced event, got 0")
	}
	if eventCount > 2 {
		t.Fatalf("expected debounce coalescing (1-2 events), got %d", eventCount)
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "someskill")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(skillDir, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("expected no event for notes.txt, got %v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_ScriptChangeFires(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "share-links")
	writeSkillMD(t, skillDir, "---\nname: share-links\n---\n")
	if err := os.MkdirAll(filepath.Join(skillDir, "scripts"), 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}

	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(skillDir, "scripts", "link.py"), []byte("print('{}')\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	select {
	case names := <-w.Events():
		if len(names) != 1 || names[0] != "share-links" {
			t.Fatalf("event names = %v", names)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event for new script")
	}
}

func TestWatcher_BatchesSkillsAndSkipsHidden(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		writeSkillMD(t, filepath.Join(dir, name), "---\nname: "+name+"\n---\n")
	}

	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := os.MkdirAll(filepath.Join(dir, ".staging-x"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"beta", "alpha"} {
		if err := os.WriteFile(filepath.Join(dir, name, "SKILL.md"), []byte("---\nname: "+name+"\n---\nv2\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case names := <-w.Events():
		if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
			t.Fatalf("event names = %v, want [alpha beta]", names)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected one batched event")
	}
}

func TestSplitRoot(t *testing.T) {
	roots := []string{"/srv/skills", "/home/u/.skillgate/external-skills"}
	tests := []struct {
		path, root, rel string
	}{
		{"/srv/skills/share-links/SKILL.md", "/srv/skills", filepath.Join("share-links", "SKILL.md")},
		{"/home/u/.skillgate/external-skills/x", "/home/u/.skillgate/external-skills", "x"},
		{"/srv/skills", "", ""},
		{"/tmp/other", "", ""},
	}
	for _, tt := range tests {
		root, rel := splitRoot(roots, tt.path)
		if root != tt.root || rel != tt.rel {
			t.Errorf("splitRoot(%q) = (%q, %q), want (%q, %q)", tt.path, root, rel, tt.root, tt.rel)
		}
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	w := NewWatcher([]string{t.TempDir()}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			for range w.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after context cancellation")
	}
}

type countingReloader struct{ n atomic.Int32 }

func (c *countingReloader) Reload(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestWatcher_ReloadOnNewSkill(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher([]string{dir}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rel := &countingReloader{}
	if err := w.ReloadOn(ctx, rel); err != nil {
		t.Fatalf("ReloadOn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	writeSkillMD(t, filepath.Join(dir, "brand-new-skill"), "---\nname: brand-new-skill\n---\nInstructions.\n")

	deadline := time.Now().Add(2 * time.Second)
	for rel.n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a reload for the new skill directory")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
