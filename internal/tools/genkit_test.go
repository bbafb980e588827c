package tools

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/basket/skillgate/internal/mcp"
	"github.com/basket/skillgate/internal/sandbox/script"
	"github.com/firebase/genkit/go/genkit"
)

type fakeCatalog struct {
	fakeRemote
	tools []mcp.ToolInfo
}

func (f *fakeCatalog) Tools() []mcp.ToolInfo { return f.tools }

func TestRegisterDispatcher_RunsThroughObserver(t *testing.T) {
	ctx := context.Background()
	g := genkit.Init(ctx)
	reg := writeSkill(t, "echo", "name: echo\n", nil)
	runner := &stubRunner{res: script.Result{Success: true, Output: "pong"}}
	d := newDispatcher(t, DispatcherConfig{Skills: reg, Runner: runner})

	tool := RegisterDispatcher(g, d)
	if tool.Name() != "mcp__skillgate__run_skill_script" {
		t.Fatalf("tool name = %q", tool.Name())
	}
	if genkit.LookupTool(g, d.ToolName()) == nil {
		t.Fatal("dispatcher not registered")
	}

	log := &eventLog{}
	out, err := tool.RunRaw(WithObserver(ctx, log.observer()), map[string]any{"skill": "echo", "script": "ping"})
	if err != nil {
		t.Fatalf("RunRaw: %v", err)
	}
	s, ok := out.(string)
	if !ok || !strings.Contains(s, `"output":"pong"`) {
		t.Fatalf("out = %#v", out)
	}
	want := "permit:mcp__skillgate__run_skill_script,start:mcp__skillgate__run_skill_script,end:mcp__skillgate__run_skill_script:ok"
	if got := strings.Join(log.events, ","); got != want {
		t.Fatalf("events = %s", got)
	}
	if len(runner.calls) != 1 || runner.calls[0].Script != "ping" {
		t.Fatalf("runner calls = %+v", runner.calls)
	}
}

func TestRegisterMCPTools_DefinesQualifiedToolsOnce(t *testing.T) {
	ctx := context.Background()
	g := genkit.Init(ctx)
	reg := writeSkill(t, "echo", "name: echo\n", nil)
	d := newDispatcher(t, DispatcherConfig{Skills: reg, Runner: &stubRunner{}})
	RegisterDispatcher(g, d)

	catalog := &fakeCatalog{
		fakeRemote: fakeRemote{out: "link created"},
		tools: []mcp.ToolInfo{
			{Server: "ctos", Name: "create_share_link", QualifiedName: "mcp__ctos__create_share_link", Description: "Create a link"},
			{Server: "drive", Name: "upload", QualifiedName: "mcp__drive__upload", InputSchema: map[string]any{"type": "object"}},
			// The core server re-exporting the dispatcher must not collide.
			{Server: "skillgate", Name: "run_skill_script", QualifiedName: "mcp__skillgate__run_skill_script"},
		},
	}
	refs := RegisterMCPTools(g, catalog, nil, quietLogger())
	var names []string
	for _, r := range refs {
		names = append(names, r.Name())
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "mcp__ctos__create_share_link,mcp__drive__upload" {
		t.Fatalf("registered = %v", names)
	}

	// A second registration (e.g. after reconnect) defines nothing new.
	if again := RegisterMCPTools(g, catalog, nil, quietLogger()); len(again) != 0 {
		t.Fatalf("expected no new tools, got %d", len(again))
	}

	tool := genkit.LookupTool(g, "mcp__ctos__create_share_link")
	out, err := tool.RunRaw(ctx, map[string]any{"resource_id": "kb-001"})
	if err != nil {
		t.Fatalf("RunRaw: %v", err)
	}
	if out != "link created" {
		t.Fatalf("out = %#v", out)
	}
	if len(catalog.calls) != 1 || catalog.calls[0].tool != "mcp__ctos__create_share_link" || catalog.calls[0].args["resource_id"] != "kb-001" {
		t.Fatalf("calls = %+v", catalog.calls)
	}
}

func TestRegisterMCPTools_ErrorIsFailureText(t *testing.T) {
	ctx := context.Background()
	g := genkit.Init(ctx)
	catalog := &fakeCatalog{
		fakeRemote: fakeRemote{err: context.DeadlineExceeded},
		tools:      []mcp.ToolInfo{{Server: "ctos", Name: "slow", QualifiedName: "mcp__ctos__slow"}},
	}
	RegisterMCPTools(g, catalog, nil, quietLogger())

	out, err := genkit.LookupTool(g, "mcp__ctos__slow").RunRaw(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("tool errors must not escape: %v", err)
	}
	s, _ := out.(string)
	if !strings.HasPrefix(s, "[ERROR] mcp tool mcp__ctos__slow") {
		t.Fatalf("out = %q", s)
	}
}
