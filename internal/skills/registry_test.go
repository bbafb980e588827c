package skills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/basket/skillgate/internal/shared"
)

func writeSkillMD(t *testing.T, dir, contents string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
}

func writeScript(t *testing.T, skillDir, name, contents string) string {
	t.Helper()
	dir := filepath.Join(skillDir, "scripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// newTestRegistry returns a registry over two fresh roots.
func newTestRegistry(t *testing.T) (reg *Registry, builtin, external string) {
	t.Helper()
	base := t.TempDir()
	builtin = filepath.Join(base, "builtin")
	external = filepath.Join(base, "external")
	for _, d := range []string{builtin, external} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return NewRegistry(builtin, external, quietLogger()), builtin, external
}

func mustLoad(t *testing.T, reg *Registry) LoadReport {
	t.Helper()
	report, err := reg.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return report
}

func TestRegistry_ExternalOverridesBuiltin(t *testing.T) {
	reg, builtin, external := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "share-links"), "---\nname: share-links\ndescription: builtin version\n---\n")
	writeSkillMD(t, filepath.Join(external, "share-links-v2"), "---\nname: share-links\ndescription: external version\n---\n")
	writeSkillMD(t, filepath.Join(builtin, "notes"), "---\nname: notes\ndescription: notes\n---\n")

	report := mustLoad(t, reg)
	if report.Loaded != 2 {
		t.Fatalf("expected 2 loaded, got %d", report.Loaded)
	}
	if !reflect.DeepEqual(report.Overridden, []string{"share-links"}) {
		t.Fatalf("overridden = %v", report.Overridden)
	}
	s, ok := reg.Get("share-links")
	if !ok {
		t.Fatal("share-links not found")
	}
	if s.Description != "external version" || s.Source != SourceExternal {
		t.Fatalf("expected external winner, got %q from %s", s.Description, s.Source)
	}
	dir, ok := reg.Dir("share-links")
	if !ok || dir != filepath.Join(external, "share-links-v2") {
		t.Fatalf("Dir = %q, %v", dir, ok)
	}
	if _, ok := reg.Dir("missing"); ok {
		t.Fatal("Dir of unknown skill should report false")
	}
}

func TestRegistry_ParseErrorsDoNotFailLoad(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "good"), "---\nname: good\n---\n")
	writeSkillMD(t, filepath.Join(builtin, "bad"), "---\nname: Bad Name\n---\n")
	writeSkillMD(t, filepath.Join(builtin, "open"), "---\nname: open\n")
	if err := os.MkdirAll(filepath.Join(builtin, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	report := mustLoad(t, reg)
	if report.Loaded != 1 {
		t.Fatalf("expected 1 loaded, got %d", report.Loaded)
	}
	if len(report.Errors) != 2 {
		t.Fatalf("expected 2 parse errors, got %d: %v", len(report.Errors), report.Errors)
	}
	var pe *ParseError
	if !errors.As(report.Err(), &pe) {
		t.Fatalf("expected *ParseError in report, got %v", report.Err())
	}
}

func TestRegistry_DuplicateNameInOneRoot(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "a"), "---\nname: dup\n---\n")
	writeSkillMD(t, filepath.Join(builtin, "b"), "---\nname: dup\n---\n")

	report := mustLoad(t, reg)
	if report.Loaded != 1 || len(report.Errors) != 1 {
		t.Fatalf("expected first dir to win with 1 error, got loaded=%d errors=%v", report.Loaded, report.Errors)
	}
	if dir, _ := reg.Dir("dup"); dir != filepath.Join(builtin, "a") {
		t.Fatalf("expected dir a to win, got %s", dir)
	}
}

func TestRegistry_MissingRootsAreEmpty(t *testing.T) {
	base := t.TempDir()
	reg := NewRegistry(filepath.Join(base, "nope"), filepath.Join(base, "nope2"), quietLogger())
	report := mustLoad(t, reg)
	if report.Loaded != 0 || len(reg.All()) != 0 {
		t.Fatalf("expected empty registry, got %+v", report)
	}
}

func TestRegistry_LegacyDescriptor(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	dir := filepath.Join(builtin, "legacy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte("name: legacy\ndescription: old style\nrequires_app: crm\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustLoad(t, reg)
	s, ok := reg.Get("legacy")
	if !ok || s.Format != FormatLegacy || s.RequiresApp != "crm" {
		t.Fatalf("legacy skill = %+v, %v", s, ok)
	}
}

func TestRegistry_PermissionQueries(t *testing.T) {
	reg, builtin, external := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "open"), `---
name: open
allowed-tools: Read mcp__ctos__search
metadata:
  ctos:
    mcp_servers: [ctos]
---
`)
	writeSkillMD(t, filepath.Join(builtin, "knowledge"), `---
name: knowledge
allowed-tools: mcp__ctos__create_share_link Read
metadata:
  ctos:
    requires_app: knowledge
    mcp_servers: [drive, ctos]
---
`)
	writeSkillMD(t, filepath.Join(external, "finance"), `---
name: finance
allowed-tools: mcp__erp__post_entry
metadata:
  ctos:
    requires_app: finance
    mcp_servers: [erp]
---
`)
	mustLoad(t, reg)

	tests := []struct {
		name    string
		perms   Permissions
		skills  []string
		tools   []string
		servers []string
	}{
		{
			name:    "no permissions",
			perms:   nil,
			skills:  []string{"open"},
			tools:   []string{"Read", "mcp__ctos__search"},
			servers: []string{"ctos"},
		},
		{
			name:    "knowledge granted",
			perms:   Permissions{"knowledge": true, "finance": false},
			skills:  []string{"knowledge", "open"},
			tools:   []string{"Read", "mcp__ctos__create_share_link", "mcp__ctos__search"},
			servers: []string{"ctos", "drive"},
		},
		{
			name:    "everything",
			perms:   Permissions{"knowledge": true, "finance": true},
			skills:  []string{"finance", "knowledge", "open"},
			tools:   []string{"Read", "mcp__ctos__create_share_link", "mcp__ctos__search", "mcp__erp__post_entry"},
			servers: []string{"ctos", "drive", "erp"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var names []string
			for _, s := range reg.ListFor(tt.perms) {
				names = append(names, s.Name)
			}
			if !reflect.DeepEqual(names, tt.skills) {
				t.Fatalf("ListFor = %v, want %v", names, tt.skills)
			}
			if got := reg.ToolNamesFor(tt.perms); !reflect.DeepEqual(got, tt.tools) {
				t.Fatalf("ToolNamesFor = %v, want %v", got, tt.tools)
			}
			if got := reg.RequiredMCPServersFor(tt.perms); !reflect.DeepEqual(got, tt.servers) {
				t.Fatalf("RequiredMCPServersFor = %v, want %v", got, tt.servers)
			}
		})
	}
}

func TestRegistry_ScriptPath(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	dir := filepath.Join(builtin, "share-links")
	writeSkillMD(t, dir, "---\nname: share-links\n---\n")
	want := writeScript(t, dir, "create_share_link.py", "print('{}')\n")
	mustLoad(t, reg)

	s, _ := reg.Get("share-links")
	if !reflect.DeepEqual(s.Scripts, []string{"scripts/create_share_link.py"}) {
		t.Fatalf("scripts = %v", s.Scripts)
	}
	if !reflect.DeepEqual(s.ScriptNames(), []string{"create_share_link"}) {
		t.Fatalf("script names = %v", s.ScriptNames())
	}

	for _, name := range []string{"create_share_link", "create_share_link.py", "scripts/create_share_link.py"} {
		got, err := reg.ScriptPath("share-links", name)
		if err != nil {
			t.Fatalf("ScriptPath(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("ScriptPath(%q) = %q, want %q", name, got, want)
		}
	}

	if _, err := reg.ScriptPath("share-links", "missing"); !shared.IsKind(err, shared.KindScriptNotFound) {
		t.Fatalf("expected script not found, got %v", err)
	}
	if _, err := reg.ScriptPath("nope", "x"); !shared.IsKind(err, shared.KindSkillNotFound) {
		t.Fatalf("expected skill not found, got %v", err)
	}
}

func TestRegistry_ResolvePathRejectsEscape(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "docs"), "---\nname: docs\n---\n")
	mustLoad(t, reg)

	if _, err := reg.ResolvePath("docs", "references/guide.md"); err != nil {
		t.Fatalf("in-tree path rejected: %v", err)
	}
	for _, rel := range []string{"../other/SKILL.md", "../../etc/passwd", "/etc/passwd"} {
		if _, err := reg.ResolvePath("docs", rel); !shared.IsKind(err, shared.KindPermissionDenied) {
			t.Fatalf("ResolvePath(%q): expected permission denied, got %v", rel, err)
		}
	}
}

func TestRegistry_SymlinkedScriptOutsideRootsFailsSkill(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	outside := filepath.Join(t.TempDir(), "evil.sh")
	if err := os.WriteFile(outside, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(builtin, "linked")
	writeSkillMD(t, dir, "---\nname: linked\n---\n")
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "scripts", "evil.sh")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	report := mustLoad(t, reg)
	if _, ok := reg.Get("linked"); ok {
		t.Fatal("skill with escaping script symlink should not load")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", report.Errors)
	}
}

func TestRegistry_HiddenAndBackupDirsSkipped(t *testing.T) {
	reg, _, external := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(external, ".staged-123", "skill"), "---\nname: staged\n---\n")
	writeSkillMD(t, filepath.Join(external, ".hidden"), "---\nname: hidden\n---\n")
	writeSkillMD(t, filepath.Join(external, "old.bak"), "---\nname: old\n---\n")

	if report := mustLoad(t, reg); report.Loaded != 0 {
		t.Fatalf("expected nothing loaded, got %d", report.Loaded)
	}
}

func TestRegistry_LoadHonorsContext(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "a"), "---\nname: a\n---\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := reg.Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
