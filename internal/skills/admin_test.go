package skills

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/basket/skillgate/internal/shared"
)

func TestImport_CopiesIntoExternalRoot(t *testing.T) {
	reg, _, external := newTestRegistry(t)
	mustLoad(t, reg)

	src := filepath.Join(t.TempDir(), "share-links")
	writeSkillMD(t, src, "---\nname: share-links\ndescription: imported\n---\nBody.\n")
	writeScript(t, src, "create_share_link.py", "print('{}')\n")
	if err := os.MkdirAll(filepath.Join(src, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := reg.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if s.Source != SourceExternal || s.Dir != filepath.Join(external, "share-links") {
		t.Fatalf("imported skill = %+v", s)
	}
	if !reflect.DeepEqual(s.Scripts, []string{"scripts/create_share_link.py"}) {
		t.Fatalf("scripts = %v", s.Scripts)
	}
	if _, err := os.Stat(filepath.Join(external, "share-links", ".git")); !os.IsNotExist(err) {
		t.Fatal(".git should not be copied")
	}

	// Reimport replaces the previous copy.
	writeSkillMD(t, src, "---\nname: share-links\ndescription: imported again\n---\n")
	s, err = reg.Import(context.Background(), src)
	if err != nil {
		t.Fatalf("re-Import: %v", err)
	}
	if s.Description != "imported again" {
		t.Fatalf("description = %q", s.Description)
	}
	entries, _ := os.ReadDir(external)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staged-") || strings.HasSuffix(e.Name(), ".bak") {
			t.Fatalf("leftover staging entry %s", e.Name())
		}
	}
}

func TestImport_RequiresFrontmatter(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	src := filepath.Join(t.TempDir(), "legacy")
	writeSkillMD(t, src, "name: legacy\ndescription: no delimiters\n")
	if _, err := reg.Import(context.Background(), src); err == nil {
		t.Fatal("expected legacy descriptor to be rejected on import")
	}
}

func TestUpdateMetadata_NativeCopiedToExternal(t *testing.T) {
	reg, builtin, external := newTestRegistry(t)
	nativeDir := filepath.Join(builtin, "share-links")
	original := "---\nname: share-links\ndescription: builtin\nlicense: MIT\n---\nUse the script.\n"
	writeSkillMD(t, nativeDir, original)
	writeScript(t, nativeDir, "create_share_link.py", "print('{}')\n")
	mustLoad(t, reg)

	desc := "patched"
	app := "knowledge"
	fallback := map[string]string{"create_share_link": "create_share_link"}
	s, err := reg.UpdateMetadata(context.Background(), "share-links", MetadataPatch{
		Description:       &desc,
		RequiresApp:       &app,
		ScriptMCPFallback: &fallback,
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if s.Source != SourceExternal || s.Dir != filepath.Join(external, "share-links") {
		t.Fatalf("expected external override, got %s at %s", s.Source, s.Dir)
	}
	if s.Description != "patched" || s.RequiresApp != "knowledge" {
		t.Fatalf("patched skill = %+v", s)
	}
	if !reflect.DeepEqual(s.ScriptMCPFallback, fallback) {
		t.Fatalf("fallback = %v", s.ScriptMCPFallback)
	}
	if s.Body != "Use the script." || len(s.Scripts) != 1 {
		t.Fatalf("body/scripts not preserved: %q %v", s.Body, s.Scripts)
	}

	raw, err := os.ReadFile(filepath.Join(nativeDir, "SKILL.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != original {
		t.Fatalf("builtin descriptor modified:\n%s", raw)
	}
	patched, _ := os.ReadFile(filepath.Join(s.Dir, "SKILL.md"))
	if !strings.Contains(string(patched), "license: MIT") {
		t.Fatalf("unknown keys should survive a rewrite:\n%s", patched)
	}
}

func TestUpdateMetadata_ClearsFields(t *testing.T) {
	reg, _, external := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(external, "crm"), `---
name: crm
allowed-tools: Read
metadata:
  ctos:
    requires_app: crm
    mcp_servers: [crm]
---
`)
	mustLoad(t, reg)

	empty := ""
	none := []string{}
	s, err := reg.UpdateMetadata(context.Background(), "crm", MetadataPatch{RequiresApp: &empty, MCPServers: &none, AllowedTools: &none})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if s.RequiresApp != "" || len(s.MCPServers) != 0 || len(s.AllowedTools) != 0 {
		t.Fatalf("fields not cleared: %+v", s)
	}
}

func TestUpdateMetadata_Errors(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "a"), "---\nname: a\n---\n")
	mustLoad(t, reg)

	if _, err := reg.UpdateMetadata(context.Background(), "missing", MetadataPatch{}); !shared.IsKind(err, shared.KindSkillNotFound) {
		t.Fatalf("expected skill not found, got %v", err)
	}
	bad := "two words"
	if _, err := reg.UpdateMetadata(context.Background(), "a", MetadataPatch{RequiresApp: &bad}); !shared.IsKind(err, shared.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRemove_ReexposesBuiltin(t *testing.T) {
	reg, builtin, external := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "share-links"), "---\nname: share-links\ndescription: builtin\n---\n")
	writeSkillMD(t, filepath.Join(external, "share-links"), "---\nname: share-links\ndescription: external\n---\n")
	mustLoad(t, reg)

	if err := reg.Remove(context.Background(), "share-links"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	s, ok := reg.Get("share-links")
	if !ok || s.Source != SourceNative || s.Description != "builtin" {
		t.Fatalf("expected builtin to be re-exposed, got %+v %v", s, ok)
	}
	if _, err := os.Stat(filepath.Join(external, "share-links")); !os.IsNotExist(err) {
		t.Fatal("external dir should be gone")
	}

	if err := reg.Remove(context.Background(), "share-links"); !shared.IsKind(err, shared.KindPermissionDenied) {
		t.Fatalf("removing a builtin should be denied, got %v", err)
	}
	if err := reg.Remove(context.Background(), "nope"); !shared.IsKind(err, shared.KindSkillNotFound) {
		t.Fatalf("expected skill not found, got %v", err)
	}
	if err := reg.Remove(context.Background(), "../x"); !shared.IsKind(err, shared.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRegistry_ReadsDuringMutations(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillMD(t, filepath.Join(builtin, "stable"), "---\nname: stable\n---\n")
	writeSkillMD(t, filepath.Join(builtin, "mutating"), "---\nname: mutating\n---\n")
	mustLoad(t, reg)

	var stop atomic.Bool
	var misses atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				if _, ok := reg.Get("stable"); !ok {
					misses.Add(1)
				}
				if _, ok := reg.Get("mutating"); !ok {
					misses.Add(1)
				}
				_ = reg.ListFor(nil)
			}
		}()
	}

	for i := 0; i < 10; i++ {
		desc := strings.Repeat("x", i+1)
		if _, err := reg.UpdateMetadata(context.Background(), "mutating", MetadataPatch{Description: &desc}); err != nil {
			t.Fatalf("UpdateMetadata %d: %v", i, err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if misses.Load() != 0 {
		t.Fatalf("readers observed %d missing skills during mutation", misses.Load())
	}
	if s, _ := reg.Get("mutating"); s.Description != strings.Repeat("x", 10) {
		t.Fatalf("final description = %q", s.Description)
	}
}

func TestParsePermissions(t *testing.T) {
	perms, err := ParsePermissions([]string{"knowledge", "finance=false,crm=true"})
	if err != nil {
		t.Fatalf("ParsePermissions: %v", err)
	}
	if !perms.Allows("knowledge") || perms.Allows("finance") || !perms.Allows("crm") || !perms.Allows("") {
		t.Fatalf("unexpected perms %v", perms)
	}
	if !reflect.DeepEqual(perms.Granted(), []string{"crm", "knowledge"}) {
		t.Fatalf("granted = %v", perms.Granted())
	}
	if _, err := ParsePermissions([]string{"x=maybe"}); err == nil {
		t.Fatal("expected error for non-bool value")
	}
}
