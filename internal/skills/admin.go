package skills

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/skillgate/internal/shared"
	"gopkg.in/yaml.v3"
)

// MetadataPatch lists the descriptor fields an admin may change. Nil
// fields are left untouched.
type MetadataPatch struct {
	Description       *string
	AllowedTools      *[]string
	RequiresApp       *string
	MCPServers        *[]string
	ScriptMCPFallback *map[string]string
}

// Import copies the skill directory at srcDir into the external root,
// replacing any previous external copy of the same skill.
func (r *Registry) Import(ctx context.Context, srcDir string) (Skill, error) {
	if ctx.Err() != nil {
		return Skill{}, ctx.Err()
	}
	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	if r.externalDir == "" {
		return Skill{}, fmt.Errorf("external skills dir not configured")
	}
	srcDir = cleanAbs(srcDir)
	data, err := os.ReadFile(filepath.Join(srcDir, descriptorFile))
	if err != nil {
		return Skill{}, fmt.Errorf("read %s: %w", descriptorFile, err)
	}
	if !hasCanonicalFrontmatter(data) {
		return Skill{}, &ParseError{Path: srcDir, Field: "frontmatter", Reason: "imported skills need canonical YAML frontmatter"}
	}
	parsed, err := ParseSkillMD(filepath.Join(srcDir, descriptorFile), data)
	if err != nil {
		return Skill{}, err
	}
	if err := os.MkdirAll(r.externalDir, 0o755); err != nil {
		return Skill{}, fmt.Errorf("create external dir: %w", err)
	}

	destDir := filepath.Join(r.externalDir, parsed.Name)
	staged, err := os.MkdirTemp(r.externalDir, ".staged-")
	if err != nil {
		return Skill{}, fmt.Errorf("mkdirtemp staged: %w", err)
	}
	defer func() { _ = os.RemoveAll(staged) }()

	stagedDest := filepath.Join(staged, "skill")
	if err := copyTree(srcDir, stagedDest); err != nil {
		return Skill{}, err
	}
	if err := swapInto(stagedDest, destDir); err != nil {
		return Skill{}, err
	}

	sum := sha256.Sum256(data)
	r.logger.Info("skill imported", "name", parsed.Name, "dir", destDir, "skill_md_sha256", fmt.Sprintf("%x", sum[:8]))
	return r.reloadAndGet(ctx, parsed.Name)
}

// UpdateMetadata rewrites the winning descriptor of name. A native skill
// is first copied into the external root so the builtin tree stays
// untouched; the patched copy then overrides it.
func (r *Registry) UpdateMetadata(ctx context.Context, name string, patch MetadataPatch) (Skill, error) {
	if ctx.Err() != nil {
		return Skill{}, ctx.Err()
	}
	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	skill, ok := r.Get(name)
	if !ok {
		return Skill{}, shared.Errorf(shared.KindSkillNotFound, "skill %q not found", name)
	}
	if patch.RequiresApp != nil && strings.ContainsAny(*patch.RequiresApp, " \t\n") {
		return Skill{}, shared.Errorf(shared.KindInvalidInput, "requires_app %q must be a single token", *patch.RequiresApp)
	}

	dir := skill.Dir
	if skill.Source == SourceNative {
		if r.externalDir == "" {
			return Skill{}, fmt.Errorf("external skills dir not configured")
		}
		if err := os.MkdirAll(r.externalDir, 0o755); err != nil {
			return Skill{}, fmt.Errorf("create external dir: %w", err)
		}
		staged, err := os.MkdirTemp(r.externalDir, ".staged-")
		if err != nil {
			return Skill{}, fmt.Errorf("mkdirtemp staged: %w", err)
		}
		defer func() { _ = os.RemoveAll(staged) }()
		stagedDest := filepath.Join(staged, "skill")
		if err := copyTree(skill.Dir, stagedDest); err != nil {
			return Skill{}, err
		}
		dir = filepath.Join(r.externalDir, skill.Name)
		if err := swapInto(stagedDest, dir); err != nil {
			return Skill{}, err
		}
	}

	doc, err := descriptorDoc(skill)
	if err != nil {
		return Skill{}, err
	}
	applyPatch(doc, patch)
	out, err := renderSkillMD(doc, skill.Body)
	if err != nil {
		return Skill{}, err
	}
	if err := writeFileAtomic(filepath.Join(dir, descriptorFile), out); err != nil {
		return Skill{}, err
	}
	for _, alt := range legacyDescriptorFiles {
		_ = os.Remove(filepath.Join(dir, alt))
	}

	r.logger.Info("skill metadata updated", "name", name, "dir", dir)
	return r.reloadAndGet(ctx, name)
}

// Remove deletes the external copy of name. Builtin skills are read-only;
// removing an override re-exposes the builtin version.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.adminMu.Lock()
	defer r.adminMu.Unlock()

	if err := ValidateName(name); err != nil {
		return shared.Errorf(shared.KindInvalidInput, "invalid skill name: %v", err)
	}
	skill, ok := r.Get(name)
	if !ok {
		return shared.Errorf(shared.KindSkillNotFound, "skill %q not found", name)
	}
	if skill.Source != SourceExternal {
		return shared.Errorf(shared.KindPermissionDenied, "builtin skill %q cannot be removed", name)
	}
	if !within(r.externalDir, skill.Dir) {
		return shared.Errorf(shared.KindPermissionDenied, "skill dir %s is outside the external root", skill.Dir)
	}

	// Move aside first so a concurrent Load never sees a half-deleted tree.
	trash, err := os.MkdirTemp(r.externalDir, ".trash-")
	if err != nil {
		return fmt.Errorf("mkdirtemp trash: %w", err)
	}
	defer func() { _ = os.RemoveAll(trash) }()
	if err := os.Rename(skill.Dir, filepath.Join(trash, "skill")); err != nil {
		return fmt.Errorf("remove skill dir: %w", err)
	}

	r.logger.Info("skill removed", "name", name, "dir", skill.Dir)
	_, err = r.loadLocked(ctx)
	return err
}

func (r *Registry) reloadAndGet(ctx context.Context, name string) (Skill, error) {
	if _, err := r.loadLocked(ctx); err != nil {
		return Skill{}, err
	}
	s, ok := r.Get(name)
	if !ok {
		return Skill{}, fmt.Errorf("skill %q missing after reload: %w", name, r.LastReport().Err())
	}
	return s, nil
}

// descriptorDoc returns the front-matter of skill as a generic map so
// unknown keys survive a rewrite. Legacy descriptors are converted.
func descriptorDoc(skill Skill) (map[string]any, error) {
	if skill.Format == FormatFrontmatter {
		data, err := os.ReadFile(filepath.Join(skill.Dir, descriptorFile))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", descriptorFile, err)
		}
		fm, _, err := extractFrontmatter(data)
		if err != nil {
			return nil, err
		}
		doc := map[string]any{}
		if err := yaml.Unmarshal(fm, &doc); err != nil {
			return nil, fmt.Errorf("parse frontmatter yaml: %w", err)
		}
		return doc, nil
	}

	doc := map[string]any{
		"name":        skill.Name,
		"description": skill.Description,
	}
	if len(skill.AllowedTools) > 0 {
		doc["allowed-tools"] = strings.Join(skill.AllowedTools, " ")
	}
	ctos := map[string]any{}
	if skill.RequiresApp != "" {
		ctos["requires_app"] = skill.RequiresApp
	}
	if len(skill.MCPServers) > 0 {
		ctos["mcp_servers"] = skill.MCPServers
	}
	if len(skill.ScriptMCPFallback) > 0 {
		ctos["script_mcp_fallback"] = skill.ScriptMCPFallback
	}
	meta := map[string]any{}
	if len(ctos) > 0 {
		meta[ctosNamespace] = ctos
	}
	if env := skill.Env; len(env.Names) > 0 || env.Primary != "" {
		block := map[string]any{}
		if len(env.Names) > 0 {
			block["requires"] = map[string]any{"env": env.Names}
		}
		if env.Primary != "" {
			block["primaryEnv"] = env.Primary
		}
		meta["skillgate"] = block
	}
	if len(meta) > 0 {
		doc["metadata"] = meta
	}
	return doc, nil
}

func applyPatch(doc map[string]any, patch MetadataPatch) {
	if patch.Description != nil {
		doc["description"] = strings.TrimSpace(*patch.Description)
	}
	if patch.AllowedTools != nil {
		if tools := dedupe(*patch.AllowedTools); len(tools) > 0 {
			doc["allowed-tools"] = strings.Join(tools, " ")
		} else {
			delete(doc, "allowed-tools")
		}
	}
	if patch.RequiresApp == nil && patch.MCPServers == nil && patch.ScriptMCPFallback == nil {
		return
	}

	meta, _ := asStringMap(doc["metadata"])
	if meta == nil {
		meta = map[string]any{}
	}
	ctos, _ := asStringMap(meta[ctosNamespace])
	if ctos == nil {
		ctos = map[string]any{}
	}
	if patch.RequiresApp != nil {
		if v := strings.TrimSpace(*patch.RequiresApp); v != "" {
			ctos["requires_app"] = v
		} else {
			delete(ctos, "requires_app")
		}
	}
	if patch.MCPServers != nil {
		if servers := dedupe(*patch.MCPServers); len(servers) > 0 {
			ctos["mcp_servers"] = servers
		} else {
			delete(ctos, "mcp_servers")
		}
	}
	if patch.ScriptMCPFallback != nil {
		if fb := trimMap(*patch.ScriptMCPFallback); len(fb) > 0 {
			ctos["script_mcp_fallback"] = fb
		} else {
			delete(ctos, "script_mcp_fallback")
		}
	}
	if len(ctos) > 0 {
		meta[ctosNamespace] = ctos
	} else {
		delete(meta, ctosNamespace)
	}
	if len(meta) > 0 {
		doc["metadata"] = meta
	} else {
		delete(doc, "metadata")
	}
}

func renderSkillMD(doc map[string]any, body string) ([]byte, error) {
	// name and description first for readability; the rest sorted.
	node := &yaml.Node{Kind: yaml.MappingNode}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		if k != "name" && k != "description" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	keys = append([]string{"name", "description"}, keys...)
	for _, k := range keys {
		v, ok := doc[k]
		if !ok {
			continue
		}
		var val yaml.Node
		if err := val.Encode(v); err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &val)
	}
	fm, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n")
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// swapInto moves staged into dest, keeping dest.bak until the rename
// succeeds and restoring it otherwise.
func swapInto(staged, dest string) error {
	backup := dest + ".bak"
	_ = os.RemoveAll(backup)
	hadOld := false
	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("backup existing skill: %w", err)
		}
		hadOld = true
	}
	if err := os.Rename(staged, dest); err != nil {
		if hadOld {
			_ = os.Rename(backup, dest)
		}
		return fmt.Errorf("move staged skill: %w", err)
	}
	_ = os.RemoveAll(backup)
	return nil
}

func hasCanonicalFrontmatter(data []byte) bool {
	trim := strings.TrimSpace(string(data))
	return strings.HasPrefix(trim, "---\n") || strings.HasPrefix(trim, "---\r\n")
}

// copyTree copies srcRoot to dstRoot, skipping VCS metadata and refusing
// symlinks.
func copyTree(srcRoot, dstRoot string) error {
	if err := os.MkdirAll(dstRoot, 0o755); err != nil {
		return fmt.Errorf("mkdir dst: %w", err)
	}
	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		if base == ".git" || base == "__pycache__" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dst := filepath.Join(dstRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink not allowed in skill: %s", rel)
		}
		return copyFile(path, dst, info.Mode()&0o777)
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
