package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basket/skillgate/internal/shared"
)

const (
	descriptorFile = "SKILL.md"
	scriptsDir     = "scripts"
	referencesDir  = "references"
)

// legacyDescriptorFiles are accepted when a skill dir has no SKILL.md.
var legacyDescriptorFiles = []string{"skill.yaml", "skill.yml", "skill.txt"}

// LoadReport summarizes one Load pass. Per-skill problems do not fail a
// load; they are collected here.
type LoadReport struct {
	Loaded     int
	Overridden []string // names where the external root replaced a native skill
	Errors     []error
}

// Err joins the per-skill errors.
func (r LoadReport) Err() error { return errors.Join(r.Errors...) }

type snapshot struct {
	skills map[string]Skill
	names  []string
	report LoadReport
}

// Registry holds the override-resolved skill set. Reads go to an immutable
// snapshot; Load and the admin mutations build a new snapshot under adminMu
// and swap it in atomically.
type Registry struct {
	builtinDir  string
	externalDir string
	logger      *slog.Logger

	adminMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

func NewRegistry(builtinDir, externalDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		builtinDir:  cleanAbs(builtinDir),
		externalDir: cleanAbs(externalDir),
		logger:      logger,
	}
	r.snap.Store(&snapshot{skills: map[string]Skill{}})
	return r
}

func (r *Registry) BuiltinDir() string  { return r.builtinDir }
func (r *Registry) ExternalDir() string { return r.externalDir }

// Load scans the builtin root, then the external root, and replaces the
// current snapshot. Only an unreadable root fails the load.
func (r *Registry) Load(ctx context.Context) (LoadReport, error) {
	r.adminMu.Lock()
	defer r.adminMu.Unlock()
	return r.loadLocked(ctx)
}

// Reload is Load for callers that only care about the error (watchers).
func (r *Registry) Reload(ctx context.Context) error {
	report, err := r.Load(ctx)
	if err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		r.logger.Warn("skills reloaded with errors", "loaded", report.Loaded, "errors", len(report.Errors))
	}
	return nil
}

func (r *Registry) loadLocked(ctx context.Context) (LoadReport, error) {
	var report LoadReport
	merged := make(map[string]Skill)

	roots := []struct {
		dir    string
		source Source
	}{
		{r.builtinDir, SourceNative},
		{r.externalDir, SourceExternal},
	}
	for _, root := range roots {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if root.dir == "" {
			continue
		}
		found, errs, err := r.scanRoot(ctx, root.dir, root.source)
		if err != nil {
			return report, err
		}
		report.Errors = append(report.Errors, errs...)
		for name, skill := range found {
			if prev, ok := merged[name]; ok && prev.Source == SourceNative && skill.Source == SourceExternal {
				report.Overridden = append(report.Overridden, name)
				r.logger.Debug("external skill overrides builtin", "skill", name, "dir", skill.Dir)
			}
			merged[name] = skill
		}
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	sort.Strings(report.Overridden)
	report.Loaded = len(names)

	r.snap.Store(&snapshot{skills: merged, names: names, report: report})
	r.logger.Info("skills loaded", "count", report.Loaded, "overridden", len(report.Overridden), "errors", len(report.Errors))
	return report, nil
}

func (r *Registry) scanRoot(ctx context.Context, root string, source Source) (map[string]Skill, []error, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("skills root missing", "dir", root, "source", source)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read skills dir (%s): %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	found := make(map[string]Skill)
	var errs []error
	for _, ent := range entries {
		if ctx.Err() != nil {
			return found, errs, ctx.Err()
		}
		// Hidden entries include staging dirs of in-flight imports.
		if !ent.IsDir() || strings.HasPrefix(ent.Name(), ".") || strings.HasSuffix(ent.Name(), ".bak") {
			continue
		}
		dir := filepath.Join(root, ent.Name())
		skill, err := r.loadOne(dir, source)
		if err != nil {
			if errors.Is(err, errNoDescriptor) {
				continue
			}
			r.logger.Warn("skill load failed", "dir", dir, "error", err)
			errs = append(errs, err)
			continue
		}
		if prev, ok := found[skill.Name]; ok {
			errs = append(errs, &ParseError{Path: dir, Field: "name", Reason: fmt.Sprintf("duplicate skill name %q (already defined in %s)", skill.Name, prev.Dir)})
			continue
		}
		found[skill.Name] = skill
	}
	return found, errs, nil
}

var errNoDescriptor = errors.New("no skill descriptor")

func (r *Registry) loadOne(dir string, source Source) (Skill, error) {
	path := filepath.Join(dir, descriptorFile)
	if _, err := os.Stat(path); err != nil {
		path = ""
		for _, alt := range legacyDescriptorFiles {
			candidate := filepath.Join(dir, alt)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return Skill{}, errNoDescriptor
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Skill{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxSkillMDSize {
		return Skill{}, &ParseError{Path: path, Reason: fmt.Sprintf("descriptor exceeds %d bytes", maxSkillMDSize)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read %s: %w", path, err)
	}
	skill, err := ParseSkillMD(path, data)
	if err != nil {
		return Skill{}, err
	}
	skill.Source = source
	skill.Dir = dir

	scripts, err := r.listFiles(dir, scriptsDir, false)
	if err != nil {
		return Skill{}, err
	}
	refs, err := r.listFiles(dir, referencesDir, true)
	if err != nil {
		return Skill{}, err
	}
	skill.Scripts = scripts
	skill.References = refs
	return skill, nil
}

// listFiles returns regular files under dir/sub as paths relative to dir.
// Entries resolving outside the registry roots fail the skill.
func (r *Registry) listFiles(dir, sub string, recursive bool) ([]string, error) {
	base := filepath.Join(dir, sub)
	if fi, err := os.Stat(base); err != nil || !fi.IsDir() {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != base && (strings.HasPrefix(name, ".") || name == "__pycache__" || name == "node_modules") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != base && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !r.withinRoots(path) {
			return &ParseError{Path: path, Field: sub, Reason: "resolves outside the skill roots"}
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *Registry) current() *snapshot { return r.snap.Load() }

// Get returns the resolved skill for name.
func (r *Registry) Get(name string) (Skill, bool) {
	s, ok := r.current().skills[name]
	return s, ok
}

// Dir returns the directory of the winning source for name.
func (r *Registry) Dir(name string) (string, bool) {
	s, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return s.Dir, true
}

// All returns every resolved skill sorted by name.
func (r *Registry) All() []Skill {
	snap := r.current()
	out := make([]Skill, 0, len(snap.names))
	for _, name := range snap.names {
		out = append(out, snap.skills[name])
	}
	return out
}

// LastReport returns the report of the load that produced the current snapshot.
func (r *Registry) LastReport() LoadReport { return r.current().report }

// ListFor returns the skills the permission set may use, sorted by name.
func (r *Registry) ListFor(perms Permissions) []Skill {
	return FilterSkills(r.All(), perms)
}

// ToolNamesFor returns the union of allowed_tools over ListFor(perms).
func (r *Registry) ToolNamesFor(perms Permissions) []string {
	var out []string
	for _, s := range r.ListFor(perms) {
		out = append(out, s.AllowedTools...)
	}
	return sortedUnique(out)
}

// RequiredMCPServersFor returns the union of mcp_servers over ListFor(perms).
func (r *Registry) RequiredMCPServersFor(perms Permissions) []string {
	var out []string
	for _, s := range r.ListFor(perms) {
		out = append(out, s.MCPServers...)
	}
	return sortedUnique(out)
}

// ResolvePath joins rel onto the skill directory and rejects results that
// leave the skill directory or the registry roots.
func (r *Registry) ResolvePath(name, rel string) (string, error) {
	s, ok := r.Get(name)
	if !ok {
		return "", shared.Errorf(shared.KindSkillNotFound, "skill %q not found", name)
	}
	if filepath.IsAbs(rel) {
		return "", shared.Errorf(shared.KindPermissionDenied, "path %q must be relative to skill %q", rel, name)
	}
	path := filepath.Join(s.Dir, filepath.FromSlash(rel))
	if !within(s.Dir, path) || !r.withinRoots(path) {
		return "", shared.Errorf(shared.KindPermissionDenied, "path %q escapes skill %q", rel, name)
	}
	return path, nil
}

// ScriptPath finds script (exact relative path, file name, or stem) among
// the skill's scripts and returns its absolute path.
func (r *Registry) ScriptPath(name, script string) (string, error) {
	s, ok := r.Get(name)
	if !ok {
		return "", shared.Errorf(shared.KindSkillNotFound, "skill %q not found", name)
	}
	script = strings.TrimSpace(script)
	if script == "" {
		return "", shared.Errorf(shared.KindScriptNotFound, "script name is empty")
	}
	var rel string
	for _, p := range s.Scripts {
		if p == script || p == scriptsDir+"/"+script || filepath.Base(p) == script || scriptStem(p) == script {
			rel = p
			break
		}
	}
	if rel == "" {
		return "", shared.Errorf(shared.KindScriptNotFound, "script %q not found in skill %q", script, name)
	}
	path, err := r.ResolvePath(name, rel)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return "", shared.Errorf(shared.KindScriptNotFound, "script %q not found in skill %q", script, name)
	}
	return path, nil
}

func (r *Registry) withinRoots(path string) bool {
	for _, root := range []string{r.builtinDir, r.externalDir} {
		if root != "" && within(root, path) {
			return true
		}
	}
	return false
}

// within reports whether path, after resolving symlinks, stays under root.
func within(root, path string) bool {
	root = resolveExisting(root)
	path = resolveExisting(path)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolveExisting evaluates symlinks on the longest existing prefix of p.
func resolveExisting(p string) string {
	p = cleanAbs(p)
	var tail []string
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

func cleanAbs(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

func scriptStem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func sortedUnique(in []string) []string {
	out := dedupe(in)
	sort.Strings(out)
	return out
}
