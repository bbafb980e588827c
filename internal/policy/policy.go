package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/basket/skillgate/internal/skills"
)

// Mode selects which side wins when a local script and a remote MCP tool
// cover the same operation.
type Mode string

const (
	ModeScriptFirst Mode = "script-first"
	ModeMCPFirst    Mode = "mcp-first"
)

const (
	DefaultCoreServer = "skillgate"
	DispatcherTool    = "run_skill_script"

	mcpPrefix = "mcp__"
	mcpSep    = "__"
)

// ParseMode accepts the two mode spellings (and their underscore forms).
// Empty input yields script-first.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")) {
	case "", string(ModeScriptFirst):
		return ModeScriptFirst, nil
	case string(ModeMCPFirst):
		return ModeMCPFirst, nil
	default:
		return "", fmt.Errorf("unknown routing mode %q (want %s or %s)", raw, ModeScriptFirst, ModeMCPFirst)
	}
}

// QualifiedToolName builds the mcp__<server>__<tool> form.
func QualifiedToolName(server, tool string) string {
	return mcpPrefix + server + mcpSep + tool
}

// SplitQualified is the inverse of QualifiedToolName.
func SplitQualified(name string) (server, tool string, ok bool) {
	rest, ok := strings.CutPrefix(name, mcpPrefix)
	if !ok {
		return "", "", false
	}
	server, tool, ok = strings.Cut(rest, mcpSep)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// NormalizeMCPToolName maps a fallback target to its qualified form.
// Qualified names pass through; "server:tool" and "server/tool" are split;
// bare names resolve against defaultServer.
func NormalizeMCPToolName(raw, defaultServer string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if _, _, ok := SplitQualified(raw); ok {
		return raw
	}
	if i := strings.IndexAny(raw, ":/"); i > 0 && i < len(raw)-1 {
		return QualifiedToolName(raw[:i], raw[i+1:])
	}
	if defaultServer == "" {
		defaultServer = DefaultCoreServer
	}
	return QualifiedToolName(defaultServer, raw)
}

// Options carries deployment naming. Zero values use the defaults.
type Options struct {
	CoreServer     string
	DispatcherName string
}

func (o Options) coreServer() string {
	if s := strings.TrimSpace(o.CoreServer); s != "" {
		return s
	}
	return DefaultCoreServer
}

// Dispatcher returns the exposed name of the run_skill_script tool.
func (o Options) Dispatcher() string {
	if d := strings.TrimSpace(o.DispatcherName); d != "" {
		return d
	}
	return QualifiedToolName(o.coreServer(), DispatcherTool)
}

// State describes how a tool set was derived.
type State struct {
	Mode             Mode     `json:"mode"`
	HasScriptSkills  bool     `json:"has_script_skills"`
	ScriptSkillCount int      `json:"script_skill_count"`
	Overlap          []string `json:"script_mcp_overlap"`
	Suppressed       []string `json:"suppressed_mcp_tools"`
}

// Result is the exposed tool and server set for one session.
type Result struct {
	State      State    `json:"state"`
	Tools      []string `json:"tools"`
	MCPServers []string `json:"mcp_servers"`
}

// Exposes reports whether name is in the tool list.
func (r Result) Exposes(name string) bool {
	i := sort.SearchStrings(r.Tools, name)
	return i < len(r.Tools) && r.Tools[i] == name
}

// Compute derives the exposed tool set from the permitted skills. It reads
// nothing but its arguments. fallbackMaps overrides a skill's own
// script_mcp_fallback when it has an entry for that skill.
func Compute(permitted []skills.Skill, fallbackMaps map[string]map[string]string, mode Mode, opts Options) Result {
	if mode == "" {
		mode = ModeScriptFirst
	}
	core := opts.coreServer()
	dispatcher := opts.Dispatcher()

	state := State{Mode: mode}
	overlap := make(map[string]struct{})
	var allowed, servers []string
	for _, s := range permitted {
		allowed = append(allowed, s.AllowedTools...)
		servers = append(servers, s.MCPServers...)
		if !s.HasScripts() {
			continue
		}
		state.ScriptSkillCount++
		fb, ok := fallbackMaps[s.Name]
		if !ok {
			fb = s.ScriptMCPFallback
		}
		for _, tool := range fb {
			if n := NormalizeMCPToolName(tool, core); n != "" {
				overlap[n] = struct{}{}
			}
		}
	}
	state.HasScriptSkills = state.ScriptSkillCount > 0
	state.Overlap = setToSorted(overlap)

	suppressed := map[string]struct{}{}
	if mode == ModeScriptFirst {
		suppressed = overlap
		state.Suppressed = state.Overlap
	}

	tools := make(map[string]struct{}, len(allowed)+1)
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, drop := suppressed[canonicalAllowed(name, core)]; drop {
			continue
		}
		tools[name] = struct{}{}
	}
	if mode == ModeScriptFirst && state.HasScriptSkills {
		tools[dispatcher] = struct{}{}
	}

	return Result{
		State:      state,
		Tools:      setToSorted(tools),
		MCPServers: sortedUnique(servers),
	}
}

// canonicalAllowed qualifies allowed_tools entries that reference an MCP
// tool. Bare names are native tools and stay as they are.
func canonicalAllowed(name, core string) string {
	if strings.HasPrefix(name, mcpPrefix) || strings.ContainsAny(name, ":/") {
		return NormalizeMCPToolName(name, core)
	}
	return name
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedUnique(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return setToSorted(set)
}
