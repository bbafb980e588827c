package skills

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source tags which root a resolved skill came from.
type Source string

const (
	SourceNative   Source = "native"
	SourceExternal Source = "external"
)

// Format records the descriptor dialect a skill was parsed from.
type Format string

const (
	FormatFrontmatter Format = "frontmatter"
	FormatLegacy      Format = "legacy"
)

const (
	// maxSkillMDSize is the maximum allowed size for a skill descriptor (1 MiB).
	maxSkillMDSize = 1 << 20
	maxNameLen     = 100

	// ctosNamespace is the metadata block holding routing keys.
	ctosNamespace = "ctos"
)

var validName = regexp.MustCompile(`^[a-z0-9-]+$`)

// EnvRequirements is the allow-list of process environment variables a
// skill's scripts may see.
type EnvRequirements struct {
	Names   []string `json:"names,omitempty" yaml:"names,omitempty"`
	Primary string   `json:"primary,omitempty" yaml:"primary,omitempty"`
}

// All returns Names plus Primary, deduplicated.
func (e EnvRequirements) All() []string {
	out := make([]string, 0, len(e.Names)+1)
	seen := make(map[string]struct{}, len(e.Names)+1)
	for _, n := range append(append([]string(nil), e.Names...), e.Primary) {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Skill is the canonical record every descriptor format resolves to.
// Values handed out by the Registry are shared; callers must not mutate them.
type Skill struct {
	Name              string
	Description       string
	AllowedTools      []string
	RequiresApp       string
	MCPServers        []string
	Scripts           []string // relative to Dir, e.g. "scripts/create_link.py"
	References        []string // relative to Dir
	ScriptMCPFallback map[string]string
	Env               EnvRequirements

	Source   Source
	Format   Format
	Body     string
	Dir      string
	Metadata map[string]any
}

// HasScripts reports whether the skill ships at least one script.
func (s Skill) HasScripts() bool { return len(s.Scripts) > 0 }

// ScriptNames returns the scripts' base names without extension.
func (s Skill) ScriptNames() []string {
	out := make([]string, 0, len(s.Scripts))
	for _, p := range s.Scripts {
		out = append(out, scriptStem(p))
	}
	return out
}

// ParseError reports a descriptor that could not be turned into a Skill.
type ParseError struct {
	Path   string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("skill %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("skill %s: %s: %s", e.Path, e.Field, e.Reason)
}

// ValidateName checks the lowercase-kebab naming rule.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("name longer than %d characters", maxNameLen)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("name %q must contain only lowercase letters, digits and hyphens", name)
	}
	return nil
}

// ToolList accepts `allowed-tools` as a space or comma separated string or
// as a YAML sequence.
type ToolList []string

func (t *ToolList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*t = dedupe(splitList(raw))
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		var out []string
		for _, item := range raw {
			out = append(out, splitList(item)...)
		}
		*t = dedupe(out)
		return nil
	default:
		return fmt.Errorf("allowed-tools: expected string or list")
	}
}

type frontmatter struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	License      string         `yaml:"license,omitempty"`
	AllowedTools ToolList       `yaml:"allowed-tools,omitempty"`
	Metadata     map[string]any `yaml:"metadata,omitempty"`
}

// legacyDoc is the flat key-value dialect used before front-matter.
type legacyDoc struct {
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	AllowedTools      ToolList          `yaml:"allowed_tools"`
	AllowedToolsDash  ToolList          `yaml:"allowed-tools"`
	RequiresApp       string            `yaml:"requires_app"`
	MCPServers        ToolList          `yaml:"mcp_servers"`
	ScriptMCPFallback map[string]string `yaml:"script_mcp_fallback"`
	Env               ToolList          `yaml:"env"`
	PrimaryEnv        string            `yaml:"primary_env"`
	Prompt            string            `yaml:"prompt"`
}

// ParseSkillMD parses a descriptor. Canonical YAML front-matter is tried
// first, then the legacy key-value dialect. path is used in errors only.
func ParseSkillMD(path string, data []byte) (Skill, error) {
	if len(data) > maxSkillMDSize {
		return Skill{}, &ParseError{Path: path, Reason: fmt.Sprintf("descriptor exceeds %d bytes", maxSkillMDSize)}
	}
	yamlBytes, body, err := extractFrontmatter(data)
	if err != nil {
		return Skill{}, &ParseError{Path: path, Field: "frontmatter", Reason: err.Error()}
	}

	var skill Skill
	if yamlBytes != nil {
		var fm frontmatter
		if err := yaml.Unmarshal(yamlBytes, &fm); err != nil {
			return Skill{}, &ParseError{Path: path, Field: "frontmatter", Reason: err.Error()}
		}
		skill = Skill{
			Name:         strings.TrimSpace(fm.Name),
			Description:  strings.TrimSpace(fm.Description),
			AllowedTools: []string(fm.AllowedTools),
			Metadata:     fm.Metadata,
			Body:         strings.TrimSpace(body),
			Format:       FormatFrontmatter,
		}
		applyMetadata(&skill)
	} else {
		skill, err = parseLegacy(data)
		if err != nil {
			return Skill{}, &ParseError{Path: path, Reason: err.Error()}
		}
	}

	if err := ValidateName(skill.Name); err != nil {
		return Skill{}, &ParseError{Path: path, Field: "name", Reason: err.Error()}
	}
	for script := range skill.ScriptMCPFallback {
		if strings.ContainsAny(script, `/\`) || script == ".." {
			return Skill{}, &ParseError{Path: path, Field: "script_mcp_fallback", Reason: fmt.Sprintf("invalid script name %q", script)}
		}
	}
	return skill, nil
}

func parseLegacy(data []byte) (Skill, error) {
	// Plain YAML mapping without delimiters.
	var doc legacyDoc
	if err := yaml.Unmarshal(data, &doc); err == nil && strings.TrimSpace(doc.Name) != "" {
		tools := append([]string(doc.AllowedTools), doc.AllowedToolsDash...)
		return Skill{
			Name:              strings.TrimSpace(doc.Name),
			Description:       strings.TrimSpace(doc.Description),
			AllowedTools:      dedupe(tools),
			RequiresApp:       strings.TrimSpace(doc.RequiresApp),
			MCPServers:        []string(doc.MCPServers),
			ScriptMCPFallback: trimMap(doc.ScriptMCPFallback),
			Env:               EnvRequirements{Names: []string(doc.Env), Primary: strings.TrimSpace(doc.PrimaryEnv)},
			Body:              strings.TrimSpace(doc.Prompt),
			Format:            FormatLegacy,
		}, nil
	}

	// Header lines "key: value" or "key = value" up to the first blank
	// line; the rest is the prompt body.
	skill := Skill{Format: FormatLegacy, ScriptMCPFallback: map[string]string{}}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			break
		}
		key, value, ok := cutKeyValue(line)
		if !ok {
			break
		}
		switch strings.ReplaceAll(key, "-", "_") {
		case "name":
			skill.Name = value
		case "description":
			skill.Description = value
		case "allowed_tools":
			skill.AllowedTools = dedupe(splitList(value))
		case "requires_app":
			skill.RequiresApp = value
		case "mcp_servers":
			skill.MCPServers = dedupe(splitList(value))
		case "env":
			skill.Env.Names = dedupe(splitList(value))
		case "primary_env":
			skill.Env.Primary = value
		default:
			// fallback.<script> = <tool>
			if script, ok := strings.CutPrefix(key, "fallback."); ok && script != "" {
				skill.ScriptMCPFallback[script] = value
			}
		}
	}
	if skill.Name == "" {
		return Skill{}, fmt.Errorf("missing skill name")
	}
	if len(skill.ScriptMCPFallback) == 0 {
		skill.ScriptMCPFallback = nil
	}
	if i < len(lines) {
		skill.Body = strings.TrimSpace(strings.Join(lines[i:], "\n"))
	}
	return skill, nil
}

func cutKeyValue(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(line[:idx]))
	if strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
	return key, value, true
}

func extractFrontmatter(data []byte) (yamlBytes []byte, body string, err error) {
	s := strings.TrimPrefix(string(data), "\ufeff")
	if s == "" {
		return nil, "", nil
	}
	firstEnd := strings.IndexByte(s, '\n')
	if firstEnd < 0 || strings.TrimSpace(strings.TrimSuffix(s[:firstEnd], "\r")) != "---" {
		return nil, "", nil
	}

	rest := firstEnd + 1
	for i := rest; i <= len(s); {
		next := len(s)
		line := s[i:]
		if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
			line = s[i : i+nl]
			next = i + nl + 1
		}
		if strings.TrimSpace(strings.TrimSuffix(line, "\r")) == "---" {
			return []byte(s[rest:i]), s[next:], nil
		}
		if next >= len(s) {
			break
		}
		i = next
	}
	return nil, "", fmt.Errorf("unclosed frontmatter: opening --- found but no closing ---")
}

// applyMetadata lifts routing keys out of metadata.ctos and the env
// allow-list out of metadata.<any>.requires.env / primaryEnv.
func applyMetadata(skill *Skill) {
	if len(skill.Metadata) == 0 {
		return
	}
	if ctos, ok := asStringMap(skill.Metadata[ctosNamespace]); ok {
		if v, ok := ctos["requires_app"].(string); ok {
			skill.RequiresApp = strings.TrimSpace(v)
		}
		skill.MCPServers = dedupe(anyToStringSlice(ctos["mcp_servers"]))
		if fb, ok := asStringMap(ctos["script_mcp_fallback"]); ok {
			skill.ScriptMCPFallback = make(map[string]string, len(fb))
			for script, tool := range fb {
				if s, ok := tool.(string); ok && strings.TrimSpace(s) != "" {
					skill.ScriptMCPFallback[strings.TrimSpace(script)] = strings.TrimSpace(s)
				}
			}
		}
	}

	namespaces := make([]string, 0, len(skill.Metadata))
	for ns := range skill.Metadata {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	var names []string
	for _, ns := range namespaces {
		block, ok := asStringMap(skill.Metadata[ns])
		if !ok {
			continue
		}
		if requires, ok := asStringMap(block["requires"]); ok {
			names = append(names, anyToStringSlice(requires["env"])...)
			if p, ok := requires["primaryEnv"].(string); ok && skill.Env.Primary == "" {
				skill.Env.Primary = strings.TrimSpace(p)
			}
		}
		if p, ok := block["primaryEnv"].(string); ok && skill.Env.Primary == "" {
			skill.Env.Primary = strings.TrimSpace(p)
		}
	}
	skill.Env.Names = dedupe(names)
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func anyToStringSlice(v any) []string {
	switch vv := v.(type) {
	case nil:
		return nil
	case string:
		return splitList(vv)
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func trimMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
