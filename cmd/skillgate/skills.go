package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/basket/skillgate/internal/skills"
)

// skillView is the JSON shape of a skill in CLI output.
type skillView struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Source            skills.Source     `json:"source"`
	RequiresApp       string            `json:"requires_app,omitempty"`
	AllowedTools      []string          `json:"allowed_tools,omitempty"`
	MCPServers        []string          `json:"mcp_servers,omitempty"`
	Scripts           []string          `json:"scripts,omitempty"`
	ScriptMCPFallback map[string]string `json:"script_mcp_fallback,omitempty"`
	Dir               string            `json:"dir"`
}

func viewOf(s skills.Skill) skillView {
	return skillView{
		Name:              s.Name,
		Description:       s.Description,
		Source:            s.Source,
		RequiresApp:       s.RequiresApp,
		AllowedTools:      s.AllowedTools,
		MCPServers:        s.MCPServers,
		Scripts:           s.Scripts,
		ScriptMCPFallback: s.ScriptMCPFallback,
		Dir:               s.Dir,
	}
}

func runSkillsCommand(ctx context.Context, args []string, quiet bool) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: skillgate skills <list|show|import|remove|set> ...")
		return 2
	}
	a, err := bootstrap(ctx, bootOptions{quiet: quiet})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	sub := strings.ToLower(strings.TrimSpace(args[0]))
	switch sub {
	case "list":
		fs := newFlagSet("skills list")
		var perms permFlag
		fs.Var(&perms, "perm", "app permission, e.g. finance=true (repeatable)")
		all := fs.Bool("all", false, "ignore permissions and list every skill")
		asJSON := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		var list []skills.Skill
		if *all {
			list = a.registry.All()
		} else {
			p, err := skills.ParsePermissions(perms)
			if err != nil {
				return fail("%v", err)
			}
			list = a.registry.ListFor(p)
		}
		if *asJSON {
			views := make([]skillView, 0, len(list))
			for _, s := range list {
				views = append(views, viewOf(s))
			}
			if err := encodeJSON(os.Stdout, views); err != nil {
				return fail("encode: %v", err)
			}
			return 0
		}
		writeSkillTable(os.Stdout, list)
		return 0

	case "show", "info":
		if len(args) < 2 {
			return fail("usage: skillgate skills show <name>")
		}
		s, ok := a.registry.Get(args[1])
		if !ok {
			return fail("skill %q not found", args[1])
		}
		if err := encodeJSON(os.Stdout, viewOf(s)); err != nil {
			return fail("encode: %v", err)
		}
		return 0

	case "import", "install":
		if len(args) < 2 {
			return fail("usage: skillgate skills import <dir>")
		}
		s, err := a.registry.Import(ctx, args[1])
		if err != nil {
			return fail("import: %v", err)
		}
		fmt.Printf("imported %s (%d scripts) into %s\n", s.Name, len(s.Scripts), s.Dir)
		return 0

	case "remove":
		if len(args) < 2 {
			return fail("usage: skillgate skills remove <name>")
		}
		if err := a.registry.Remove(ctx, args[1]); err != nil {
			return fail("remove: %v", err)
		}
		fmt.Printf("removed %s\n", args[1])
		return 0

	case "set", "update":
		return runSkillsSet(ctx, a, args[1:])

	default:
		fmt.Fprintf(os.Stderr, "unknown skills subcommand %q\n", sub)
		return 2
	}
}

func runSkillsSet(ctx context.Context, a *app, args []string) int {
	fs := newFlagSet("skills set")
	description := fs.String("description", "", "new description")
	requiresApp := fs.String("requires-app", "", "app capability gating the skill (\"-\" clears it)")
	allowedTools := fs.String("allowed-tools", "", "comma-separated tool list (\"-\" clears it)")
	servers := fs.String("mcp-servers", "", "comma-separated MCP server names (\"-\" clears them)")
	fallback := fs.String("fallback", "", "comma-separated script=tool pairs (\"-\" clears them)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		return fail("usage: skillgate skills set [flags] <name>")
	}

	var patch skills.MetadataPatch
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["description"] {
		patch.Description = description
	}
	if set["requires-app"] {
		v := clearable(*requiresApp)
		patch.RequiresApp = &v
	}
	if set["allowed-tools"] {
		v := splitCSV(clearable(*allowedTools))
		patch.AllowedTools = &v
	}
	if set["mcp-servers"] {
		v := splitCSV(clearable(*servers))
		patch.MCPServers = &v
	}
	if set["fallback"] {
		m, err := parseFallbackPairs(clearable(*fallback))
		if err != nil {
			return fail("%v", err)
		}
		patch.ScriptMCPFallback = &m
	}

	s, err := a.registry.UpdateMetadata(ctx, fs.Arg(0), patch)
	if err != nil {
		return fail("update: %v", err)
	}
	if err := encodeJSON(os.Stdout, viewOf(s)); err != nil {
		return fail("encode: %v", err)
	}
	return 0
}

func writeSkillTable(w io.Writer, list []skills.Skill) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tREQUIRES\tSCRIPTS\tDESCRIPTION")
	for _, s := range list {
		requires := s.RequiresApp
		if requires == "" {
			requires = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.Source, requires, len(s.Scripts), oneLine(s.Description, 60))
	}
	tw.Flush()
}

// clearable maps the "-" sentinel to the empty value.
func clearable(v string) string {
	if strings.TrimSpace(v) == "-" {
		return ""
	}
	return v
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseFallbackPairs reads "script=tool,script2=server:tool".
func parseFallbackPairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		script, tool, ok := strings.Cut(pair, "=")
		script, tool = strings.TrimSpace(script), strings.TrimSpace(tool)
		if !ok || script == "" || tool == "" {
			return nil, fmt.Errorf("invalid fallback %q: want script=tool", pair)
		}
		out[script] = tool
	}
	return out, nil
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
