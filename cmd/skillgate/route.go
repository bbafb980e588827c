package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/skillgate/internal/config"
	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/skills"
)

func runRouteCommand(ctx context.Context, args []string, quiet bool) int {
	if len(args) > 0 && args[0] == "set-mode" {
		if len(args) != 2 {
			return fail("usage: skillgate route set-mode <script-first|mcp-first>")
		}
		mode, err := policy.ParseMode(args[1])
		if err != nil {
			return fail("%v", err)
		}
		if err := config.SetRoutingMode(config.HomeDir(), mode); err != nil {
			return fail("set mode: %v", err)
		}
		fmt.Printf("routing mode set to %s\n", mode)
		return 0
	}

	fs := newFlagSet("route")
	var perms permFlag
	fs.Var(&perms, "perm", "app permission, e.g. finance=true (repeatable)")
	modeFlag := fs.String("mode", "", "override the configured routing mode")
	asJSON := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	p, err := skills.ParsePermissions(perms)
	if err != nil {
		return fail("%v", err)
	}

	a, err := bootstrap(ctx, bootOptions{quiet: quiet})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	permitted := a.registry.ListFor(p)
	var res policy.Result
	if *modeFlag != "" {
		mode, err := policy.ParseMode(*modeFlag)
		if err != nil {
			return fail("%v", err)
		}
		res = policy.Compute(permitted, a.cfg.Skills.FallbackMaps, mode, a.live.Options())
	} else {
		res = a.live.Compute(permitted, a.cfg.Skills.FallbackMaps)
	}

	if *asJSON {
		if err := encodeJSON(os.Stdout, res); err != nil {
			return fail("encode: %v", err)
		}
		return 0
	}
	writeRoute(os.Stdout, res, permitted, a.cfg.Skills.FallbackMaps)
	return 0
}

func writeRoute(w io.Writer, res policy.Result, permitted []skills.Skill, overrides map[string]map[string]string) {
	fmt.Fprintf(w, "mode:        %s\n", res.State.Mode)
	fmt.Fprintf(w, "skills:      %d permitted, %d with scripts\n", len(permitted), res.State.ScriptSkillCount)
	fmt.Fprintf(w, "mcp servers: %s\n", orDash(strings.Join(res.MCPServers, ", ")))
	fmt.Fprintln(w, "tools:")
	for _, t := range res.Tools {
		fmt.Fprintf(w, "  %s\n", t)
	}
	if len(res.State.Suppressed) > 0 {
		fmt.Fprintln(w, "suppressed (served by scripts):")
		for _, t := range res.State.Suppressed {
			fmt.Fprintf(w, "  %s\n", t)
		}
	}
	for _, s := range permitted {
		fallback := s.ScriptMCPFallback
		if o, ok := overrides[s.Name]; ok {
			fallback = o
		}
		if len(fallback) == 0 {
			continue
		}
		fmt.Fprintf(w, "fallbacks for %s:\n", s.Name)
		for _, script := range sortedKeys(fallback) {
			fmt.Fprintf(w, "  %s -> %s\n", script, fallback[script])
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
