package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s <command> [options]

COMMANDS:
  skills list [-perm app=true] [-json]    List skills visible to a permission set
  skills show <name>                      Show one skill's descriptor and scripts
  skills import <dir>                     Copy a skill directory into the external root
  skills remove <name>                    Remove an external skill
  skills set <name> [flags]               Update descriptor metadata
  route [-perm app] [-mode m] [-json]     Show the tool set an agent would get
  route set-mode <script-first|mcp-first> Persist the routing mode to config.yaml
  run-script [-identity id] <skill> <script> [json]
                                          Run a skill script through the dispatcher
  ask [-perm app] [-identity id] <message>
                                          Run one agent invocation
  audit tail [-n N] [-context c] [-skill s]
  audit stats [-since 24h]
  sessions [-n N]                         List recent agent sessions
  serve                                   Run watchers, janitor and retention jobs
  mcp                                     Serve run_skill_script over MCP stdio
  doctor [-json]                          Run diagnostic checks

ENVIRONMENT VARIABLES:
  SKILLGATE_HOME          Data directory (default: ~/.skillgate)
  SKILLGATE_ROUTING_MODE  Overrides routing.mode
  ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, OPENROUTER_API_KEY

Version: %[2]s
`, "skillgate", Version)
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, flag.Args()))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}
	// Logs go to the file only when a person is reading the terminal.
	quiet := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version":
		fmt.Println(Version)
		return 0
	case "skills", "skill":
		return runSkillsCommand(ctx, rest, quiet)
	case "route":
		return runRouteCommand(ctx, rest, quiet)
	case "run-script":
		return runScriptCommand(ctx, rest, quiet)
	case "ask":
		return runAskCommand(ctx, rest, quiet)
	case "audit":
		return runAuditCommand(ctx, rest, quiet)
	case "sessions":
		return runSessionsCommand(ctx, rest, quiet)
	case "serve":
		return runServeCommand(ctx, rest, quiet)
	case "mcp":
		// Stdout carries the protocol, so logs never go there.
		return runMCPCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

// permFlag collects repeated -perm values.
type permFlag []string

func (p *permFlag) String() string { return strings.Join(*p, ",") }

func (p *permFlag) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("skillgate "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
