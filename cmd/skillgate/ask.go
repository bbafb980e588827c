package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/engine"
	"github.com/basket/skillgate/internal/session"
	"github.com/basket/skillgate/internal/shared"
	"github.com/basket/skillgate/internal/skills"
)

func runAskCommand(ctx context.Context, args []string, quiet bool) int {
	fs := newFlagSet("ask")
	var perms permFlag
	fs.Var(&perms, "perm", "app permission, e.g. finance=true (repeatable)")
	identity := fs.String("identity", "", "caller identity")
	model := fs.String("model", "", "model override")
	timeout := fs.Duration("timeout", 0, "timeout for the whole invocation (default from config)")
	verbose := fs.Bool("v", false, "print tool calls to stderr")
	asJSON := fs.Bool("json", false, "output the full response as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		return fail("usage: skillgate ask [flags] <message>")
	}
	p, err := parsePerms(perms)
	if err != nil {
		return fail("%v", err)
	}

	a, err := bootstrap(ctx, bootOptions{quiet: quiet, remote: true, agent: true})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	req := newAskRequest(p, *identity, *model, *timeout, joinArgs(fs.Args()))
	if *verbose {
		req.OnToolStart, req.OnToolEnd = toolPrinter(os.Stderr)
	}
	resp := a.engine.Handle(ctx, req)

	if *asJSON {
		if err := encodeJSON(os.Stdout, resp); err != nil {
			return fail("encode: %v", err)
		}
	} else if resp.Success {
		fmt.Println(resp.Message)
	} else {
		fmt.Fprintf(os.Stderr, "%s%s\n", shared.FailurePrefix, resp.Error)
		if hint := engine.ClassifyError(errors.New(resp.Error)).Hint(); hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
	}
	if !resp.Success {
		return 1
	}
	return 0
}

func parsePerms(perms permFlag) (skills.Permissions, error) {
	return skills.ParsePermissions(perms)
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func newAskRequest(perms skills.Permissions, identity, model string, timeout time.Duration, message string) engine.Request {
	return engine.Request{
		Permissions:    perms,
		CallerIdentity: identity,
		Message:        message,
		Model:          model,
		Timeout:        timeout,
	}
}

// toolPrinter returns hooks that trace tool calls, one line each.
func toolPrinter(w io.Writer) (func(string, json.RawMessage), func(session.ToolCallRecord)) {
	start := func(name string, input json.RawMessage) {
		fmt.Fprintf(w, "-> %s %s\n", name, oneLine(string(input), 120))
	}
	end := func(rec session.ToolCallRecord) {
		status := "ok"
		if rec.Error != "" {
			status = "error: " + oneLine(rec.Error, 80)
		}
		fmt.Fprintf(w, "<- %s (%dms) %s\n", rec.Name, rec.DurationMS, status)
	}
	return start, end
}
