package main

import (
	"context"
	"os"

	"github.com/basket/skillgate/internal/shared"
	"github.com/basket/skillgate/internal/tools"
)

func runScriptCommand(ctx context.Context, args []string, quiet bool) int {
	fs := newFlagSet("run-script")
	identity := fs.String("identity", "", "caller identity for app-gated skills")
	local := fs.Bool("local", false, "do not connect MCP servers; fallbacks fail")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		return fail("usage: skillgate run-script [-identity id] [-local] <skill> <script> [json]")
	}
	in := tools.DispatchInput{
		Skill:          fs.Arg(0),
		Script:         fs.Arg(1),
		CallerIdentity: *identity,
	}
	if fs.NArg() == 3 {
		in.Input = fs.Arg(2)
	}

	a, err := bootstrap(ctx, bootOptions{quiet: quiet, remote: !*local})
	if err != nil {
		return fail("%v", err)
	}
	defer a.Close()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	res := a.dispatcher.Dispatch(ctx, in)
	if err := encodeJSON(os.Stdout, res); err != nil {
		return fail("encode: %v", err)
	}
	if !res.Success {
		return 1
	}
	return 0
}
