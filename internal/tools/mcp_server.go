package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/skillgate/internal/otel"
	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/shared"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// UnmarshalJSON accepts input either as a JSON-encoded string or as an
// inline object, since MCP clients send both.
func (in *DispatchInput) UnmarshalJSON(data []byte) error {
	var wire struct {
		Skill          string          `json:"skill"`
		Script         string          `json:"script"`
		Input          json.RawMessage `json:"input"`
		CallerIdentity string          `json:"caller_identity"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	in.Skill = wire.Skill
	in.Script = wire.Script
	in.CallerIdentity = wire.CallerIdentity
	in.Input = ""

	raw := bytes.TrimSpace(wire.Input)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &in.Input); err != nil {
			return fmt.Errorf("input: %w", err)
		}
	default:
		in.Input = string(raw)
	}
	return nil
}

// NewMCPServer exposes the dispatcher as an MCP server, so the core server
// named in session mcp.json files can be skillgate itself.
func NewMCPServer(d *Dispatcher, version string) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "skillgate", Version: version}, nil)

	var schema map[string]any
	if err := json.Unmarshal([]byte(dispatchInputSchema), &schema); err != nil {
		panic(fmt.Sprintf("dispatcher input schema: %v", err))
	}
	server.AddTool(&mcpsdk.Tool{
		Name:        policy.DispatcherTool,
		Description: dispatcherDescription,
		InputSchema: schema,
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		ctx, span := otel.StartServerSpan(ctx, d.tel.Tracer, "mcp.run_skill_script")
		defer span.End()
		if shared.TraceID(ctx) == "" {
			ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		}

		var in DispatchInput
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				msg := shared.FailureText(shared.Wrap(shared.KindInvalidInput, "invalid arguments", err))
				return textResult(msg, true), nil
			}
		}
		res := d.Dispatch(ctx, in)
		b, err := json.Marshal(res)
		if err != nil {
			return textResult(shared.FailureText(err), true), nil
		}
		return textResult(string(b), !res.Success), nil
	})
	return server
}

// ServeStdio runs server on stdin/stdout until ctx is done or the client
// disconnects.
func ServeStdio(ctx context.Context, server *mcpsdk.Server) error {
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func textResult(text string, isError bool) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: isError,
	}
}
