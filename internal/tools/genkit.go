package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/skillgate/internal/mcp"
	"github.com/basket/skillgate/internal/otel"
	"github.com/basket/skillgate/internal/shared"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"go.opentelemetry.io/otel/metric"
)

const dispatcherDescription = "Run a script shipped by a skill. Pass the skill name, the script file name " +
	"(with or without extension) and the script input as a JSON object encoded in a string. " +
	"Returns JSON with success, output and route. Errors start with [ERROR]."

// RegisterDispatcher defines the run_skill_script tool on g under its
// fully-qualified name.
func RegisterDispatcher(g *genkit.Genkit, d *Dispatcher) ai.Tool {
	name := d.ToolName()
	return genkit.DefineTool(g, name, dispatcherDescription,
		func(tc *ai.ToolContext, input DispatchInput) (string, error) {
			return Observe(tc.Context, name, input, func(ctx context.Context, in DispatchInput) (string, error) {
				return d.RunSkillScript(ctx, in), nil
			}), nil
		},
	)
}

// ToolCatalog is the remote tool surface registered with Genkit.
// *mcp.Manager implements it.
type ToolCatalog interface {
	RemoteExecutor
	Tools() []mcp.ToolInfo
}

// RegisterMCPTools defines one Genkit tool per discovered MCP tool, named
// mcp__<server>__<tool>. Names already defined on g (the dispatcher, or a
// previous registration) are skipped.
func RegisterMCPTools(g *genkit.Genkit, catalog ToolCatalog, tel *otel.Instruments, logger *slog.Logger) []ai.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = otel.NoopInstruments()
	}

	var refs []ai.Tool
	for _, info := range catalog.Tools() {
		toolName := info.QualifiedName
		if genkit.LookupTool(g, toolName) != nil {
			continue
		}

		schema := info.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		// Genkit derives the declared schema from the Go input type, so the
		// remote schema is appended to the description for the model.
		schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
		description := fmt.Sprintf("%s\n\nInput Schema:\n%s", info.Description, string(schemaJSON))

		t := genkit.DefineTool(g, toolName, description,
			func(tc *ai.ToolContext, input map[string]any) (string, error) {
				return Observe(tc.Context, toolName, input, func(ctx context.Context, args map[string]any) (string, error) {
					start := time.Now()
					ctx, span := otel.StartClientSpan(ctx, tel.Tracer, "tools.mcp",
						otel.AttrToolName.String(toolName),
						otel.AttrMCPServer.String(info.Server),
					)
					out, err := catalog.ExecuteTool(ctx, toolName, args)
					tel.Metrics.ToolDuration.Record(ctx, time.Since(start).Seconds(),
						metric.WithAttributes(otel.AttrToolName.String(toolName)))
					otel.EndSpan(span, err != nil, errText(err))
					if err != nil {
						tel.Metrics.ToolErrors.Add(ctx, 1, metric.WithAttributes(
							otel.AttrToolName.String(toolName),
							otel.AttrErrorKind.String(string(shared.KindOf(err))),
						))
						return "", fmt.Errorf("mcp tool %s: %w", toolName, err)
					}
					return out, nil
				}), nil
			},
		)
		refs = append(refs, t)
	}

	logger.Info("registered mcp tools", "count", len(refs))
	return refs
}
