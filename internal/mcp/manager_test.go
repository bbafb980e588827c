package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/basket/skillgate/internal/shared"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingServer is an in-memory MCP server whose tools echo their
// arguments back.
type recordingServer struct {
	server *mcpsdk.Server
}

func newRecordingServer(t *testing.T, name string, tools ...string) *recordingServer {
	t.Helper()
	rs := &recordingServer{server: mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "test"}, nil)}
	for _, tool := range tools {
		tool := tool
		rs.server.AddTool(&mcpsdk.Tool{
			Name:        tool,
			Description: tool + " on " + name,
			InputSchema: map[string]any{"type": "object"},
		}, func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, err
				}
			}
			if args["fail"] == true {
				return &mcpsdk.CallToolResult{IsError: true, Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "quota exceeded"}}}, nil
			}
			raw, _ := json.Marshal(args)
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{
				&mcpsdk.TextContent{Text: name + "/" + tool},
				&mcpsdk.TextContent{Text: string(raw)},
			}}, nil
		})
	}
	return rs
}

// attach connects rs to m under name over in-memory transports.
func attach(t *testing.T, m *Manager, name string, rs *recordingServer) {
	t.Helper()
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	serverSession, err := rs.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	if err := m.Connect(context.Background(), name, clientTransport); err != nil {
		t.Fatalf("manager connect: %v", err)
	}
	t.Cleanup(func() {
		_ = serverSession.Close()
		cancel()
	})
}

func TestManager_ExecuteToolResolution(t *testing.T) {
	m := NewManager(nil, "ctos", newTestLogger())
	t.Cleanup(func() { _ = m.Stop() })
	core := newRecordingServer(t, "ctos", "create_share_link", "search")
	drive := newRecordingServer(t, "drive", "upload", "search")
	attach(t, m, "ctos", core)
	attach(t, m, "drive", drive)

	tests := []struct {
		name   string
		ref    string
		prefix string
	}{
		{"qualified", "mcp__drive__upload", "drive/upload"},
		{"colon", "drive:search", "drive/search"},
		{"slash", "ctos/search", "ctos/search"},
		{"bare prefers core", "search", "ctos/search"},
		{"bare unique elsewhere", "upload", "drive/upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := m.ExecuteTool(context.Background(), tt.ref, map[string]any{"file_id": "f-1"})
			if err != nil {
				t.Fatalf("ExecuteTool: %v", err)
			}
			lines := strings.Split(out, "\n")
			if len(lines) != 2 || lines[0] != tt.prefix {
				t.Fatalf("output = %q", out)
			}
			if lines[1] != `{"file_id":"f-1"}` {
				t.Fatalf("arguments not forwarded: %q", lines[1])
			}
		})
	}
}

func TestManager_ExecuteToolErrors(t *testing.T) {
	m := NewManager(nil, "ctos", newTestLogger())
	t.Cleanup(func() { _ = m.Stop() })
	attach(t, m, "ctos", newRecordingServer(t, "ctos", "create_share_link"))
	attach(t, m, "a", newRecordingServer(t, "a", "dup"))
	attach(t, m, "b", newRecordingServer(t, "b", "dup"))

	_, err := m.ExecuteTool(context.Background(), "create_share_link", map[string]any{"fail": true})
	if !shared.IsKind(err, shared.KindRemoteToolError) || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected remote tool error with text, got %v", err)
	}
	if _, err := m.ExecuteTool(context.Background(), "mcp__nowhere__x", nil); !shared.IsKind(err, shared.KindRemoteToolError) {
		t.Fatalf("expected not-connected error, got %v", err)
	}
	if _, err := m.ExecuteTool(context.Background(), "dup", nil); !shared.IsKind(err, shared.KindRemoteToolError) {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	if _, err := m.ExecuteTool(context.Background(), " ", nil); !shared.IsKind(err, shared.KindInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestManager_ToolsListing(t *testing.T) {
	m := NewManager(nil, "ctos", newTestLogger())
	t.Cleanup(func() { _ = m.Stop() })
	attach(t, m, "ctos", newRecordingServer(t, "ctos", "search", "create_share_link"))

	var names []string
	for _, tool := range m.Tools() {
		names = append(names, tool.QualifiedName)
	}
	want := []string{"mcp__ctos__create_share_link", "mcp__ctos__search"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}
	if !m.Connected("ctos") || !m.Health()["ctos"] {
		t.Fatal("ctos should be connected and healthy")
	}
	_ = m.Stop()
	if m.Connected("ctos") || len(m.Tools()) != 0 {
		t.Fatal("Stop should drop sessions and tool cache")
	}
}

func TestManager_Descriptors(t *testing.T) {
	m := NewManager([]ServerConfig{
		{Name: "drive", URL: "https://drive.example/mcp", Enabled: true},
		{Name: "ctos", Command: "skillgate", Args: []string{"mcp"}, Env: map[string]string{"TOKEN": "${CTOS_TOKEN}"}, Enabled: true},
		{Name: "legacy", Transport: "sse", URL: "http://localhost:9000/sse"},
	}, "ctos", newTestLogger())

	descs := m.Descriptors([]string{"drive", "unknown", "ctos", "drive", "legacy"})
	var names []string
	for _, d := range descs {
		names = append(names, d.Name)
	}
	if !reflect.DeepEqual(names, []string{"ctos", "drive", "legacy"}) {
		t.Fatalf("descriptor order = %v", names)
	}
	if descs[0].Type != TransportStdio || descs[0].Command != "skillgate" || descs[0].Env["TOKEN"] != "${CTOS_TOKEN}" {
		t.Fatalf("core descriptor = %+v", descs[0])
	}
	if descs[1].Type != TransportHTTP || descs[1].URL == "" || descs[2].Type != TransportSSE {
		t.Fatalf("remote descriptors = %+v", descs[1:])
	}

	raw, err := ConfigFile(descs)
	if err != nil {
		t.Fatalf("ConfigFile: %v", err)
	}
	if !strings.Contains(string(raw), `"mcpServers"`) {
		t.Fatalf("unexpected layout: %s", raw)
	}
	back, err := ParseConfigFile(raw)
	if err != nil {
		t.Fatalf("ParseConfigFile: %v", err)
	}
	if len(back) != 3 || back[0].Name != "ctos" || back[0].Args[0] != "mcp" {
		t.Fatalf("parsed = %+v", back)
	}
}

func TestManager_StartSkipsBrokenServers(t *testing.T) {
	m := NewManager([]ServerConfig{
		{Name: "off", Command: "does-not-matter", Enabled: false},
		{Name: "nocmd", Enabled: true},
		{Name: "missing", Command: "/definitely/not/a/real/binary", Enabled: true},
	}, "ctos", newTestLogger())
	t.Cleanup(func() { _ = m.Stop() })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start should not fail on broken servers: %v", err)
	}
	health := m.Health()
	if _, ok := health["off"]; ok {
		t.Fatal("disabled server should not be tracked")
	}
	if health["nocmd"] || health["missing"] {
		t.Fatalf("broken servers marked healthy: %v", health)
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		kind string
		ok   bool
	}{
		{"stdio", ServerConfig{Name: "a", Command: "x"}, TransportStdio, true},
		{"url implies http", ServerConfig{Name: "a", URL: "https://h/mcp"}, TransportHTTP, true},
		{"streamable alias", ServerConfig{Name: "a", Transport: "streamable", URL: "http://h"}, TransportHTTP, true},
		{"sse", ServerConfig{Name: "a", Transport: "SSE", URL: "http://h/sse"}, TransportSSE, true},
		{"bad url", ServerConfig{Name: "a", Transport: "http", URL: "ftp://h"}, TransportHTTP, false},
		{"separator in name", ServerConfig{Name: "a__b", Command: "x"}, TransportStdio, false},
		{"empty name", ServerConfig{Command: "x"}, TransportStdio, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Kind(); got != tt.kind {
				t.Fatalf("Kind = %q, want %q", got, tt.kind)
			}
			if err := tt.cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
