package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/skillgate/internal/config"
	"github.com/basket/skillgate/internal/policy"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromSkillgateHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "sg")
	writeConfig(t, home, `
routing:
  mode: mcp-first
  core_server: ctos
scripts:
  timeout_seconds: 12
skills:
  builtin_dir: builtin
  fallback_maps:
    share-links:
      create_share_link: ctos:create_share_link
mcp:
  servers:
    - name: ctos
      command: ctos-mcp
`)
	t.Setenv("SKILLGATE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NeedsInit {
		t.Fatal("NeedsInit set with config present")
	}
	if cfg.RoutingMode() != policy.ModeMCPFirst {
		t.Fatalf("mode = %s", cfg.RoutingMode())
	}
	if cfg.RoutingOptions().CoreServer != "ctos" {
		t.Fatalf("core server = %q", cfg.Routing.CoreServer)
	}
	if cfg.ScriptTimeout() != 12*time.Second {
		t.Fatalf("script timeout = %s", cfg.ScriptTimeout())
	}
	if cfg.Skills.BuiltinDir != filepath.Join(home, "builtin") {
		t.Fatalf("builtin dir = %q", cfg.Skills.BuiltinDir)
	}
	if cfg.Skills.ExternalDir != filepath.Join(home, "external-skills") {
		t.Fatalf("external dir = %q", cfg.Skills.ExternalDir)
	}
	if got := cfg.Skills.FallbackMaps["share-links"]["create_share_link"]; got != "ctos:create_share_link" {
		t.Fatalf("fallback map = %q", got)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].Name != "ctos" {
		t.Fatalf("servers = %+v", cfg.MCP.Servers)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit without config.yaml")
	}
	if cfg.RoutingMode() != policy.ModeScriptFirst {
		t.Fatalf("default mode = %s", cfg.RoutingMode())
	}
	if cfg.Routing.CoreServer != policy.DefaultCoreServer {
		t.Fatalf("core server = %q", cfg.Routing.CoreServer)
	}
	if cfg.SessionTimeout() != 5*time.Minute || cfg.OrphanTTL() != time.Hour {
		t.Fatalf("session timeouts = %s / %s", cfg.SessionTimeout(), cfg.OrphanTTL())
	}
	if cfg.Session.JanitorSchedule != "@every 10m" || cfg.Audit.RetentionSchedule != "@daily" {
		t.Fatalf("schedules = %q / %q", cfg.Session.JanitorSchedule, cfg.Audit.RetentionSchedule)
	}
	if cfg.Audit.DBPath != filepath.Join(home, "skillgate.db") {
		t.Fatalf("db path = %q", cfg.Audit.DBPath)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home not created: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "routing:\n  mode: script-first\nllm:\n  provider: gemini\n")
	t.Setenv("SKILLGATE_ROUTING_MODE", "mcp-first")
	t.Setenv("SKILLGATE_SCRIPT_TIMEOUT_SECONDS", "7")
	t.Setenv("SKILLGATE_LLM_MODEL", "gemini-2.5-pro")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RoutingMode() != policy.ModeMCPFirst {
		t.Fatalf("mode = %s", cfg.RoutingMode())
	}
	if cfg.Scripts.TimeoutSeconds != 7 {
		t.Fatalf("timeout = %d", cfg.Scripts.TimeoutSeconds)
	}
	if cfg.LLM.Provider != "google" || cfg.LLM.Model != "gemini-2.5-pro" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	home := t.TempDir()
	dotenv := "SKILLGATE_DOTENV_PROBE=from-file\nSKILLGATE_LOG_LEVEL=debug\n"
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SKILLGATE_LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("SKILLGATE_DOTENV_PROBE") })

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := os.Getenv("SKILLGATE_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("probe = %q", got)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, environment should win over .env", cfg.LogLevel)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad mode", "routing:\n  mode: fastest\n", "routing.mode"},
		{"unnamed server", "mcp:\n  servers:\n    - command: x\n", "mcp.servers[0]"},
		{"duplicate server", "mcp:\n  servers:\n    - name: a\n      command: x\n    - name: a\n      command: y\n", "duplicate server name"},
		{"bad yaml", "routing: [\n", "parse config.yaml"},
		{"bad otel exporter", "otel:\n  enabled: true\n  exporter: carrier-pigeon\n", "otel: unknown exporter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestSetRoutingMode_PreservesOtherKeys(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: debug\nrouting:\n  core_server: ctos\n")

	if err := config.SetRoutingMode(home, policy.ModeMCPFirst); err != nil {
		t.Fatalf("SetRoutingMode: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RoutingMode() != policy.ModeMCPFirst || cfg.Routing.CoreServer != "ctos" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := config.SetRoutingMode(home, policy.Mode("bogus")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestFingerprint_ChangesWithRouting(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	base := cfg.Fingerprint()
	if base != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	cfg.Routing.Mode = string(policy.ModeMCPFirst)
	if cfg.Fingerprint() == base {
		t.Fatal("fingerprint unchanged after mode switch")
	}
	cfg.Skills.FallbackMaps = map[string]map[string]string{"s": {"a": "b"}}
	withMap := cfg.Fingerprint()
	cfg.Skills.FallbackMaps["s"]["a"] = "c"
	if cfg.Fingerprint() == withMap {
		t.Fatal("fingerprint unchanged after fallback map edit")
	}
}

func TestProviderAPIKey_EnvWins(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"anthropic": {APIKey: "file-key"},
		"openai":    {APIKey: "oa-file"},
	}}
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("OPENAI_API_KEY", "")
	if got := cfg.ProviderAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("anthropic = %q", got)
	}
	if got := cfg.ProviderAPIKey("openai"); got != "oa-file" {
		t.Fatalf("openai = %q", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Fatalf("unknown = %q", got)
	}
}
