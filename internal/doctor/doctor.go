package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/config"
	"github.com/basket/skillgate/internal/persistence"
	"github.com/basket/skillgate/internal/sandbox/script"
	"github.com/basket/skillgate/internal/skills"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			n++
		}
	}
	return n
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, []check{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkSkills,
		checkInterpreters,
		checkMCPServers,
		checkNetwork,
	})
}

func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults",
			Detail: fmt.Sprintf("expected at %s", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded from %s (routing %s)", cfg.HomeDir, cfg.RoutingMode())}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	provider := providerOf(cfg)
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key found for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("No API key for %s provider; ask will fail", provider),
		Detail:  "Set the provider's env var, add it to .env, or set providers.<name>.api_key",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Audit.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	sum, err := store.SummarizeAudit(ctx, persistence.AuditFilter{})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d, %d audit entries", version, sum.Total),
		Detail:  cfg.Audit.DBPath,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkSkills(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Skills", Status: "SKIP", Message: "Config missing"}
	}
	reg := skills.NewRegistry(cfg.Skills.BuiltinDir, cfg.Skills.ExternalDir, nil)
	report, err := reg.Load(ctx)
	if err != nil {
		return CheckResult{Name: "Skills", Status: "FAIL", Message: fmt.Sprintf("Load failed: %v", err)}
	}
	all := reg.All()
	if len(report.Errors) > 0 {
		return CheckResult{
			Name:    "Skills",
			Status:  "WARN",
			Message: fmt.Sprintf("%d skills loaded, %d skipped", len(all), len(report.Errors)),
			Detail:  report.Err().Error(),
		}
	}
	if len(all) == 0 {
		return CheckResult{Name: "Skills", Status: "WARN", Message: "No skills installed",
			Detail: fmt.Sprintf("builtin=%s external=%s", cfg.Skills.BuiltinDir, cfg.Skills.ExternalDir)}
	}
	return CheckResult{Name: "Skills", Status: "PASS", Message: fmt.Sprintf("%d skills loaded", len(all))}
}

// checkInterpreters verifies the programs needed by installed scripts are on PATH.
func checkInterpreters(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Interpreters", Status: "SKIP", Message: "Config missing"}
	}
	reg := skills.NewRegistry(cfg.Skills.BuiltinDir, cfg.Skills.ExternalDir, nil)
	if _, err := reg.Load(ctx); err != nil {
		return CheckResult{Name: "Interpreters", Status: "SKIP", Message: "Skills not loadable"}
	}
	needed := make(map[string]bool)
	for _, s := range reg.All() {
		for _, p := range s.Scripts {
			prog, args := script.Interpreter(p)
			if len(args) > 0 {
				needed[prog] = true
			}
		}
	}
	if len(needed) == 0 {
		return CheckResult{Name: "Interpreters", Status: "PASS", Message: "No interpreted scripts"}
	}
	progs := make([]string, 0, len(needed))
	for p := range needed {
		progs = append(progs, p)
	}
	sort.Strings(progs)

	status := "PASS"
	var details []string
	for _, p := range progs {
		if _, err := lookPath(p); err != nil {
			details = append(details, p+": missing")
			status = "FAIL"
		} else {
			details = append(details, p+": ok")
		}
	}
	return CheckResult{
		Name:    "Interpreters",
		Status:  status,
		Message: fmt.Sprintf("Checked %d interpreters", len(progs)),
		Detail:  strings.Join(details, ", "),
	}
}

func checkMCPServers(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "MCP Servers", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.MCP.Servers) == 0 {
		return CheckResult{Name: "MCP Servers", Status: "WARN", Message: "No MCP servers configured; fallbacks will fail"}
	}
	status := "PASS"
	var details []string
	for _, srv := range cfg.MCP.Servers {
		if err := srv.Validate(); err != nil {
			details = append(details, err.Error())
			status = "FAIL"
			continue
		}
		if srv.Command != "" {
			if _, err := lookPath(srv.Command); err != nil {
				details = append(details, fmt.Sprintf("%s: command %q not found", srv.Name, srv.Command))
				status = "FAIL"
				continue
			}
		}
		details = append(details, srv.Name+": ok")
	}
	return CheckResult{
		Name:    "MCP Servers",
		Status:  status,
		Message: fmt.Sprintf("Checked %d servers", len(cfg.MCP.Servers)),
		Detail:  strings.Join(details, ", "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	provider := providerOf(cfg)

	endpoints := map[string]string{
		"google":     "generativelanguage.googleapis.com",
		"anthropic":  "api.anthropic.com",
		"openai":     "api.openai.com",
		"openrouter": "openrouter.ai",
	}
	host, ok := endpoints[provider]
	if provider == "openai_compatible" && cfg.LLM.BaseURL != "" {
		host, ok = hostOf(cfg.LLM.BaseURL), true
	}
	if !ok || host == "" {
		host = endpoints["anthropic"]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func providerOf(cfg *config.Config) string {
	if p := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)); p != "" {
		return p
	}
	return "anthropic"
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return u.Hostname()
}
