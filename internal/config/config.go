package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/mcp"
	"github.com/basket/skillgate/internal/otel"
	"github.com/basket/skillgate/internal/policy"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the model behind agent sessions.
type LLMConfig struct {
	// Provider names the active LLM provider: "anthropic", "google", "openai",
	// "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// BaseURL and CompatProvider are used by openai_compatible.
	BaseURL        string `yaml:"base_url"`
	CompatProvider string `yaml:"compat_provider"`

	MaxTurns     int    `yaml:"max_turns"`
	SystemPrompt string `yaml:"system_prompt"`
}

type SkillsConfig struct {
	BuiltinDir  string `yaml:"builtin_dir"`
	ExternalDir string `yaml:"external_dir"`
	Watch       bool   `yaml:"watch"`

	// FallbackMaps overrides a skill's script_mcp_fallback, keyed by skill name.
	FallbackMaps map[string]map[string]string `yaml:"fallback_maps"`
}

type RoutingConfig struct {
	Mode           string `yaml:"mode"`
	CoreServer     string `yaml:"core_server"`
	DispatcherTool string `yaml:"dispatcher_tool"`
}

type ScriptsConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Workers        int `yaml:"workers"`
}

type SessionConfig struct {
	RootDir          string `yaml:"root_dir"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	JanitorSchedule  string `yaml:"janitor_schedule"`
	OrphanTTLMinutes int    `yaml:"orphan_ttl_minutes"`
}

type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

type AuditConfig struct {
	DBPath string `yaml:"db_path"`

	// Retention windows in days. 0 keeps rows forever.
	RetentionDays        int    `yaml:"retention_days"`
	SessionRetentionDays int    `yaml:"session_retention_days"`
	RetentionSchedule    string `yaml:"retention_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Skills    SkillsConfig              `yaml:"skills"`
	Routing   RoutingConfig             `yaml:"routing"`
	Scripts   ScriptsConfig             `yaml:"scripts"`
	Session   SessionConfig             `yaml:"session"`
	MCP       MCPConfig                 `yaml:"mcp"`
	Audit     AuditConfig               `yaml:"audit"`
	OTel      otel.Config               `yaml:"otel"`

	NeedsInit bool `yaml:"-"`
}

const configFileName = "config.yaml"

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFileName)
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetRoutingMode updates routing.mode in config.yaml, preserving other
// settings. A running server picks the change up through its Watcher.
func SetRoutingMode(homeDir string, mode policy.Mode) error {
	if _, err := policy.ParseMode(string(mode)); err != nil {
		return err
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create skillgate home: %w", err)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	routing, _ := raw["routing"].(map[string]interface{})
	if routing == nil {
		routing = make(map[string]interface{})
	}
	routing["mode"] = string(mode)
	raw["routing"] = routing
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings a running server
// reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|mode=%s|core=%s|dispatcher=%s|provider=%s|model=%s|script_timeout=%d|session_timeout=%d",
		c.LogLevel, c.Routing.Mode, c.Routing.CoreServer, c.Routing.DispatcherTool,
		c.LLM.Provider, c.LLM.Model, c.Scripts.TimeoutSeconds, c.Session.TimeoutSeconds)
	skills := make([]string, 0, len(c.Skills.FallbackMaps))
	for name := range c.Skills.FallbackMaps {
		skills = append(skills, name)
	}
	sort.Strings(skills)
	for _, name := range skills {
		fb := c.Skills.FallbackMaps[name]
		scripts := make([]string, 0, len(fb))
		for s := range fb {
			scripts = append(scripts, s)
		}
		sort.Strings(scripts)
		for _, s := range scripts {
			fmt.Fprintf(h, "|fb:%s/%s=%s", name, s, fb[s])
		}
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RoutingMode returns the parsed routing mode. Load has already validated it.
func (c Config) RoutingMode() policy.Mode {
	mode, err := policy.ParseMode(c.Routing.Mode)
	if err != nil {
		return policy.ModeScriptFirst
	}
	return mode
}

// RoutingOptions returns the deployment naming for the policy package.
func (c Config) RoutingOptions() policy.Options {
	return policy.Options{CoreServer: c.Routing.CoreServer, DispatcherName: c.Routing.DispatcherTool}
}

func (c Config) ScriptTimeout() time.Duration {
	return time.Duration(c.Scripts.TimeoutSeconds) * time.Second
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSeconds) * time.Second
}

func (c Config) OrphanTTL() time.Duration {
	return time.Duration(c.Session.OrphanTTLMinutes) * time.Minute
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "anthropic",
			MaxTurns: 8,
		},
		Routing: RoutingConfig{
			Mode:       string(policy.ModeScriptFirst),
			CoreServer: policy.DefaultCoreServer,
		},
		Scripts: ScriptsConfig{
			TimeoutSeconds: 30,
			Workers:        4,
		},
		Session: SessionConfig{
			TimeoutSeconds:   300,
			JanitorSchedule:  "@every 10m",
			OrphanTTLMinutes: 60,
		},
		Audit: AuditConfig{
			RetentionDays:        365,
			SessionRetentionDays: 90,
			RetentionSchedule:    "@daily",
		},
		OTel: otel.Config{
			Exporter:    "none",
			ServiceName: "skillgate",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SKILLGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".skillgate")
}

// Load reads <HomeDir>/config.yaml.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml and .env from homeDir. Variables already in the
// environment win over .env, and SKILLGATE_* variables win over the file.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create skillgate home: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cfg.HomeDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "anthropic"
	case "gemini", "googleai":
		cfg.LLM.Provider = "google"
	case "claude":
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTurns <= 0 {
		cfg.LLM.MaxTurns = 8
	}
	if mode, err := policy.ParseMode(cfg.Routing.Mode); err == nil {
		cfg.Routing.Mode = string(mode)
	}
	if strings.TrimSpace(cfg.Routing.CoreServer) == "" {
		cfg.Routing.CoreServer = policy.DefaultCoreServer
	}
	if cfg.Scripts.TimeoutSeconds <= 0 {
		cfg.Scripts.TimeoutSeconds = 30
	}
	if cfg.Scripts.Workers <= 0 {
		cfg.Scripts.Workers = 4
	}
	if cfg.Session.TimeoutSeconds <= 0 {
		cfg.Session.TimeoutSeconds = 300
	}
	if strings.TrimSpace(cfg.Session.JanitorSchedule) == "" {
		cfg.Session.JanitorSchedule = "@every 10m"
	}
	if cfg.Session.OrphanTTLMinutes <= 0 {
		cfg.Session.OrphanTTLMinutes = 60
	}
	if strings.TrimSpace(cfg.Audit.RetentionSchedule) == "" {
		cfg.Audit.RetentionSchedule = "@daily"
	}

	cfg.Skills.BuiltinDir = resolvePath(cfg.HomeDir, cfg.Skills.BuiltinDir, "skills")
	cfg.Skills.ExternalDir = resolvePath(cfg.HomeDir, cfg.Skills.ExternalDir, "external-skills")
	cfg.Session.RootDir = resolvePath(cfg.HomeDir, cfg.Session.RootDir, "sessions")
	cfg.Audit.DBPath = resolvePath(cfg.HomeDir, cfg.Audit.DBPath, "skillgate.db")
}

// resolvePath makes p absolute against home, defaulting to home/def.
func resolvePath(home, p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return filepath.Join(home, def)
	}
	if strings.HasPrefix(p, "~/") {
		if userHome, err := os.UserHomeDir(); err == nil {
			return filepath.Join(userHome, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(home, p)
}

func validate(cfg *Config) error {
	var errs []error
	if _, err := policy.ParseMode(cfg.Routing.Mode); err != nil {
		errs = append(errs, fmt.Errorf("routing.mode: %w", err))
	}
	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: %w", i, err))
			continue
		}
		if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, srv.Name))
		}
		seen[srv.Name] = true
	}
	if cfg.OTel.Enabled {
		if err := cfg.OTel.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("otel: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SKILLGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SKILLGATE_ROUTING_MODE"); raw != "" {
		cfg.Routing.Mode = raw
	}
	if raw := os.Getenv("SKILLGATE_CORE_SERVER"); raw != "" {
		cfg.Routing.CoreServer = raw
	}
	if raw := os.Getenv("SKILLGATE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("SKILLGATE_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("SKILLGATE_SKILLS_DIR"); raw != "" {
		cfg.Skills.BuiltinDir = raw
	}
	if raw := os.Getenv("SKILLGATE_EXTERNAL_SKILLS_DIR"); raw != "" {
		cfg.Skills.ExternalDir = raw
	}
	if raw := os.Getenv("SKILLGATE_DB_PATH"); raw != "" {
		cfg.Audit.DBPath = raw
	}
	if raw := os.Getenv("SKILLGATE_SCRIPT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scripts.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SKILLGATE_SESSION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Session.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SKILLGATE_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" && cfg.OTel.Endpoint == "" {
		cfg.OTel.Endpoint = raw
	}
}
