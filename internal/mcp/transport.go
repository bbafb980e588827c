package mcp

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport kinds accepted in ServerConfig.Transport.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// ServerConfig defines an MCP server to connect to.
type ServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Transport string            `yaml:"transport,omitempty" json:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Enabled   bool              `yaml:"enabled" json:"enabled"`
}

// Kind returns the effective transport: explicit, else http when a URL is
// set, else stdio.
func (c ServerConfig) Kind() string {
	switch k := strings.ToLower(strings.TrimSpace(c.Transport)); k {
	case TransportStdio, TransportSSE, TransportHTTP:
		return k
	case "streamable", "streamable-http":
		return TransportHTTP
	}
	if strings.TrimSpace(c.URL) != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Validate checks that the config names a reachable endpoint.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("mcp server name is empty")
	}
	if strings.ContainsAny(c.Name, " \t:/") || strings.Contains(c.Name, "__") {
		return fmt.Errorf("mcp server name %q must not contain whitespace, ':', '/' or '__'", c.Name)
	}
	switch c.Kind() {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("mcp server %q: command is required for stdio", c.Name)
		}
	default:
		u, err := url.Parse(strings.TrimSpace(c.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("mcp server %q: invalid url %q", c.Name, c.URL)
		}
	}
	return nil
}

// expandedEnv returns Env with ${VAR} references expanded from the host.
func (c ServerConfig) expandedEnv() map[string]string {
	if len(c.Env) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

// newTransport builds a fresh go-sdk transport for cfg. A stdio transport
// spawns its command on Connect, so a new one is needed per connection.
func newTransport(cfg ServerConfig) (mcpsdk.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind() {
	case TransportSSE:
		return &mcpsdk.SSEClientTransport{Endpoint: strings.TrimSpace(cfg.URL)}, nil
	case TransportHTTP:
		return &mcpsdk.StreamableClientTransport{Endpoint: strings.TrimSpace(cfg.URL)}, nil
	default:
		cmd := exec.Command(cfg.Command, cfg.Args...) // #nosec G204 -- admin-configured server
		cmd.Env = os.Environ()
		for k, v := range cfg.expandedEnv() {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	}
}
