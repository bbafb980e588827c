package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ServerDescriptor is one entry of a session's mcp.json.
type ServerDescriptor struct {
	Name    string            `json:"-"`
	Type    string            `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// DescriptorFor converts a server config. Env values keep their ${VAR}
// references; the consumer expands them.
func DescriptorFor(cfg ServerConfig) ServerDescriptor {
	d := ServerDescriptor{Name: cfg.Name, Type: cfg.Kind()}
	if d.Type == TransportStdio {
		d.Command = cfg.Command
		d.Args = append([]string(nil), cfg.Args...)
		if len(cfg.Env) > 0 {
			d.Env = make(map[string]string, len(cfg.Env))
			for k, v := range cfg.Env {
				d.Env[k] = v
			}
		}
	} else {
		d.URL = cfg.URL
	}
	return d
}

type configFile struct {
	MCPServers map[string]ServerDescriptor `json:"mcpServers"`
}

// ConfigFile renders descriptors in the mcpServers file layout.
func ConfigFile(descs []ServerDescriptor) ([]byte, error) {
	file := configFile{MCPServers: make(map[string]ServerDescriptor, len(descs))}
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("descriptor without name")
		}
		file.MCPServers[d.Name] = d
	}
	return json.MarshalIndent(file, "", "  ")
}

// ParseConfigFile is the inverse of ConfigFile. Descriptors are sorted by name.
func ParseConfigFile(data []byte) ([]ServerDescriptor, error) {
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}
	out := make([]ServerDescriptor, 0, len(file.MCPServers))
	for name, d := range file.MCPServers {
		d.Name = name
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
