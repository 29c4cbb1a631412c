// Package mcp validates per-project MCP tool configuration and probes the
// declared servers before a session launches with them. A project opts in
// by placing mcp-config.json in its sidecar directory; the file is passed
// through to the agent CLI verbatim, so the probe is the only place a
// broken server surfaces before the agent trips over it.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsloop/orchd/pkg/projects"
)

// ConfigFileName is the sidecar file a project uses to declare its tool
// servers.
const ConfigFileName = "mcp-config.json"

// ErrNoConfig means the project has no mcp-config.json. Not a failure;
// most projects run without tool servers.
var ErrNoConfig = errors.New("no mcp config")

// ServerConfig is one stdio server entry.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// File is the parsed mcp-config.json, keyed by server name.
type File struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfig reads and validates the project's mcp-config.json.
func LoadConfig(projectDir string) (*File, error) {
	path := filepath.Join(projects.SidecarDir(projectDir), ConfigFileName)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFileName, err)
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed %s: %w", ConfigFileName, err)
	}
	for name, srv := range f.Servers {
		if srv.Command == "" {
			return nil, fmt.Errorf("server %q missing command", name)
		}
	}
	return &f, nil
}
