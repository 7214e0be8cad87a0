package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

// FileConfig is the provider discovery file (conventionally .mcp.json).
type FileConfig struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes how to launch one provider.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// LoadFileConfig reads the discovery file at path. A missing file is
// not an error and yields no providers.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FileConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for name, sc := range cfg.Servers {
		if sc.Command == "" {
			return nil, fmt.Errorf("parse %s: provider %q has no command", path, name)
		}
	}
	return &cfg, nil
}

// Names returns the provider names in sorted order.
func (c *FileConfig) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// environ renders Env as KEY=VALUE pairs in key order.
func (sc ServerConfig) environ() []string {
	keys := make([]string, 0, len(sc.Env))
	for k := range sc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+sc.Env[k])
	}
	return env
}
