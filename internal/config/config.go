// Package config handles aql configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Channel names accepted in channels.enabled.
const (
	ChannelCLI   = "cli"
	ChannelSlack = "slack"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aql/config.yaml, /etc/aql/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aql", "config.yaml"))
	}

	paths = append(paths, "/etc/aql/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// An empty path with a nil error means no file was found and defaults
// apply.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all aql configuration. It is immutable after load.
type Config struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Channels  ChannelsConfig  `yaml:"channels"`
	MCP       MCPConfig       `yaml:"mcp"`
	Memory    MemoryConfig    `yaml:"memory"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	Usage     UsageConfig     `yaml:"usage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // optional, for proxies and tests
}

// AgentConfig controls the tool-calling loop.
type AgentConfig struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	// MaxSteps bounds backend calls per reply.
	MaxSteps  int `yaml:"max_steps"`
	MaxTokens int `yaml:"max_tokens"`
}

// ChannelsConfig selects which channel adapters run.
type ChannelsConfig struct {
	Enabled []string    `yaml:"enabled"`
	Slack   SlackConfig `yaml:"slack"`
}

// SlackConfig holds Slack socket-mode credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"` // xoxb-
	AppToken string `yaml:"app_token"` // xapp-, for socket mode
}

// MCPConfig defines how external tool providers are discovered.
type MCPConfig struct {
	// ConfigPath is the .mcp.json discovery file. A missing file means
	// no providers.
	ConfigPath      string `yaml:"config_path"`
	InitTimeoutSec  int    `yaml:"init_timeout_sec"`
	PingIntervalSec int    `yaml:"ping_interval_sec"` // 0 disables the health watch
}

// MemoryConfig defines the sandboxed memory file tree.
type MemoryConfig struct {
	Root string `yaml:"root"`
}

// ShellExecConfig defines shell execution settings.
type ShellExecConfig struct {
	// Disabled leaves the bash tool out of the registry.
	Disabled bool `yaml:"disabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command substrings to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
}

// UsageConfig defines the token usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"` // default: <data_dir>/usage.db
	// Pricing maps model name to per-million-token prices in USD.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether enough is set to connect.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// HeartbeatConfig defines the periodic liveness log line.
type HeartbeatConfig struct {
	// Schedule is a cron spec ("@every 5m", "0 * * * *"). "off"
	// disables the heartbeat.
	Schedule string `yaml:"schedule"`
}

// ChannelEnabled reports whether name appears in channels.enabled.
func (c *Config) ChannelEnabled(name string) bool {
	return slices.Contains(c.Channels.Enabled, name)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "claude-sonnet-4-5"
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = "You are a helpful assistant. You have a persistent memory directory you can read and write with the memory tool; check it before answering and record what is worth remembering."
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 25
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 4096
	}
	if len(c.Channels.Enabled) == 0 {
		c.Channels.Enabled = []string{ChannelCLI}
	}
	if c.MCP.ConfigPath == "" {
		c.MCP.ConfigPath = ".mcp.json"
	}
	if c.MCP.InitTimeoutSec <= 0 {
		c.MCP.InitTimeoutSec = 30
	}
	if c.Memory.Root == "" {
		c.Memory.Root = filepath.Join(c.DataDir, "memories")
	}
	if c.ShellExec.TimeoutSec <= 0 {
		c.ShellExec.TimeoutSec = 30
	}
	if c.ShellExec.MaxOutputBytes <= 0 {
		c.ShellExec.MaxOutputBytes = 100 * 1024
	}
	if c.Usage.DBPath == "" {
		c.Usage.DBPath = filepath.Join(c.DataDir, "usage.db")
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Heartbeat.Schedule == "" {
		c.Heartbeat.Schedule = "@every 5m"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// applyEnv overlays the environment variables the agent has always
// honored. Environment wins over the file.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := getenv("AGENT_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := getenv("AGENT_SYSTEM_PROMPT"); v != "" {
		c.Agent.SystemPrompt = v
	}
	if v := getenv("AGENT_MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENT_MAX_TURNS: %w", err)
		}
		c.Agent.MaxSteps = n
	}
	if v := getenv("ENABLED_CHANNELS"); v != "" {
		var names []string
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		c.Channels.Enabled = names
	}
	if v := getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Channels.Slack.BotToken = v
	}
	if v := getenv("SLACK_APP_TOKEN"); v != "" {
		c.Channels.Slack.AppToken = v
	}
	return nil
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// overlays environment overrides and fills defaults. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key (or ANTHROPIC_API_KEY) is required"))
	}
	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_steps must be positive, got %d", c.Agent.MaxSteps))
	}
	for _, name := range c.Channels.Enabled {
		switch name {
		case ChannelCLI:
		case ChannelSlack:
			if c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "" {
				errs = append(errs, errors.New("slack channel enabled but channels.slack.bot_token and app_token are not both set"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown channel %q (valid: %s, %s)", name, ChannelCLI, ChannelSlack))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
