// Package config loads and saves the relaybot YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	General      GeneralConfig      `yaml:"general"`
	Backend      BackendConfig      `yaml:"backend"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Session      SessionConfig      `yaml:"session"`
	Security     SecurityConfig     `yaml:"security"`
	Channels     ChannelsConfig     `yaml:"channels"`
}

type GeneralConfig struct {
	Workspace string `yaml:"workspace"`
	LogLevel  string `yaml:"logLevel"` // debug | info | warn | error
	LogFile   string `yaml:"logFile,omitempty"`
}

// BackendConfig selects and configures the agent backend.
type BackendConfig struct {
	// Kind is "stream" (one CLI process per turn, parsed output stream)
	// or "rpc" (one long-lived process per conversation).
	Kind           string   `yaml:"kind"`
	Bin            string   `yaml:"bin"`
	Args           []string `yaml:"args,omitempty"`
	Model          string   `yaml:"model,omitempty"`
	PermissionMode string   `yaml:"permissionMode,omitempty"` // plan | acceptEdits | bypassPermissions
}

type OrchestratorConfig struct {
	HeartbeatSeconds       int      `yaml:"heartbeatSeconds,omitempty"`
	ApprovalTimeoutSeconds int      `yaml:"approvalTimeoutSeconds,omitempty"`
	ApprovalChannels       []string `yaml:"approvalChannels,omitempty"`
	SystemPromptExtra      string   `yaml:"systemPromptExtra,omitempty"`
}

type SessionConfig struct {
	DBPath string `yaml:"dbPath"`
}

// SecurityConfig controls sender pairing. When required, unknown users
// must redeem a one-time code (read from the operator's log) before the
// agent sees their messages.
type SecurityConfig struct {
	PairingRequired bool `yaml:"pairingRequired"`
	PairingTTLDays  int  `yaml:"pairingTTLDays,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	CLI      CLIConfig      `yaml:"cli"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token,omitempty"`
	AllowFrom []string `yaml:"allowFrom,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token,omitempty"`
	AllowFrom []string `yaml:"allowFrom,omitempty"`
}

type CLIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfigDir returns ~/.relaybot.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

// DefaultConfigPath returns ~/.relaybot/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Defaults returns a runnable configuration: stream backend over the
// claude CLI, approvals on every chat channel, CLI channel enabled.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: filepath.Join(DefaultConfigDir(), "workspace"),
			LogLevel:  "info",
		},
		Backend: BackendConfig{
			Kind:           "stream",
			Bin:            "claude",
			Args:           []string{"--print", "--verbose", "--output-format", "stream-json"},
			PermissionMode: "plan",
		},
		Orchestrator: OrchestratorConfig{
			HeartbeatSeconds:       20,
			ApprovalTimeoutSeconds: 300,
			ApprovalChannels:       []string{"telegram", "discord", "cli"},
		},
		Session: SessionConfig{
			DBPath: filepath.Join(DefaultConfigDir(), "sessions.db"),
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
		},
	}
}

// Load reads a config file, filling unset fields from Defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with private permissions (it may hold tokens).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) validate() error {
	switch c.Backend.Kind {
	case "stream", "rpc":
	default:
		return fmt.Errorf("backend.kind must be \"stream\" or \"rpc\", got %q", c.Backend.Kind)
	}
	switch c.Backend.PermissionMode {
	case "", "plan", "acceptEdits", "bypassPermissions":
	default:
		return fmt.Errorf("unknown backend.permissionMode %q", c.Backend.PermissionMode)
	}
	if c.Backend.Bin == "" {
		return fmt.Errorf("backend.bin is required")
	}
	return nil
}
