// Package config handles OctAIvius configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/octaivius/config.yaml,
// /etc/octaivius/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "octaivius", "config.yaml"))
	}

	paths = append(paths, "/etc/octaivius/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all OctAIvius configuration.
type Config struct {
	MCP      MCPConfig `yaml:"mcp"`
	DataDir  string    `yaml:"data_dir"`
	LogLevel string    `yaml:"log_level"`
}

// MCPConfig defines the tool server registry.
type MCPConfig struct {
	// HealthIntervalSec is the background ping interval for connected
	// servers. Zero uses the built-in default.
	HealthIntervalSec int `yaml:"health_interval_sec"`

	// ConnectAttempts and ConnectBackoffMS control the connect retry
	// loop for each server.
	ConnectAttempts  int `yaml:"connect_attempts"`
	ConnectBackoffMS int `yaml:"connect_backoff_ms"`

	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig defines one MCP tool server entry.
type ServerConfig struct {
	// ID is the registry key. Required.
	ID string `yaml:"id"`
	// Name is the display name. Defaults to ID.
	Name string `yaml:"name"`

	// Transport is "stdio" (default), "http", or "ws".
	Transport string `yaml:"transport"`

	// Command/Args/Dir/Env apply to stdio servers.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`

	// URL/Headers apply to http and ws servers.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// AutoRestart respawns a crashed stdio server after
	// RestartBackoffMS milliseconds.
	AutoRestart      bool `yaml:"auto_restart"`
	RestartBackoffMS int  `yaml:"restart_backoff_ms"`

	// InitTimeoutSec bounds the initialize handshake.
	InitTimeoutSec int `yaml:"init_timeout_sec"`

	// SkipInitialize marks servers that speak no handshake.
	SkipInitialize bool `yaml:"skip_initialize"`

	// ReadyPattern is a regexp matched against stderr lines; a match
	// means the server is ready for the handshake. When unset the
	// transport waits SettleDelayMS instead.
	ReadyPattern  string `yaml:"ready_pattern"`
	SettleDelayMS int    `yaml:"settle_delay_ms"`

	// IncludeTools/ExcludeTools filter which tools are surfaced.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Validate reports the first structural problem in a server entry, or
// nil. Entries with problems are skipped at registration time rather
// than aborting startup.
func (s ServerConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("server entry missing id")
	}
	switch s.Transport {
	case "", "stdio":
		if s.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires command", s.ID)
		}
	case "http", "ws":
		if s.URL == "" {
			return fmt.Errorf("server %s: %s transport requires url", s.ID, s.Transport)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", s.ID, s.Transport)
	}
	return nil
}

// RestartBackoff returns the restart backoff as a duration.
func (s ServerConfig) RestartBackoff() time.Duration {
	return time.Duration(s.RestartBackoffMS) * time.Millisecond
}

// InitTimeout returns the handshake timeout as a duration.
func (s ServerConfig) InitTimeout() time.Duration {
	return time.Duration(s.InitTimeoutSec) * time.Second
}

// SettleDelay returns the readiness settle delay as a duration.
func (s ServerConfig) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMS) * time.Millisecond
}
