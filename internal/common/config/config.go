// Package config provides configuration management for the ansible gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Node tiers.
const (
	TierBackbone = "backbone"
	TierEdge     = "edge"
)

// Agent token requirement modes for mutating tools.
const (
	AuthModeLegacy        = "legacy"
	AuthModeMixed         = "mixed"
	AuthModeTokenRequired = "token-required"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Tier                string   `mapstructure:"tier"`
	NodeIDOverride      string   `mapstructure:"nodeIdOverride"`
	ListenHost          string   `mapstructure:"listenHost"`
	ListenPort          int      `mapstructure:"listenPort"`
	BackbonePeers       []string `mapstructure:"backbonePeers"`
	JoinTicket          string   `mapstructure:"joinTicket"`
	Capabilities        []string `mapstructure:"capabilities"`
	InjectContext       bool     `mapstructure:"injectContext"`
	InjectContextAgents []string `mapstructure:"injectContextAgents"`
	DispatchIncoming    bool     `mapstructure:"dispatchIncoming"`
	AuthMode            string   `mapstructure:"authMode"`
	AdminAgentID        string   `mapstructure:"adminAgentId"`
	StateDir            string   `mapstructure:"stateDir"`

	LockSweep LockSweepConfig `mapstructure:"lockSweep"`
	SLASweep  SLASweepConfig  `mapstructure:"slaSweep"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LockSweepConfig holds the stale session-lock sweeper configuration.
type LockSweepConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Dir          string `mapstructure:"dir"` // default: <stateDir>/sessions
	EverySeconds int    `mapstructure:"everySeconds"`
	StaleSeconds int    `mapstructure:"staleSeconds"`
}

// SLASweepConfig holds the coordinator SLA breach sweeper configuration.
type SLASweepConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	EverySeconds        int      `mapstructure:"everySeconds"`
	RecordOnly          bool     `mapstructure:"recordOnly"`
	MaxMessagesPerSweep int      `mapstructure:"maxMessagesPerSweep"`
	FYIAgents           []string `mapstructure:"fyiAgents"`
}

// PresenceConfig holds heartbeat staleness configuration.
type PresenceConfig struct {
	StaleSeconds int `mapstructure:"staleSeconds"`
}

// RuntimeConfig holds the host agent runtime callback configuration.
// The dispatcher POSTs delivery envelopes to URL; an empty URL disables
// dispatch even when dispatchIncoming is true.
type RuntimeConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// MCPConfig holds the embedded MCP bridge configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HTTPConfig holds gateway HTTP surface configuration.
type HTTPConfig struct {
	DebugEndpoints bool `mapstructure:"debugEndpoints"`
	ReadTimeout    int  `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int  `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// IsBackbone reports whether this node runs the sync server.
func (c *Config) IsBackbone() bool {
	return c.Tier == TierBackbone
}

// HasCapability reports whether the node advertises the given capability.
func (c *Config) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap == name {
			return true
		}
	}
	return false
}

// SessionLockDir returns the directory swept for stale session locks.
func (c *Config) SessionLockDir() string {
	if c.LockSweep.Dir != "" {
		return c.LockSweep.Dir
	}
	return filepath.Join(c.StateDir, "sessions")
}

// StaleDuration returns the pulse staleness threshold as a time.Duration.
func (p *PresenceConfig) StaleDuration() time.Duration {
	return time.Duration(p.StaleSeconds) * time.Second
}

// SweepInterval returns the SLA sweep cadence as a time.Duration.
func (s *SLASweepConfig) SweepInterval() time.Duration {
	return time.Duration(s.EverySeconds) * time.Second
}

// Timeout returns the runtime callback timeout as a time.Duration.
func (r *RuntimeConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (h *HTTPConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (h *HTTPConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ANSIBLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("tier", TierBackbone)
	v.SetDefault("nodeIdOverride", "")
	v.SetDefault("listenHost", "") // empty means auto-detect tailnet IPv4, fallback 127.0.0.1
	v.SetDefault("listenPort", 1234)
	v.SetDefault("backbonePeers", []string{})
	v.SetDefault("joinTicket", "") // presented as ?ticket= on the first peer connect
	v.SetDefault("capabilities", []string{})
	v.SetDefault("injectContext", true)
	v.SetDefault("injectContextAgents", []string{})
	v.SetDefault("dispatchIncoming", true)
	v.SetDefault("authMode", AuthModeMixed)
	v.SetDefault("adminAgentId", "admin")
	v.SetDefault("stateDir", "~/.ansible")

	// Lock sweep defaults (disabled unless a gateway hosts session files)
	v.SetDefault("lockSweep.enabled", false)
	v.SetDefault("lockSweep.dir", "")
	v.SetDefault("lockSweep.everySeconds", 600)
	v.SetDefault("lockSweep.staleSeconds", 1800)

	// SLA sweep defaults
	v.SetDefault("slaSweep.enabled", true)
	v.SetDefault("slaSweep.everySeconds", 300)
	v.SetDefault("slaSweep.recordOnly", false)
	v.SetDefault("slaSweep.maxMessagesPerSweep", 20)
	v.SetDefault("slaSweep.fyiAgents", []string{})

	// Presence defaults
	v.SetDefault("presence.staleSeconds", 300)

	// Runtime defaults - empty URL disables dispatch delivery
	v.SetDefault("runtime.url", "")
	v.SetDefault("runtime.timeoutSeconds", 120)

	// MCP bridge defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// HTTP defaults
	v.SetDefault("http.debugEndpoints", false)
	v.SetDefault("http.readTimeout", 30)
	v.SetDefault("http.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ansible-gateway")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ANSIBLE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.ansible/, or /etc/ansible/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ANSIBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("nodeIdOverride", "ANSIBLE_NODE_ID")
	_ = v.BindEnv("listenHost", "ANSIBLE_LISTEN_HOST")
	_ = v.BindEnv("listenPort", "ANSIBLE_LISTEN_PORT")
	_ = v.BindEnv("backbonePeers", "ANSIBLE_BACKBONE_PEERS")
	_ = v.BindEnv("joinTicket", "ANSIBLE_JOIN_TICKET")
	_ = v.BindEnv("adminAgentId", "ANSIBLE_ADMIN_AGENT_ID")
	_ = v.BindEnv("stateDir", "ANSIBLE_STATE_DIR")
	_ = v.BindEnv("runtime.url", "ANSIBLE_RUNTIME_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".ansible"))
	}
	v.AddConfigPath("/etc/ansible/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.LockSweep.Dir = expandHome(cfg.LockSweep.Dir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Tier != TierBackbone && cfg.Tier != TierEdge {
		errs = append(errs, "tier must be one of: backbone, edge")
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		errs = append(errs, "listenPort must be between 1 and 65535")
	}
	if cfg.Tier == TierEdge && len(cfg.BackbonePeers) == 0 {
		errs = append(errs, "backbonePeers is required for edge nodes")
	}
	for _, peer := range cfg.BackbonePeers {
		u, err := url.Parse(peer)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("backbonePeers entry '%s' is not a ws:// or wss:// URL", peer))
		}
	}

	switch cfg.AuthMode {
	case AuthModeLegacy, AuthModeMixed, AuthModeTokenRequired:
	default:
		errs = append(errs, "authMode must be one of: legacy, mixed, token-required")
	}
	if cfg.AdminAgentID == "" {
		errs = append(errs, "adminAgentId must not be empty")
	}
	if cfg.StateDir == "" {
		errs = append(errs, "stateDir must not be empty")
	}

	if cfg.SLASweep.EverySeconds <= 0 {
		errs = append(errs, "slaSweep.everySeconds must be positive")
	}
	if cfg.SLASweep.MaxMessagesPerSweep <= 0 {
		errs = append(errs, "slaSweep.maxMessagesPerSweep must be positive")
	}
	if cfg.Presence.StaleSeconds <= 0 {
		errs = append(errs, "presence.staleSeconds must be positive")
	}
	if cfg.LockSweep.Enabled {
		if cfg.LockSweep.EverySeconds <= 0 {
			errs = append(errs, "lockSweep.everySeconds must be positive")
		}
		if cfg.LockSweep.StaleSeconds <= 0 {
			errs = append(errs, "lockSweep.staleSeconds must be positive")
		}
	}
	if cfg.Runtime.TimeoutSeconds <= 0 {
		errs = append(errs, "runtime.timeoutSeconds must be positive")
	}
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
