package mcpserver

import (
	"github.com/ansible-dev/ansible/internal/common/config"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/tools"
)

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		Port: 9090,
	}
}

// FromConfig builds the bridge from the gateway configuration. Returns
// nil when the bridge is disabled.
func FromConfig(cfg *config.Config, version string, registry *tools.Registry, log *logger.Logger) *Server {
	if !cfg.MCP.Enabled {
		return nil
	}
	return New(Config{
		Port:    cfg.MCP.Port,
		Version: version,
	}, registry, log)
}
