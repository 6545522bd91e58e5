// Package mcpserver exposes the gateway's tool surface over MCP so
// external agents can drive the mesh without speaking the sync
// protocol. Both transports run on one port for client compatibility:
// SSE (/sse) for Claude Desktop, Cursor, etc., and streamable HTTP
// (/mcp) for Codex.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/tools"
)

// Config holds the MCP bridge configuration.
type Config struct {
	Port    int
	Version string
}

// Server wraps the SSE and streamable HTTP transports with lifecycle
// management. Every tool in the registry is republished as an MCP tool.
type Server struct {
	cfg                  Config
	registry             *tools.Registry
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	log                  *logger.Logger
}

// New creates the MCP bridge over the given tool registry.
func New(cfg Config, registry *tools.Registry, log *logger.Logger) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		log:      log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start starts the bridge in a goroutine and returns once it is
// listening. Both transports share the listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"ansible-mcp",
		s.cfg.Version,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.registry, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("MCP bridge listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("MCP bridge error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the full SSE URL for clients on that transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the full streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
