package mesh

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/httpmw"
	"github.com/ansible-dev/ansible/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Peers are other gateways on the overlay, not browsers.
		return true
	},
}

// Server accepts inbound sync connections on backbone nodes.
type Server struct {
	manager   *Manager
	admission Admission
	server    *http.Server
	router    *gin.Engine
	addr      string
	logger    *logger.Logger
}

// NewServer builds the sync server. It does not bind until Start.
func NewServer(manager *Manager, admission Admission, host string, port int, log *logger.Logger) *Server {
	s := &Server{
		manager:   manager,
		admission: admission,
		addr:      fmt.Sprintf("%s:%d", host, port),
		logger:    log.WithFields(zap.String("component", "sync_server")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "sync"))
	router.Use(httpmw.OtelTracing("sync"))
	router.GET("/health", s.handleHealth)
	router.GET("/sync", s.handleSync)

	s.router = router
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}
	return s
}

// Addr returns the configured bind address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Router exposes the gin engine so the gateway can mount extra routes
// before Start.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Sync server listening", zap.String("addr", s.addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Sync server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down, honoring the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "ansible",
		"node":     s.manager.opts.NodeID,
		"tier":     s.manager.opts.Tier,
		"synced":   s.manager.Synced(),
		"sessions": s.manager.SessionCount(),
	})
}

// handleSync admits the peer, upgrades the connection, and holds the
// handler open for the life of the session. A presented ticket is
// consumed before the upgrade; without one the node must already be a
// member.
func (s *Server) handleSync(c *gin.Context) {
	node := c.Query("node")
	ticket := c.Query("ticket")

	if ticket != "" {
		if err := s.admission.ConsumeTicket(ticket, node); err != nil {
			s.logger.Warn("Ticket admission refused",
				zap.String("node", node),
				zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	} else if !s.admission.IsNodeAuthorized(node) {
		s.logger.Warn("Unauthorized peer refused", zap.String("node", node))
		c.JSON(http.StatusForbidden, gin.H{"error": "node is not authorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	s.logger.Debug("Inbound peer connected",
		zap.String("node", node),
		zap.String("remote_addr", c.Request.RemoteAddr))

	sess := s.manager.attach(c.Request.Context(), conn, true)
	<-sess.done
}
