// Package main is the ansible gateway daemon. One binary runs the full
// node: replicated document, sync mesh, dispatcher, coordinator sweeps,
// and the MCP bridge over the tool surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ansible-dev/ansible/internal/auth"
	"github.com/ansible-dev/ansible/internal/common/config"
	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/common/netutil"
	"github.com/ansible-dev/ansible/internal/common/tracing"
	"github.com/ansible-dev/ansible/internal/coordinator"
	"github.com/ansible-dev/ansible/internal/dispatch"
	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/locksweep"
	"github.com/ansible-dev/ansible/internal/mcpserver"
	"github.com/ansible-dev/ansible/internal/mesh"
	"github.com/ansible-dev/ansible/internal/presence"
	"github.com/ansible-dev/ansible/internal/retention"
	"github.com/ansible-dev/ansible/internal/service"
	"github.com/ansible-dev/ansible/internal/state"
	"github.com/ansible-dev/ansible/internal/tools"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Resolve node identity and addressing
	nodeID := cfg.NodeIDOverride
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatal("Failed to resolve hostname; set ANSIBLE_NODE_ID", zap.Error(err))
		}
		nodeID = hostname
	}
	log = log.WithNodeID(nodeID)
	log.Info("Starting ansible gateway",
		zap.String("version", version),
		zap.String("tier", cfg.Tier))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tailnetIP := netutil.DetectTailnetIP(ctx)
	listenHost := netutil.ListenHost(cfg.ListenHost, tailnetIP)

	// 4. Event bus (in-memory, or NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// ============================================
	// STATE: document, snapshot persistence
	// ============================================
	store := state.NewStore(nodeID)

	persister, err := state.NewPersister(store, cfg.StateDir, log)
	if err != nil {
		log.Fatal("Failed to prepare state dir", zap.Error(err))
	}
	// A corrupt or oversized snapshot must not make the node unbootable;
	// the document starts empty and re-converges from peers.
	if err := persister.Load(); err != nil {
		log.Error("Failed to load persisted state, starting with an empty document",
			zap.Error(err))
	}

	// Republish document changes on the bus for host integrations.
	mirror := events.NewMirror(store, eventBus, nodeID, log)

	// ============================================
	// AUTH + TOOL SURFACE
	// ============================================
	authSvc := auth.NewService(store, cfg, nodeID, log)

	// ============================================
	// MESH: sync sessions, doc-ready latch
	// ============================================
	meshMgr := mesh.NewManager(store, eventBus, mesh.Options{
		NodeID:     nodeID,
		Tier:       cfg.Tier,
		Peers:      cfg.BackbonePeers,
		JoinTicket: cfg.JoinTicket,
		SelfHosts:  []string{nodeID, tailnetIP, cfg.ListenHost},
	}, log)

	registry := tools.NewRegistry(tools.Deps{
		Store:   store,
		Cfg:     cfg,
		Auth:    authSvc,
		NodeID:  nodeID,
		Version: version,
		Log:     log,
		Synced:  meshMgr.Synced,
	})

	var syncServer *mesh.Server
	if cfg.IsBackbone() {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		syncServer = mesh.NewServer(meshMgr, authSvc, listenHost, cfg.ListenPort, log)
		if cfg.HTTP.DebugEndpoints {
			registerDebugRoutes(syncServer.Router(), registry)
			log.Info("Debug endpoints enabled")
		}
	}

	// ============================================
	// BACKGROUND SERVICES
	// ============================================
	heartbeat := presence.NewHeartbeat(store, eventBus, presence.Options{
		NodeID:     nodeID,
		Version:    version,
		StaleAfter: cfg.Presence.StaleDuration(),
	}, log)

	pruner := retention.NewPruner(store, eventBus, retention.Options{}, log)

	coord := coordinator.New(store, eventBus, coordinator.Options{
		NodeID:        nodeID,
		Tier:          cfg.Tier,
		SLAEnabled:    cfg.SLASweep.Enabled,
		SLAInterval:   cfg.SLASweep.SweepInterval(),
		SLARecordOnly: cfg.SLASweep.RecordOnly,
		SLABudget:     cfg.SLASweep.MaxMessagesPerSweep,
		SLAFYIAgents:  cfg.SLASweep.FYIAgents,
	}, log)

	var dispatcher *dispatch.Dispatcher
	if cfg.DispatchIncoming && cfg.Runtime.URL != "" {
		runtime := dispatch.NewHTTPRuntime(cfg.Runtime.URL, cfg.Runtime.Timeout(), log)
		dispatcher = dispatch.NewDispatcher(store, eventBus, runtime,
			dispatch.Options{NodeID: nodeID}, log)
	} else {
		log.Info("Dispatch disabled",
			zap.Bool("dispatchIncoming", cfg.DispatchIncoming),
			zap.Bool("runtimeConfigured", cfg.Runtime.URL != ""))
	}

	var sweeper *locksweep.Sweeper
	if cfg.LockSweep.Enabled {
		sweeper = locksweep.New(locksweep.Options{
			Dir:      cfg.SessionLockDir(),
			Interval: time.Duration(cfg.LockSweep.EverySeconds) * time.Second,
			Stale:    time.Duration(cfg.LockSweep.StaleSeconds) * time.Second,
		}, log)
	}

	mcpBridge := mcpserver.FromConfig(cfg, version, registry, log)

	// ============================================
	// LIFECYCLE: registration order is start order
	// ============================================
	runner := service.NewRunner(log)

	runner.Register(service.Service{
		ID:    "persister",
		Start: func(ctx context.Context) error { persister.Start(); return nil },
		// The final snapshot is written after the pulse goes offline,
		// outside the runner.
	})
	runner.Register(service.Service{
		ID:    "event-mirror",
		Start: func(ctx context.Context) error { mirror.Start(); return nil },
		Stop:  func(ctx context.Context) error { mirror.Stop(); return nil },
	})
	runner.Register(service.Service{
		ID:    "mesh",
		Start: func(ctx context.Context) error { meshMgr.Start(ctx); return nil },
		Stop:  func(ctx context.Context) error { meshMgr.Stop(); return nil },
	})
	if syncServer != nil {
		runner.Register(service.Service{
			ID:    "sync-server",
			Start: func(ctx context.Context) error { syncServer.Start(); return nil },
			Stop:  func(ctx context.Context) error { return syncServer.Stop(ctx) },
		})
	}
	runner.Register(service.Service{
		ID:    "presence",
		Start: heartbeat.Start,
		Stop:  func(ctx context.Context) error { heartbeat.Stop(); return nil },
	})
	runner.Register(service.Service{
		ID:    "retention",
		Start: func(ctx context.Context) error { pruner.Start(ctx); return nil },
		Stop:  func(ctx context.Context) error { pruner.Stop(); return nil },
	})
	if dispatcher != nil {
		// Dispatch holds until the first sync so a reconnecting node
		// does not act on a stale view of the document.
		runner.Register(service.Service{
			ID:    "dispatch",
			Start: afterReady(meshMgr, dispatcher.Start),
			Stop:  func(ctx context.Context) error { dispatcher.Stop(); return nil },
		})
	}
	runner.Register(service.Service{
		ID:    "coordinator",
		Start: afterReady(meshMgr, coord.Start),
		Stop:  func(ctx context.Context) error { coord.Stop(); return nil },
	})
	if sweeper != nil {
		runner.Register(service.Service{
			ID:    "locksweep",
			Start: func(ctx context.Context) error { sweeper.Start(ctx); return nil },
			Stop:  func(ctx context.Context) error { sweeper.Stop(); return nil },
		})
	}
	if mcpBridge != nil {
		runner.Register(service.Service{
			ID:    "mcp",
			Start: mcpBridge.Start,
			Stop:  mcpBridge.Stop,
		})
	}

	if err := runner.StartAll(ctx); err != nil {
		log.Fatal("Startup failed", zap.Error(err))
	}

	log.Info("Gateway running",
		zap.String("node", nodeID),
		zap.String("listen", fmt.Sprintf("%s:%d", listenHost, cfg.ListenPort)),
		zap.Int("peers", len(cfg.BackbonePeers)),
		zap.Bool("mcp", mcpBridge != nil))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := runner.StopAll(shutdownCtx); err != nil {
		log.Warn("Dirty shutdown", zap.Error(err))
	}

	// The offline pulse must land in the document before the final
	// snapshot; the tracer flush is independent and runs alongside.
	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		if err := heartbeat.MarkOffline(); err != nil {
			log.Warn("Failed to mark pulse offline", zap.Error(err))
		}
		return persister.Stop()
	})
	g.Go(func() error { return tracing.Shutdown(gctx) })
	if err := g.Wait(); err != nil {
		log.Warn("Shutdown cleanup failed", zap.Error(err))
	}

	log.Info("Gateway stopped")
}

// afterReady defers a component start until the mesh doc-ready latch
// fires. The start itself must be non-blocking.
func afterReady(m *mesh.Manager, start func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		go func() {
			select {
			case <-m.Ready():
				start(ctx)
			case <-ctx.Done():
			}
		}()
		return nil
	}
}

// registerDebugRoutes mirrors the dump_* tools as HTTP routes. The
// tools apply the admin fence, so an unauthorized call is refused with
// the same error shape as on any other transport.
func registerDebugRoutes(router *gin.Engine, registry *tools.Registry) {
	dump := func(tool string) gin.HandlerFunc {
		return func(c *gin.Context) {
			args := map[string]any{}
			if v := c.Query("from_agent"); v != "" {
				args["from_agent"] = v
			}
			if v := c.Query("agent_token"); v != "" {
				args["agent_token"] = v
			}
			res := registry.Call(c.Request.Context(), tool, args)
			status := http.StatusOK
			if res.IsError() {
				switch res.Details["code"] {
				case apperrors.ErrCodeAdminRequired, apperrors.ErrCodeUnauthorized:
					status = http.StatusForbidden
				default:
					status = http.StatusBadRequest
				}
			}
			c.JSON(status, res.Details)
		}
	}
	router.GET("/debug/state", dump("dump_state"))
	router.GET("/debug/tasks", dump("dump_tasks"))
	router.GET("/debug/messages", dump("dump_messages"))
}
