// Package mesh provides the two-tier sync topology: a WebSocket server
// for inbound peers on backbone nodes, reconnecting client loops for
// configured peers, and the session layer that keeps every replica's
// document converged.
package mesh

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/config"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/common/netutil"
	"github.com/ansible-dev/ansible/internal/crdt"
	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/state"
	"github.com/ansible-dev/ansible/pkg/syncwire"
)

// Admission gates inbound sync connections. Implemented by the auth
// service; stubbed in tests.
type Admission interface {
	// ConsumeTicket redeems a single-use WebSocket ticket for the
	// presenting node, admitting it to the mesh.
	ConsumeTicket(ticket, nodeID string) error

	// IsNodeAuthorized reports whether a node may participate without
	// presenting a ticket.
	IsNodeAuthorized(nodeID string) bool
}

// Options configures the mesh manager.
type Options struct {
	NodeID     string
	Tier       string
	Peers      []string
	JoinTicket string
	// SelfHosts lists the host names and addresses that mean "this
	// node" when filtering the backbone peer list.
	SelfHosts []string
}

// Manager owns every sync session, inbound and outbound, and relays
// committed ops between them. It also carries the doc-ready latch:
// dispatcher and coordinator start only after the first successful sync
// (immediately when there is no peer to sync with).
type Manager struct {
	store *state.Store
	bus   bus.EventBus
	opts  Options
	log   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	ready     chan struct{}
	readyOnce sync.Once

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewManager creates a mesh manager for the given store.
func NewManager(store *state.Store, eventBus bus.EventBus, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		bus:      eventBus,
		opts:     opts,
		log:      log.WithFields(zap.String("component", "mesh")),
		sessions: make(map[string]*session),
		ready:    make(chan struct{}),
	}
}

// Start subscribes to the store and dials the configured peers. Backbone
// nodes skip peer URLs that point back at themselves; edge nodes dial
// everything they are given.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.unsubscribe = m.store.Subscribe(m.onUpdate)

	active := 0
	for _, raw := range m.opts.Peers {
		if m.opts.Tier == config.TierBackbone && netutil.IsSelfURL(raw, m.opts.SelfHosts) {
			m.log.Debug("Skipping self peer URL", zap.String("url", raw))
			continue
		}
		peer := newPeer(raw, m.opts.JoinTicket, m, m.log)
		active++
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			peer.run(ctx)
		}()
	}

	m.log.Info("Mesh started",
		zap.String("tier", m.opts.Tier),
		zap.Int("peers", active))

	// Nothing to catch up from: the document is ready as loaded.
	if active == 0 {
		m.markReady()
	}
}

// Stop closes every session and waits for the peer loops to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}

	m.mu.Lock()
	open := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.close()
	}

	m.wg.Wait()
	m.log.Info("Mesh stopped")
}

// Ready returns a channel closed after the first successful sync.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Synced reports whether the doc-ready latch has fired.
func (m *Manager) Synced() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// attach wraps an established connection in a session and starts its
// pumps. Registration happens before the handshake so live updates are
// relayed from the first commit.
func (m *Manager) attach(ctx context.Context, conn *websocket.Conn, inbound bool) *session {
	s := newSession(conn, m, inbound, m.log)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	go s.writePump()
	go s.readPump(ctx)
	s.sendStep1()
	return s
}

func (m *Manager) removeSession(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	m.log.Debug("Session closed",
		zap.String("session_id", s.id),
		zap.String("peer_node", s.PeerNode()))
}

// sessionSynced fires the doc-ready latch on the first synced session,
// inbound or outbound.
func (m *Manager) sessionSynced(s *session) {
	m.markReady()
}

func (m *Manager) markReady() {
	m.readyOnce.Do(func() {
		close(m.ready)
		m.log.Info("Document ready")
		if m.bus != nil {
			event := bus.NewEvent(events.SyncReady, m.opts.NodeID, map[string]interface{}{
				"node": m.opts.NodeID,
			})
			if err := m.bus.Publish(context.Background(), events.SyncReady, event); err != nil {
				m.log.WithError(err).Debug("sync ready publish failed")
			}
		}
	})
}

// onUpdate relays every committed batch to all sessions except the one
// it arrived on. Ops are idempotent, so an overlap with an in-flight
// handshake is harmless; the state vector exchange dedupes it.
func (m *Manager) onUpdate(info crdt.UpdateInfo) {
	if len(info.Ops) == 0 {
		return
	}

	m.mu.RLock()
	targets := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id == info.Source {
			continue
		}
		targets = append(targets, s)
	}
	m.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	opsData, err := json.Marshal(info.Ops)
	if err != nil {
		m.log.Error("Failed to marshal update ops", zap.Error(err))
		return
	}
	msg, err := syncwire.NewNotification(syncwire.ActionSyncUpdate, syncwire.Update{
		Room: syncwire.Room,
		Ops:  opsData,
	})
	if err != nil {
		m.log.Error("Failed to build update frame", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("Failed to marshal update frame", zap.Error(err))
		return
	}

	for _, s := range targets {
		s.enqueue(data)
	}
}
