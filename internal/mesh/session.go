package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/crdt"
	"github.com/ansible-dev/ansible/pkg/syncwire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 30 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Step2 frames can carry a
	// full snapshot, which is capped at 50 MiB before encoding.
	maxMessageSize = 64 << 20
)

// session runs the sync protocol over one WebSocket connection. Both ends
// behave identically after the upgrade: each sends a step1 with its state
// vector, answers the peer's step1 with a step2, and streams update
// frames for every commit thereafter.
type session struct {
	id         string
	conn       *websocket.Conn
	mgr        *Manager
	dispatcher *syncwire.Dispatcher
	send       chan []byte
	done       chan struct{}
	inbound    bool
	logger     *logger.Logger

	synced    atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	peerNode string
}

func newSession(conn *websocket.Conn, mgr *Manager, inbound bool, log *logger.Logger) *session {
	s := &session{
		id:      uuid.New().String(),
		conn:    conn,
		mgr:     mgr,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		inbound: inbound,
	}
	s.logger = log.WithFields(zap.String("session_id", s.id), zap.Bool("inbound", inbound))

	d := syncwire.NewDispatcher()
	d.RegisterFunc(syncwire.ActionSyncStep1, s.handleStep1)
	d.RegisterFunc(syncwire.ActionSyncStep2, s.handleStep2)
	d.RegisterFunc(syncwire.ActionSyncUpdate, s.handleUpdate)
	s.dispatcher = d
	return s
}

// PeerNode returns the node id announced by the peer's step1, if seen.
func (s *session) PeerNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerNode
}

func (s *session) setPeerNode(node string) {
	s.mu.Lock()
	s.peerNode = node
	s.mu.Unlock()
}

// close tears the session down exactly once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.mgr.removeSession(s)
	})
}

// sendStep1 opens our half of the handshake.
func (s *session) sendStep1() {
	msg, err := syncwire.NewRequest(uuid.New().String(), syncwire.ActionSyncStep1, syncwire.Step1{
		Room:            syncwire.Room,
		ProtocolVersion: syncwire.ProtocolVersion,
		Node:            s.mgr.opts.NodeID,
		Vector:          s.mgr.store.StateVector(),
	})
	if err != nil {
		s.logger.Error("Failed to build step1", zap.Error(err))
		return
	}
	s.sendMessage(msg)
}

// handleStep1 answers the peer's vector with the ops it is missing, or a
// full snapshot when our op log no longer reaches back that far.
func (s *session) handleStep1(ctx context.Context, msg *syncwire.Message) (*syncwire.Message, error) {
	var step1 syncwire.Step1
	if err := msg.ParsePayload(&step1); err != nil {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeBadRequest,
			"Invalid step1 payload: "+err.Error(), nil)
	}
	if step1.Room != syncwire.Room {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeRoomMismatch,
			"Unknown room: "+step1.Room, nil)
	}
	if step1.ProtocolVersion != syncwire.ProtocolVersion {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeVersionMismatch,
			"Unsupported protocol version", map[string]interface{}{
				"theirs": step1.ProtocolVersion,
				"ours":   syncwire.ProtocolVersion,
			})
	}
	s.setPeerNode(step1.Node)

	payload := syncwire.Step2{Room: syncwire.Room}
	ops, complete := s.mgr.store.OpsSince(step1.Vector)
	if complete {
		data, err := json.Marshal(ops)
		if err != nil {
			return nil, err
		}
		payload.Ops = data
	} else {
		data, err := json.Marshal(s.mgr.store.Snapshot())
		if err != nil {
			return nil, err
		}
		payload.Snapshot = data
	}

	s.logger.Debug("Answering step1",
		zap.String("peer_node", step1.Node),
		zap.Int("ops", len(ops)),
		zap.Bool("snapshot", payload.Snapshot != nil))
	return syncwire.NewResponse(msg.ID, syncwire.ActionSyncStep2, payload)
}

// handleStep2 applies the catch-up data and marks the session synced.
func (s *session) handleStep2(ctx context.Context, msg *syncwire.Message) (*syncwire.Message, error) {
	var step2 syncwire.Step2
	if err := msg.ParsePayload(&step2); err != nil {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeBadRequest,
			"Invalid step2 payload: "+err.Error(), nil)
	}
	if step2.Room != syncwire.Room {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeRoomMismatch,
			"Unknown room: "+step2.Room, nil)
	}

	switch {
	case step2.Snapshot != nil:
		var snap crdt.Snapshot
		if err := json.Unmarshal(step2.Snapshot, &snap); err != nil {
			return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeBadRequest,
				"Invalid snapshot: "+err.Error(), nil)
		}
		s.mgr.store.MergeSnapshot(s.id, &snap)
	case step2.Ops != nil:
		var ops []crdt.Op
		if err := json.Unmarshal(step2.Ops, &ops); err != nil {
			return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeBadRequest,
				"Invalid ops: "+err.Error(), nil)
		}
		s.mgr.store.ApplyRemote(s.id, ops)
	}

	if s.synced.CompareAndSwap(false, true) {
		s.logger.Info("Session synced", zap.String("peer_node", s.PeerNode()))
		s.mgr.sessionSynced(s)
	}
	return nil, nil
}

// handleUpdate applies live ops. Novel ops are relayed to the other
// sessions by the store observer, not here.
func (s *session) handleUpdate(ctx context.Context, msg *syncwire.Message) (*syncwire.Message, error) {
	var update syncwire.Update
	if err := msg.ParsePayload(&update); err != nil {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeBadRequest,
			"Invalid update payload: "+err.Error(), nil)
	}
	if update.Room != syncwire.Room {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeRoomMismatch,
			"Unknown room: "+update.Room, nil)
	}

	var ops []crdt.Op
	if err := json.Unmarshal(update.Ops, &ops); err != nil {
		return syncwire.NewError(msg.ID, msg.Action, syncwire.ErrorCodeBadRequest,
			"Invalid ops: "+err.Error(), nil)
	}
	if len(ops) > 0 {
		s.mgr.store.ApplyRemote(s.id, ops)
	}
	return nil, nil
}

// readPump pumps messages from the connection into the dispatcher.
func (s *session) readPump(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg syncwire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Failed to parse frame", zap.Error(err))
			continue
		}

		if msg.Type == syncwire.MessageTypeError {
			var payload syncwire.ErrorPayload
			_ = msg.ParsePayload(&payload)
			s.logger.Warn("Peer reported error",
				zap.String("code", payload.Code),
				zap.String("message", payload.Message))
			continue
		}

		response, err := s.dispatcher.Dispatch(ctx, &msg)
		if err != nil {
			s.logger.Error("Handler error", zap.String("action", msg.Action), zap.Error(err))
			continue
		}
		if response != nil {
			s.sendMessage(response)
		}
	}
}

// writePump pumps queued frames to the connection and keeps it alive
// with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage marshals and enqueues one frame.
func (s *session) sendMessage(msg *syncwire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	s.enqueue(data)
}

// enqueue queues raw bytes for the write pump. A peer that cannot drain
// its queue is closed; the reconnect handshake repairs whatever it
// missed.
func (s *session) enqueue(data []byte) {
	select {
	case <-s.done:
	case s.send <- data:
	default:
		s.logger.Warn("Send buffer full, dropping session")
		s.close()
	}
}
