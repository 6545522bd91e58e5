// Package presence maintains the local node's pulse record and derives
// effective liveness for every node in the mesh.
//
// The pulse record is mutated field by field: status and version are
// written once when the heartbeat starts, and each beat touches only
// lastSeen. Readers never trust the stored status alone; EffectiveStatus
// downgrades any record whose lastSeen has gone stale.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

const (
	// DefaultInterval is how often the local pulse is refreshed.
	DefaultInterval = 30 * time.Second
	// DefaultStaleAfter is how long a silent node stays "online" on read.
	DefaultStaleAfter = 300 * time.Second
)

// Options configures a Heartbeat.
type Options struct {
	NodeID     string
	Version    string
	Interval   time.Duration
	StaleAfter time.Duration
}

// Heartbeat keeps the local pulse fresh and reports remote nodes that
// stop beating.
type Heartbeat struct {
	store *state.Store
	bus   bus.EventBus
	opts  Options
	log   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	flagged map[string]bool
}

// NewHeartbeat builds a heartbeat for the local node. The bus may be
// nil when no consumer cares about staleness events.
func NewHeartbeat(store *state.Store, eventBus bus.EventBus, opts Options, log *logger.Logger) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Heartbeat{
		store:   store,
		bus:     eventBus,
		opts:    opts,
		log:     log.WithFields(zap.String("component", "presence")),
		flagged: make(map[string]bool),
	}
}

// Start writes the initial online pulse and begins beating. The first
// write happens before Start returns so the node is visible immediately.
func (h *Heartbeat) Start(ctx context.Context) error {
	if err := h.markOnline(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(runCtx)
	h.log.Info("Heartbeat started",
		zap.String("node_id", h.opts.NodeID),
		zap.Duration("interval", h.opts.Interval))
	return nil
}

// Stop cancels the beat loop. It does not touch the pulse record;
// callers sequence MarkOffline separately so the offline write can
// still ride the open sync sessions.
func (h *Heartbeat) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

// MarkOffline records a graceful shutdown in the pulse map.
func (h *Heartbeat) MarkOffline() error {
	now := schema.NowMillis()
	return h.store.Update("presence", func(tx *state.Tx) error {
		pulse := tx.Map(schema.MapPulse)
		pulse.SetField(h.opts.NodeID, schema.PulseFieldStatus, string(schema.PulseOffline))
		pulse.SetField(h.opts.NodeID, schema.PulseFieldLastSeen, now)
		return nil
	})
}

// SetCurrentTask records what the node is working on. An empty id
// clears the field.
func (h *Heartbeat) SetCurrentTask(taskID string) error {
	return h.store.Update("presence", func(tx *state.Tx) error {
		tx.Map(schema.MapPulse).SetField(h.opts.NodeID, schema.PulseFieldCurrentTask, taskID)
		return nil
	})
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.beat(); err != nil {
				h.log.Warn("Heartbeat write failed", zap.Error(err))
			}
			h.sweepStale(ctx)
		}
	}
}

// markOnline establishes this session's pulse: status and version once,
// lastSeen now. Subsequent beats only touch lastSeen, so a node that
// set itself busy stays busy.
func (h *Heartbeat) markOnline() error {
	now := schema.NowMillis()
	return h.store.Update("presence", func(tx *state.Tx) error {
		pulse := tx.Map(schema.MapPulse)
		pulse.SetField(h.opts.NodeID, schema.PulseFieldStatus, string(schema.PulseOnline))
		pulse.SetField(h.opts.NodeID, schema.PulseFieldLastSeen, now)
		if h.opts.Version != "" {
			pulse.SetField(h.opts.NodeID, schema.PulseFieldVersion, h.opts.Version)
		}
		return nil
	})
}

func (h *Heartbeat) beat() error {
	now := schema.NowMillis()
	return h.store.Update("presence", func(tx *state.Tx) error {
		tx.Map(schema.MapPulse).SetField(h.opts.NodeID, schema.PulseFieldLastSeen, now)
		return nil
	})
}

// sweepStale reports remote nodes that crossed the staleness threshold
// since the last beat. Each node is reported once per outage.
func (h *Heartbeat) sweepStale(ctx context.Context) {
	if h.bus == nil {
		return
	}
	now := schema.NowMillis()
	type staleNode struct {
		id       string
		lastSeen int64
	}
	var newlyStale []staleNode
	h.mu.Lock()
	h.store.View(func(v *state.View) {
		for _, entry := range v.Map(schema.MapPulse).Entries() {
			if entry.Key == h.opts.NodeID {
				continue
			}
			pulse, err := schema.PulseFromValue(entry.Value)
			if err != nil {
				continue
			}
			stale := pulse.Status != schema.PulseOffline &&
				EffectiveStatus(pulse, now, h.opts.StaleAfter) == schema.PulseOffline
			switch {
			case stale && !h.flagged[entry.Key]:
				h.flagged[entry.Key] = true
				newlyStale = append(newlyStale, staleNode{entry.Key, pulse.LastSeen})
			case !stale:
				delete(h.flagged, entry.Key)
			}
		}
	})
	h.mu.Unlock()

	for _, node := range newlyStale {
		event := bus.NewEvent(events.PresenceStale, h.opts.NodeID, map[string]interface{}{
			"node_id":   node.id,
			"last_seen": node.lastSeen,
		})
		if err := h.bus.Publish(ctx, events.PresenceStale, event); err != nil {
			h.log.Warn("Failed to publish stale event", zap.Error(err))
		}
		h.log.Info("Node went stale",
			zap.String("node_id", node.id),
			zap.Int64("last_seen", node.lastSeen))
	}
}

// EffectiveStatus is the liveness readers should report: the stored
// status, downgraded to offline once lastSeen exceeds staleAfter.
func EffectiveStatus(p *schema.Pulse, now int64, staleAfter time.Duration) schema.PulseStatus {
	if p == nil {
		return schema.PulseOffline
	}
	if p.Status == schema.PulseOffline {
		return schema.PulseOffline
	}
	if now-p.LastSeen > staleAfter.Milliseconds() {
		return schema.PulseOffline
	}
	return p.Status
}
