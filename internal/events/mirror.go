package events

import (
	"context"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/crdt"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

// Mirror republishes committed document changes as bus events so
// out-of-process consumers can follow task, message, membership, and
// coordination activity without speaking the sync protocol. Pulse
// churn is deliberately not mirrored; heartbeats would drown every
// other subject.
type Mirror struct {
	store *state.Store
	bus   bus.EventBus
	node  string
	log   *logger.Logger

	unsubscribe func()
}

// NewMirror creates a mirror for the given store and bus.
func NewMirror(store *state.Store, eventBus bus.EventBus, nodeID string, log *logger.Logger) *Mirror {
	return &Mirror{
		store: store,
		bus:   eventBus,
		node:  nodeID,
		log:   log,
	}
}

// Start subscribes to document updates.
func (m *Mirror) Start() {
	m.unsubscribe = m.store.Subscribe(m.onUpdate)
}

// Stop detaches from the store. The bus itself is closed by its owner.
func (m *Mirror) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

func (m *Mirror) onUpdate(info crdt.UpdateInfo) {
	ctx := context.Background()
	for mapName, keys := range info.Changed {
		for _, key := range keys {
			value, exists := m.store.GetValue(mapName, key)
			eventType, subject, data := m.classify(mapName, key, value, exists)
			if eventType == "" {
				continue
			}
			data["origin"] = info.Origin.String()
			if info.Source != "" {
				data["source"] = info.Source
			}
			if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, m.node, data)); err != nil {
				m.log.WithError(err).Debug("event mirror publish failed")
			}
		}
	}
}

func (m *Mirror) classify(mapName, key string, value any, exists bool) (string, string, map[string]interface{}) {
	data := map[string]interface{}{"id": key}
	switch mapName {
	case schema.MapTasks:
		if !exists {
			return TaskDeleted, BuildTaskSubject(key), data
		}
		if task, err := schema.TaskFromValue(value); err == nil {
			data["status"] = string(task.Status)
			if task.ClaimedByAgent != "" {
				data["claimedBy"] = task.ClaimedByAgent
			}
		}
		return TaskChanged, BuildTaskSubject(key), data
	case schema.MapMessages:
		if !exists {
			return MessageDeleted, BuildMessageSubject(key), data
		}
		if msg, err := schema.MessageFromValue(value); err == nil {
			data["from"] = msg.FromAgent
			if msg.Intent != "" {
				data["intent"] = msg.Intent
			}
		}
		return MessagePosted, BuildMessageSubject(key), data
	case schema.MapNodes:
		if !exists {
			return NodeRemoved, BuildNodeSubject(key), data
		}
		return NodeChanged, BuildNodeSubject(key), data
	case schema.MapAgents:
		if !exists {
			return AgentRemoved, BuildAgentSubject(key), data
		}
		return AgentChanged, BuildAgentSubject(key), data
	case schema.MapCoordination:
		data["key"] = key
		return CoordinationChanged, CoordinationChanged, data
	}
	return "", "", nil
}
