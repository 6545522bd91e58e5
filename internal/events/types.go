// Package events provides event types and utilities for mirroring
// shared-document activity onto the event bus.
package events

// Event types for tasks
const (
	TaskChanged = "task.changed"
	TaskDeleted = "task.deleted"
)

// Event types for messages
const (
	MessagePosted  = "message.posted"
	MessageDeleted = "message.deleted"
)

// Event types for mesh membership
const (
	NodeChanged = "node.changed"
	NodeRemoved = "node.removed"
)

// Event types for the agent registry
const (
	AgentChanged = "agent.changed"
	AgentRemoved = "agent.removed"
)

// Event types for the coordination namespace
const (
	CoordinationChanged = "coordination.changed"
)

// Event types for sync transport status
const (
	SyncReady        = "sync.ready"
	PeerConnected    = "sync.peer.connected"
	PeerDisconnected = "sync.peer.disconnected"
)

// Event types for the dispatcher
const (
	DispatchDelivered = "dispatch.delivered"
	DispatchFailed    = "dispatch.failed"
	DispatchDropped   = "dispatch.dropped"
)

// Event types for node presence
const (
	PresenceStale = "presence.stale"
)

// Event types for coordinator sweeps
const (
	SLABreached    = "sla.breached"
	RetentionSwept = "retention.swept"
)

// BuildTaskSubject creates a task subject for a specific task
func BuildTaskSubject(taskID string) string {
	return TaskChanged + "." + taskID
}

// BuildTaskWildcardSubject creates a wildcard subscription for all task events
func BuildTaskWildcardSubject() string {
	return TaskChanged + ".*"
}

// BuildMessageSubject creates a message subject for a specific message
func BuildMessageSubject(messageID string) string {
	return MessagePosted + "." + messageID
}

// BuildMessageWildcardSubject creates a wildcard subscription for all message events
func BuildMessageWildcardSubject() string {
	return MessagePosted + ".*"
}

// BuildNodeSubject creates a membership subject for a specific node
func BuildNodeSubject(nodeID string) string {
	return NodeChanged + "." + nodeID
}

// BuildNodeWildcardSubject creates a wildcard subscription for all membership events
func BuildNodeWildcardSubject() string {
	return NodeChanged + ".*"
}

// BuildAgentSubject creates a registry subject for a specific agent
func BuildAgentSubject(agentID string) string {
	return AgentChanged + "." + agentID
}

// BuildAgentWildcardSubject creates a wildcard subscription for all registry events
func BuildAgentWildcardSubject() string {
	return AgentChanged + ".*"
}

// BuildDispatchSubject creates a dispatch subject for a specific receiver
func BuildDispatchSubject(agentID string) string {
	return DispatchDelivered + "." + agentID
}

// BuildDispatchWildcardSubject creates a wildcard subscription for all dispatch events
func BuildDispatchWildcardSubject() string {
	return DispatchDelivered + ".*"
}
