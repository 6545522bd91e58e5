// Package schema defines the typed records stored in the shared
// document's named maps, along with the input limits and key
// resolution rules the command surface applies before mutating state.
//
// Records cross the wire as JSON-like maps; the types here are the
// canonical in-process view. ToRecord and FromRecord convert between
// the two, tolerating the number shapes remote replicas produce.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Named maps inside the shared document.
const (
	MapNodes          = "nodes"
	MapPendingInvites = "pendingInvites"
	MapAuthTickets    = "authTickets"
	MapAgents         = "agents"
	MapAgentInvites   = "agentInvites"
	MapTasks          = "tasks"
	MapMessages       = "messages"
	MapNodeContext    = "nodeContext"
	MapPulse          = "pulse"
	MapCoordination   = "coordination"
)

// Maps lists every named map in the shared document.
func Maps() []string {
	return []string{
		MapNodes,
		MapPendingInvites,
		MapAuthTickets,
		MapAgents,
		MapAgentInvites,
		MapTasks,
		MapMessages,
		MapNodeContext,
		MapPulse,
		MapCoordination,
	}
}

// Tier identifies how a node participates in the mesh.
type Tier string

const (
	// TierBackbone nodes accept inbound sync connections and form a full mesh.
	TierBackbone Tier = "backbone"
	// TierEdge nodes only dial out to backbone peers.
	TierEdge Tier = "edge"
)

// Valid reports whether the tier is a known value.
func (t Tier) Valid() bool {
	return t == TierBackbone || t == TierEdge
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Valid reports whether the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether a task may move between two statuses.
// The lifecycle is strictly forward: pending tasks must be claimed
// before any progress transition, and terminal tasks never move again.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusClaimed
	case TaskStatusClaimed, TaskStatusInProgress:
		return to == TaskStatusInProgress || to == TaskStatusCompleted || to == TaskStatusFailed
	}
	return false
}

// AgentType distinguishes agents the dispatcher pushes to from agents
// that poll on their own.
type AgentType string

const (
	// AgentInternal agents run on a specific gateway node and receive
	// auto-dispatch from that node's dispatcher.
	AgentInternal AgentType = "internal"
	// AgentExternal agents authenticate with a token and poll.
	AgentExternal AgentType = "external"
)

// PulseStatus is the advertised liveness of a node.
type PulseStatus string

const (
	PulseOnline  PulseStatus = "online"
	PulseBusy    PulseStatus = "busy"
	PulseOffline PulseStatus = "offline"
)

// Field names written individually into a node's pulse submap. Writing
// fields in place keeps the record identity stable across heartbeats
// instead of minting a tombstone per beat.
const (
	PulseFieldStatus      = "status"
	PulseFieldLastSeen    = "lastSeen"
	PulseFieldVersion     = "version"
	PulseFieldCurrentTask = "currentTask"
)

// Message intents with wired behavior.
const (
	IntentSLABreached = "task_sla_breached"
)

// Keys in the flat coordination namespace.
const (
	CoordCoordinator                = "coordinator"
	CoordSweepEverySeconds          = "sweepEverySeconds"
	CoordRetentionClosedTaskSeconds = "retentionClosedTaskSeconds"
	CoordRetentionPruneEverySeconds = "retentionPruneEverySeconds"
	CoordRetentionLastPruneAt       = "retentionLastPruneAt"
	CoordDelegationPolicyVersion    = "delegationPolicyVersion"
	CoordDelegationPolicyChecksum   = "delegationPolicyChecksum"
	CoordDelegationPolicyMarkdown   = "delegationPolicyMarkdown"
	CoordDelegationPolicyUpdatedAt  = "delegationPolicyUpdatedAt"
	CoordDelegationPolicyUpdatedBy  = "delegationPolicyUpdatedBy"
	CoordSLASweepLastAt             = "slaSweepLastAt"
	CoordSLASweepLastBreachCount    = "slaSweepLastBreachCount"
	CoordSLASweepLastEscalations    = "slaSweepLastEscalationsWritten"
)

// DelegationAckKey builds the per-agent policy acknowledgement key for
// one of the fields "version", "checksum", or "at".
func DelegationAckKey(agentID, field string) string {
	return "delegationAck:" + agentID + ":" + field
}

// NodePrefKey builds the per-node coordination preference key.
func NodePrefKey(nodeID string) string {
	return "pref:" + nodeID
}

// NewID returns a globally unique identifier for tasks and messages.
func NewID() string {
	return uuid.New().String()
}

// NowMillis returns the current wall-clock time in epoch milliseconds,
// the timestamp unit used throughout the document.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
