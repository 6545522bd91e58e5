package schema

import (
	"encoding/json"
	"fmt"
)

// Node represents a process-level identity in the mesh, keyed by node
// id. Created on invite acceptance or bootstrap; deleted only by admin
// revoke.
type Node struct {
	Name         string   `json:"name"`
	Tier         Tier     `json:"tier"`
	Capabilities []string `json:"capabilities,omitempty"`
	AddedBy      string   `json:"addedBy"`
	AddedAt      int64    `json:"addedAt"`
}

// HasCapability reports whether the node carries the named capability.
func (n *Node) HasCapability(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// PendingInvite is a single-use node admission token, keyed by the
// opaque token string. Pruned when expired or consumed.
type PendingInvite struct {
	Tier           Tier   `json:"tier"`
	ExpiresAt      int64  `json:"expiresAt"`
	CreatedBy      string `json:"createdBy"`
	ExpectedNodeID string `json:"expectedNodeId,omitempty"`
	UsedByNode     string `json:"usedByNode,omitempty"`
	UsedAt         int64  `json:"usedAt,omitempty"`
}

// Usable reports whether the invite can still be consumed at now.
func (i *PendingInvite) Usable(now int64) bool {
	return i.UsedAt == 0 && now < i.ExpiresAt
}

// WsTicket is a short-lived pre-upgrade admission ticket minted from a
// pending invite.
type WsTicket struct {
	Ticket         string `json:"ticket"`
	InviteToken    string `json:"inviteToken"`
	ExpectedNodeID string `json:"expectedNodeId"`
	CreatedBy      string `json:"createdBy"`
	CreatedAt      int64  `json:"createdAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	UsedAt         int64  `json:"usedAt,omitempty"`
}

// AgentAuth holds an agent's token material. Only the sha256 hash and a
// short display hint are stored; the token itself is shown once.
type AgentAuth struct {
	TokenHash       string `json:"tokenHash"`
	IssuedAt        int64  `json:"issuedAt"`
	RotatedAt       int64  `json:"rotatedAt,omitempty"`
	TokenHint       string `json:"tokenHint"`
	AcceptedAt      int64  `json:"acceptedAt,omitempty"`
	AcceptedByNode  string `json:"acceptedByNode,omitempty"`
	AcceptedByAgent string `json:"acceptedByAgent,omitempty"`
}

// AgentRecord is a registered agent, keyed by agent id.
type AgentRecord struct {
	Name         string     `json:"name,omitempty"`
	Gateway      string     `json:"gateway,omitempty"`
	Type         AgentType  `json:"type"`
	RegisteredAt int64      `json:"registeredAt"`
	RegisteredBy string     `json:"registeredBy"`
	Auth         *AgentAuth `json:"auth,omitempty"`
}

// HostedOn reports whether the agent is internal and gatewayed on the
// given node, which makes it a local dispatch receiver there.
func (a *AgentRecord) HostedOn(nodeID string) bool {
	return a.Type == AgentInternal && a.Gateway == nodeID
}

// AgentInvite is a single-use, time-bounded invitation that mints a
// permanent agent token on acceptance.
type AgentInvite struct {
	AgentID        string `json:"agent_id"`
	TokenHash      string `json:"tokenHash"`
	CreatedAt      int64  `json:"createdAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	CreatedBy      string `json:"createdBy"`
	CreatedByAgent string `json:"createdByAgent,omitempty"`
	UsedAt         int64  `json:"usedAt,omitempty"`
	UsedByNode     string `json:"usedByNode,omitempty"`
	UsedByAgent    string `json:"usedByAgent,omitempty"`
	RevokedAt      int64  `json:"revokedAt,omitempty"`
	RevokedReason  string `json:"revokedReason,omitempty"`
}

// Usable reports whether the invite can still be accepted at now.
func (i *AgentInvite) Usable(now int64) bool {
	return i.UsedAt == 0 && i.RevokedAt == 0 && now < i.ExpiresAt
}

// DeliveryState tracks how far dispatch has progressed for a receiver.
type DeliveryState string

const (
	DeliveryAttempted DeliveryState = "attempted"
	DeliveryDelivered DeliveryState = "delivered"
)

// DeliveryRecord is the per-receiver dispatch ledger entry embedded in
// tasks and messages, keyed by receiving agent id.
type DeliveryRecord struct {
	State     DeliveryState `json:"state"`
	At        int64         `json:"at"`
	By        string        `json:"by"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"lastError,omitempty"`
}

// TaskUpdate is one entry in a task's bounded update trail, newest
// first.
type TaskUpdate struct {
	At      int64      `json:"at"`
	ByAgent string     `json:"by_agent"`
	Status  TaskStatus `json:"status"`
	Note    string     `json:"note,omitempty"`
}

// Task is a unit of delegated work.
type Task struct {
	ID               string                    `json:"id"`
	Title            string                    `json:"title"`
	Description      string                    `json:"description,omitempty"`
	Status           TaskStatus                `json:"status"`
	CreatedByAgent   string                    `json:"createdBy_agent"`
	CreatedByNode    string                    `json:"createdBy_node,omitempty"`
	CreatedAt        int64                     `json:"createdAt"`
	AssignedToAgent  string                    `json:"assignedTo_agent,omitempty"`
	AssignedToAgents []string                  `json:"assignedTo_agents,omitempty"`
	Requires         []string                  `json:"requires,omitempty"`
	SkillRequired    string                    `json:"skillRequired,omitempty"`
	Intent           string                    `json:"intent,omitempty"`
	Metadata         map[string]any            `json:"metadata,omitempty"`
	ClaimedByAgent   string                    `json:"claimedBy_agent,omitempty"`
	ClaimedByNode    string                    `json:"claimedBy_node,omitempty"`
	ClaimedAt        int64                     `json:"claimedAt,omitempty"`
	CompletedAt      int64                     `json:"completedAt,omitempty"`
	Result           string                    `json:"result,omitempty"`
	Context          string                    `json:"context,omitempty"`
	UpdatedAt        int64                     `json:"updatedAt,omitempty"`
	Updates          []TaskUpdate              `json:"updates,omitempty"`
	Delivery         map[string]DeliveryRecord `json:"delivery,omitempty"`
}

// Assignees returns the explicit assignee set with the singular and
// plural fields merged, deduplicated, order preserved.
func (t *Task) Assignees() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(t.AssignedToAgent)
	for _, id := range t.AssignedToAgents {
		add(id)
	}
	return out
}

// AssignedTo reports whether agentID is an explicit assignee.
func (t *Task) AssignedTo(agentID string) bool {
	if t.AssignedToAgent == agentID && agentID != "" {
		return true
	}
	for _, id := range t.AssignedToAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// DeliveredTo reports whether dispatch already succeeded for agentID.
func (t *Task) DeliveredTo(agentID string) bool {
	rec, ok := t.Delivery[agentID]
	return ok && rec.State == DeliveryDelivered
}

// CloseTime returns the best-known close timestamp, used by retention.
func (t *Task) CloseTime() int64 {
	if t.CompletedAt != 0 {
		return t.CompletedAt
	}
	if t.UpdatedAt != 0 {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

// AppendUpdate prepends an update and trims the trail to its cap.
func (t *Task) AppendUpdate(u TaskUpdate) {
	t.Updates = append([]TaskUpdate{u}, t.Updates...)
	if len(t.Updates) > MaxTaskUpdates {
		t.Updates = t.Updates[:MaxTaskUpdates]
	}
}

// Message is a directed or broadcast note between agents.
type Message struct {
	ID           string                    `json:"id"`
	FromAgent    string                    `json:"from_agent"`
	FromNode     string                    `json:"from_node,omitempty"`
	ToAgents     []string                  `json:"to_agents,omitempty"`
	Intent       string                    `json:"intent,omitempty"`
	Content      string                    `json:"content"`
	Timestamp    int64                     `json:"timestamp"`
	UpdatedAt    int64                     `json:"updatedAt,omitempty"`
	ReadByAgents []string                  `json:"readBy_agents"`
	Metadata     map[string]any            `json:"metadata,omitempty"`
	Delivery     map[string]DeliveryRecord `json:"delivery,omitempty"`
}

// Broadcast reports whether the message addresses every agent.
func (m *Message) Broadcast() bool {
	return len(m.ToAgents) == 0
}

// AddressedTo reports whether agentID should see this message.
func (m *Message) AddressedTo(agentID string) bool {
	if m.Broadcast() {
		return true
	}
	for _, id := range m.ToAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// ReadBy reports whether agentID already read the message.
func (m *Message) ReadBy(agentID string) bool {
	for _, id := range m.ReadByAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// DeliveredTo reports delivery to agentID. Older writers recorded only
// readBy_agents, so either form counts.
func (m *Message) DeliveredTo(agentID string) bool {
	if rec, ok := m.Delivery[agentID]; ok && rec.State == DeliveryDelivered {
		return true
	}
	return m.ReadBy(agentID)
}

// MarkRead adds agentID to readBy_agents, reporting whether the set
// changed. Callers must re-read the current record before writing back
// so concurrent reads on other nodes are unioned rather than dropped.
func (m *Message) MarkRead(agentID string) bool {
	if m.ReadBy(agentID) {
		return false
	}
	m.ReadByAgents = append(m.ReadByAgents, agentID)
	return true
}

// ActiveThread is one conversation a node is tracking.
type ActiveThread struct {
	ID           string `json:"id"`
	Summary      string `json:"summary"`
	LastActivity int64  `json:"lastActivity"`
}

// Decision is one recorded choice with its reasoning.
type Decision struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
	MadeAt    int64  `json:"madeAt"`
}

// NodeContext is a per-agent focus snapshot, keyed by agent id.
type NodeContext struct {
	CurrentFocus    string         `json:"currentFocus,omitempty"`
	ActiveThreads   []ActiveThread `json:"activeThreads,omitempty"`
	RecentDecisions []Decision     `json:"recentDecisions,omitempty"`
	Skills          []string       `json:"skills,omitempty"`
}

// HasSkill reports whether the context advertises the given skill.
func (c *NodeContext) HasSkill(skill string) bool {
	for _, s := range c.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Trim caps the bounded lists, keeping the newest entries at the front.
func (c *NodeContext) Trim() {
	if len(c.ActiveThreads) > MaxActiveThreads {
		c.ActiveThreads = c.ActiveThreads[:MaxActiveThreads]
	}
	if len(c.RecentDecisions) > MaxRecentDecisions {
		c.RecentDecisions = c.RecentDecisions[:MaxRecentDecisions]
	}
}

// Pulse is a node's heartbeat record. It lives in the document as an
// in-place mutable submap, so individual fields are written with
// SetField rather than replacing the record.
type Pulse struct {
	Status      PulseStatus `json:"status"`
	LastSeen    int64       `json:"lastSeen"`
	Version     string      `json:"version,omitempty"`
	CurrentTask string      `json:"currentTask,omitempty"`
}

// ToRecord converts a typed record into the JSON-shaped map stored in
// the document.
func ToRecord(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return map[string]any{}
	}
	return rec
}

// FromRecord decodes a document record into out, tolerating the number
// and slice shapes JSON round trips produce.
func FromRecord(rec map[string]any, out any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// TaskFromValue decodes a raw document value into a Task.
func TaskFromValue(v any) (*Task, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("task value is %T, not a record", v)
	}
	var t Task
	if err := FromRecord(rec, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// MessageFromValue decodes a raw document value into a Message.
func MessageFromValue(v any) (*Message, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message value is %T, not a record", v)
	}
	var m Message
	if err := FromRecord(rec, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// NodeFromValue decodes a raw document value into a Node.
func NodeFromValue(v any) (*Node, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("node value is %T, not a record", v)
	}
	var n Node
	if err := FromRecord(rec, &n); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &n, nil
}

// AgentFromValue decodes a raw document value into an AgentRecord.
func AgentFromValue(v any) (*AgentRecord, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("agent value is %T, not a record", v)
	}
	var a AgentRecord
	if err := FromRecord(rec, &a); err != nil {
		return nil, fmt.Errorf("decode agent: %w", err)
	}
	return &a, nil
}

// InviteFromValue decodes a raw document value into a PendingInvite.
func InviteFromValue(v any) (*PendingInvite, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invite value is %T, not a record", v)
	}
	var i PendingInvite
	if err := FromRecord(rec, &i); err != nil {
		return nil, fmt.Errorf("decode invite: %w", err)
	}
	return &i, nil
}

// TicketFromValue decodes a raw document value into a WsTicket.
func TicketFromValue(v any) (*WsTicket, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ticket value is %T, not a record", v)
	}
	var t WsTicket
	if err := FromRecord(rec, &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return &t, nil
}

// AgentInviteFromValue decodes a raw document value into an AgentInvite.
func AgentInviteFromValue(v any) (*AgentInvite, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("agent invite value is %T, not a record", v)
	}
	var i AgentInvite
	if err := FromRecord(rec, &i); err != nil {
		return nil, fmt.Errorf("decode agent invite: %w", err)
	}
	return &i, nil
}

// ContextFromValue decodes a raw document value into a NodeContext.
func ContextFromValue(v any) (*NodeContext, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("context value is %T, not a record", v)
	}
	var c NodeContext
	if err := FromRecord(rec, &c); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &c, nil
}

// PulseFromValue decodes a raw document value into a Pulse.
func PulseFromValue(v any) (*Pulse, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("pulse value is %T, not a record", v)
	}
	var p Pulse
	if err := FromRecord(rec, &p); err != nil {
		return nil, fmt.Errorf("decode pulse: %w", err)
	}
	return &p, nil
}

// AsString returns a raw document value as a string, or fallback when
// absent or mistyped.
func AsString(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// AsInt64 returns a raw document value as an int64, accepting the
// float64 shape JSON decoding produces.
func AsInt64(v any, fallback int64) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return fallback
}

// AsBool returns a raw document value as a bool.
func AsBool(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

// AsStringList returns a raw document value as a string slice,
// accepting both []string and the []any shape JSON decoding produces.
func AsStringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
