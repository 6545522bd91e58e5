package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible-dev/ansible/internal/auth"
	"github.com/ansible-dev/ansible/internal/common/config"
	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

func newTestRegistry(t *testing.T) (*Registry, Deps) {
	t.Helper()
	store := state.NewStore("node-a")
	cfg := &config.Config{
		Tier:         config.TierBackbone,
		AuthMode:     config.AuthModeMixed,
		AdminAgentID: "admin",
		Presence:     config.PresenceConfig{StaleSeconds: 300},
	}
	log := logger.NewNop()
	deps := Deps{
		Store:   store,
		Cfg:     cfg,
		Auth:    auth.NewService(store, cfg, "node-a", log),
		NodeID:  "node-a",
		Version: "test",
		Log:     log,
	}
	return NewRegistry(deps), deps
}

func call(t *testing.T, r *Registry, name string, args map[string]any) map[string]any {
	t.Helper()
	res := r.Call(context.Background(), name, args)
	require.False(t, res.IsError(), "%s failed: %v", name, res.Details["error"])
	return res.Details
}

func callErr(t *testing.T, r *Registry, name string, args map[string]any) (string, string) {
	t.Helper()
	res := r.Call(context.Background(), name, args)
	require.True(t, res.IsError(), "%s unexpectedly succeeded: %v", name, res.Details)
	code, _ := res.Details["code"].(string)
	msg, _ := res.Details["error"].(string)
	return code, msg
}

func registerAgent(t *testing.T, r *Registry, id string, typ schema.AgentType) {
	t.Helper()
	call(t, r, "register_agent", map[string]any{
		"agentId": id,
		"type":    string(typ),
	})
}

// seedMemberNode makes membership non-empty so the bootstrap-open admin
// gate closes.
func seedMemberNode(t *testing.T, d Deps, name string, caps ...string) {
	t.Helper()
	err := d.Store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapNodes).Set(name, schema.ToRecord(&schema.Node{
			Name:         name,
			Tier:         schema.TierBackbone,
			Capabilities: caps,
			AddedBy:      "test",
			AddedAt:      schema.NowMillis(),
		}))
		return nil
	})
	require.NoError(t, err)
}

func TestCallUnknownTool(t *testing.T) {
	r, _ := newTestRegistry(t)
	code, _ := callErr(t, r, "no_such_tool", nil)
	assert.Equal(t, apperrors.ErrCodeNotFound, code)
}

func TestCallErrorEnvelope(t *testing.T) {
	r, _ := newTestRegistry(t)
	res := r.Call(context.Background(), "delegate_task", map[string]any{})
	require.True(t, res.IsError())
	assert.Equal(t, apperrors.ErrCodeInvalidParams, res.Details["code"])
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Contains(t, res.Content[0].Text, "error")
}

func TestToolsAreSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	tools := r.Tools()
	require.NotEmpty(t, tools)
	for i := 1; i < len(tools); i++ {
		assert.Less(t, tools[i-1].Name, tools[i].Name)
	}
	for _, name := range []string{
		"delegate_task", "claim_task", "update_task", "complete_task",
		"send_message", "read_messages", "mark_read", "delete_messages",
		"find_task", "status", "advertise_skills", "create_skill_task",
		"update_context", "get_coordination", "set_coordination",
		"set_retention", "get_delegation_policy", "set_delegation_policy",
		"ack_delegation_policy", "register_agent", "issue_agent_token",
		"invite_agent", "accept_agent_invite", "revoke_agent_invite",
		"list_agents", "list_agent_invites", "dump_state", "dump_tasks",
		"dump_messages", "create_invite", "mint_ws_ticket", "revoke_node",
		"get_config",
	} {
		_, ok := r.Get(name)
		assert.True(t, ok, "missing tool %s", name)
	}
}

func TestStatusTool(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerAgent(t, r, "worker", schema.AgentInternal)
	call(t, r, "delegate_task", map[string]any{
		"title":      "check the build",
		"assignedTo": "worker",
	})

	details := call(t, r, "status", nil)
	assert.Equal(t, "node-a", details["nodeId"])
	assert.Equal(t, config.TierBackbone, details["tier"])
	assert.Equal(t, true, details["synced"])
	assert.Equal(t, 1, details["tasks"])
	assert.Equal(t, 1, details["agents"])
}

func TestAdminFenceClosesAfterBootstrap(t *testing.T) {
	r, d := newTestRegistry(t)
	call(t, r, "send_message", map[string]any{"content": "keep me"})

	// Bootstrap: empty membership, the gate is open.
	details := call(t, r, "create_invite", map[string]any{"tier": "edge"})
	assert.NotEmpty(t, details["inviteToken"])

	// Membership pinned without the admin capability: everything
	// destructive refuses, with no side effects.
	seedMemberNode(t, d, "node-a")
	code, _ := callErr(t, r, "create_invite", map[string]any{"tier": "edge"})
	assert.Equal(t, apperrors.ErrCodeAdminRequired, code)

	code, _ = callErr(t, r, "delete_messages", map[string]any{
		"confirm": "DELETE_MESSAGES",
		"reason":  "cleaning up after a test run",
	})
	assert.Equal(t, apperrors.ErrCodeAdminRequired, code)
	assert.Equal(t, 1, d.Store.Len(schema.MapMessages), "refused delete must not touch state")

	code, _ = callErr(t, r, "dump_state", nil)
	assert.Equal(t, apperrors.ErrCodeAdminRequired, code)
}

func TestGetConfigElidesSecrets(t *testing.T) {
	r, d := newTestRegistry(t)
	d.Cfg.JoinTicket = "awt_super_secret_ticket"

	details := call(t, r, "get_config", nil)
	rendered, _ := details["yaml"].(string)
	assert.NotContains(t, rendered, "awt_super_secret_ticket")
	assert.Contains(t, rendered, "backbone")
}

func TestSetAndGetCoordination(t *testing.T) {
	r, _ := newTestRegistry(t)
	call(t, r, "set_coordination", map[string]any{"key": "sweepEverySeconds", "value": float64(120)})

	details := call(t, r, "get_coordination", map[string]any{"key": "sweepEverySeconds"})
	assert.EqualValues(t, 120, schema.AsInt64(details["value"], 0))

	code, _ := callErr(t, r, "get_coordination", map[string]any{"key": "absent"})
	assert.Equal(t, apperrors.ErrCodeNotFound, code)
}

func TestDelegationPolicyLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t)

	code, _ := callErr(t, r, "ack_delegation_policy", map[string]any{"agent_id": "worker"})
	assert.Equal(t, apperrors.ErrCodePreconditionFailed, code)

	details := call(t, r, "set_delegation_policy", map[string]any{"markdown": "# Delegate freely"})
	assert.EqualValues(t, 1, details["version"])
	checksum, _ := details["checksum"].(string)
	assert.Contains(t, checksum, "sha256:")

	details = call(t, r, "set_delegation_policy", map[string]any{"markdown": "# Delegate carefully"})
	assert.EqualValues(t, 2, details["version"])

	details = call(t, r, "get_delegation_policy", nil)
	assert.Equal(t, "# Delegate carefully", details["markdown"])

	details = call(t, r, "ack_delegation_policy", map[string]any{"agent_id": "worker"})
	assert.EqualValues(t, 2, details["version"])
}

func TestSetRetention(t *testing.T) {
	r, d := newTestRegistry(t)
	call(t, r, "set_retention", map[string]any{"closedTaskSeconds": float64(3600)})

	raw, ok := d.Store.GetValue(schema.MapCoordination, schema.CoordRetentionClosedTaskSeconds)
	require.True(t, ok)
	assert.EqualValues(t, 3600, schema.AsInt64(raw, 0))

	code, _ := callErr(t, r, "set_retention", map[string]any{})
	assert.Equal(t, apperrors.ErrCodeInvalidParams, code)
}
