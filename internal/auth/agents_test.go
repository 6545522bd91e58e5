package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible-dev/ansible/internal/common/config"
	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

func TestRegisterAgentDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.RegisterAgent("worker", "Worker One", "", "")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentInternal, rec.Type)
	assert.Equal(t, "node-a", rec.Gateway)
	assert.Equal(t, "node-a", rec.RegisteredBy)
	assert.NotZero(t, rec.RegisteredAt)
}

func TestRegisterAgentPreservesAuthOnReRegister(t *testing.T) {
	svc, _ := newTestService(t)
	first, err := svc.RegisterAgent("worker", "Worker", schema.AgentInternal, "node-a")
	require.NoError(t, err)
	token, err := svc.IssueAgentToken("worker")
	require.NoError(t, err)

	second, err := svc.RegisterAgent("worker", "", schema.AgentInternal, "node-b")
	require.NoError(t, err)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, "Worker", second.Name, "blank re-register keeps the old name")
	assert.Equal(t, "node-b", second.Gateway)
	require.NotNil(t, second.Auth)
	assert.True(t, svc.VerifyAgentToken("worker", token))
}

func TestRegisterAgentRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RegisterAgent("  ", "", "", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidParams, apperrors.CodeOf(err))

	_, err = svc.RegisterAgent("worker", "", schema.AgentType("cloud"), "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidParams, apperrors.CodeOf(err))
}

func TestIssueAndVerifyAgentToken(t *testing.T) {
	svc, store := newTestService(t)
	_, err := svc.RegisterAgent("worker", "", schema.AgentInternal, "")
	require.NoError(t, err)

	token, err := svc.IssueAgentToken("worker")
	require.NoError(t, err)
	assert.Len(t, token, len(AgentTokenPrefix)+48)
	assert.Equal(t, AgentTokenPrefix, token[:len(AgentTokenPrefix)])

	assert.True(t, svc.VerifyAgentToken("worker", token))
	assert.False(t, svc.VerifyAgentToken("worker", "agt_wrong"))
	assert.False(t, svc.VerifyAgentToken("worker", ""))
	assert.False(t, svc.VerifyAgentToken("ghost", token))

	// Only the hash and hint reach the document.
	raw, ok := store.GetValue(schema.MapAgents, "worker")
	require.True(t, ok)
	rec, err := schema.AgentFromValue(raw)
	require.NoError(t, err)
	require.NotNil(t, rec.Auth)
	assert.Equal(t, "sha256:", rec.Auth.TokenHash[:7])
	assert.NotContains(t, rec.Auth.TokenHash, token[len(AgentTokenPrefix):])
	assert.Equal(t, token[:12], rec.Auth.TokenHint)
}

func TestIssueAgentTokenRotates(t *testing.T) {
	svc, store := newTestService(t)
	_, err := svc.RegisterAgent("worker", "", schema.AgentInternal, "")
	require.NoError(t, err)

	old, err := svc.IssueAgentToken("worker")
	require.NoError(t, err)
	fresh, err := svc.IssueAgentToken("worker")
	require.NoError(t, err)

	assert.False(t, svc.VerifyAgentToken("worker", old))
	assert.True(t, svc.VerifyAgentToken("worker", fresh))

	raw, _ := store.GetValue(schema.MapAgents, "worker")
	rec, err := schema.AgentFromValue(raw)
	require.NoError(t, err)
	assert.NotZero(t, rec.Auth.RotatedAt)
}

func TestIssueAgentTokenUnknownAgent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.IssueAgentToken("ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestFindAgentByToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterAgent("worker", "", schema.AgentInternal, "")
	require.NoError(t, err)
	token, err := svc.IssueAgentToken("worker")
	require.NoError(t, err)

	id, rec, ok := svc.FindAgentByToken(token)
	require.True(t, ok)
	assert.Equal(t, "worker", id)
	assert.Equal(t, schema.AgentInternal, rec.Type)

	_, _, ok = svc.FindAgentByToken("agt_unknown")
	assert.False(t, ok)
	_, _, ok = svc.FindAgentByToken("")
	assert.False(t, ok)
}

func TestResolveCaller(t *testing.T) {
	newSvc := func(t *testing.T, mode string) *Service {
		t.Helper()
		store := state.NewStore("node-a")
		cfg := &config.Config{AuthMode: mode, AdminAgentID: "admin"}
		return NewService(store, cfg, "node-a", logger.NewNop())
	}

	t.Run("mixed trusts claimed id without token", func(t *testing.T) {
		svc := newSvc(t, config.AuthModeMixed)
		id, err := svc.ResolveCaller("worker", "")
		require.NoError(t, err)
		assert.Equal(t, "worker", id)
	})

	t.Run("presented token must verify", func(t *testing.T) {
		svc := newSvc(t, config.AuthModeMixed)
		_, err := svc.RegisterAgent("worker", "", schema.AgentInternal, "")
		require.NoError(t, err)
		token, err := svc.IssueAgentToken("worker")
		require.NoError(t, err)

		id, err := svc.ResolveCaller("worker", token)
		require.NoError(t, err)
		assert.Equal(t, "worker", id)

		_, err = svc.ResolveCaller("worker", "agt_bad")
		require.Error(t, err)
		assert.True(t, apperrors.IsUnauthorized(err))
	})

	t.Run("token alone resolves identity", func(t *testing.T) {
		svc := newSvc(t, config.AuthModeTokenRequired)
		_, err := svc.RegisterAgent("worker", "", schema.AgentExternal, "")
		require.NoError(t, err)
		token, err := svc.IssueAgentToken("worker")
		require.NoError(t, err)

		id, err := svc.ResolveCaller("", token)
		require.NoError(t, err)
		assert.Equal(t, "worker", id)
	})

	t.Run("token claiming another agent is refused", func(t *testing.T) {
		svc := newSvc(t, config.AuthModeMixed)
		_, err := svc.RegisterAgent("worker", "", schema.AgentInternal, "")
		require.NoError(t, err)
		_, err = svc.RegisterAgent("other", "", schema.AgentInternal, "")
		require.NoError(t, err)
		token, err := svc.IssueAgentToken("worker")
		require.NoError(t, err)

		_, err = svc.ResolveCaller("other", token)
		require.Error(t, err)
		assert.True(t, apperrors.IsUnauthorized(err))
	})

	t.Run("token-required rejects bare external callers", func(t *testing.T) {
		svc := newSvc(t, config.AuthModeTokenRequired)
		_, err := svc.ResolveCaller("stranger", "")
		require.Error(t, err)
		assert.True(t, apperrors.IsUnauthorized(err))
	})

	t.Run("token-required trusts internal agents on this node", func(t *testing.T) {
		svc := newSvc(t, config.AuthModeTokenRequired)
		_, err := svc.RegisterAgent("worker", "", schema.AgentInternal, "node-a")
		require.NoError(t, err)

		id, err := svc.ResolveCaller("worker", "")
		require.NoError(t, err)
		assert.Equal(t, "worker", id)
	})

	t.Run("legacy trusts everything", func(t *testing.T) {
		svc := newSvc(t, config.AuthModeLegacy)
		id, err := svc.ResolveCaller("anyone", "")
		require.NoError(t, err)
		assert.Equal(t, "anyone", id)
	})
}

func TestAgentInviteAcceptFlow(t *testing.T) {
	svc, store := newTestService(t)
	inviteID, token, err := svc.InviteAgent("remote", time.Hour, "admin")
	require.NoError(t, err)
	assert.Equal(t, AgentInvitePrefix, token[:len(AgentInvitePrefix)])

	// The invite token never appears in the document, only its hash.
	raw, ok := store.GetValue(schema.MapAgentInvites, inviteID)
	require.True(t, ok)
	stored, err := schema.AgentInviteFromValue(raw)
	require.NoError(t, err)
	assert.NotEqual(t, token, stored.TokenHash)
	assert.True(t, VerifyTokenHash(stored.TokenHash, token))

	agentID, agentToken, err := svc.AcceptAgentInvite(token, "node-b", "remote")
	require.NoError(t, err)
	assert.Equal(t, "remote", agentID)
	assert.Equal(t, AgentTokenPrefix, agentToken[:len(AgentTokenPrefix)])
	assert.True(t, svc.VerifyAgentToken("remote", agentToken))

	raw, _ = store.GetValue(schema.MapAgentInvites, inviteID)
	used, err := schema.AgentInviteFromValue(raw)
	require.NoError(t, err)
	assert.NotZero(t, used.UsedAt)
	assert.Equal(t, "node-b", used.UsedByNode)

	// Single use.
	_, _, err = svc.AcceptAgentInvite(token, "node-c", "remote")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAlreadyUsed, apperrors.CodeOf(err))
}

func TestAcceptAgentInviteUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.AcceptAgentInvite("ait_nope", "node-b", "x")
	require.Error(t, err)
	assert.True(t, apperrors.IsUnauthorized(err))
}

func TestAcceptAgentInviteExpired(t *testing.T) {
	svc, store := newTestService(t)
	now := schema.NowMillis()
	err := store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapAgentInvites).Set("inv-1", schema.ToRecord(&schema.AgentInvite{
			AgentID:   "remote",
			TokenHash: HashToken("ait_late"),
			CreatedAt: now - 10_000,
			ExpiresAt: now - 1000,
		}))
		return nil
	})
	require.NoError(t, err)

	_, _, err = svc.AcceptAgentInvite("ait_late", "node-b", "remote")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeExpired, apperrors.CodeOf(err))
}

func TestAcceptSupersedesSiblingInvites(t *testing.T) {
	svc, store := newTestService(t)
	_, tokenA, err := svc.InviteAgent("remote", time.Hour, "")
	require.NoError(t, err)
	otherID, tokenB, err := svc.InviteAgent("remote", time.Hour, "")
	require.NoError(t, err)

	_, oldToken, err := svc.AcceptAgentInvite(tokenA, "node-b", "remote")
	require.NoError(t, err)

	raw, _ := store.GetValue(schema.MapAgentInvites, otherID)
	sibling, err := schema.AgentInviteFromValue(raw)
	require.NoError(t, err)
	assert.NotZero(t, sibling.RevokedAt)
	assert.Equal(t, "superseded", sibling.RevokedReason)

	_, _, err = svc.AcceptAgentInvite(tokenB, "node-c", "remote")
	require.Error(t, err)
	assert.True(t, apperrors.IsPreconditionFailed(err))

	// A later invite supersedes the token minted by the earlier one.
	_, token2, err := svc.InviteAgent("remote", time.Hour, "")
	require.NoError(t, err)
	_, newToken, err := svc.AcceptAgentInvite(token2, "node-b", "remote")
	require.NoError(t, err)
	assert.False(t, svc.VerifyAgentToken("remote", oldToken))
	assert.True(t, svc.VerifyAgentToken("remote", newToken))
}

func TestRevokeAgentInvite(t *testing.T) {
	svc, _ := newTestService(t)
	inviteID, token, err := svc.InviteAgent("remote", time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAgentInvite(inviteID, "credential leak"))

	_, _, err = svc.AcceptAgentInvite(token, "node-b", "remote")
	require.Error(t, err)
	assert.True(t, apperrors.IsPreconditionFailed(err))

	err = svc.RevokeAgentInvite(inviteID, "again")
	require.Error(t, err)
	assert.True(t, apperrors.IsPreconditionFailed(err))

	err = svc.RevokeAgentInvite("missing", "x")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListAgents(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterAgent("zeta", "Z", schema.AgentInternal, "")
	require.NoError(t, err)
	_, err = svc.RegisterAgent("alpha", "A", schema.AgentExternal, "")
	require.NoError(t, err)
	token, err := svc.IssueAgentToken("alpha")
	require.NoError(t, err)

	list := svc.ListAgents()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "zeta", list[1].ID)
	assert.True(t, list[0].HasToken)
	assert.Equal(t, token[:12], list[0].TokenHint)
	assert.False(t, list[1].HasToken)
}

func TestListAgentInvites(t *testing.T) {
	svc, store := newTestService(t)
	idPending, _, err := svc.InviteAgent("a", time.Hour, "")
	require.NoError(t, err)
	idRevoked, _, err := svc.InviteAgent("b", time.Hour, "")
	require.NoError(t, err)
	require.NoError(t, svc.RevokeAgentInvite(idRevoked, "test"))
	_, tokenUsed, err := svc.InviteAgent("c", time.Hour, "")
	require.NoError(t, err)
	_, _, err = svc.AcceptAgentInvite(tokenUsed, "node-b", "c")
	require.NoError(t, err)
	err = store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapAgentInvites).Set("inv-old", schema.ToRecord(&schema.AgentInvite{
			AgentID:   "d",
			TokenHash: HashToken("ait_old"),
			CreatedAt: 1,
			ExpiresAt: 2,
		}))
		return nil
	})
	require.NoError(t, err)

	byID := map[string]AgentInviteSummary{}
	for _, sum := range svc.ListAgentInvites() {
		byID[sum.ID] = sum
	}
	assert.Equal(t, "pending", byID[idPending].Status)
	assert.Equal(t, "revoked", byID[idRevoked].Status)
	assert.Equal(t, "expired", byID["inv-old"].Status)
	usedSeen := false
	for _, sum := range byID {
		if sum.AgentID == "c" && sum.Status == "used" {
			usedSeen = true
		}
	}
	assert.True(t, usedSeen)
}
