package auth

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/config"
	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

// Agent invite lifetime bounds, matching node invites.
const (
	agentInviteTTLDefault = time.Hour
	agentInviteTTLMin     = time.Minute
	agentInviteTTLMax     = 7 * 24 * time.Hour
)

// AgentSummary is the sanitized listing view of an agent. Token
// material is reduced to the display hint.
type AgentSummary struct {
	ID           string           `json:"id"`
	Name         string           `json:"name,omitempty"`
	Type         schema.AgentType `json:"type"`
	Gateway      string           `json:"gateway,omitempty"`
	RegisteredAt int64            `json:"registeredAt"`
	RegisteredBy string           `json:"registeredBy"`
	HasToken     bool             `json:"hasToken"`
	TokenHint    string           `json:"tokenHint,omitempty"`
	AcceptedAt   int64            `json:"acceptedAt,omitempty"`
}

// AgentInviteSummary is the listing view of an agent invite. The token
// exists only as a hash, so there is nothing secret to elide.
type AgentInviteSummary struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
	CreatedBy string `json:"createdBy"`
	UsedAt    int64  `json:"usedAt,omitempty"`
	UsedBy    string `json:"usedBy,omitempty"`
	RevokedAt int64  `json:"revokedAt,omitempty"`
}

// RegisterAgent upserts an agent record. Re-registering updates the
// name and gateway but preserves token material and the original
// registration stamp.
func (s *Service) RegisterAgent(id, name string, typ schema.AgentType, gateway string) (*schema.AgentRecord, error) {
	if err := schema.CheckRequired("agentId", id); err != nil {
		return nil, err
	}
	if typ == "" {
		typ = schema.AgentInternal
	}
	if typ != schema.AgentInternal && typ != schema.AgentExternal {
		return nil, apperrors.InvalidParams("agent type must be internal or external")
	}
	if gateway == "" && typ == schema.AgentInternal {
		gateway = s.nodeID
	}
	now := schema.NowMillis()
	var out schema.AgentRecord
	err := s.store.Update("auth", func(tx *state.Tx) error {
		agents := tx.Map(schema.MapAgents)
		rec := schema.AgentRecord{
			Name:         name,
			Gateway:      gateway,
			Type:         typ,
			RegisteredAt: now,
			RegisteredBy: s.nodeID,
		}
		if raw, ok := agents.Get(id); ok {
			if prev, err := schema.AgentFromValue(raw); err == nil {
				rec.RegisteredAt = prev.RegisteredAt
				rec.RegisteredBy = prev.RegisteredBy
				rec.Auth = prev.Auth
				if rec.Name == "" {
					rec.Name = prev.Name
				}
			}
		}
		agents.Set(id, schema.ToRecord(&rec))
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Registered agent",
		zap.String("agent_id", id),
		zap.String("type", string(typ)),
		zap.String("gateway", gateway))
	return &out, nil
}

// IssueAgentToken mints a bearer token for an agent, replacing any
// previous one. The plaintext is returned exactly once; only the hash
// and hint are stored.
func (s *Service) IssueAgentToken(agentID string) (string, error) {
	token, err := newToken(AgentTokenPrefix, 24)
	if err != nil {
		return "", apperrors.InternalError("mint agent token", err)
	}
	now := schema.NowMillis()
	err = s.store.Update("auth", func(tx *state.Tx) error {
		agents := tx.Map(schema.MapAgents)
		raw, ok := agents.Get(agentID)
		if !ok {
			return apperrors.NotFound("agent", agentID)
		}
		rec, err := schema.AgentFromValue(raw)
		if err != nil {
			return apperrors.InternalError("decode agent", err)
		}
		auth := &schema.AgentAuth{
			TokenHash: HashToken(token),
			IssuedAt:  now,
			TokenHint: TokenHint(token),
		}
		if rec.Auth != nil {
			auth.RotatedAt = now
		}
		rec.Auth = auth
		agents.Set(agentID, schema.ToRecord(rec))
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("Issued agent token",
		zap.String("agent_id", agentID),
		zap.String("hint", TokenHint(token)))
	return token, nil
}

// VerifyAgentToken checks a presented token against the named agent's
// stored hash.
func (s *Service) VerifyAgentToken(agentID, token string) bool {
	ok := false
	s.store.View(func(v *state.View) {
		raw, found := v.Map(schema.MapAgents).Get(agentID)
		if !found {
			return
		}
		rec, err := schema.AgentFromValue(raw)
		if err != nil || rec.Auth == nil {
			return
		}
		ok = VerifyTokenHash(rec.Auth.TokenHash, token)
	})
	return ok
}

// FindAgentByToken scans the registry for the agent whose stored hash
// matches the presented token. Every candidate is compared in constant
// time.
func (s *Service) FindAgentByToken(token string) (string, *schema.AgentRecord, bool) {
	if token == "" {
		return "", nil, false
	}
	var (
		id    string
		match *schema.AgentRecord
	)
	s.store.View(func(v *state.View) {
		for _, entry := range v.Map(schema.MapAgents).Entries() {
			rec, err := schema.AgentFromValue(entry.Value)
			if err != nil || rec.Auth == nil {
				continue
			}
			if VerifyTokenHash(rec.Auth.TokenHash, token) {
				id = entry.Key
				match = rec
			}
		}
	})
	return id, match, match != nil
}

// ResolveCaller establishes the calling agent's identity for a tool
// invocation. A token always wins: if one is presented it must verify,
// and when it names a different agent than claimed the call is refused
// rather than silently reassigned. Without a token the claimed id is
// accepted per authMode: legacy and mixed trust it, token-required
// trusts only agents registered as internal on this node.
func (s *Service) ResolveCaller(fromAgent, token string) (string, error) {
	if token != "" {
		if fromAgent != "" {
			if !s.VerifyAgentToken(fromAgent, token) {
				return "", apperrors.Unauthorized("token does not match agent " + fromAgent)
			}
			return fromAgent, nil
		}
		id, _, ok := s.FindAgentByToken(token)
		if !ok {
			return "", apperrors.Unauthorized("unknown agent token")
		}
		return id, nil
	}
	if fromAgent == "" {
		return "", apperrors.InvalidParams("from_agent is required")
	}
	switch s.cfg.AuthMode {
	case config.AuthModeTokenRequired:
		if s.agentInternalHere(fromAgent) {
			return fromAgent, nil
		}
		return "", apperrors.Unauthorized("agent token required")
	default:
		// legacy and mixed both trust the claimed id when no token
		// is presented; mixed differs only in verifying tokens that
		// are presented, which the branch above already does.
		return fromAgent, nil
	}
}

func (s *Service) agentInternalHere(agentID string) bool {
	hosted := false
	s.store.View(func(v *state.View) {
		raw, ok := v.Map(schema.MapAgents).Get(agentID)
		if !ok {
			return
		}
		rec, err := schema.AgentFromValue(raw)
		if err != nil {
			return
		}
		hosted = rec.HostedOn(s.nodeID)
	})
	return hosted
}

// InviteAgent creates a single-use, time-bounded invite that mints a
// permanent token for agentID on acceptance. The invite token is
// returned once and stored only as a hash, so acceptance scans the
// invite map rather than keying by secret.
func (s *Service) InviteAgent(agentID string, ttl time.Duration, createdByAgent string) (string, string, error) {
	if err := schema.CheckRequired("agentId", agentID); err != nil {
		return "", "", err
	}
	token, err := newToken(AgentInvitePrefix, 16)
	if err != nil {
		return "", "", apperrors.InternalError("mint agent invite", err)
	}
	id := schema.NewID()
	now := schema.NowMillis()
	invite := schema.AgentInvite{
		AgentID:        agentID,
		TokenHash:      HashToken(token),
		CreatedAt:      now,
		ExpiresAt:      now + clampTTL(ttl, agentInviteTTLDefault, agentInviteTTLMin, agentInviteTTLMax).Milliseconds(),
		CreatedBy:      s.nodeID,
		CreatedByAgent: createdByAgent,
	}
	err = s.store.Update("auth", func(tx *state.Tx) error {
		tx.Map(schema.MapAgentInvites).Set(id, schema.ToRecord(&invite))
		return nil
	})
	if err != nil {
		return "", "", err
	}
	s.log.Info("Created agent invite",
		zap.String("agent_id", agentID),
		zap.String("invite_id", id))
	return id, token, nil
}

// AcceptAgentInvite redeems an agent invite: the matching invite is
// marked used, any other outstanding invites for the same agent are
// revoked as superseded, and a fresh permanent token is minted,
// replacing whatever auth the agent had. Returns the agent id and the
// plaintext token, shown once.
func (s *Service) AcceptAgentInvite(token, byNode, byAgent string) (string, string, error) {
	agentToken, err := newToken(AgentTokenPrefix, 24)
	if err != nil {
		return "", "", apperrors.InternalError("mint agent token", err)
	}
	now := schema.NowMillis()
	var agentID string
	err = s.store.Update("auth", func(tx *state.Tx) error {
		invites := tx.Map(schema.MapAgentInvites)
		inviteID := ""
		var invite *schema.AgentInvite
		for _, entry := range invites.Entries() {
			rec, err := schema.AgentInviteFromValue(entry.Value)
			if err != nil {
				continue
			}
			if VerifyTokenHash(rec.TokenHash, token) {
				inviteID = entry.Key
				invite = rec
				break
			}
		}
		if invite == nil {
			return apperrors.Unauthorized("unknown agent invite token")
		}
		if invite.RevokedAt != 0 {
			return apperrors.PreconditionFailed("invite was revoked: " + invite.RevokedReason)
		}
		if invite.UsedAt != 0 {
			return apperrors.AlreadyUsed("agent invite")
		}
		if now >= invite.ExpiresAt {
			return apperrors.Expired("agent invite")
		}
		invite.UsedAt = now
		invite.UsedByNode = byNode
		invite.UsedByAgent = byAgent
		invites.Set(inviteID, schema.ToRecord(invite))
		agentID = invite.AgentID

		for _, entry := range invites.Entries() {
			if entry.Key == inviteID {
				continue
			}
			rec, err := schema.AgentInviteFromValue(entry.Value)
			if err != nil || rec.AgentID != agentID || !rec.Usable(now) {
				continue
			}
			rec.RevokedAt = now
			rec.RevokedReason = "superseded"
			invites.Set(entry.Key, schema.ToRecord(rec))
		}

		agents := tx.Map(schema.MapAgents)
		rec := schema.AgentRecord{
			Type:         schema.AgentExternal,
			RegisteredAt: now,
			RegisteredBy: invite.CreatedBy,
		}
		if raw, ok := agents.Get(agentID); ok {
			if prev, err := schema.AgentFromValue(raw); err == nil {
				rec = *prev
			}
		}
		auth := &schema.AgentAuth{
			TokenHash:       HashToken(agentToken),
			IssuedAt:        now,
			TokenHint:       TokenHint(agentToken),
			AcceptedAt:      now,
			AcceptedByNode:  byNode,
			AcceptedByAgent: byAgent,
		}
		if rec.Auth != nil {
			auth.RotatedAt = now
		}
		rec.Auth = auth
		agents.Set(agentID, schema.ToRecord(&rec))
		return nil
	})
	if err != nil {
		return "", "", err
	}
	s.log.Info("Agent invite accepted",
		zap.String("agent_id", agentID),
		zap.String("node_id", byNode))
	return agentID, agentToken, nil
}

// RevokeAgentInvite cancels an outstanding invite before it is used.
func (s *Service) RevokeAgentInvite(inviteID, reason string) error {
	now := schema.NowMillis()
	return s.store.Update("auth", func(tx *state.Tx) error {
		invites := tx.Map(schema.MapAgentInvites)
		raw, ok := invites.Get(inviteID)
		if !ok {
			return apperrors.NotFound("agent invite", inviteID)
		}
		rec, err := schema.AgentInviteFromValue(raw)
		if err != nil {
			return apperrors.InternalError("decode agent invite", err)
		}
		if rec.UsedAt != 0 {
			return apperrors.AlreadyUsed("agent invite")
		}
		if rec.RevokedAt != 0 {
			return apperrors.PreconditionFailed("invite already revoked")
		}
		rec.RevokedAt = now
		rec.RevokedReason = reason
		invites.Set(inviteID, schema.ToRecord(rec))
		return nil
	})
}

// ListAgents returns the sanitized registry, sorted by id.
func (s *Service) ListAgents() []AgentSummary {
	var out []AgentSummary
	s.store.View(func(v *state.View) {
		for _, entry := range v.Map(schema.MapAgents).Entries() {
			rec, err := schema.AgentFromValue(entry.Value)
			if err != nil {
				continue
			}
			sum := AgentSummary{
				ID:           entry.Key,
				Name:         rec.Name,
				Type:         rec.Type,
				Gateway:      rec.Gateway,
				RegisteredAt: rec.RegisteredAt,
				RegisteredBy: rec.RegisteredBy,
			}
			if rec.Auth != nil {
				sum.HasToken = true
				sum.TokenHint = rec.Auth.TokenHint
				sum.AcceptedAt = rec.Auth.AcceptedAt
			}
			out = append(out, sum)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAgentInvites returns every invite with its derived status,
// newest first.
func (s *Service) ListAgentInvites() []AgentInviteSummary {
	now := schema.NowMillis()
	var out []AgentInviteSummary
	s.store.View(func(v *state.View) {
		for _, entry := range v.Map(schema.MapAgentInvites).Entries() {
			rec, err := schema.AgentInviteFromValue(entry.Value)
			if err != nil {
				continue
			}
			sum := AgentInviteSummary{
				ID:        entry.Key,
				AgentID:   rec.AgentID,
				Status:    inviteStatus(rec, now),
				CreatedAt: rec.CreatedAt,
				ExpiresAt: rec.ExpiresAt,
				CreatedBy: rec.CreatedBy,
				UsedAt:    rec.UsedAt,
				UsedBy:    rec.UsedByAgent,
				RevokedAt: rec.RevokedAt,
			}
			out = append(out, sum)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func inviteStatus(rec *schema.AgentInvite, now int64) string {
	switch {
	case rec.RevokedAt != 0:
		return "revoked"
	case rec.UsedAt != 0:
		return "used"
	case now >= rec.ExpiresAt:
		return "expired"
	default:
		return "pending"
	}
}
