// Package auth implements the admission layers for the mesh: single-use
// node invites, short-lived pre-upgrade WebSocket tickets, the
// document-membership allowlist, and the agent registry with hashed
// bearer tokens.
//
// Secrets are stored only as sha256 hashes with a short display hint;
// lookups compare in constant time. Invite and ticket consumption runs
// inside a single store transaction so the mark-used and add-node
// writes replicate as one unit.
package auth

import (
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/config"
	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/crdt"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

const (
	// Node invite lifetime bounds. The default covers an operator
	// pasting a token into another terminal; the cap keeps forgotten
	// invites from living forever in the replicated document.
	inviteTTLDefault = time.Hour
	inviteTTLMin     = time.Minute
	inviteTTLMax     = 7 * 24 * time.Hour

	// WebSocket ticket lifetime bounds. Tickets only need to survive
	// the gap between minting and the upgrade request.
	ticketTTLDefault = 60 * time.Second
	ticketTTLMin     = 5 * time.Second
	ticketTTLMax     = 10 * time.Minute

	// AdminCapability marks nodes whose local callers may use
	// destructive tools.
	AdminCapability = "admin"
)

// Service answers admission questions against the replicated document.
type Service struct {
	store      *state.Store
	cfg        *config.Config
	nodeID     string
	staleAfter time.Duration
	log        *logger.Logger
}

// NewService builds the admission service for the local node.
func NewService(store *state.Store, cfg *config.Config, nodeID string, log *logger.Logger) *Service {
	stale := cfg.Presence.StaleDuration()
	if stale <= 0 {
		stale = 300 * time.Second
	}
	return &Service{
		store:      store,
		cfg:        cfg,
		nodeID:     nodeID,
		staleAfter: stale,
		log:        log.WithFields(zap.String("component", "auth")),
	}
}

func clampTTL(ttl, def, min, max time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = def
	}
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

// CreateInvite mints a single-use node invite and stores it under its
// own token. The returned token is shown once; the record carries no
// secret beyond being keyed by it, which is acceptable because invites
// only admit, they never authenticate an established identity.
func (s *Service) CreateInvite(tier schema.Tier, ttl time.Duration, expectedNodeID string) (string, *schema.PendingInvite, error) {
	if tier == "" {
		tier = schema.TierEdge
	}
	if !tier.Valid() {
		return "", nil, apperrors.InvalidParams("tier must be backbone or edge")
	}
	token, err := newToken(NodeInvitePrefix, 16)
	if err != nil {
		return "", nil, apperrors.InternalError("mint invite token", err)
	}
	now := schema.NowMillis()
	invite := schema.PendingInvite{
		Tier:           tier,
		ExpiresAt:      now + clampTTL(ttl, inviteTTLDefault, inviteTTLMin, inviteTTLMax).Milliseconds(),
		CreatedBy:      s.nodeID,
		ExpectedNodeID: expectedNodeID,
	}
	err = s.store.Update("auth", func(tx *state.Tx) error {
		invites := tx.Map(schema.MapPendingInvites)
		pruneExpiredInvites(invites, now)
		invites.Set(token, schema.ToRecord(&invite))
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	s.log.Info("Created node invite",
		zap.String("tier", string(tier)),
		zap.String("expected_node", expectedNodeID),
		zap.String("hint", TokenHint(token)))
	return token, &invite, nil
}

// ConsumeInvite redeems a node invite: single-use, expiry and
// expected-node checked, and the node added to the membership map in
// the same transaction. The invite's tier wins over the presented one.
func (s *Service) ConsumeInvite(token, nodeID string, tier schema.Tier) (*schema.Node, error) {
	if err := schema.CheckRequired("nodeId", nodeID); err != nil {
		return nil, err
	}
	now := schema.NowMillis()
	var node schema.Node
	err := s.store.Update("auth", func(tx *state.Tx) error {
		invites := tx.Map(schema.MapPendingInvites)
		invite, err := readInvite(invites, token)
		if err != nil {
			return err
		}
		if err := checkInviteUsable(invite, nodeID, now); err != nil {
			return err
		}
		invite.UsedByNode = nodeID
		invite.UsedAt = now
		invites.Set(token, schema.ToRecord(invite))

		grantTier := invite.Tier
		if !grantTier.Valid() {
			grantTier = tier
		}
		if !grantTier.Valid() {
			grantTier = schema.TierEdge
		}
		node = schema.Node{
			Name:    nodeID,
			Tier:    grantTier,
			AddedBy: invite.CreatedBy,
			AddedAt: now,
		}
		tx.Map(schema.MapNodes).Set(nodeID, schema.ToRecord(&node))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Node invite consumed",
		zap.String("node_id", nodeID),
		zap.String("tier", string(node.Tier)))
	return &node, nil
}

// MintWsTicketFromInvite issues a short-lived pre-upgrade ticket backed
// by a pending invite. The invite itself is not consumed until the
// ticket is redeemed.
func (s *Service) MintWsTicketFromInvite(inviteToken, expectedNodeID string, ttl time.Duration) (string, *schema.WsTicket, error) {
	now := schema.NowMillis()
	ticket, err := newToken(WsTicketPrefix, 16)
	if err != nil {
		return "", nil, apperrors.InternalError("mint ws ticket", err)
	}
	var rec schema.WsTicket
	err = s.store.Update("auth", func(tx *state.Tx) error {
		invite, err := readInvite(tx.Map(schema.MapPendingInvites), inviteToken)
		if err != nil {
			return err
		}
		if err := checkInviteUsable(invite, expectedNodeID, now); err != nil {
			return err
		}
		expect := expectedNodeID
		if expect == "" {
			expect = invite.ExpectedNodeID
		}
		rec = schema.WsTicket{
			Ticket:         ticket,
			InviteToken:    inviteToken,
			ExpectedNodeID: expect,
			CreatedBy:      s.nodeID,
			CreatedAt:      now,
			ExpiresAt:      now + clampTTL(ttl, ticketTTLDefault, ticketTTLMin, ticketTTLMax).Milliseconds(),
		}
		tickets := tx.Map(schema.MapAuthTickets)
		pruneExpiredTickets(tickets, now)
		tickets.Set(ticket, schema.ToRecord(&rec))
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	s.log.Info("Minted ws ticket",
		zap.String("expected_node", rec.ExpectedNodeID),
		zap.String("hint", TokenHint(ticket)))
	return ticket, &rec, nil
}

// ConsumeTicket redeems a pre-upgrade ticket for the presenting node:
// expiry, single-use and expected-identity checks, then the underlying
// invite is consumed and the node admitted, all in one transaction.
func (s *Service) ConsumeTicket(ticket, nodeID string) error {
	now := schema.NowMillis()
	err := s.store.Update("auth", func(tx *state.Tx) error {
		tickets := tx.Map(schema.MapAuthTickets)
		raw, ok := tickets.Get(ticket)
		if !ok {
			return apperrors.Unauthorized("unknown ticket")
		}
		rec, err := schema.TicketFromValue(raw)
		if err != nil {
			return apperrors.InternalError("decode ticket", err)
		}
		if rec.UsedAt != 0 {
			return apperrors.AlreadyUsed("ticket")
		}
		if now >= rec.ExpiresAt {
			return apperrors.Expired("ticket")
		}
		if rec.ExpectedNodeID != "" && rec.ExpectedNodeID != nodeID {
			return apperrors.NodeMismatch("ticket was minted for a different node")
		}
		rec.UsedAt = now
		tickets.Set(ticket, schema.ToRecord(rec))

		invites := tx.Map(schema.MapPendingInvites)
		invite, err := readInvite(invites, rec.InviteToken)
		if err != nil {
			return err
		}
		if err := checkInviteUsable(invite, nodeID, now); err != nil {
			return err
		}
		invite.UsedByNode = nodeID
		invite.UsedAt = now
		invites.Set(rec.InviteToken, schema.ToRecord(invite))

		tier := invite.Tier
		if !tier.Valid() {
			tier = schema.TierEdge
		}
		node := schema.Node{
			Name:    nodeID,
			Tier:    tier,
			AddedBy: invite.CreatedBy,
			AddedAt: now,
		}
		tx.Map(schema.MapNodes).Set(nodeID, schema.ToRecord(&node))
		return nil
	})
	if err != nil {
		s.log.Warn("Ticket admission refused",
			zap.String("node_id", nodeID),
			zap.String("hint", TokenHint(ticket)),
			zap.Error(err))
		return err
	}
	s.log.Info("Ticket admission granted", zap.String("node_id", nodeID))
	return nil
}

// IsNodeAuthorized reports whether a node may participate in the mesh:
// listed in the membership map, actively heartbeating, or hosting at
// least one internal agent. An empty membership map means bootstrap,
// where every node is authorized until the first invite pins it.
func (s *Service) IsNodeAuthorized(nodeID string) bool {
	if nodeID == "" {
		return false
	}
	authorized := false
	now := schema.NowMillis()
	s.store.View(func(v *state.View) {
		nodes := v.Map(schema.MapNodes)
		if nodes.Len() == 0 {
			authorized = true
			return
		}
		if nodes.Has(nodeID) {
			authorized = true
			return
		}
		if raw, ok := v.Map(schema.MapPulse).Get(nodeID); ok {
			if pulse, err := schema.PulseFromValue(raw); err == nil {
				fresh := now-pulse.LastSeen <= s.staleAfter.Milliseconds()
				if fresh && pulse.Status != schema.PulseOffline {
					authorized = true
					return
				}
			}
		}
		for _, raw := range v.Map(schema.MapAgents).Values() {
			agent, err := schema.AgentFromValue(raw)
			if err != nil {
				continue
			}
			if agent.HostedOn(nodeID) {
				authorized = true
				return
			}
		}
	})
	return authorized
}

// RevokeNode removes a node from the membership map and drops its
// pulse record. Admin-gated by the caller.
func (s *Service) RevokeNode(nodeID string) error {
	return s.store.Update("auth", func(tx *state.Tx) error {
		nodes := tx.Map(schema.MapNodes)
		if !nodes.Has(nodeID) {
			return apperrors.NotFound("node", nodeID)
		}
		nodes.Delete(nodeID)
		tx.Map(schema.MapPulse).Delete(nodeID)
		return nil
	})
}

// AuthorizeAdmin guards destructive tools. The local node must carry
// the admin capability, the caller must be the configured admin agent,
// and that agent must be either internal on this node or presenting a
// valid token. During bootstrap, before any node is pinned, the gate is
// open so the first operator can mint invites at all.
func (s *Service) AuthorizeAdmin(fromAgent, token string) error {
	adminAgent := s.cfg.AdminAgentID
	if adminAgent == "" {
		adminAgent = "admin"
	}
	var gateErr error
	s.store.View(func(v *state.View) {
		nodes := v.Map(schema.MapNodes)
		if nodes.Len() == 0 {
			return
		}
		raw, ok := nodes.Get(s.nodeID)
		if !ok {
			gateErr = apperrors.AdminRequired("this node is not a mesh member")
			return
		}
		node, err := schema.NodeFromValue(raw)
		if err != nil || !node.HasCapability(AdminCapability) {
			gateErr = apperrors.AdminRequired("this node lacks the admin capability")
			return
		}
		if fromAgent != adminAgent {
			gateErr = apperrors.AdminRequired("caller is not the admin agent")
			return
		}
		rawAgent, ok := v.Map(schema.MapAgents).Get(fromAgent)
		if !ok {
			gateErr = apperrors.AdminRequired("admin agent is not registered")
			return
		}
		agent, err := schema.AgentFromValue(rawAgent)
		if err != nil {
			gateErr = apperrors.InternalError("decode admin agent", err)
			return
		}
		if agent.HostedOn(s.nodeID) {
			return
		}
		if agent.Auth == nil || !VerifyTokenHash(agent.Auth.TokenHash, token) {
			gateErr = apperrors.AdminRequired("admin agent token required")
		}
	})
	return gateErr
}

func readInvite(invites *crdt.Map, token string) (*schema.PendingInvite, error) {
	raw, ok := invites.Get(token)
	if !ok {
		return nil, apperrors.NotFound("invite", TokenHint(token))
	}
	invite, err := schema.InviteFromValue(raw)
	if err != nil {
		return nil, apperrors.InternalError("decode invite", err)
	}
	return invite, nil
}

func checkInviteUsable(invite *schema.PendingInvite, nodeID string, now int64) error {
	if invite.UsedAt != 0 {
		return apperrors.AlreadyUsed("invite")
	}
	if now >= invite.ExpiresAt {
		return apperrors.Expired("invite")
	}
	if invite.ExpectedNodeID != "" && nodeID != "" && invite.ExpectedNodeID != nodeID {
		return apperrors.NodeMismatch("invite was created for a different node")
	}
	return nil
}

// pruneExpiredInvites drops invites whose expiry has passed, used or
// not. Used invites keep their audit fields until then.
func pruneExpiredInvites(invites *crdt.Map, now int64) {
	for _, entry := range invites.Entries() {
		invite, err := schema.InviteFromValue(entry.Value)
		if err != nil {
			continue
		}
		if now >= invite.ExpiresAt {
			invites.Delete(entry.Key)
		}
	}
}

func pruneExpiredTickets(tickets *crdt.Map, now int64) {
	for _, entry := range tickets.Entries() {
		rec, err := schema.TicketFromValue(entry.Value)
		if err != nil {
			continue
		}
		if now >= rec.ExpiresAt {
			tickets.Delete(entry.Key)
		}
	}
}
