package tools

import (
	"sort"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

// Argument names shared by the identity-carrying tools. Tools accept
// both from_agent and agent_id for the claimed identity; from_agent
// wins when both are present.
const (
	argFromAgent  = "from_agent"
	argAgentID    = "agent_id"
	argAgentToken = "agent_token"
)

func claimedAgent(args Args) string {
	if from := args.String(argFromAgent); from != "" {
		return from
	}
	return args.String(argAgentID)
}

// resolveCaller establishes the acting agent for a mutating tool via
// the auth service: token preferred, claimed id per authMode otherwise.
func resolveCaller(d Deps, args Args) (string, error) {
	return d.Auth.ResolveCaller(claimedAgent(args), args.String(argAgentToken))
}

// resolveSender establishes the from identity for send_message. With
// no claimed sender the node itself speaks. A claimed sender is
// honored when the agent is internal and gatewayed here; any other
// override must present that agent's token.
func resolveSender(d Deps, args Args) (string, error) {
	from := claimedAgent(args)
	token := args.String(argAgentToken)
	if from == "" {
		if token != "" {
			id, _, ok := d.Auth.FindAgentByToken(token)
			if !ok {
				return "", apperrors.Unauthorized("unknown agent token")
			}
			return id, nil
		}
		return d.NodeID, nil
	}
	if token != "" {
		if !d.Auth.VerifyAgentToken(from, token) {
			return "", apperrors.Unauthorized("token does not match agent " + from)
		}
		return from, nil
	}
	if agentHostedHere(d, from) {
		return from, nil
	}
	return "", apperrors.Unauthorized("from_agent override requires the agent's token")
}

// requireAdmin applies the admin fence before any destructive handler
// runs, so refused calls leave no side effects.
func requireAdmin(d Deps, args Args) error {
	return d.Auth.AuthorizeAdmin(claimedAgent(args), args.String(argAgentToken))
}

func agentHostedHere(d Deps, agentID string) bool {
	hosted := false
	d.Store.View(func(v *state.View) {
		raw, ok := v.Map(schema.MapAgents).Get(agentID)
		if !ok {
			return
		}
		rec, err := schema.AgentFromValue(raw)
		if err != nil {
			return
		}
		hosted = rec.HostedOn(d.NodeID)
	})
	return hosted
}

// internalAgentsOn lists internal agents gatewayed on the given node,
// sorted for deterministic back-compat assignment.
func internalAgentsOn(d Deps, nodeID string) []string {
	var out []string
	d.Store.View(func(v *state.View) {
		for _, entry := range v.Map(schema.MapAgents).Entries() {
			rec, err := schema.AgentFromValue(entry.Value)
			if err != nil {
				continue
			}
			if rec.HostedOn(nodeID) {
				out = append(out, entry.Key)
			}
		}
	})
	sort.Strings(out)
	return out
}

// agentsWithSkill lists agents whose node context advertises the given
// skill, sorted.
func agentsWithSkill(d Deps, skill string) []string {
	var out []string
	d.Store.View(func(v *state.View) {
		for _, entry := range v.Map(schema.MapNodeContext).Entries() {
			nc, err := schema.ContextFromValue(entry.Value)
			if err != nil {
				continue
			}
			if nc.HasSkill(skill) {
				out = append(out, entry.Key)
			}
		}
	})
	sort.Strings(out)
	return out
}
