package tools

import (
	"context"
	"time"

	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

func registerAgentTools(r *Registry, d Deps) {
	r.Register(&Tool{
		Name:        "register_agent",
		Label:       "Register agent",
		Description: "Register or update an agent in the shared registry.",
		Params: []Param{
			{Name: "agentId", Type: "string", Description: "Agent id.", Required: true},
			{Name: "name", Type: "string", Description: "Display name."},
			{Name: "type", Type: "string", Description: "internal (dispatched) or external (polls)."},
			{Name: "gateway", Type: "string", Description: "Hosting node for internal agents; defaults to this node."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			rec, err := d.Auth.RegisterAgent(
				args.String("agentId"),
				args.String("name"),
				schema.AgentType(args.String("type")),
				args.String("gateway"))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"agentId": args.String("agentId"),
				"type":    string(rec.Type),
				"gateway": rec.Gateway,
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "issue_agent_token",
		Label:       "Issue agent token",
		Description: "Admin: mint a bearer token for an agent, replacing any previous one. Shown once.",
		Params: []Param{
			{Name: "agentId", Type: "string", Description: "Agent to issue for.", Required: true},
			{Name: argFromAgent, Type: "string", Description: "Calling admin agent."},
			{Name: argAgentToken, Type: "string", Description: "Admin agent token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := requireAdmin(d, args); err != nil {
				return nil, err
			}
			token, err := d.Auth.IssueAgentToken(args.String("agentId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"agentId": args.String("agentId"),
				"token":   token,
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "invite_agent",
		Label:       "Invite agent",
		Description: "Create a single-use invite that mints a permanent token for an agent on acceptance.",
		Params: []Param{
			{Name: "agentId", Type: "string", Description: "Agent the invite is for.", Required: true},
			{Name: "ttlSeconds", Type: "number", Description: "Invite lifetime (default 1h, max 7d)."},
			{Name: argFromAgent, Type: "string", Description: "Creating agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			inviteID, token, err := d.Auth.InviteAgent(
				args.String("agentId"),
				time.Duration(args.Int64("ttlSeconds", 0))*time.Second,
				claimedAgent(args))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"inviteId":    inviteID,
				"inviteToken": token,
				"agentId":     args.String("agentId"),
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "accept_agent_invite",
		Label:       "Accept agent invite",
		Description: "Redeem an agent invite for a permanent token. Shown once.",
		Params: []Param{
			{Name: "inviteToken", Type: "string", Description: "The ait_ invite token.", Required: true},
			{Name: argAgentID, Type: "string", Description: "Accepting agent, for the audit trail."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			agentID, token, err := d.Auth.AcceptAgentInvite(
				args.String("inviteToken"), d.NodeID, args.String(argAgentID))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"agentId": agentID,
				"token":   token,
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "revoke_agent_invite",
		Label:       "Revoke agent invite",
		Description: "Cancel an outstanding agent invite before it is used.",
		Params: []Param{
			{Name: "inviteId", Type: "string", Description: "Invite id from list_agent_invites.", Required: true},
			{Name: "reason", Type: "string", Description: "Why the invite is being revoked."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := d.Auth.RevokeAgentInvite(args.String("inviteId"), args.String("reason")); err != nil {
				return nil, err
			}
			return map[string]any{"inviteId": args.String("inviteId"), "revoked": true}, nil
		},
	})

	r.Register(&Tool{
		Name:        "list_agents",
		Label:       "List agents",
		Description: "List registered agents with token hints only.",
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			agents := d.Auth.ListAgents()
			out := make([]map[string]any, 0, len(agents))
			for _, a := range agents {
				out = append(out, schema.ToRecord(a))
			}
			return map[string]any{"agents": out, "count": len(out)}, nil
		},
	})

	r.Register(&Tool{
		Name:        "list_agent_invites",
		Label:       "List agent invites",
		Description: "List agent invites with derived status, newest first.",
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			invites := d.Auth.ListAgentInvites()
			out := make([]map[string]any, 0, len(invites))
			for _, i := range invites {
				out = append(out, schema.ToRecord(i))
			}
			return map[string]any{"invites": out, "count": len(out)}, nil
		},
	})

	r.Register(&Tool{
		Name:        "advertise_skills",
		Label:       "Advertise skills",
		Description: "Replace the calling agent's advertised skill set.",
		Params: []Param{
			{Name: "skills", Type: "array", Description: "Skill names.", Required: true},
			{Name: argAgentID, Type: "string", Description: "Acting agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return advertiseSkills(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "update_context",
		Label:       "Update context",
		Description: "Update the calling agent's focus, threads and decisions.",
		Params: []Param{
			{Name: "currentFocus", Type: "string", Description: "What the agent is working on."},
			{Name: "activeThreads", Type: "array", Description: "Conversations in flight (capped at 10)."},
			{Name: "recentDecisions", Type: "array", Description: "Recent choices with reasoning (capped at 10)."},
			{Name: argAgentID, Type: "string", Description: "Acting agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return updateContext(d, args)
		},
	})
}

func advertiseSkills(d Deps, args Args) (map[string]any, error) {
	caller, err := resolveCaller(d, args)
	if err != nil {
		return nil, err
	}
	skills := args.StringList("skills")
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		contexts := tx.Map(schema.MapNodeContext)
		nc := &schema.NodeContext{}
		if raw, ok := contexts.Get(caller); ok {
			if prev, err := schema.ContextFromValue(raw); err == nil {
				nc = prev
			}
		}
		nc.Skills = skills
		contexts.Set(caller, schema.ToRecord(nc))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": caller, "skills": skills}, nil
}

func updateContext(d Deps, args Args) (map[string]any, error) {
	caller, err := resolveCaller(d, args)
	if err != nil {
		return nil, err
	}
	if err := schema.CheckLen("currentFocus", args.String("currentFocus"), schema.MaxDescriptionLen); err != nil {
		return nil, err
	}
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		contexts := tx.Map(schema.MapNodeContext)
		nc := &schema.NodeContext{}
		if raw, ok := contexts.Get(caller); ok {
			if prev, err := schema.ContextFromValue(raw); err == nil {
				nc = prev
			}
		}
		if focus := args.String("currentFocus"); focus != "" {
			nc.CurrentFocus = focus
		}
		if threads, ok := args["activeThreads"]; ok {
			nc.ActiveThreads = decodeThreads(threads)
		}
		if decisions, ok := args["recentDecisions"]; ok {
			nc.RecentDecisions = decodeDecisions(decisions)
		}
		nc.Trim()
		contexts.Set(caller, schema.ToRecord(nc))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": caller, "updated": true}, nil
}

func decodeThreads(v any) []schema.ActiveThread {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]schema.ActiveThread, 0, len(list))
	for _, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var t schema.ActiveThread
		if err := schema.FromRecord(rec, &t); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func decodeDecisions(v any) []schema.Decision {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]schema.Decision, 0, len(list))
	for _, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var dec schema.Decision
		if err := schema.FromRecord(rec, &dec); err == nil {
			out = append(out, dec)
		}
	}
	return out
}
