package tools

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/schema"
)

func registerAdminTools(r *Registry, d Deps) {
	r.Register(&Tool{
		Name:        "dump_state",
		Label:       "Dump state",
		Description: "Admin: dump every shared map.",
		Params:      adminParams(),
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := requireAdmin(d, args); err != nil {
				return nil, err
			}
			out := make(map[string]any)
			for _, name := range schema.Maps() {
				out[name] = d.Store.Entries(name)
			}
			return map[string]any{"state": out}, nil
		},
	})

	r.Register(&Tool{
		Name:        "dump_tasks",
		Label:       "Dump tasks",
		Description: "Admin: dump the tasks map.",
		Params:      adminParams(),
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := requireAdmin(d, args); err != nil {
				return nil, err
			}
			entries := d.Store.Entries(schema.MapTasks)
			return map[string]any{"tasks": entries, "count": len(entries)}, nil
		},
	})

	r.Register(&Tool{
		Name:        "dump_messages",
		Label:       "Dump messages",
		Description: "Admin: dump the messages map.",
		Params:      adminParams(),
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := requireAdmin(d, args); err != nil {
				return nil, err
			}
			entries := d.Store.Entries(schema.MapMessages)
			return map[string]any{"messages": entries, "count": len(entries)}, nil
		},
	})

	r.Register(&Tool{
		Name:        "create_invite",
		Label:       "Create node invite",
		Description: "Admin: mint a single-use node admission invite. Shown once.",
		Params: append(adminParams(),
			Param{Name: "tier", Type: "string", Description: "Tier granted on acceptance: backbone or edge."},
			Param{Name: "ttlSeconds", Type: "number", Description: "Invite lifetime (default 1h, max 7d)."},
			Param{Name: "expectedNodeId", Type: "string", Description: "Pin the invite to one node id."},
		),
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := requireAdmin(d, args); err != nil {
				return nil, err
			}
			token, invite, err := d.Auth.CreateInvite(
				schema.Tier(args.String("tier")),
				time.Duration(args.Int64("ttlSeconds", 0))*time.Second,
				args.String("expectedNodeId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"inviteToken": token,
				"tier":        string(invite.Tier),
				"expiresAt":   invite.ExpiresAt,
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "mint_ws_ticket",
		Label:       "Mint ws ticket",
		Description: "Exchange a node invite for a short-lived connection ticket.",
		Params: []Param{
			{Name: "inviteToken", Type: "string", Description: "The anv_ invite token.", Required: true},
			{Name: "expectedNodeId", Type: "string", Description: "Pin the ticket to one node id."},
			{Name: "ttlSeconds", Type: "number", Description: "Ticket lifetime (default 60s, max 10m)."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			ticket, rec, err := d.Auth.MintWsTicketFromInvite(
				args.String("inviteToken"),
				args.String("expectedNodeId"),
				time.Duration(args.Int64("ttlSeconds", 0))*time.Second)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"ticket":    ticket,
				"expiresAt": rec.ExpiresAt,
			}, nil
		},
	})

	r.Register(&Tool{
		Name:        "revoke_node",
		Label:       "Revoke node",
		Description: "Admin: remove a node from mesh membership.",
		Params: append(adminParams(),
			Param{Name: "nodeId", Type: "string", Description: "Node to remove.", Required: true},
		),
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := requireAdmin(d, args); err != nil {
				return nil, err
			}
			nodeID := args.String("nodeId")
			if nodeID == d.NodeID {
				return nil, apperrors.InvalidParams("a node cannot revoke itself")
			}
			if err := d.Auth.RevokeNode(nodeID); err != nil {
				return nil, err
			}
			return map[string]any{"nodeId": nodeID, "revoked": true}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_config",
		Label:       "Get config",
		Description: "Admin: render the effective configuration as YAML, secrets elided.",
		Params:      adminParams(),
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if err := requireAdmin(d, args); err != nil {
				return nil, err
			}
			rendered, err := renderConfig(d)
			if err != nil {
				return nil, err
			}
			return map[string]any{"yaml": rendered}, nil
		},
	})
}

func adminParams() []Param {
	return []Param{
		{Name: argFromAgent, Type: "string", Description: "Calling admin agent."},
		{Name: argAgentToken, Type: "string", Description: "Admin agent token."},
	}
}

// renderConfig marshals a copy of the effective config with secret
// material blanked.
func renderConfig(d Deps) (string, error) {
	cfg := *d.Cfg
	if cfg.JoinTicket != "" {
		cfg.JoinTicket = "<elided>"
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", apperrors.InternalError("render config", err)
	}
	return string(data), nil
}
