package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

func registerCoordinationTools(r *Registry, d Deps) {
	r.Register(&Tool{
		Name:        "get_coordination",
		Label:       "Get coordination",
		Description: "Read one coordination key, or the whole namespace.",
		Params: []Param{
			{Name: "key", Type: "string", Description: "Coordination key; omit for all."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			if key := args.String("key"); key != "" {
				value, ok := d.Store.GetValue(schema.MapCoordination, key)
				if !ok {
					return nil, apperrors.NotFound("coordination key", key)
				}
				return map[string]any{"key": key, "value": value}, nil
			}
			return map[string]any{"coordination": d.Store.Entries(schema.MapCoordination)}, nil
		},
	})

	r.Register(&Tool{
		Name:        "set_coordination",
		Label:       "Set coordination",
		Description: "Write one coordination key.",
		Params: []Param{
			{Name: "key", Type: "string", Description: "Coordination key.", Required: true},
			{Name: "value", Type: "string", Description: "Value to store."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			key := args.String("key")
			if err := schema.CheckRequired("key", key); err != nil {
				return nil, err
			}
			value := args["value"]
			err := d.Store.Update("tools", func(tx *state.Tx) error {
				tx.Map(schema.MapCoordination).Set(key, value)
				return nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": key, "value": value}, nil
		},
	})

	r.Register(&Tool{
		Name:        "set_retention",
		Label:       "Set retention",
		Description: "Configure the coordinator's closed-task retention.",
		Params: []Param{
			{Name: "closedTaskSeconds", Type: "number", Description: "How long closed tasks are kept."},
			{Name: "pruneEverySeconds", Type: "number", Description: "How often the prune sweep runs."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return setRetention(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "get_delegation_policy",
		Label:       "Get delegation policy",
		Description: "Read the shared delegation policy document.",
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			var out map[string]any
			d.Store.View(func(v *state.View) {
				coord := v.Map(schema.MapCoordination)
				version, _ := coord.Get(schema.CoordDelegationPolicyVersion)
				checksum, _ := coord.Get(schema.CoordDelegationPolicyChecksum)
				markdown, _ := coord.Get(schema.CoordDelegationPolicyMarkdown)
				updatedAt, _ := coord.Get(schema.CoordDelegationPolicyUpdatedAt)
				updatedBy, _ := coord.Get(schema.CoordDelegationPolicyUpdatedBy)
				out = map[string]any{
					"version":   schema.AsInt64(version, 0),
					"checksum":  schema.AsString(checksum, ""),
					"markdown":  schema.AsString(markdown, ""),
					"updatedAt": schema.AsInt64(updatedAt, 0),
					"updatedBy": schema.AsString(updatedBy, ""),
				}
			})
			return out, nil
		},
	})

	r.Register(&Tool{
		Name:        "set_delegation_policy",
		Label:       "Set delegation policy",
		Description: "Replace the shared delegation policy, bumping its version.",
		Params: []Param{
			{Name: "markdown", Type: "string", Description: "Policy document.", Required: true},
			{Name: argFromAgent, Type: "string", Description: "Updating agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return setDelegationPolicy(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "ack_delegation_policy",
		Label:       "Ack delegation policy",
		Description: "Record that the calling agent has read the current policy.",
		Params: []Param{
			{Name: argAgentID, Type: "string", Description: "Acknowledging agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return ackDelegationPolicy(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "status",
		Label:       "Status",
		Description: "Summarize this node's view of the mesh.",
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return meshStatus(d), nil
		},
	})
}

func setRetention(d Deps, args Args) (map[string]any, error) {
	closedAfter := args.Int64("closedTaskSeconds", 0)
	pruneEvery := args.Int64("pruneEverySeconds", 0)
	if closedAfter <= 0 && pruneEvery <= 0 {
		return nil, apperrors.InvalidParams("closedTaskSeconds or pruneEverySeconds is required")
	}
	err := d.Store.Update("tools", func(tx *state.Tx) error {
		coord := tx.Map(schema.MapCoordination)
		if closedAfter > 0 {
			coord.Set(schema.CoordRetentionClosedTaskSeconds, closedAfter)
		}
		if pruneEvery > 0 {
			coord.Set(schema.CoordRetentionPruneEverySeconds, pruneEvery)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if closedAfter > 0 {
		out["closedTaskSeconds"] = closedAfter
	}
	if pruneEvery > 0 {
		out["pruneEverySeconds"] = pruneEvery
	}
	return out, nil
}

func setDelegationPolicy(d Deps, args Args) (map[string]any, error) {
	markdown := args.String("markdown")
	if err := schema.CheckRequired("markdown", markdown); err != nil {
		return nil, err
	}
	if err := schema.CheckLen("markdown", markdown, schema.MaxPolicyLen); err != nil {
		return nil, err
	}
	by, err := resolveSender(d, args)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(markdown))
	checksum := "sha256:" + hex.EncodeToString(sum[:])
	now := schema.NowMillis()
	var version int64
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		coord := tx.Map(schema.MapCoordination)
		prev, _ := coord.Get(schema.CoordDelegationPolicyVersion)
		version = schema.AsInt64(prev, 0) + 1
		coord.Set(schema.CoordDelegationPolicyVersion, version)
		coord.Set(schema.CoordDelegationPolicyChecksum, checksum)
		coord.Set(schema.CoordDelegationPolicyMarkdown, markdown)
		coord.Set(schema.CoordDelegationPolicyUpdatedAt, now)
		coord.Set(schema.CoordDelegationPolicyUpdatedBy, by)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"version":  version,
		"checksum": checksum,
	}, nil
}

func ackDelegationPolicy(d Deps, args Args) (map[string]any, error) {
	caller, err := resolveCaller(d, args)
	if err != nil {
		return nil, err
	}
	now := schema.NowMillis()
	var (
		version  int64
		checksum string
	)
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		coord := tx.Map(schema.MapCoordination)
		rawVersion, _ := coord.Get(schema.CoordDelegationPolicyVersion)
		version = schema.AsInt64(rawVersion, 0)
		if version == 0 {
			return apperrors.PreconditionFailed("no delegation policy has been set")
		}
		rawChecksum, _ := coord.Get(schema.CoordDelegationPolicyChecksum)
		checksum = schema.AsString(rawChecksum, "")
		coord.Set(schema.DelegationAckKey(caller, "version"), version)
		coord.Set(schema.DelegationAckKey(caller, "checksum"), checksum)
		coord.Set(schema.DelegationAckKey(caller, "at"), now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent":   caller,
		"version": version,
	}, nil
}

func meshStatus(d Deps) map[string]any {
	byStatus := make(map[string]int)
	var tasks, messages, agents, nodes int
	coordinator := ""
	d.Store.View(func(v *state.View) {
		for _, raw := range v.Map(schema.MapTasks).Values() {
			tasks++
			if t, err := schema.TaskFromValue(raw); err == nil {
				byStatus[string(t.Status)]++
			}
		}
		messages = v.Map(schema.MapMessages).Len()
		agents = v.Map(schema.MapAgents).Len()
		nodes = v.Map(schema.MapNodes).Len()
		raw, _ := v.Map(schema.MapCoordination).Get(schema.CoordCoordinator)
		coordinator = schema.AsString(raw, "")
	})
	return map[string]any{
		"nodeId":        d.NodeID,
		"tier":          d.Cfg.Tier,
		"version":       d.Version,
		"synced":        d.synced(),
		"coordinator":   coordinator,
		"tasks":         tasks,
		"tasksByStatus": byStatus,
		"messages":      messages,
		"agents":        agents,
		"nodes":         nodes,
	}
}
