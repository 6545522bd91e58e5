package tools

import (
	"context"
	"sort"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

// Guard inputs for delete_messages. The confirm phrase and a real
// reason keep a destructive broadcast-surface wipe from being a typo.
const (
	deleteConfirmPhrase  = "DELETE_MESSAGES"
	deleteReasonMinChars = 15
	deleteBatchCap       = 200
)

const defaultReadLimit = 50

func registerMessageTools(r *Registry, d Deps) {
	r.Register(&Tool{
		Name:        "send_message",
		Label:       "Send message",
		Description: "Send a message to named agents, or broadcast when no recipients are given.",
		Params: []Param{
			{Name: "content", Type: "string", Description: "Message body.", Required: true},
			{Name: "to", Type: "array", Description: "Recipient agent ids; empty broadcasts."},
			{Name: "intent", Type: "string", Description: "Machine-readable intent tag."},
			{Name: "metadata", Type: "object", Description: "Arbitrary metadata carried on the message."},
			{Name: argFromAgent, Type: "string", Description: "Sending agent; defaults to this node."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return sendMessage(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "read_messages",
		Label:       "Read messages",
		Description: "List messages addressed to the calling agent, oldest first.",
		Params: []Param{
			{Name: argAgentID, Type: "string", Description: "Reading agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
			{Name: "includeRead", Type: "boolean", Description: "Include already-read messages."},
			{Name: "limit", Type: "number", Description: "Maximum messages returned (default 50)."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return readMessages(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "mark_read",
		Label:       "Mark read",
		Description: "Mark messages read for the calling agent.",
		Params: []Param{
			{Name: "messageIds", Type: "array", Description: "Message ids or unique prefixes.", Required: true},
			{Name: argAgentID, Type: "string", Description: "Reading agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return markRead(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "delete_messages",
		Label:       "Delete messages",
		Description: "Admin: delete the newest messages, up to 200 per call.",
		Params: []Param{
			{Name: "confirm", Type: "string", Description: "Must be exactly DELETE_MESSAGES.", Required: true},
			{Name: "reason", Type: "string", Description: "Why the messages are being deleted (at least 15 characters).", Required: true},
			{Name: "limit", Type: "number", Description: "How many to delete, newest first (max 200)."},
			{Name: argFromAgent, Type: "string", Description: "Calling admin agent."},
			{Name: argAgentToken, Type: "string", Description: "Admin agent token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return deleteMessages(d, args)
		},
	})
}

func sendMessage(d Deps, args Args) (map[string]any, error) {
	content := args.String("content")
	if err := schema.CheckRequired("content", content); err != nil {
		return nil, err
	}
	if err := schema.CheckLen("content", content, schema.MaxMessageLen); err != nil {
		return nil, err
	}
	from, err := resolveSender(d, args)
	if err != nil {
		return nil, err
	}
	msg := schema.Message{
		ID:           schema.NewID(),
		FromAgent:    from,
		FromNode:     d.NodeID,
		ToAgents:     args.StringList("to"),
		Intent:       args.String("intent"),
		Content:      content,
		Timestamp:    schema.NowMillis(),
		ReadByAgents: []string{},
		Metadata:     args.Map("metadata"),
	}
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		tx.Map(schema.MapMessages).Set(msg.ID, schema.ToRecord(&msg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"messageId": msg.ID,
		"from":      from,
		"broadcast": msg.Broadcast(),
	}, nil
}

func readMessages(d Deps, args Args) (map[string]any, error) {
	caller, err := resolveCaller(d, args)
	if err != nil {
		return nil, err
	}
	includeRead := args.Bool("includeRead", false)
	limit := int(args.Int64("limit", defaultReadLimit))
	if limit <= 0 {
		limit = defaultReadLimit
	}

	type item struct {
		key string
		msg *schema.Message
		raw map[string]any
	}
	var items []item
	for key, raw := range d.Store.Entries(schema.MapMessages) {
		m, err := schema.MessageFromValue(raw)
		if err != nil || m.FromAgent == caller {
			continue
		}
		if !m.AddressedTo(caller) {
			continue
		}
		if !includeRead && m.ReadBy(caller) {
			continue
		}
		rec, _ := raw.(map[string]any)
		items = append(items, item{key: key, msg: m, raw: rec})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].msg.Timestamp != items[j].msg.Timestamp {
			return items[i].msg.Timestamp < items[j].msg.Timestamp
		}
		return items[i].key < items[j].key
	})
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, it.raw)
	}
	return map[string]any{
		"agent":    caller,
		"count":    len(out),
		"messages": out,
	}, nil
}

// markRead unions the caller into readBy_agents. The record is re-read
// inside the write transaction so a concurrent read on another node
// merges instead of being dropped.
func markRead(d Deps, args Args) (map[string]any, error) {
	caller, err := resolveCaller(d, args)
	if err != nil {
		return nil, err
	}
	ids := args.StringList("messageIds")
	if len(ids) == 0 {
		if single := args.String("messageId"); single != "" {
			ids = []string{single}
		}
	}
	if len(ids) == 0 {
		return nil, apperrors.InvalidParams("messageIds is required")
	}
	marked := 0
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		messages := tx.Map(schema.MapMessages)
		for _, needle := range ids {
			key, err := schema.ResolveKey("message", entryMap(messages), needle)
			if err != nil {
				return err
			}
			raw, _ := messages.Get(key)
			m, err := schema.MessageFromValue(raw)
			if err != nil {
				return apperrors.InternalError("decode message", err)
			}
			if m.MarkRead(caller) {
				m.UpdatedAt = schema.NowMillis()
				messages.Set(key, schema.ToRecord(m))
				marked++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent":  caller,
		"marked": marked,
	}, nil
}

func deleteMessages(d Deps, args Args) (map[string]any, error) {
	if err := requireAdmin(d, args); err != nil {
		return nil, err
	}
	if args.String("confirm") != deleteConfirmPhrase {
		return nil, apperrors.InvalidParams("confirm must be exactly " + deleteConfirmPhrase)
	}
	if len(args.String("reason")) < deleteReasonMinChars {
		return nil, apperrors.InvalidParams("reason must be at least 15 characters")
	}
	limit := int(args.Int64("limit", deleteBatchCap))
	if limit <= 0 || limit > deleteBatchCap {
		limit = deleteBatchCap
	}

	deleted := 0
	err := d.Store.Update("tools", func(tx *state.Tx) error {
		messages := tx.Map(schema.MapMessages)
		type item struct {
			key string
			ts  int64
		}
		var items []item
		for _, entry := range messages.Entries() {
			m, err := schema.MessageFromValue(entry.Value)
			if err != nil {
				messages.Delete(entry.Key)
				deleted++
				continue
			}
			items = append(items, item{key: entry.Key, ts: m.Timestamp})
		}
		sort.Slice(items, func(i, j int) bool {
			if items[i].ts != items[j].ts {
				return items[i].ts > items[j].ts
			}
			return items[i].key > items[j].key
		})
		for _, it := range items {
			if deleted >= limit {
				break
			}
			messages.Delete(it.key)
			deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.Log.Warn("Messages deleted by admin")
	return map[string]any{
		"deleted": deleted,
		"reason":  args.String("reason"),
	}, nil
}
