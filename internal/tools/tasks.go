package tools

import (
	"context"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/crdt"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

func registerTaskTools(r *Registry, d Deps) {
	r.Register(&Tool{
		Name:        "delegate_task",
		Label:       "Delegate task",
		Description: "Create a task and assign it to an agent, a node's agents, or by required skills.",
		Params: []Param{
			{Name: "title", Type: "string", Description: "Short task title.", Required: true},
			{Name: "description", Type: "string", Description: "What needs to be done."},
			{Name: "context", Type: "string", Description: "Background the assignee should have."},
			{Name: "assignedTo", Type: "string", Description: "Agent id, or a node id to pick its first internal agent."},
			{Name: "requires", Type: "array", Description: "Skills used to find assignees when none is named."},
			{Name: "skillRequired", Type: "string", Description: "Skill a claiming agent must advertise."},
			{Name: "intent", Type: "string", Description: "Machine-readable intent tag."},
			{Name: "metadata", Type: "object", Description: "Arbitrary metadata carried on the task."},
			{Name: argFromAgent, Type: "string", Description: "Creating agent; defaults to this node."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return delegateTask(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "claim_task",
		Label:       "Claim task",
		Description: "Claim a pending task for the calling agent.",
		Params: []Param{
			{Name: "taskId", Type: "string", Description: "Task id or unique prefix.", Required: true},
			{Name: argAgentID, Type: "string", Description: "Claiming agent."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return claimTask(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "update_task",
		Label:       "Update task",
		Description: "Move a claimed task to in_progress or failed, with an optional note.",
		Params: []Param{
			{Name: "taskId", Type: "string", Description: "Task id or unique prefix.", Required: true},
			{Name: "status", Type: "string", Description: "New status: in_progress or failed.", Required: true},
			{Name: "note", Type: "string", Description: "Progress note appended to the task trail."},
			{Name: "result", Type: "string", Description: "Outcome text, recorded on failure."},
			{Name: "notify", Type: "boolean", Description: "Also message the task creator."},
			{Name: argAgentID, Type: "string", Description: "Acting agent; must be the claimer."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return updateTask(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "complete_task",
		Label:       "Complete task",
		Description: "Mark a claimed task completed with an optional result.",
		Params: []Param{
			{Name: "taskId", Type: "string", Description: "Task id or unique prefix.", Required: true},
			{Name: "result", Type: "string", Description: "Outcome text."},
			{Name: argAgentID, Type: "string", Description: "Acting agent; must be the claimer."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return completeTask(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "find_task",
		Label:       "Find task",
		Description: "Look up a task by id or unique prefix.",
		Params: []Param{
			{Name: "taskId", Type: "string", Description: "Task id or unique prefix.", Required: true},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return findTask(d, args)
		},
	})

	r.Register(&Tool{
		Name:        "create_skill_task",
		Label:       "Create skill task",
		Description: "Create an unassigned task claimable by any agent advertising the required skill.",
		Params: []Param{
			{Name: "title", Type: "string", Description: "Short task title.", Required: true},
			{Name: "skillRequired", Type: "string", Description: "Skill a claiming agent must advertise.", Required: true},
			{Name: "description", Type: "string", Description: "What needs to be done."},
			{Name: "context", Type: "string", Description: "Background the assignee should have."},
			{Name: "intent", Type: "string", Description: "Machine-readable intent tag."},
			{Name: "metadata", Type: "object", Description: "Arbitrary metadata carried on the task."},
			{Name: argFromAgent, Type: "string", Description: "Creating agent; defaults to this node."},
			{Name: argAgentToken, Type: "string", Description: "Agent bearer token."},
		},
		Execute: func(ctx context.Context, args Args) (map[string]any, error) {
			return createSkillTask(d, args)
		},
	})
}

func validateTaskText(args Args) error {
	if err := schema.CheckTitle(args.String("title")); err != nil {
		return err
	}
	if err := schema.CheckLen("description", args.String("description"), schema.MaxDescriptionLen); err != nil {
		return err
	}
	return schema.CheckLen("context", args.String("context"), schema.MaxContextLen)
}

func delegateTask(d Deps, args Args) (map[string]any, error) {
	if err := validateTaskText(args); err != nil {
		return nil, err
	}
	creator, err := resolveSender(d, args)
	if err != nil {
		return nil, err
	}
	assignees, err := resolveAssignees(d, args.String("assignedTo"), args.StringList("requires"))
	if err != nil {
		return nil, err
	}

	now := schema.NowMillis()
	task := schema.Task{
		ID:             schema.NewID(),
		Title:          args.String("title"),
		Description:    args.String("description"),
		Context:        args.String("context"),
		Status:         schema.TaskStatusPending,
		CreatedByAgent: creator,
		CreatedByNode:  d.NodeID,
		CreatedAt:      now,
		Requires:       args.StringList("requires"),
		SkillRequired:  args.String("skillRequired"),
		Intent:         args.String("intent"),
		Metadata:       args.Map("metadata"),
	}
	switch len(assignees) {
	case 0:
	case 1:
		task.AssignedToAgent = assignees[0]
	default:
		task.AssignedToAgents = assignees
	}

	err = d.Store.Update("tools", func(tx *state.Tx) error {
		tx.Map(schema.MapTasks).Set(task.ID, schema.ToRecord(&task))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"taskId":     task.ID,
		"status":     string(task.Status),
		"assignedTo": assignees,
	}, nil
}

// resolveAssignees implements delegation targeting: an explicit agent
// id wins; a node id falls back to that node's first internal agent; with
// no explicit target the required skills select every advertising
// agent, unioned across skills.
func resolveAssignees(d Deps, assignedTo string, requires []string) ([]string, error) {
	if assignedTo != "" {
		known := false
		d.Store.View(func(v *state.View) {
			known = v.Map(schema.MapAgents).Has(assignedTo)
		})
		if known {
			return []string{assignedTo}, nil
		}
		if isNodeID(d, assignedTo) {
			hosted := internalAgentsOn(d, assignedTo)
			if len(hosted) == 0 {
				return nil, apperrors.NotFound("agent on node", assignedTo)
			}
			return hosted[:1], nil
		}
		return nil, apperrors.NotFound("agent", assignedTo)
	}
	if len(requires) == 0 {
		return nil, nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, skill := range requires {
		for _, id := range agentsWithSkill(d, skill) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	if len(out) == 0 {
		return nil, apperrors.NotFound("agent with skills", joinSkills(requires))
	}
	return out, nil
}

func joinSkills(skills []string) string {
	out := ""
	for i, s := range skills {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func isNodeID(d Deps, id string) bool {
	if id == d.NodeID {
		return true
	}
	found := false
	d.Store.View(func(v *state.View) {
		if v.Map(schema.MapNodes).Has(id) || v.Map(schema.MapPulse).Has(id) {
			found = true
		}
	})
	return found
}

func claimTask(d Deps, args Args) (map[string]any, error) {
	caller, err := resolveCaller(d, args)
	if err != nil {
		return nil, err
	}
	now := schema.NowMillis()
	var taskID string
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		tasks := tx.Map(schema.MapTasks)
		key, err := schema.ResolveKey("task", entryMap(tasks), args.String("taskId"))
		if err != nil {
			return err
		}
		raw, _ := tasks.Get(key)
		task, err := schema.TaskFromValue(raw)
		if err != nil {
			return apperrors.InternalError("decode task", err)
		}
		if !schema.CanTransition(task.Status, schema.TaskStatusClaimed) {
			if task.ClaimedByAgent != "" {
				return apperrors.PreconditionFailed("task already claimed by " + task.ClaimedByAgent)
			}
			return apperrors.PreconditionFailed("task is " + string(task.Status) + ", not pending")
		}
		if task.SkillRequired != "" && !hasSkill(tx, caller, task.SkillRequired) {
			return apperrors.PreconditionFailed("task requires skill " + task.SkillRequired)
		}
		task.Status = schema.TaskStatusClaimed
		task.ClaimedByAgent = caller
		task.ClaimedByNode = d.NodeID
		task.ClaimedAt = now
		task.UpdatedAt = now
		task.AppendUpdate(schema.TaskUpdate{At: now, ByAgent: caller, Status: task.Status})
		tasks.Set(key, schema.ToRecord(task))
		taskID = key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"taskId":    taskID,
		"status":    string(schema.TaskStatusClaimed),
		"claimedBy": caller,
	}, nil
}

// hasSkill reads the claimer's advertised skills through the open
// transaction. A Store.View here would re-enter the writer lock.
func hasSkill(tx *state.Tx, agentID, skill string) bool {
	raw, ok := tx.Map(schema.MapNodeContext).Get(agentID)
	if !ok {
		return false
	}
	nc, err := schema.ContextFromValue(raw)
	if err != nil {
		return false
	}
	return nc.HasSkill(skill)
}

func updateTask(d Deps, args Args) (map[string]any, error) {
	status := schema.TaskStatus(args.String("status"))
	if status != schema.TaskStatusInProgress && status != schema.TaskStatusFailed {
		return nil, apperrors.InvalidParams("status must be in_progress or failed")
	}
	if err := schema.CheckLen("result", args.String("result"), schema.MaxResultLen); err != nil {
		return nil, err
	}
	return transitionTask(d, args, status, args.String("note"), args.String("result"))
}

func completeTask(d Deps, args Args) (map[string]any, error) {
	if err := schema.CheckLen("result", args.String("result"), schema.MaxResultLen); err != nil {
		return nil, err
	}
	return transitionTask(d, args, schema.TaskStatusCompleted, "", args.String("result"))
}

// transitionTask applies a post-claim status change. Only the claiming
// agent may move the task, and the lifecycle only moves forward.
func transitionTask(d Deps, args Args, status schema.TaskStatus, note, result string) (map[string]any, error) {
	caller, err := resolveCaller(d, args)
	if err != nil {
		return nil, err
	}
	now := schema.NowMillis()
	var (
		taskID  string
		creator string
		title   string
	)
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		tasks := tx.Map(schema.MapTasks)
		key, err := schema.ResolveKey("task", entryMap(tasks), args.String("taskId"))
		if err != nil {
			return err
		}
		raw, _ := tasks.Get(key)
		task, err := schema.TaskFromValue(raw)
		if err != nil {
			return apperrors.InternalError("decode task", err)
		}
		if task.ClaimedByAgent != caller {
			return apperrors.Unauthorized("task is claimed by " + task.ClaimedByAgent + ", not " + caller)
		}
		if !schema.CanTransition(task.Status, status) {
			return apperrors.PreconditionFailed(
				"cannot move task from " + string(task.Status) + " to " + string(status))
		}
		task.Status = status
		task.UpdatedAt = now
		if result != "" {
			task.Result = result
		}
		if status.Terminal() {
			task.CompletedAt = now
		}
		task.AppendUpdate(schema.TaskUpdate{At: now, ByAgent: caller, Status: status, Note: note})
		tasks.Set(key, schema.ToRecord(task))
		taskID = key
		creator = task.CreatedByAgent
		title = task.Title
		return nil
	})
	if err != nil {
		return nil, err
	}
	if args.Bool("notify", false) && creator != "" && creator != caller {
		notifyTaskUpdate(d, taskID, title, creator, caller, status, note)
	}
	return map[string]any{
		"taskId": taskID,
		"status": string(status),
	}, nil
}

func notifyTaskUpdate(d Deps, taskID, title, to, from string, status schema.TaskStatus, note string) {
	content := "Task \"" + title + "\" is now " + string(status)
	if note != "" {
		content += ": " + note
	}
	id := schema.NewID()
	_ = d.Store.Update("tools", func(tx *state.Tx) error {
		tx.Map(schema.MapMessages).Set(id, schema.ToRecord(&schema.Message{
			ID:           id,
			FromAgent:    from,
			FromNode:     d.NodeID,
			ToAgents:     []string{to},
			Intent:       "task_update",
			Content:      content,
			Timestamp:    schema.NowMillis(),
			ReadByAgents: []string{},
			Metadata:     map[string]any{"taskId": taskID, "status": string(status)},
		}))
		return nil
	})
}

func findTask(d Deps, args Args) (map[string]any, error) {
	entries := d.Store.Entries(schema.MapTasks)
	key, err := schema.ResolveKey("task", entries, args.String("taskId"))
	if err != nil {
		return nil, err
	}
	rec, _ := entries[key].(map[string]any)
	return map[string]any{
		"taskId": key,
		"task":   rec,
	}, nil
}

func createSkillTask(d Deps, args Args) (map[string]any, error) {
	if err := schema.CheckRequired("skillRequired", args.String("skillRequired")); err != nil {
		return nil, err
	}
	if err := validateTaskText(args); err != nil {
		return nil, err
	}
	creator, err := resolveSender(d, args)
	if err != nil {
		return nil, err
	}
	now := schema.NowMillis()
	task := schema.Task{
		ID:             schema.NewID(),
		Title:          args.String("title"),
		Description:    args.String("description"),
		Context:        args.String("context"),
		Status:         schema.TaskStatusPending,
		CreatedByAgent: creator,
		CreatedByNode:  d.NodeID,
		CreatedAt:      now,
		SkillRequired:  args.String("skillRequired"),
		Intent:         args.String("intent"),
		Metadata:       args.Map("metadata"),
	}
	err = d.Store.Update("tools", func(tx *state.Tx) error {
		tx.Map(schema.MapTasks).Set(task.ID, schema.ToRecord(&task))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"taskId":        task.ID,
		"status":        string(task.Status),
		"skillRequired": task.SkillRequired,
	}, nil
}

// entryMap flattens a map's entries for prefix resolution inside a
// transaction.
func entryMap(m *crdt.Map) map[string]any {
	out := make(map[string]any)
	for _, entry := range m.Entries() {
		out[entry.Key] = entry.Value
	}
	return out
}
