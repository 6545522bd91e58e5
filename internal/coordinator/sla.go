package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

// breach is one deadline found blown during a sweep pass.
type breach struct {
	taskID string
	kind   string
	dueAt  int64
	status schema.TaskStatus
	// notify lists the agents told about the breach: creator and
	// claimer, or the FYI fallback when the task names neither.
	notify []string
}

// RunSLA scans task SLA deadlines and escalates breaches when the
// sweep is due. Each breach type escalates once per task: the
// escalations stamp is written together with slaSweepLastAt, so a
// brief double-coordinator window produces at most one escalation.
func (c *Coordinator) RunSLA(ctx context.Context) {
	now := schema.NowMillis()
	var breaches []breach
	ran := false
	err := c.store.Update("coordinator", func(tx *state.Tx) error {
		coord := tx.Map(schema.MapCoordination)
		lastRaw, _ := coord.Get(schema.CoordSLASweepLastAt)
		last := schema.AsInt64(lastRaw, 0)
		if last != 0 && now-last < c.opts.SLAInterval.Milliseconds() {
			return nil
		}
		ran = true

		tasks := tx.Map(schema.MapTasks)
		for _, entry := range tasks.Entries() {
			t, err := schema.TaskFromValue(entry.Value)
			if err != nil || t.Status.Terminal() {
				continue
			}
			sla := schema.TaskSLA(t)
			if sla == nil {
				continue
			}
			found := c.breachesOf(entry.Key, t, sla, now)
			if len(found) == 0 {
				continue
			}
			schema.SetTaskSLA(t, sla)
			tasks.SetField(entry.Key, "metadata", t.Metadata)
			breaches = append(breaches, found...)
		}

		coord.Set(schema.CoordSLASweepLastAt, now)
		coord.Set(schema.CoordSLASweepLastBreachCount, len(breaches))
		return nil
	})
	if err != nil {
		c.log.Warn("SLA sweep failed", zap.Error(err))
		return
	}
	if !ran {
		return
	}

	sort.Slice(breaches, func(i, j int) bool {
		if breaches[i].dueAt != breaches[j].dueAt {
			return breaches[i].dueAt < breaches[j].dueAt
		}
		return breaches[i].taskID < breaches[j].taskID
	})

	written := 0
	if !c.opts.SLARecordOnly {
		written = c.escalate(breaches, now)
	}
	if err := c.store.Update("coordinator", func(tx *state.Tx) error {
		tx.Map(schema.MapCoordination).Set(schema.CoordSLASweepLastEscalations, written)
		return nil
	}); err != nil {
		c.log.Warn("SLA sweep stamp failed", zap.Error(err))
	}

	if len(breaches) > 0 {
		c.log.Info("SLA sweep found breaches",
			zap.Int("breaches", len(breaches)),
			zap.Int("messages", written))
	}
	if c.bus != nil && len(breaches) > 0 {
		event := bus.NewEvent(events.SLABreached, c.opts.NodeID, map[string]interface{}{
			"breaches": len(breaches),
			"messages": written,
		})
		if err := c.bus.Publish(ctx, events.SLABreached, event); err != nil {
			c.log.Debug("SLA event publish failed", zap.Error(err))
		}
	}
}

// breachesOf stamps every newly blown deadline on the SLA block and
// returns the corresponding breach records. A stamped escalation never
// fires again.
func (c *Coordinator) breachesOf(taskID string, t *schema.Task, sla *schema.SLA, now int64) []breach {
	if sla.Escalations == nil {
		sla.Escalations = &schema.SLAEscalations{}
	}
	esc := sla.Escalations
	notify := c.recipients(t)
	var out []breach
	add := func(kind string, dueAt int64) {
		out = append(out, breach{
			taskID: taskID,
			kind:   kind,
			dueAt:  dueAt,
			status: t.Status,
			notify: notify,
		})
	}

	if sla.AcceptByAt != 0 && now > sla.AcceptByAt && esc.AcceptAt == 0 &&
		t.Status == schema.TaskStatusPending {
		esc.AcceptAt = now
		add(schema.BreachAccept, sla.AcceptByAt)
	}
	if sla.ProgressByAt != 0 && now > sla.ProgressByAt && esc.ProgressAt == 0 &&
		(t.Status == schema.TaskStatusPending || t.Status == schema.TaskStatusClaimed) {
		esc.ProgressAt = now
		add(schema.BreachProgress, sla.ProgressByAt)
	}
	if sla.CompleteByAt != 0 && now > sla.CompleteByAt && esc.CompleteAt == 0 {
		esc.CompleteAt = now
		add(schema.BreachComplete, sla.CompleteByAt)
	}
	return out
}

// recipients picks who hears about a breach: the task's creator and
// claimer, deduplicated, else the configured FYI agents.
func (c *Coordinator) recipients(t *schema.Task) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(t.CreatedByAgent)
	add(t.ClaimedByAgent)
	if len(out) == 0 {
		for _, id := range c.opts.SLAFYIAgents {
			add(id)
		}
	}
	return out
}

// escalate publishes breach messages up to the per-sweep budget.
// Returns how many messages were written.
func (c *Coordinator) escalate(breaches []breach, now int64) int {
	written := 0
	err := c.store.Update("coordinator", func(tx *state.Tx) error {
		messages := tx.Map(schema.MapMessages)
		for _, b := range breaches {
			for _, to := range b.notify {
				if written >= c.opts.SLABudget {
					return nil
				}
				id := schema.NewID()
				messages.Set(id, schema.ToRecord(&schema.Message{
					ID:        id,
					FromAgent: c.opts.NodeID,
					FromNode:  c.opts.NodeID,
					ToAgents:  []string{to},
					Intent:    schema.IntentSLABreached,
					Content:   breachText(b),
					Timestamp: now,
					Metadata: map[string]any{
						"kind":       schema.IntentSLABreached,
						"taskId":     b.taskID,
						"breachType": b.kind,
						"dueAt":      b.dueAt,
						"status":     string(b.status),
						"corr":       b.taskID,
					},
				}))
				written++
			}
		}
		return nil
	})
	if err != nil {
		c.log.Warn("SLA escalation write failed", zap.Error(err))
	}
	return written
}

func breachText(b breach) string {
	due := time.UnixMilli(b.dueAt).UTC().Format(time.RFC3339)
	return fmt.Sprintf("Task %s breached its %s-by SLA (due %s, status %s).",
		b.taskID, b.kind, due, b.status)
}
