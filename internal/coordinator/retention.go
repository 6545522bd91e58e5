package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

// RunRetention deletes closed tasks past the retention age when the
// sweep is due. The retentionLastPruneAt stamp is written in the same
// transaction as the deletes, so a flapped second coordinator sees the
// fresh stamp and skips its own pass.
func (c *Coordinator) RunRetention(ctx context.Context) {
	now := schema.NowMillis()
	deleted := 0
	ran := false
	err := c.store.Update("coordinator", func(tx *state.Tx) error {
		coord := tx.Map(schema.MapCoordination)
		every := coordSeconds(coord, schema.CoordRetentionPruneEverySeconds, DefaultRetentionEvery)
		age := coordSeconds(coord, schema.CoordRetentionClosedTaskSeconds, DefaultRetentionAge)

		lastRaw, _ := coord.Get(schema.CoordRetentionLastPruneAt)
		last := schema.AsInt64(lastRaw, 0)
		if last != 0 && now-last < every.Milliseconds() {
			return nil
		}
		ran = true
		coord.Set(schema.CoordRetentionLastPruneAt, now)

		cutoff := now - age.Milliseconds()
		tasks := tx.Map(schema.MapTasks)
		for _, entry := range tasks.Entries() {
			t, err := schema.TaskFromValue(entry.Value)
			if err != nil {
				continue
			}
			if !t.Status.Terminal() {
				continue
			}
			if t.CloseTime() <= cutoff {
				tasks.Delete(entry.Key)
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		c.log.Warn("Retention sweep failed", zap.Error(err))
		return
	}
	if !ran {
		return
	}
	c.log.Info("Closed-task retention swept", zap.Int("deleted", deleted))
	if c.bus != nil {
		event := bus.NewEvent(events.RetentionSwept, c.opts.NodeID, map[string]interface{}{
			"kind":    "tasks",
			"deleted": deleted,
		})
		if err := c.bus.Publish(ctx, events.RetentionSwept, event); err != nil {
			c.log.Debug("Sweep event publish failed", zap.Error(err))
		}
	}
}
