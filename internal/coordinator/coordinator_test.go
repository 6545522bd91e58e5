package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible-dev/ansible/internal/common/config"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

func newCoordinator(store *state.Store, opts Options) *Coordinator {
	if opts.NodeID == "" {
		opts.NodeID = store.ReplicaID()
	}
	if opts.Tier == "" {
		opts.Tier = config.TierBackbone
	}
	return New(store, nil, opts, logger.NewNop())
}

func setCoordination(t *testing.T, store *state.Store, key string, value any) {
	t.Helper()
	err := store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapCoordination).Set(key, value)
		return nil
	})
	require.NoError(t, err)
}

func coordValue(store *state.Store, key string) any {
	v, _ := store.GetValue(schema.MapCoordination, key)
	return v
}

func seedTask(t *testing.T, store *state.Store, task *schema.Task) {
	t.Helper()
	err := store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapTasks).Set(task.ID, schema.ToRecord(task))
		return nil
	})
	require.NoError(t, err)
}

func TestClaimIfVacant(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	c.claimIfVacant()
	assert.Equal(t, "node-a", coordValue(store, schema.CoordCoordinator))

	// A second claimer finds the field taken and leaves it alone.
	c2 := newCoordinator(store, Options{NodeID: "node-b"})
	c2.claimIfVacant()
	assert.Equal(t, "node-a", coordValue(store, schema.CoordCoordinator))
}

func TestEdgeNeverClaims(t *testing.T) {
	store := state.NewStore("edge-1")
	c := newCoordinator(store, Options{Tier: config.TierEdge})
	c.claimIfVacant()
	assert.Nil(t, coordValue(store, schema.CoordCoordinator))
	assert.False(t, c.electionCheck())
}

func TestElectionFollowsField(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})

	setCoordination(t, store, schema.CoordCoordinator, "node-a")
	assert.True(t, c.electionCheck())

	setCoordination(t, store, schema.CoordCoordinator, "node-b")
	assert.False(t, c.electionCheck())
}

func TestElectionYieldsToUnanimousPreference(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	setCoordination(t, store, schema.CoordCoordinator, "node-a")
	setCoordination(t, store, schema.NodePrefKey("node-b"), map[string]any{
		"desiredCoordinator": "node-b",
		"updatedAt":          schema.NowMillis(),
	})
	setCoordination(t, store, schema.NodePrefKey("node-c"), map[string]any{
		"desiredCoordinator": "node-b",
		"updatedAt":          schema.NowMillis(),
	})

	assert.False(t, c.electionCheck())
	assert.Equal(t, "node-b", coordValue(store, schema.CoordCoordinator))
}

func TestElectionKeepsRoleOnSplitPreference(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	setCoordination(t, store, schema.CoordCoordinator, "node-a")
	setCoordination(t, store, schema.NodePrefKey("node-b"), map[string]any{
		"desiredCoordinator": "node-b",
	})
	setCoordination(t, store, schema.NodePrefKey("node-c"), map[string]any{
		"desiredCoordinator": "node-c",
	})

	assert.True(t, c.electionCheck())
	assert.Equal(t, "node-a", coordValue(store, schema.CoordCoordinator))
}

func TestRetentionDeletesOldClosedTasks(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	now := schema.NowMillis()

	seedTask(t, store, &schema.Task{
		ID:          "t-old-done",
		Title:       "done long ago",
		Status:      schema.TaskStatusCompleted,
		CreatedAt:   now - 10*24*time.Hour.Milliseconds(),
		CompletedAt: now - 8*24*time.Hour.Milliseconds(),
	})
	seedTask(t, store, &schema.Task{
		ID:          "t-fresh-done",
		Title:       "done yesterday",
		Status:      schema.TaskStatusFailed,
		CreatedAt:   now - 2*24*time.Hour.Milliseconds(),
		CompletedAt: now - 24*time.Hour.Milliseconds(),
	})
	seedTask(t, store, &schema.Task{
		ID:        "t-open-old",
		Title:     "still pending",
		Status:    schema.TaskStatusPending,
		CreatedAt: now - 30*24*time.Hour.Milliseconds(),
	})

	c.RunRetention(context.Background())

	keys := store.Keys(schema.MapTasks)
	assert.NotContains(t, keys, "t-old-done")
	assert.Contains(t, keys, "t-fresh-done")
	assert.Contains(t, keys, "t-open-old", "open tasks are never retention-pruned")
	assert.NotNil(t, coordValue(store, schema.CoordRetentionLastPruneAt))
}

func TestRetentionUsesUpdatedAtFallback(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	now := schema.NowMillis()

	// No completedAt; updatedAt is the close time.
	seedTask(t, store, &schema.Task{
		ID:        "t-fallback",
		Title:     "failed without stamp",
		Status:    schema.TaskStatusFailed,
		CreatedAt: now - 20*24*time.Hour.Milliseconds(),
		UpdatedAt: now - 9*24*time.Hour.Milliseconds(),
	})

	c.RunRetention(context.Background())
	assert.NotContains(t, store.Keys(schema.MapTasks), "t-fallback")
}

func TestRetentionGatesOnLastPruneAt(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	now := schema.NowMillis()

	// Another coordinator swept moments ago.
	setCoordination(t, store, schema.CoordRetentionLastPruneAt, now-time.Minute.Milliseconds())
	seedTask(t, store, &schema.Task{
		ID:          "t-old-done",
		Title:       "done long ago",
		Status:      schema.TaskStatusCompleted,
		CreatedAt:   now - 10*24*time.Hour.Milliseconds(),
		CompletedAt: now - 8*24*time.Hour.Milliseconds(),
	})

	c.RunRetention(context.Background())
	assert.Contains(t, store.Keys(schema.MapTasks), "t-old-done",
		"a fresh lastPruneAt stamp must suppress the sweep")
}

func TestRetentionHonorsConfiguredAge(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	now := schema.NowMillis()

	setCoordination(t, store, schema.CoordRetentionClosedTaskSeconds, int64(3600))
	seedTask(t, store, &schema.Task{
		ID:          "t-two-hours",
		Title:       "closed two hours ago",
		Status:      schema.TaskStatusCompleted,
		CreatedAt:   now - 3*time.Hour.Milliseconds(),
		CompletedAt: now - 2*time.Hour.Milliseconds(),
	})

	c.RunRetention(context.Background())
	assert.NotContains(t, store.Keys(schema.MapTasks), "t-two-hours")
}

func TestCheckAndSweepOnlyWhenElected(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{})
	now := schema.NowMillis()

	setCoordination(t, store, schema.CoordCoordinator, "node-b")
	seedTask(t, store, &schema.Task{
		ID:          "t-old-done",
		Title:       "done long ago",
		Status:      schema.TaskStatusCompleted,
		CreatedAt:   now - 10*24*time.Hour.Milliseconds(),
		CompletedAt: now - 8*24*time.Hour.Milliseconds(),
	})

	c.checkAndSweep(context.Background())
	assert.False(t, c.Elected())
	assert.Contains(t, store.Keys(schema.MapTasks), "t-old-done")
}

func TestCoordinatorLoopSweeps(t *testing.T) {
	store := state.NewStore("node-a")
	c := newCoordinator(store, Options{CheckInterval: 10 * time.Millisecond})
	now := schema.NowMillis()

	seedTask(t, store, &schema.Task{
		ID:          "t-old-done",
		Title:       "done long ago",
		Status:      schema.TaskStatusCompleted,
		CreatedAt:   now - 10*24*time.Hour.Milliseconds(),
		CompletedAt: now - 8*24*time.Hour.Milliseconds(),
	})

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.Elected()
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		keys := store.Keys(schema.MapTasks)
		return len(keys) == 0
	}, time.Second, 5*time.Millisecond)
}
