package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

// fakeRuntime counts deliveries per (kind,id,receiver) and can be told
// to fail the first N attempts of a key, or to answer with a reply.
type fakeRuntime struct {
	mu        sync.Mutex
	calls     map[string]int
	failFirst map[string]int
	replies   map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		calls:     make(map[string]int),
		failFirst: make(map[string]int),
		replies:   make(map[string]string),
	}
}

func (f *fakeRuntime) Deliver(ctx context.Context, env Envelope) (Reply, error) {
	key := env.Kind + ":" + env.ID + ":" + env.Receiver
	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	fail := n <= f.failFirst[key]
	reply := f.replies[key]
	f.mu.Unlock()
	if fail {
		return Reply{}, errors.New("runtime unavailable")
	}
	return Reply{Text: reply}, nil
}

func (f *fakeRuntime) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func newDispatchStore(t *testing.T) *state.Store {
	t.Helper()
	store := state.NewStore("node-a")
	err := store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapAgents).Set("worker", schema.ToRecord(&schema.AgentRecord{
			Type:         schema.AgentInternal,
			Gateway:      "node-a",
			RegisteredAt: schema.NowMillis(),
			RegisteredBy: "node-a",
		}))
		return nil
	})
	require.NoError(t, err)
	return store
}

func newTestDispatcher(store *state.Store, rt AgentRuntime, opts Options) *Dispatcher {
	if opts.NodeID == "" {
		opts.NodeID = "node-a"
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	if opts.RetryCap == 0 {
		opts.RetryCap = 5 * time.Millisecond
	}
	if opts.RetryFloor == 0 {
		opts.RetryFloor = time.Millisecond
	}
	return NewDispatcher(store, nil, rt, opts, logger.NewNop())
}

func seedMessage(t *testing.T, store *state.Store, m *schema.Message) {
	t.Helper()
	if m.Timestamp == 0 {
		m.Timestamp = schema.NowMillis()
	}
	if m.ReadByAgents == nil {
		m.ReadByAgents = []string{}
	}
	err := store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapMessages).Set(m.ID, schema.ToRecord(m))
		return nil
	})
	require.NoError(t, err)
}

func seedTask(t *testing.T, store *state.Store, task *schema.Task) {
	t.Helper()
	if task.Status == "" {
		task.Status = schema.TaskStatusPending
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = schema.NowMillis()
	}
	err := store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapTasks).Set(task.ID, schema.ToRecord(task))
		return nil
	})
	require.NoError(t, err)
}

func storedMessage(t *testing.T, store *state.Store, id string) *schema.Message {
	t.Helper()
	raw, ok := store.GetValue(schema.MapMessages, id)
	require.True(t, ok, "message %s missing", id)
	m, err := schema.MessageFromValue(raw)
	require.NoError(t, err)
	return m
}

func TestDeliversMessageAtMostOnce(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	d := newTestDispatcher(store, rt, Options{})
	d.Start(context.Background())
	defer d.Stop()

	seedMessage(t, store, &schema.Message{
		ID: "m1", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "go build",
	})

	require.Eventually(t, func() bool {
		return storedMessage(t, store, "m1").DeliveredTo("worker")
	}, 2*time.Second, 5*time.Millisecond)

	m := storedMessage(t, store, "m1")
	require.Contains(t, m.Delivery, "worker")
	assert.Equal(t, schema.DeliveryDelivered, m.Delivery["worker"].State)
	assert.Equal(t, 1, m.Delivery["worker"].Attempts)
	assert.Contains(t, m.ReadByAgents, "worker", "delivery unions into readBy_agents")

	// Further reconciles never redeliver a delivered item.
	d.Kick()
	d.Kick()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rt.count("message:m1:worker"))
}

func TestRetriesUntilSuccess(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	rt.failFirst["message:m1:worker"] = 3
	d := newTestDispatcher(store, rt, Options{})
	d.Start(context.Background())
	defer d.Stop()

	seedMessage(t, store, &schema.Message{
		ID: "m1", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "flaky",
	})

	require.Eventually(t, func() bool {
		return storedMessage(t, store, "m1").DeliveredTo("worker")
	}, 2*time.Second, 5*time.Millisecond)

	m := storedMessage(t, store, "m1")
	assert.Equal(t, 4, m.Delivery["worker"].Attempts)
	assert.Equal(t, 4, rt.count("message:m1:worker"))
}

func TestDropsAtAttemptsCap(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	rt.failFirst["message:m1:worker"] = 1000
	d := newTestDispatcher(store, rt, Options{MaxAttempts: 3})
	d.Start(context.Background())
	defer d.Stop()

	seedMessage(t, store, &schema.Message{
		ID: "m1", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "doomed",
	})

	require.Eventually(t, func() bool {
		return rt.count("message:m1:worker") == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Past the cap the item drops permanently for this receiver.
	d.Kick()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, rt.count("message:m1:worker"))

	m := storedMessage(t, store, "m1")
	assert.Equal(t, schema.DeliveryAttempted, m.Delivery["worker"].State)
	assert.Equal(t, 3, m.Delivery["worker"].Attempts)
	assert.Equal(t, "runtime unavailable", m.Delivery["worker"].LastError)
}

func TestDroppedLedgerPrunedWithItem(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	rt.failFirst["message:m1:worker"] = 1000
	d := newTestDispatcher(store, rt, Options{MaxAttempts: 1})
	d.Start(context.Background())
	defer d.Stop()

	seedMessage(t, store, &schema.Message{
		ID: "m1", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "doomed",
	})

	droppedKeys := func() int {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.dropped)
	}

	// The single failed attempt hits the cap; the next reconcile
	// records the drop.
	require.Eventually(t, func() bool {
		d.Kick()
		return droppedKeys() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Once the message leaves the document the ledger entry goes too.
	require.NoError(t, store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapMessages).Delete("m1")
		return nil
	}))
	require.Eventually(t, func() bool {
		d.Kick()
		return droppedKeys() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTaskDelivery(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	rt.replies["task:t1:worker"] = "acknowledged"
	d := newTestDispatcher(store, rt, Options{})
	d.Start(context.Background())
	defer d.Stop()

	seedTask(t, store, &schema.Task{
		ID: "t1", Title: "ship it", CreatedByAgent: "planner", AssignedToAgent: "worker",
	})

	require.Eventually(t, func() bool {
		raw, ok := store.GetValue(schema.MapTasks, "t1")
		if !ok {
			return false
		}
		task, err := schema.TaskFromValue(raw)
		return err == nil && task.DeliveredTo("worker")
	}, 2*time.Second, 5*time.Millisecond)

	// Task replies are not published back as messages.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, store.Len(schema.MapMessages))
}

func TestSkillGatedTaskWaitsForAdvertisement(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	d := newTestDispatcher(store, rt, Options{})
	d.Start(context.Background())
	defer d.Stop()

	seedTask(t, store, &schema.Task{
		ID: "t1", Title: "rust triage", CreatedByAgent: "planner",
		AssignedToAgent: "worker", SkillRequired: "rust",
	})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rt.count("task:t1:worker"))

	err := store.Update("test", func(tx *state.Tx) error {
		tx.Map(schema.MapNodeContext).Set("worker", schema.ToRecord(&schema.NodeContext{
			Skills: []string{"rust"},
		}))
		return nil
	})
	require.NoError(t, err)
	d.Kick()

	require.Eventually(t, func() bool {
		return rt.count("task:t1:worker") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCollectOrdersMessagesThenTasks(t *testing.T) {
	store := newDispatchStore(t)
	d := newTestDispatcher(store, newFakeRuntime(), Options{})

	seedMessage(t, store, &schema.Message{
		ID: "m-late", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "x", Timestamp: 3000,
	})
	seedMessage(t, store, &schema.Message{
		ID: "m-early", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "x", Timestamp: 1000,
	})
	seedMessage(t, store, &schema.Message{
		ID: "m-tie-b", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "x", Timestamp: 2000,
	})
	seedMessage(t, store, &schema.Message{
		ID: "m-tie-a", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "x", Timestamp: 2000,
	})
	seedTask(t, store, &schema.Task{
		ID: "t-late", Title: "x", CreatedByAgent: "planner", AssignedToAgent: "worker", CreatedAt: 500,
	})
	seedTask(t, store, &schema.Task{
		ID: "t-early", Title: "x", CreatedByAgent: "planner", AssignedToAgent: "worker", CreatedAt: 100,
	})

	items := d.collect([]string{"worker"})
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.kind + ":" + it.id
	}
	assert.Equal(t, []string{
		"msg:m-early", "msg:m-tie-a", "msg:m-tie-b", "msg:m-late",
		"task:t-early", "task:t-late",
	}, keys)
}

func TestMessageEligibility(t *testing.T) {
	assert.False(t, messageEligible(&schema.Message{FromAgent: "worker"}, "worker"),
		"own messages are never delivered back")
	assert.False(t, messageEligible(&schema.Message{FromAgent: "planner", ToAgents: []string{"other"}}, "worker"))
	assert.False(t, messageEligible(&schema.Message{
		FromAgent: "planner",
		Delivery:  map[string]schema.DeliveryRecord{"worker": {State: schema.DeliveryDelivered}},
	}, "worker"))
	assert.False(t, messageEligible(&schema.Message{
		FromAgent:    "planner",
		ReadByAgents: []string{"worker"},
	}, "worker"), "legacy readBy form counts as delivered")
	assert.True(t, messageEligible(&schema.Message{FromAgent: "planner"}, "worker"),
		"broadcasts reach everyone else")
}

func TestTaskEligibility(t *testing.T) {
	base := func() *schema.Task {
		return &schema.Task{
			CreatedByAgent:  "planner",
			AssignedToAgent: "worker",
			Status:          schema.TaskStatusPending,
		}
	}

	assert.True(t, taskEligible(base(), "worker", nil))

	task := base()
	task.AssignedToAgent = "other"
	assert.False(t, taskEligible(task, "worker", nil))

	task = base()
	task.Status = schema.TaskStatusCompleted
	assert.False(t, taskEligible(task, "worker", nil), "terminal tasks are out")

	task = base()
	task.ClaimedByAgent = "rival"
	assert.False(t, taskEligible(task, "worker", nil), "claimed elsewhere drops out")

	task = base()
	task.ClaimedByAgent = "worker"
	task.Status = schema.TaskStatusInProgress
	assert.True(t, taskEligible(task, "worker", nil), "own claim keeps flowing")

	task = base()
	task.CreatedByAgent = "worker"
	assert.False(t, taskEligible(task, "worker", nil), "creators skip their own tasks")

	task = base()
	task.SkillRequired = "rust"
	assert.False(t, taskEligible(task, "worker", nil))
	assert.False(t, taskEligible(task, "worker", &schema.NodeContext{Skills: []string{"go"}}))
	assert.True(t, taskEligible(task, "worker", &schema.NodeContext{Skills: []string{"rust"}}))

	task = base()
	task.Delivery = map[string]schema.DeliveryRecord{"worker": {State: schema.DeliveryDelivered}}
	assert.False(t, taskEligible(task, "worker", nil))
}

func TestBackoffBounds(t *testing.T) {
	d := newTestDispatcher(state.NewStore("node-a"), newFakeRuntime(), Options{
		RetryBase:  100 * time.Millisecond,
		RetryCap:   time.Second,
		RetryFloor: time.Millisecond,
	})

	for attempts := 1; attempts <= 6; attempts++ {
		expected := 100 * time.Millisecond << (attempts - 1)
		if expected > time.Second {
			expected = time.Second
		}
		lo := time.Duration(float64(expected) * 0.8)
		hi := time.Duration(float64(expected) * 1.2)
		for i := 0; i < 20; i++ {
			delay := d.backoff(attempts)
			assert.GreaterOrEqual(t, delay, lo, "attempt %d", attempts)
			assert.LessOrEqual(t, delay, hi, "attempt %d", attempts)
		}
	}

	// The floor wins over tiny jittered delays.
	d = newTestDispatcher(state.NewStore("node-a"), newFakeRuntime(), Options{
		RetryBase:  time.Nanosecond,
		RetryCap:   time.Nanosecond,
		RetryFloor: 50 * time.Millisecond,
	})
	assert.Equal(t, 50*time.Millisecond, d.backoff(1))
}

func TestReplyPublication(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	rt.replies["message:m1:worker"] = "done, 12 tables migrated"
	d := newTestDispatcher(store, rt, Options{})
	d.Start(context.Background())
	defer d.Stop()

	seedMessage(t, store, &schema.Message{
		ID: "m1", FromAgent: "planner", ToAgents: []string{"worker"},
		Content: "run the migration", Metadata: map[string]any{"corr": "corr-7"},
	})

	var reply *schema.Message
	require.Eventually(t, func() bool {
		for _, raw := range store.Entries(schema.MapMessages) {
			m, err := schema.MessageFromValue(raw)
			if err == nil && m.FromAgent == "worker" {
				reply = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"planner"}, reply.ToAgents)
	assert.Equal(t, "done, 12 tables migrated", reply.Content)
	assert.Equal(t, "corr-7", reply.Metadata["corr"], "correlation id travels back")
	assert.Contains(t, reply.ReadByAgents, "worker",
		"the replier never receives its own reply")
}

func TestErrorTranscriptReplySuppressed(t *testing.T) {
	store := newDispatchStore(t)
	rt := newFakeRuntime()
	rt.replies["message:m1:worker"] = "HTTP 503 from upstream, rate limit exceeded, giving up"
	d := newTestDispatcher(store, rt, Options{})
	d.Start(context.Background())
	defer d.Stop()

	seedMessage(t, store, &schema.Message{
		ID: "m1", FromAgent: "planner", ToAgents: []string{"worker"}, Content: "try it",
	})

	require.Eventually(t, func() bool {
		return storedMessage(t, store, "m1").DeliveredTo("worker")
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, store.Len(schema.MapMessages), "failure transcripts never re-enter the mesh")
}

func TestLooksLikeErrorTranscript(t *testing.T) {
	assert.False(t, looksLikeErrorTranscript("all green, deployed to production"))
	assert.False(t, looksLikeErrorTranscript("the service returned HTTP 404 for the old path, now fixed"),
		"one signature can be a legitimate quote")
	assert.True(t, looksLikeErrorTranscript("HTTP 500: internal server error"))
	assert.True(t, looksLikeErrorTranscript("request timed out after hitting the rate limit"))
}

func TestLocalReceiversSortedAndHostedOnly(t *testing.T) {
	store := newDispatchStore(t)
	err := store.Update("test", func(tx *state.Tx) error {
		agents := tx.Map(schema.MapAgents)
		agents.Set("zeta", schema.ToRecord(&schema.AgentRecord{
			Type: schema.AgentInternal, Gateway: "node-a",
		}))
		agents.Set("remote", schema.ToRecord(&schema.AgentRecord{
			Type: schema.AgentInternal, Gateway: "node-b",
		}))
		agents.Set("roamer", schema.ToRecord(&schema.AgentRecord{
			Type: schema.AgentExternal,
		}))
		return nil
	})
	require.NoError(t, err)

	d := newTestDispatcher(store, newFakeRuntime(), Options{})
	assert.Equal(t, []string{"node-a", "worker", "zeta"}, d.localReceivers())
}
