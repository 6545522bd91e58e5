package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBasics(t *testing.T) {
	t.Run("set get delete", func(t *testing.T) {
		doc := NewDoc("n1")
		m := doc.Map("tasks")

		m.Set("t1", map[string]any{"title": "first"})
		v, ok := m.Get("t1")
		require.True(t, ok)
		assert.Equal(t, "first", v.(map[string]any)["title"])
		assert.True(t, m.Has("t1"))
		assert.Equal(t, 1, m.Len())

		m.Delete("t1")
		_, ok = m.Get("t1")
		assert.False(t, ok)
		assert.Equal(t, 0, m.Len())
	})

	t.Run("keys and entries are sorted", func(t *testing.T) {
		doc := NewDoc("n1")
		m := doc.Map("tasks")
		m.Set("b", "two")
		m.Set("a", "one")
		m.Set("c", "three")

		assert.Equal(t, []string{"a", "b", "c"}, m.Keys())
		entries := m.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, "a", entries[0].Key)
		assert.Equal(t, "one", entries[0].Value)
	})

	t.Run("returned maps do not alias internal state", func(t *testing.T) {
		doc := NewDoc("n1")
		m := doc.Map("tasks")
		m.Set("t1", map[string]any{"title": "first"})

		v, _ := m.Get("t1")
		v.(map[string]any)["title"] = "mutated"

		again, _ := m.Get("t1")
		assert.Equal(t, "first", again.(map[string]any)["title"])
	})
}

func TestLWWConvergence(t *testing.T) {
	t.Run("both replicas converge regardless of delivery order", func(t *testing.T) {
		a := NewDoc("a")
		b := NewDoc("b")

		a.Map("tasks").Set("t1", "from-a")
		opsA := a.Commit(OriginLocal, "")
		b.Map("tasks").Set("t1", "from-b")
		opsB := b.Commit(OriginLocal, "")

		a.ApplyOps(opsB)
		b.ApplyOps(opsA)

		va, _ := a.Map("tasks").Get("t1")
		vb, _ := b.Map("tasks").Get("t1")
		assert.Equal(t, va, vb)
	})

	t.Run("newer clock wins", func(t *testing.T) {
		a := NewDoc("a")
		b := NewDoc("b")

		a.Map("tasks").Set("t1", "old")
		b.ApplyOps(a.Commit(OriginLocal, ""))

		// b writes after seeing a's op, so b's clock is strictly newer.
		b.Map("tasks").Set("t1", "new")
		a.ApplyOps(b.Commit(OriginLocal, ""))

		va, _ := a.Map("tasks").Get("t1")
		assert.Equal(t, "new", va)
	})

	t.Run("delete wins over an older concurrent set", func(t *testing.T) {
		a := NewDoc("a")
		b := NewDoc("b")

		a.Map("messages").Set("m1", "hello")
		b.ApplyOps(a.Commit(OriginLocal, ""))

		b.Map("messages").Delete("m1")
		a.ApplyOps(b.Commit(OriginLocal, ""))

		assert.False(t, a.Map("messages").Has("m1"))
		assert.False(t, b.Map("messages").Has("m1"))
	})

	t.Run("duplicate ops are no-ops", func(t *testing.T) {
		a := NewDoc("a")
		b := NewDoc("b")

		a.Map("tasks").Set("t1", "v")
		ops := a.Commit(OriginLocal, "")

		applied := b.ApplyOps(ops)
		assert.Len(t, applied, 1)
		applied = b.ApplyOps(ops)
		assert.Empty(t, applied)
	})
}

func TestSubmapFields(t *testing.T) {
	t.Run("field writes mutate in place", func(t *testing.T) {
		doc := NewDoc("n1")
		pulse := doc.Map("pulse")

		pulse.SetField("n1", "status", "online")
		pulse.SetField("n1", "lastSeen", int64(100))
		pulse.SetField("n1", "lastSeen", int64(200))

		v, ok := pulse.Get("n1")
		require.True(t, ok)
		rec := v.(map[string]any)
		assert.Equal(t, "online", rec["status"])
		assert.Equal(t, int64(200), rec["lastSeen"])
	})

	t.Run("fields from different replicas merge per field", func(t *testing.T) {
		a := NewDoc("a")
		b := NewDoc("b")

		a.Map("pulse").SetField("a", "status", "online")
		b.ApplyOps(a.Commit(OriginLocal, ""))
		b.Map("pulse").SetField("a", "currentTask", "t1")
		a.ApplyOps(b.Commit(OriginLocal, ""))

		v, ok := a.Map("pulse").Get("a")
		require.True(t, ok)
		rec := v.(map[string]any)
		assert.Equal(t, "online", rec["status"])
		assert.Equal(t, "t1", rec["currentTask"])
	})

	t.Run("newer top-level delete hides older fields", func(t *testing.T) {
		doc := NewDoc("n1")
		pulse := doc.Map("pulse")

		pulse.SetField("n1", "status", "online")
		pulse.Delete("n1")

		assert.False(t, pulse.Has("n1"))

		// A heartbeat after the delete recreates the record.
		pulse.SetField("n1", "status", "online")
		assert.True(t, pulse.Has("n1"))
	})
}

func TestObservers(t *testing.T) {
	t.Run("commit reports changed keys once per key", func(t *testing.T) {
		doc := NewDoc("n1")
		var got UpdateInfo
		doc.OnUpdate(func(info UpdateInfo) { got = info })

		doc.Map("tasks").Set("t1", "a")
		doc.Map("tasks").Set("t1", "b")
		doc.Map("messages").Set("m1", "c")
		doc.Commit(OriginLocal, "")

		assert.Equal(t, OriginLocal, got.Origin)
		assert.Len(t, got.Ops, 3)
		assert.Equal(t, []string{"t1"}, got.Changed["tasks"])
		assert.Equal(t, []string{"m1"}, got.Changed["messages"])
	})

	t.Run("remote batches carry their source", func(t *testing.T) {
		a := NewDoc("a")
		b := NewDoc("b")
		var got UpdateInfo
		b.OnUpdate(func(info UpdateInfo) { got = info })

		a.Map("tasks").Set("t1", "v")
		b.ApplyOps(a.Commit(OriginLocal, ""))
		b.Commit(OriginRemote, "conn-7")

		assert.Equal(t, OriginRemote, got.Origin)
		assert.Equal(t, "conn-7", got.Source)
	})

	t.Run("commit without pending ops does not notify", func(t *testing.T) {
		doc := NewDoc("n1")
		calls := 0
		doc.OnUpdate(func(UpdateInfo) { calls++ })
		doc.Commit(OriginLocal, "")
		assert.Zero(t, calls)
	})
}

func TestOpsSince(t *testing.T) {
	t.Run("returns only ops the peer is missing", func(t *testing.T) {
		a := NewDoc("a")
		a.Map("tasks").Set("t1", "one")
		a.Commit(OriginLocal, "")
		vec := a.StateVector()
		a.Map("tasks").Set("t2", "two")
		a.Commit(OriginLocal, "")

		ops, complete := a.OpsSince(vec)
		require.True(t, complete)
		require.Len(t, ops, 1)
		assert.Equal(t, "t2", ops[0].Key)
	})

	t.Run("reports incomplete after a snapshot-only load", func(t *testing.T) {
		a := NewDoc("a")
		a.Map("tasks").Set("t1", "one")
		a.Commit(OriginLocal, "")

		restarted := NewDoc("a")
		restarted.ApplySnapshot(a.CompactSnapshot())
		restarted.Commit(OriginLocal, "load")

		// The reloaded doc can serve its own registers as ops.
		ops, complete := restarted.OpsSince(map[string]uint64{})
		assert.True(t, complete)
		assert.Len(t, ops, 1)

		// But a vector beyond the log (superseded writes) cannot be served.
		a.Map("tasks").Set("t1", "two")
		a.Commit(OriginLocal, "")
		fresh := NewDoc("a2")
		fresh.ApplySnapshot(a.CompactSnapshot())
		_, complete = fresh.OpsSince(map[string]uint64{})
		assert.False(t, complete)
	})
}

// An op relayed out of order leaves a permanent hole in the receiver:
// the later seq advances the vector and the earlier one is then dropped
// as already seen. The receiver cannot serve the hole to others either,
// and a full snapshot exchange repairs it.
func TestSnapshotExchangeRepairsRelayGap(t *testing.T) {
	a := NewDoc("a")
	a.Map("tasks").Set("t1", "one")
	a.Commit(OriginLocal, "")
	a.Map("tasks").Set("t2", "two")
	ops := a.Commit(OriginLocal, "")
	require.Len(t, ops, 1)
	second := ops[0]

	allOps, complete := a.OpsSince(map[string]uint64{})
	require.True(t, complete)
	require.Len(t, allOps, 2)

	// Seq 2 arrives first; seq 1 is then skipped as covered.
	b := NewDoc("b")
	applied := b.ApplyOps([]Op{second})
	require.Len(t, applied, 1)
	applied = b.ApplyOps([]Op{allOps[0]})
	assert.Empty(t, applied)
	b.Commit(OriginRemote, "")

	_, ok := b.Map("tasks").Get("t1")
	require.False(t, ok, "the skipped write is missing until a full exchange")

	// B cannot cover the hole for a fresh peer, forcing the snapshot
	// fallback instead of silently propagating the gap.
	_, complete = b.OpsSince(map[string]uint64{})
	assert.False(t, complete)

	// The full snapshot exchange closes the hole.
	b.ApplySnapshot(a.Snapshot())
	b.Commit(OriginRemote, "")
	v, ok := b.Map("tasks").Get("t1")
	require.True(t, ok)
	assert.Equal(t, "one", v)
}

func TestRestartResumesSequence(t *testing.T) {
	a := NewDoc("a")
	a.Map("tasks").Set("t1", "one")
	a.Map("tasks").Set("t2", "two")
	a.Commit(OriginLocal, "")

	restarted := NewDoc("a")
	restarted.ApplySnapshot(a.CompactSnapshot())
	restarted.Commit(OriginLocal, "load")
	restarted.Map("tasks").Set("t3", "three")
	ops := restarted.Commit(OriginLocal, "")

	require.Len(t, ops, 1)
	// New writes must not reuse sequence numbers peers have already seen.
	assert.Greater(t, ops[0].Seq, a.StateVector()["a"])
}
