// Package crdt implements the replicated document underneath the shared
// state: named maps of last-writer-wins registers with per-replica sequence
// numbers for delta sync and tombstoned deletes for convergent removal.
//
// Writes are ordered by (lamport clock, replica id); applying the same op
// twice is a no-op, and ops may arrive in any order without breaking
// convergence. State vectors track the highest op sequence seen per replica
// and drive the step1/step2 reconnect exchange; gaps left by relays are
// repaired on the next full exchange.
//
// A Doc is not safe for concurrent use. Callers serialize access; the state
// store wraps a Doc behind its own lock.
package crdt

import "sort"

// Origin describes where a batch of ops came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Op is a single register write. Field is set for nested submap writes.
type Op struct {
	Replica string `json:"r"`
	Seq     uint64 `json:"s"`
	Clock   uint64 `json:"c"`
	Map     string `json:"m"`
	Key     string `json:"k"`
	Field   string `json:"f,omitempty"`
	Delete  bool   `json:"d,omitempty"`
	Value   any    `json:"v,omitempty"`
}

// UpdateInfo is passed to observers after a transaction commits.
type UpdateInfo struct {
	Origin Origin
	Source string // connection id for remote batches, empty for local
	Ops    []Op
	// Changed lists the touched keys per map name.
	Changed map[string][]string
}

// maxLogOps bounds the in-memory op log kept for delta sync. Peers whose
// vector predates the log fall back to a full snapshot exchange.
const maxLogOps = 8192

// Doc is a replicated document of named maps.
type Doc struct {
	replica   string
	clock     uint64
	seq       uint64
	vector    map[string]uint64
	maps      map[string]*Map
	log       []Op
	pending   []Op
	observers []func(UpdateInfo)
}

// NewDoc creates an empty document owned by the given replica id.
func NewDoc(replicaID string) *Doc {
	return &Doc{
		replica: replicaID,
		vector:  map[string]uint64{},
		maps:    map[string]*Map{},
	}
}

// ReplicaID returns the id this document writes as.
func (d *Doc) ReplicaID() string { return d.replica }

// Clock returns the current lamport clock.
func (d *Doc) Clock() uint64 { return d.clock }

// Map returns the named map, creating it on first use.
func (d *Doc) Map(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, regs: map[string]*register{}}
		d.maps[name] = m
	}
	return m
}

// MapNames returns the names of all instantiated maps, sorted.
func (d *Doc) MapNames() []string {
	names := make([]string, 0, len(d.maps))
	for name := range d.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateVector returns a copy of the highest op sequence seen per replica.
func (d *Doc) StateVector() map[string]uint64 {
	out := make(map[string]uint64, len(d.vector))
	for r, s := range d.vector {
		out[r] = s
	}
	return out
}

// OnUpdate registers an observer called after each committed transaction.
// Observers run on the committing goroutine and must not mutate the doc;
// schedule follow-up work instead.
func (d *Doc) OnUpdate(fn func(UpdateInfo)) {
	d.observers = append(d.observers, fn)
}

// nextOp stamps a locally originated op and records it as pending.
func (d *Doc) nextOp(op Op) Op {
	d.seq++
	d.clock++
	op.Replica = d.replica
	op.Seq = d.seq
	op.Clock = d.clock
	d.vector[d.replica] = d.seq
	d.appendLog(op)
	d.pending = append(d.pending, op)
	return op
}

// ApplyOps merges remote ops into the document. Ops already covered by the
// state vector are dropped; the rest are recorded for relay regardless of
// whether they win their register. Returns the ops that were new.
func (d *Doc) ApplyOps(ops []Op) []Op {
	var applied []Op
	for _, op := range ops {
		if op.Replica == "" || op.Seq == 0 {
			continue
		}
		if op.Replica == d.replica {
			continue // echo of our own write
		}
		if op.Seq <= d.vector[op.Replica] {
			continue // already seen
		}
		d.vector[op.Replica] = maxU64(d.vector[op.Replica], op.Seq)
		if op.Clock > d.clock {
			d.clock = op.Clock
		}
		d.Map(op.Map).applyOp(op)
		d.appendLog(op)
		d.pending = append(d.pending, op)
		applied = append(applied, op)
	}
	return applied
}

// Commit fires observers for all pending ops and clears the batch.
// Mutations without a following Commit are still applied; they just
// piggyback on the next commit's notification.
func (d *Doc) Commit(origin Origin, source string) []Op {
	if len(d.pending) == 0 {
		return nil
	}
	ops := d.pending
	d.pending = nil

	changed := map[string][]string{}
	seen := map[string]map[string]bool{}
	for _, op := range ops {
		if seen[op.Map] == nil {
			seen[op.Map] = map[string]bool{}
		}
		if !seen[op.Map][op.Key] {
			seen[op.Map][op.Key] = true
			changed[op.Map] = append(changed[op.Map], op.Key)
		}
	}

	info := UpdateInfo{Origin: origin, Source: source, Ops: ops, Changed: changed}
	for _, fn := range d.observers {
		fn(info)
	}
	return ops
}

// OpsSince returns the logged ops a peer with the given vector is missing.
// complete is false when the log no longer covers the gap (the log was
// trimmed or the doc was loaded from a snapshot); callers then fall back to
// sending a full snapshot.
func (d *Doc) OpsSince(vector map[string]uint64) (ops []Op, complete bool) {
	// Lowest logged seq per replica tells us whether the log reaches back
	// far enough for each replica the peer is behind on.
	logMin := map[string]uint64{}
	for _, op := range d.log {
		if cur, ok := logMin[op.Replica]; !ok || op.Seq < cur {
			logMin[op.Replica] = op.Seq
		}
	}

	complete = true
	for replica, have := range d.vector {
		want := vector[replica]
		if have <= want {
			continue
		}
		min, ok := logMin[replica]
		if !ok || min > want+1 {
			complete = false
			break
		}
	}
	if !complete {
		return nil, false
	}

	for _, op := range d.log {
		if op.Seq > vector[op.Replica] {
			ops = append(ops, op)
		}
	}
	return ops, true
}

func (d *Doc) appendLog(op Op) {
	d.log = append(d.log, op)
	if len(d.log) > maxLogOps {
		d.log = append([]Op(nil), d.log[len(d.log)-maxLogOps:]...)
	}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
