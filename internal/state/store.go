// Package state owns the process-wide replicated document. All
// mutations are serialized through the Store's writer lock and observer
// notifications are delivered outside it, in commit order, so observers
// can read freely without reentering a commit.
package state

import (
	"sync"

	"github.com/ansible-dev/ansible/internal/crdt"
)

// Tx is the mutable view handed to Update callbacks.
type Tx struct {
	doc *crdt.Doc
}

// Map returns a named map for reading and writing.
func (tx *Tx) Map(name string) *crdt.Map {
	return tx.doc.Map(name)
}

// View is the read-only view handed to View callbacks. Calling write
// methods on maps obtained here is a programming error; writes belong
// in Update.
type View struct {
	doc *crdt.Doc
}

// Map returns a named map for reading.
func (v *View) Map(name string) *crdt.Map {
	return v.doc.Map(name)
}

// Store wraps the document with writer serialization and ordered
// observer fan-out.
type Store struct {
	mu  sync.RWMutex
	doc *crdt.Doc

	// queue collects commit notifications under mu; flush drains it in
	// order outside mu. flushing marks the single active drainer.
	queue    []crdt.UpdateInfo
	flushing bool

	subMu  sync.Mutex
	subs   map[int]func(crdt.UpdateInfo)
	nextID int
}

// NewStore creates a store around a fresh document for the given
// replica.
func NewStore(nodeID string) *Store {
	s := &Store{
		doc:  crdt.NewDoc(nodeID),
		subs: make(map[int]func(crdt.UpdateInfo)),
	}
	s.doc.OnUpdate(func(info crdt.UpdateInfo) {
		s.queue = append(s.queue, info)
	})
	return s
}

// ReplicaID returns the document's replica id (the node id).
func (s *Store) ReplicaID() string {
	return s.doc.ReplicaID()
}

// Subscribe registers an observer for committed updates and returns an
// unsubscribe func. Observers run sequentially in commit order; they
// may call View and Update, but long work should be scheduled, not run
// inline.
func (s *Store) Subscribe(fn func(crdt.UpdateInfo)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// Update runs fn under the writer lock and commits its writes. When fn
// returns an error the error is passed through; handlers validate
// before writing, so an aborted call stages nothing.
func (s *Store) Update(source string, fn func(tx *Tx) error) error {
	s.mu.Lock()
	err := fn(&Tx{doc: s.doc})
	s.doc.Commit(crdt.OriginLocal, source)
	s.mu.Unlock()
	s.flush()
	return err
}

// View runs fn under the read lock.
func (s *Store) View(fn func(v *View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&View{doc: s.doc})
}

// ApplyRemote merges ops received from a peer and returns the ones that
// were new, which the transport relays onward.
func (s *Store) ApplyRemote(source string, ops []crdt.Op) []crdt.Op {
	s.mu.Lock()
	applied := s.doc.ApplyOps(ops)
	s.doc.Commit(crdt.OriginRemote, source)
	s.mu.Unlock()
	s.flush()
	return applied
}

// MergeSnapshot merges a full peer snapshot and returns the novel ops
// for relay.
func (s *Store) MergeSnapshot(source string, snap *crdt.Snapshot) []crdt.Op {
	s.mu.Lock()
	s.doc.ApplySnapshot(snap)
	ops := s.doc.Commit(crdt.OriginRemote, source)
	s.mu.Unlock()
	s.flush()
	return ops
}

// LoadSnapshot merges a snapshot read from disk before any peer is
// connected.
func (s *Store) LoadSnapshot(snap *crdt.Snapshot) {
	s.mu.Lock()
	s.doc.ApplySnapshot(snap)
	s.doc.Commit(crdt.OriginLocal, "load")
	s.mu.Unlock()
	s.flush()
}

// Snapshot returns the full-fidelity snapshot, tombstones included.
func (s *Store) Snapshot() *crdt.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Snapshot()
}

// CompactSnapshot returns the visible-state-only snapshot used for
// persistence.
func (s *Store) CompactSnapshot() *crdt.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.CompactSnapshot()
}

// StateVector returns the per-replica high-water marks for delta sync.
func (s *Store) StateVector() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.StateVector()
}

// OpsSince returns ops a peer at the given vector is missing, and
// whether the local log still covers that far back. Callers fall back
// to a full snapshot when it does not.
func (s *Store) OpsSince(vector map[string]uint64) ([]crdt.Op, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.OpsSince(vector)
}

// GetValue reads one key from a named map.
func (s *Store) GetValue(mapName, key string) (any, bool) {
	var v any
	var ok bool
	s.View(func(view *View) {
		v, ok = view.Map(mapName).Get(key)
	})
	return v, ok
}

// Entries returns a copy of a named map's visible entries.
func (s *Store) Entries(mapName string) map[string]any {
	entries := make(map[string]any)
	s.View(func(view *View) {
		for _, e := range view.Map(mapName).Entries() {
			entries[e.Key] = e.Value
		}
	})
	return entries
}

// Keys returns a named map's visible keys in sorted order.
func (s *Store) Keys(mapName string) []string {
	var keys []string
	s.View(func(view *View) {
		keys = view.Map(mapName).Keys()
	})
	return keys
}

// Len returns the number of visible keys in a named map.
func (s *Store) Len(mapName string) int {
	var n int
	s.View(func(view *View) {
		n = view.Map(mapName).Len()
	})
	return n
}

// flush drains queued notifications in commit order. Only one drainer
// is active at a time; commits arriving while it runs are picked up on
// its next loop, so a later commit can never overtake an earlier one
// and an observer that commits inline cannot deadlock.
func (s *Store) flush() {
	s.mu.Lock()
	if s.flushing || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.queue) > 0 {
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, info := range batch {
			for _, sub := range s.snapshotSubs() {
				sub(info)
			}
		}
		s.mu.Lock()
	}
	s.flushing = false
	s.mu.Unlock()
}

func (s *Store) snapshotSubs() []func(crdt.UpdateInfo) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]func(crdt.UpdateInfo), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}
