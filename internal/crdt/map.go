package crdt

import "sort"

// register is a single LWW cell. A register may additionally carry field
// registers (the nested submap primitive); a field is visible when its write
// is newer than the register's own top-level write.
type register struct {
	value   any
	clock   uint64
	seq     uint64
	replica string
	deleted bool
	fields  map[string]*register
}

// wins reports whether a write stamped (clock, replica) supersedes r.
func (r *register) wins(clock uint64, replica string) bool {
	if clock != r.clock {
		return clock > r.clock
	}
	return replica > r.replica
}

// Map is a named map of registers inside a Doc.
type Map struct {
	doc  *Doc
	name string
	regs map[string]*register
}

// Name returns the map's name.
func (m *Map) Name() string { return m.name }

// Set writes a full value for key, replacing any submap fields older than
// this write.
func (m *Map) Set(key string, value any) {
	op := m.doc.nextOp(Op{Map: m.name, Key: key, Value: deepCopy(value)})
	m.applyLocal(op)
}

// Delete tombstones key. Older submap fields are hidden by the tombstone.
func (m *Map) Delete(key string) {
	op := m.doc.nextOp(Op{Map: m.name, Key: key, Delete: true})
	m.applyLocal(op)
}

// SetField writes one field of key's nested submap in place, leaving the
// rest of the record untouched. Used for high-frequency fields (heartbeat
// pulses) where whole-record replacement would accrue a tombstone per write.
func (m *Map) SetField(key, field string, value any) {
	op := m.doc.nextOp(Op{Map: m.name, Key: key, Field: field, Value: deepCopy(value)})
	m.applyLocal(op)
}

// Get returns the visible value for key. Submap fields newer than the
// top-level write are overlaid onto it; map-shaped values are returned as
// copies and safe to mutate.
func (m *Map) Get(key string) (any, bool) {
	reg, ok := m.regs[key]
	if !ok {
		return nil, false
	}
	return reg.visible()
}

// Has reports whether key has a visible value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the number of keys with visible values.
func (m *Map) Len() int {
	n := 0
	for _, reg := range m.regs {
		if _, ok := reg.visible(); ok {
			n++
		}
	}
	return n
}

// Keys returns all keys with visible values, sorted.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.regs))
	for key, reg := range m.regs {
		if _, ok := reg.visible(); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Values returns all visible values in key order.
func (m *Map) Values() []any {
	keys := m.Keys()
	values := make([]any, 0, len(keys))
	for _, key := range keys {
		v, _ := m.Get(key)
		values = append(values, v)
	}
	return values
}

// Entry is one key/value pair of a map.
type Entry struct {
	Key   string
	Value any
}

// Entries returns all visible entries in key order.
func (m *Map) Entries() []Entry {
	keys := m.Keys()
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		v, _ := m.Get(key)
		entries = append(entries, Entry{Key: key, Value: v})
	}
	return entries
}

// applyLocal applies a locally stamped op; local stamps always carry a fresh
// clock so they win against the current register by construction.
func (m *Map) applyLocal(op Op) {
	m.applyOp(op)
}

// applyOp merges one op into the map by LWW order. Losing ops leave the
// register untouched.
func (m *Map) applyOp(op Op) {
	reg, ok := m.regs[op.Key]
	if !ok {
		reg = &register{}
		m.regs[op.Key] = reg
	}

	if op.Field != "" {
		if reg.fields == nil {
			reg.fields = map[string]*register{}
		}
		field, ok := reg.fields[op.Field]
		if !ok {
			field = &register{}
			reg.fields[op.Field] = field
		}
		if field.wins(op.Clock, op.Replica) {
			field.value = op.Value
			field.clock = op.Clock
			field.seq = op.Seq
			field.replica = op.Replica
			field.deleted = op.Delete
		}
		return
	}

	if reg.wins(op.Clock, op.Replica) {
		reg.value = op.Value
		reg.clock = op.Clock
		reg.seq = op.Seq
		reg.replica = op.Replica
		reg.deleted = op.Delete
	}
}

// visible resolves the register's current value: the top-level write,
// overlaid with any submap fields written after it.
func (r *register) visible() (any, bool) {
	// Partition fields into live overlays and live deletions; fields
	// superseded by a newer top-level write are dropped entirely.
	var live map[string]*register
	var removed []string
	for name, field := range r.fields {
		if field.wins(r.clock, r.replica) {
			continue // top-level write is newer than this field
		}
		if field.deleted {
			removed = append(removed, name)
			continue
		}
		if live == nil {
			live = map[string]*register{}
		}
		live[name] = field
	}

	topLive := !r.deleted && r.value != nil

	if live == nil && removed == nil {
		if !topLive {
			return nil, false
		}
		return deepCopy(r.value), true
	}

	merged := map[string]any{}
	if topLive {
		if asMap, ok := r.value.(map[string]any); ok {
			merged = copyMap(asMap)
		}
		// A scalar top-level value outranked by field writes is dropped;
		// the fields rebuild the record.
	}
	for _, name := range removed {
		delete(merged, name)
	}
	for name, field := range live {
		merged[name] = deepCopy(field.value)
	}

	if len(merged) == 0 && !topLive {
		return nil, false
	}
	return merged, true
}

// deepCopy clones JSON-shaped values so map internals never alias caller
// memory.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}
