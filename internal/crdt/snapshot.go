package crdt

import "encoding/json"

// SnapReg is the serialized form of a register.
type SnapReg struct {
	V any                `json:"v,omitempty"`
	C uint64             `json:"c,omitempty"`
	S uint64             `json:"s,omitempty"`
	R string             `json:"r,omitempty"`
	D bool               `json:"d,omitempty"`
	F map[string]SnapReg `json:"f,omitempty"`
}

// Snapshot is the serializable state of a document: every register with its
// write stamp, plus the state vector covering superseded writes.
type Snapshot struct {
	Clock  uint64                        `json:"clock"`
	Vector map[string]uint64             `json:"vector"`
	Maps   map[string]map[string]SnapReg `json:"maps"`
}

// Snapshot captures the full document state including tombstones. This is
// the form exchanged during sync when the op log cannot cover a peer's gap.
func (d *Doc) Snapshot() *Snapshot {
	return d.snapshot(false)
}

// CompactSnapshot captures only the visible state, shedding tombstones and
// superseded submap fields. This is the form written to disk; the write
// stamps of surviving registers are preserved so reloads merge cleanly.
func (d *Doc) CompactSnapshot() *Snapshot {
	return d.snapshot(true)
}

func (d *Doc) snapshot(compact bool) *Snapshot {
	snap := &Snapshot{
		Clock:  d.clock,
		Vector: d.StateVector(),
		Maps:   map[string]map[string]SnapReg{},
	}
	for name, m := range d.maps {
		regs := map[string]SnapReg{}
		for key, reg := range m.regs {
			sr, ok := encodeRegister(reg, compact)
			if !ok {
				continue
			}
			regs[key] = sr
		}
		if len(regs) > 0 {
			snap.Maps[name] = regs
		}
	}
	return snap
}

func encodeRegister(reg *register, compact bool) (SnapReg, bool) {
	sr := SnapReg{}
	topWritten := reg.clock > 0 || reg.replica != ""
	if topWritten && !(compact && reg.deleted) {
		sr.V = reg.value
		sr.C = reg.clock
		sr.S = reg.seq
		sr.R = reg.replica
		sr.D = reg.deleted
	}
	for name, field := range reg.fields {
		if compact {
			if field.deleted || field.wins(reg.clock, reg.replica) {
				continue
			}
		}
		if sr.F == nil {
			sr.F = map[string]SnapReg{}
		}
		sr.F[name] = SnapReg{
			V: field.value,
			C: field.clock,
			S: field.seq,
			R: field.replica,
			D: field.deleted,
		}
	}
	if sr.R == "" && sr.F == nil {
		return SnapReg{}, false
	}
	return sr, true
}

// Encode serializes the snapshot to bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// EncodeSnapshot serializes the full document state to bytes.
func (d *Doc) EncodeSnapshot() ([]byte, error) {
	return d.Snapshot().Encode()
}

// EncodeCompactSnapshot serializes the visible document state to bytes.
func (d *Doc) EncodeCompactSnapshot() ([]byte, error) {
	return d.CompactSnapshot().Encode()
}

// DecodeSnapshot parses snapshot bytes.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ApplySnapshot merges a snapshot into the document. Each register merges by
// LWW; registers that advance the state vector are logged and queued for
// relay like ordinary remote ops. The snapshot's vector is merged last so it
// covers writes the snapshot itself superseded.
func (d *Doc) ApplySnapshot(snap *Snapshot) {
	if snap == nil {
		return
	}
	for mapName, regs := range snap.Maps {
		for key, sr := range regs {
			if sr.R != "" {
				d.applySnapOp(Op{
					Replica: sr.R,
					Seq:     sr.S,
					Clock:   sr.C,
					Map:     mapName,
					Key:     key,
					Delete:  sr.D,
					Value:   sr.V,
				})
			}
			for field, fr := range sr.F {
				if fr.R == "" {
					continue
				}
				d.applySnapOp(Op{
					Replica: fr.R,
					Seq:     fr.S,
					Clock:   fr.C,
					Map:     mapName,
					Key:     key,
					Field:   field,
					Delete:  fr.D,
					Value:   fr.V,
				})
			}
		}
	}

	for replica, seq := range snap.Vector {
		if seq > d.vector[replica] {
			d.vector[replica] = seq
		}
		if replica == d.replica && seq > d.seq {
			d.seq = seq
		}
	}
	if snap.Clock > d.clock {
		d.clock = snap.Clock
	}
}

// applySnapOp merges one snapshot register. Unlike ApplyOps this accepts the
// local replica's own writes (a restarted node reloading its state) and
// applies LWW even for ops the vector already covers, since a merged vector
// can run ahead of merged registers.
func (d *Doc) applySnapOp(op Op) {
	advanced := op.Seq > d.vector[op.Replica]
	if advanced {
		d.vector[op.Replica] = op.Seq
		if op.Replica == d.replica && op.Seq > d.seq {
			d.seq = op.Seq
		}
	}
	if op.Clock > d.clock {
		d.clock = op.Clock
	}
	d.Map(op.Map).applyOp(op)
	if advanced {
		d.appendLog(op)
		d.pending = append(d.pending, op)
	}
}
