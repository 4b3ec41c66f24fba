package state

import (
	"encoding/json"
	"fmt"
)

// fieldSnapshot is one field's durable form. Append fields keep their
// per-entry sequences so merges stay deterministic after a restore.
type fieldSnapshot struct {
	Policy  Policy        `json:"policy"`
	Value   any           `json:"value,omitempty"`
	Seq     uint64        `json:"seq,omitempty"`
	Entries []appendEntry `json:"entries,omitempty"`
	Version uint64        `json:"version"`
}

// Snapshot is the JSON-serializable image of a State, suitable for a
// checkpoint store.
type Snapshot struct {
	Counter uint64                   `json:"counter"`
	Fields  map[string]fieldSnapshot `json:"fields"`
}

// Snapshot captures every field plus the sequence counter.
func (st *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		Counter: st.seq.Load(),
		Fields:  make(map[string]fieldSnapshot, len(st.slots)),
	}
	for name, sl := range st.slots {
		sl.mu.Lock()
		fs := fieldSnapshot{Policy: sl.policy, Seq: sl.seq, Version: sl.version}
		if sl.policy == Append {
			fs.Entries = make([]appendEntry, len(sl.entries))
			copy(fs.Entries, sl.entries)
		} else {
			fs.Value = sl.value
		}
		sl.mu.Unlock()
		snap.Fields[name] = fs
	}
	return snap
}

// MarshalJSON is implemented on Snapshot implicitly via struct tags; Encode
// is the convenience used by checkpoint writers.
func (s *Snapshot) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("state: encode snapshot: %w", err)
	}
	return raw, nil
}

// DecodeSnapshot parses a snapshot previously produced by Encode.
func DecodeSnapshot(raw json.RawMessage) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("state: decode snapshot: %w", err)
	}
	return &s, nil
}

// Restore rebuilds a State from a snapshot. The schema must declare every
// snapshotted field with the same policy; a drifted schema is a
// configuration error, surfaced rather than silently remapped.
func Restore(schema Schema, snap *Snapshot) (*State, error) {
	st, err := New(schema)
	if err != nil {
		return nil, err
	}
	for name, fs := range snap.Fields {
		sl, ok := st.slots[name]
		if !ok {
			return nil, fmt.Errorf("%w: snapshot field %q", ErrUnknownField, name)
		}
		if sl.policy != fs.Policy {
			return nil, fmt.Errorf("state: field %q policy drift: schema %s, snapshot %s",
				name, sl.policy, fs.Policy)
		}
		sl.seq = fs.Seq
		sl.version = fs.Version
		if sl.policy == Append {
			sl.entries = append(sl.entries[:0], fs.Entries...)
			continue
		}
		sl.value = normalize(sl.policy, fs.Value)
	}
	st.seq.Store(snap.Counter)
	return st, nil
}

// normalize repairs JSON round-trip artifacts: a Max field decodes as
// float64 already, a BoolOr nil (never written) returns to false.
func normalize(p Policy, v any) any {
	switch p {
	case BoolOr:
		if v == nil {
			return false
		}
	case Max:
		if v == nil {
			return float64(0)
		}
	}
	return v
}
