// Package state implements the shared workflow state merged across routing
// turns. Every field declares a merge policy; concurrent writers never
// overwrite each other, they contribute updates that a pure reducer folds
// into the field deterministically. Ordering is decided by a monotonic
// sequence counter, not by wall-clock arrival, so out-of-order delivery
// converges to the same value.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownField is returned when an update names a field the schema
	// never declared. This is a configuration error and is never ignored.
	ErrUnknownField = errors.New("state: field not declared in schema")

	// ErrBadValue is returned when an update's value does not fit the
	// field's merge policy (say, a string written to a boolean-OR field).
	ErrBadValue = errors.New("state: value incompatible with field policy")
)

// Policy identifies a field's merge function.
type Policy int

const (
	// LastValue keeps the non-nil value with the highest sequence number.
	LastValue Policy = iota
	// BoolOr becomes true once any contributor writes true and stays true.
	BoolOr
	// Append grows an ordered log; entries sort by sequence, never truncate.
	Append
	// Max keeps the numeric maximum; counters never move backward.
	Max
)

func (p Policy) String() string {
	switch p {
	case LastValue:
		return "last_value"
	case BoolOr:
		return "bool_or"
	case Append:
		return "append"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Schema declares the fields a session's state may carry.
type Schema map[string]Policy

// Validate checks every declared policy is a known one.
func (s Schema) Validate() error {
	for name, p := range s {
		switch p {
		case LastValue, BoolOr, Append, Max:
		default:
			return fmt.Errorf("state: field %q has unknown merge policy %d", name, int(p))
		}
	}
	return nil
}

// Require verifies that every named field is declared. Components that
// write fixed fields call this at construction so a missing declaration
// fails at startup, not mid-session.
func (s Schema) Require(names ...string) error {
	for _, n := range names {
		if _, ok := s[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownField, n)
		}
	}
	return nil
}

// Update is one contribution to one field. Seq orders it relative to other
// contributions; obtain it from State.NextSeq at write time.
type Update struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Seq   uint64 `json:"seq"`
}

type appendEntry struct {
	Seq   uint64 `json:"seq"`
	Value any    `json:"value"`
}

// slot holds one field. Each slot has its own lock: independent fields
// merge concurrently without a whole-structure mutex.
type slot struct {
	mu      sync.Mutex
	policy  Policy
	value   any           // LastValue, BoolOr (bool), Max (float64)
	seq     uint64        // highest sequence applied (LastValue)
	entries []appendEntry // Append, kept sorted by Seq
	version uint64        // bumps on every applied update
}

// State is one session's merge-aware field container. The slot set is fixed
// at construction; only values change, only through Apply.
type State struct {
	schema Schema
	slots  map[string]*slot
	seq    atomic.Uint64
}

// New builds a State with every field at its zero value.
func New(schema Schema) (*State, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	slots := make(map[string]*slot, len(schema))
	for name, p := range schema {
		slots[name] = newSlot(p)
	}
	return &State{schema: schema, slots: slots}, nil
}

func newSlot(p Policy) *slot {
	s := &slot{policy: p}
	switch p {
	case BoolOr:
		s.value = false
	case Max:
		s.value = float64(0)
	}
	return s
}

// Schema returns the declared schema.
func (st *State) Schema() Schema { return st.schema }

// NextSeq hands out the next sequence number. One counter per session keeps
// LastValue ties impossible and Append ordering total.
func (st *State) NextSeq() uint64 { return st.seq.Add(1) }

// Apply merges one update through the field's declared policy.
func (st *State) Apply(u Update) error {
	sl, ok := st.slots[u.Field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, u.Field)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	switch sl.policy {
	case LastValue:
		if u.Value == nil {
			return nil // last-non-null: nil contributions are no-ops
		}
		if u.Seq >= sl.seq {
			sl.value = u.Value
			sl.seq = u.Seq
			sl.version++
		}
	case BoolOr:
		b, ok := u.Value.(bool)
		if !ok {
			return fmt.Errorf("%w: field %q wants bool, got %T", ErrBadValue, u.Field, u.Value)
		}
		sl.value = sl.value.(bool) || b
		sl.version++
	case Append:
		at := sort.Search(len(sl.entries), func(i int) bool { return sl.entries[i].Seq > u.Seq })
		sl.entries = append(sl.entries, appendEntry{})
		copy(sl.entries[at+1:], sl.entries[at:])
		sl.entries[at] = appendEntry{Seq: u.Seq, Value: u.Value}
		sl.version++
	case Max:
		f, err := toFloat(u.Value)
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrBadValue, u.Field, err)
		}
		if f > sl.value.(float64) {
			sl.value = f
		}
		sl.version++
	}
	return nil
}

// ApplyAll merges a batch of updates, stopping at the first failure.
func (st *State) ApplyAll(updates []Update) error {
	for _, u := range updates {
		if err := st.Apply(u); err != nil {
			return err
		}
	}
	return nil
}

// Get reads one field's merged value. Append fields render as a []any in
// sequence order.
func (st *State) Get(field string) (any, error) {
	sl, ok := st.slots[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.policy == Append {
		out := make([]any, len(sl.entries))
		for i, e := range sl.entries {
			out[i] = e.Value
		}
		return out, nil
	}
	return sl.value, nil
}

// GetBool reads a BoolOr field.
func (st *State) GetBool(field string) (bool, error) {
	v, err := st.Get(field)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: field %q is not boolean", ErrBadValue, field)
	}
	return b, nil
}

// GetList reads an Append field.
func (st *State) GetList(field string) ([]any, error) {
	v, err := st.Get(field)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not a list", ErrBadValue, field)
	}
	return l, nil
}

// GetFloat reads a Max field.
func (st *State) GetFloat(field string) (float64, error) {
	v, err := st.Get(field)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is not numeric", ErrBadValue, field)
	}
	return f, nil
}

// Version returns how many updates have been applied to the field.
func (st *State) Version(field string) (uint64, error) {
	sl, ok := st.slots[field]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.version, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
