package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		"summary":     LastValue,
		"approved":    BoolOr,
		"work_log":    Append,
		"error_count": Max,
	}
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, testSchema().Validate())

	bad := Schema{"x": Policy(99)}
	assert.Error(t, bad.Validate())
}

func TestSchemaRequire(t *testing.T) {
	s := testSchema()
	require.NoError(t, s.Require("summary", "work_log"))
	err := s.Require("summary", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestApplyUndeclaredField(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	err = st.Apply(Update{Field: "ghost", Value: 1, Seq: st.NextSeq()})
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestLastValueIgnoresNil(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	require.NoError(t, st.Apply(Update{Field: "summary", Value: "first", Seq: st.NextSeq()}))
	require.NoError(t, st.Apply(Update{Field: "summary", Value: nil, Seq: st.NextSeq()}))

	v, err := st.Get("summary")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestLastValueOrdersBySequenceNotArrival(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	early := st.NextSeq()
	late := st.NextSeq()

	// Deliver the later write first; the earlier one must not win.
	require.NoError(t, st.Apply(Update{Field: "summary", Value: "new", Seq: late}))
	require.NoError(t, st.Apply(Update{Field: "summary", Value: "old", Seq: early}))

	v, err := st.Get("summary")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestBoolOrIsSticky(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	require.NoError(t, st.Apply(Update{Field: "approved", Value: true, Seq: st.NextSeq()}))
	require.NoError(t, st.Apply(Update{Field: "approved", Value: false, Seq: st.NextSeq()}))

	v, err := st.GetBool("approved")
	require.NoError(t, err)
	assert.True(t, v, "a flag set true must stay true")
}

func TestBoolOrRejectsNonBool(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	err = st.Apply(Update{Field: "approved", Value: "yes", Seq: st.NextSeq()})
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestAppendOrdersBySequence(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	s1 := st.NextSeq()
	s2 := st.NextSeq()
	s3 := st.NextSeq()

	require.NoError(t, st.Apply(Update{Field: "work_log", Value: "c", Seq: s3}))
	require.NoError(t, st.Apply(Update{Field: "work_log", Value: "a", Seq: s1}))
	require.NoError(t, st.Apply(Update{Field: "work_log", Value: "b", Seq: s2}))

	got, err := st.GetList("work_log")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, got)
}

func TestMaxNeverMovesBackward(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	require.NoError(t, st.Apply(Update{Field: "error_count", Value: 5, Seq: st.NextSeq()}))
	require.NoError(t, st.Apply(Update{Field: "error_count", Value: 3, Seq: st.NextSeq()}))

	v, err := st.GetFloat("error_count")
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)
}

func TestConcurrentFieldWrites(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = st.Apply(Update{Field: "work_log", Value: w, Seq: st.NextSeq()})
				_ = st.Apply(Update{Field: "error_count", Value: i, Seq: st.NextSeq()})
			}
		}(w)
	}
	wg.Wait()

	log, err := st.GetList("work_log")
	require.NoError(t, err)
	assert.Len(t, log, writers*perWriter, "append never drops entries")

	max, err := st.GetFloat("error_count")
	require.NoError(t, err)
	assert.Equal(t, float64(perWriter-1), max)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)

	require.NoError(t, st.Apply(Update{Field: "summary", Value: "done", Seq: st.NextSeq()}))
	require.NoError(t, st.Apply(Update{Field: "approved", Value: true, Seq: st.NextSeq()}))
	require.NoError(t, st.Apply(Update{Field: "work_log", Value: "unit-1", Seq: st.NextSeq()}))
	require.NoError(t, st.Apply(Update{Field: "error_count", Value: 2, Seq: st.NextSeq()}))

	raw, err := st.Snapshot().Encode()
	require.NoError(t, err)

	snap, err := DecodeSnapshot(raw)
	require.NoError(t, err)

	restored, err := Restore(testSchema(), snap)
	require.NoError(t, err)

	v, _ := restored.Get("summary")
	assert.Equal(t, "done", v)
	b, _ := restored.GetBool("approved")
	assert.True(t, b)
	l, _ := restored.GetList("work_log")
	assert.Equal(t, []any{"unit-1"}, l)
	f, _ := restored.GetFloat("error_count")
	assert.Equal(t, float64(2), f)

	// The counter survives: new sequences continue past old ones.
	assert.Greater(t, restored.NextSeq(), uint64(4))
}

func TestRestoreRejectsPolicyDrift(t *testing.T) {
	st, err := New(testSchema())
	require.NoError(t, err)
	snap := st.Snapshot()

	drifted := testSchema()
	drifted["summary"] = Append
	_, err = Restore(drifted, snap)
	assert.Error(t, err)
}
