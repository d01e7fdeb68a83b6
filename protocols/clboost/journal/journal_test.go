package journal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollback(t *testing.T) {
	j := New()
	x := 1
	m := map[string]int{"a": 1}

	Set(j, &x, 2)
	Set(j, &x, 3)
	MapSet(j, m, "a", 10)
	MapSet(j, m, "b", 20)
	MapDelete(j, m, "a")

	assert.Equal(t, 3, x)
	assert.Equal(t, map[string]int{"b": 20}, m)
	assert.Equal(t, 5, j.Len())

	assert.Equal(t, 5, j.Rollback())
	assert.Equal(t, 1, x)
	assert.Equal(t, map[string]int{"a": 1}, m)
	assert.Zero(t, j.Len())
}

func TestCommitRunsHooksOnce(t *testing.T) {
	j := New()
	x := 0
	calls := 0
	Set(j, &x, 5)
	j.OnCommit(func() { calls++ })

	j.Commit()
	assert.Equal(t, 5, x)
	assert.Equal(t, 1, calls)

	// hooks and undo entries are cleared
	j.Rollback()
	assert.Equal(t, 5, x)
	assert.Equal(t, 1, calls)
}

func TestSettle(t *testing.T) {
	op := func(j *Journal, x *int, fail bool) (err error) {
		defer j.Settle(&err)
		Set(j, x, *x+1)
		j.OnCommit(func() { *x += 100 })
		if fail {
			return errors.New("boom")
		}
		return nil
	}

	j := New()
	x := 0
	require.Error(t, op(j, &x, true))
	assert.Equal(t, 0, x, "rolled back and hook dropped")

	require.NoError(t, op(j, &x, false))
	assert.Equal(t, 101, x)
}

func TestSettleRollsBackOnPanic(t *testing.T) {
	j := New()
	x := 0
	assert.Panics(t, func() {
		var err error
		defer j.Settle(&err)
		Set(j, &x, 7)
		panic("boom")
	})
	assert.Equal(t, 0, x)
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	x := 0
	Set(j, &x, 1)
	assert.Equal(t, 1, x)

	ran := false
	j.OnCommit(func() { ran = true })
	assert.True(t, ran)
	assert.Zero(t, j.Len())
}
