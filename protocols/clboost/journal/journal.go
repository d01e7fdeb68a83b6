// Package journal records undo actions for in-memory state so that a failed
// operation can be rolled back to the exact state it started from.
package journal

// Journal is an undo log. It is not safe for concurrent use; callers hold the
// owning pool's write lock for the duration of an operation.
type Journal struct {
	undo     []func()
	onCommit []func()
}

func New() *Journal {
	return &Journal{}
}

// Record registers fn to be run if the current operation is rolled back.
// A nil journal records nothing.
func (j *Journal) Record(fn func()) {
	if j == nil {
		return
	}
	j.undo = append(j.undo, fn)
}

// OnCommit defers fn until the current operation commits. A nil journal runs
// fn immediately.
func (j *Journal) OnCommit(fn func()) {
	if j == nil {
		fn()
		return
	}
	j.onCommit = append(j.onCommit, fn)
}

// Len returns the number of pending undo entries.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.undo)
}

// Rollback runs the undo entries newest first and drops pending commit hooks.
// It returns the number of entries undone.
func (j *Journal) Rollback() int {
	n := len(j.undo)
	for i := n - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.reset()
	return n
}

// Commit discards the undo entries and runs the commit hooks in order.
func (j *Journal) Commit() {
	hooks := j.onCommit
	j.reset()
	for _, fn := range hooks {
		fn()
	}
}

// Settle is meant to be deferred with a pointer to the operation's named error
// result. It rolls back on error or panic and commits otherwise. A panic is
// re-raised after the rollback.
func (j *Journal) Settle(err *error) {
	if r := recover(); r != nil {
		j.Rollback()
		panic(r)
	}
	if err != nil && *err != nil {
		j.Rollback()
		return
	}
	j.Commit()
}

func (j *Journal) reset() {
	j.undo = j.undo[:0]
	j.onCommit = j.onCommit[:0]
}

// Set assigns v to *ptr and records the previous value.
func Set[T any](j *Journal, ptr *T, v T) {
	prev := *ptr
	j.Record(func() { *ptr = prev })
	*ptr = v
}

// MapSet assigns m[k] = v and records how to restore the previous entry,
// including its absence.
func MapSet[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	prev, existed := m[k]
	j.Record(func() {
		if existed {
			m[k] = prev
			return
		}
		delete(m, k)
	})
	m[k] = v
}

// MapDelete removes m[k] and records how to restore it.
func MapDelete[K comparable, V any](j *Journal, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	j.Record(func() { m[k] = prev })
	delete(m, k)
}
