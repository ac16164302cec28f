// Package state provides journaled containers whose writes can be undone.
// Every mutation appends an undo entry to a shared Journal; a failed call
// reverts the journal to the snapshot taken when the call began, which makes
// calls spanning several components all-or-nothing.
package state

// Journal records undo operations for the containers bound to it.
type Journal struct {
	entries []func()
	depth   int
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Snapshot returns an identifier for the current journal position.
func (j *Journal) Snapshot() int {
	return len(j.entries)
}

// RevertToSnapshot undoes every write made after the snapshot was taken.
func (j *Journal) RevertToSnapshot(id int) {
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:id]
}

// Atomic runs fn and reverts its writes if it returns an error or panics.
// Nested calls revert only their own writes; the journal is discarded once
// the outermost call succeeds.
func (j *Journal) Atomic(fn func() error) (err error) {
	snap := j.Snapshot()
	j.depth++
	defer func() {
		j.depth--
		if r := recover(); r != nil {
			j.RevertToSnapshot(snap)
			panic(r)
		}
		if err != nil {
			j.RevertToSnapshot(snap)
			return
		}
		if j.depth == 0 {
			j.entries = j.entries[:0]
		}
	}()
	return fn()
}

// Len reports the number of pending undo entries.
func (j *Journal) Len() int {
	return len(j.entries)
}

func (j *Journal) append(undo func()) {
	j.entries = append(j.entries, undo)
}
