package bonsai

import (
	"bytes"
	"sort"
)

// Change records one key's transition in a commit. A nil Value removes the
// key; a nil Prev means the key was absent before.
type Change struct {
	Key   Path
	Value *Felt
	Prev  *Felt
}

// ChangeSet is the change log entry of one commit, sorted by key.
type ChangeSet struct {
	ID      CommitID
	Changes []Change
}

// pending is an uncommitted write: a value, or nil for a removal.
type pending struct {
	key   Path
	value *Felt
}

// workingSet is a trie being mutated on top of a committed root.
type workingSet struct {
	base    node
	root    node
	pending map[string]pending
}

func newWorkingSet(base node) workingSet {
	return workingSet{base: base, root: base, pending: map[string]pending{}}
}

func (w *workingSet) insert(key Path, value Felt) {
	w.root = insert(w.root, triePath(key), 0, value)
	w.pending[string(encodePath(key))] = pending{key: key, value: &value}
}

func (w *workingSet) remove(key Path) {
	w.root, _ = remove(w.root, triePath(key), 0)
	w.pending[string(encodePath(key))] = pending{key: key}
}

func (w *workingSet) get(key Path) (Felt, bool) {
	return lookup(w.root, triePath(key))
}

func (w *workingSet) dirty() bool {
	return len(w.pending) > 0
}

// changeSet diffs the pending writes against the base and drops writes
// that end where they started.
func (w *workingSet) changeSet(id CommitID) *ChangeSet {
	cs := &ChangeSet{ID: id}
	for _, p := range w.pending {
		var prev *Felt
		if v, ok := lookup(w.base, triePath(p.key)); ok {
			prev = feltPtr(v)
		}
		if sameValue(prev, p.value) {
			continue
		}
		cs.Changes = append(cs.Changes, Change{Key: p.key, Value: p.value, Prev: prev})
	}
	sortChanges(cs.Changes)
	return cs
}

func sameValue(a, b *Felt) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		return bytes.Compare(encodePath(changes[i].Key), encodePath(changes[j].Key)) < 0
	})
}

// rebase recomputes the previous values of cs against root, so a change set
// recorded on one trie can be logged against another with equal contents.
func rebase(cs *ChangeSet, root node) *ChangeSet {
	out := &ChangeSet{ID: cs.ID, Changes: make([]Change, len(cs.Changes))}
	for i, c := range cs.Changes {
		c.Prev = nil
		if v, ok := lookup(root, triePath(c.Key)); ok {
			c.Prev = feltPtr(v)
		}
		out.Changes[i] = c
	}
	return out
}
