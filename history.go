package bonsai

import (
	"context"
	"fmt"
	"time"
)

// history is the read side of a change log: the backend log of a Storage
// or the private log of a TransactionalState.
type history interface {
	// nearestSnapshot returns the newest snapshot taken at or before id.
	nearestSnapshot(ctx context.Context, id CommitID) (CommitID, node, bool, error)
	// changes calls fn with the change sets whose ids lie in [from, to].
	changes(ctx context.Context, from, to CommitID, descending bool, fn func(*ChangeSet) error) error
	rootHash(ctx context.Context, id CommitID) (Felt, bool, error)
	// replayFloor reports that change sets up to and including the
	// returned id are not available.
	replayFloor() (CommitID, bool)
}

// revision is a committed trie and its id.
type revision struct {
	id   CommitID
	root node
}

// materializer rebuilds the trie of a committed revision.
type materializer interface {
	materialize(ctx context.Context, h history, head revision, target CommitID) (node, error)
}

func materializerFor(s Strategy) materializer {
	if s == RevertFromHead {
		return headRevert{}
	}
	return snapshotReplay{}
}

// snapshotReplay starts from the nearest snapshot and applies change sets
// forward. Without a usable snapshot it starts from the empty trie, which
// needs the whole log, or else defers to headRevert.
type snapshotReplay struct{}

func (r snapshotReplay) materialize(ctx context.Context, h history, head revision, target CommitID) (node, error) {
	root, ok, err := r.replay(ctx, h, target)
	if err != nil || ok {
		return root, err
	}
	return headRevert{}.materialize(ctx, h, head, target)
}

// replay reports false when pruning removed change sets it would need.
func (snapshotReplay) replay(ctx context.Context, h history, target CommitID) (node, bool, error) {
	snapID, root, ok, err := h.nearestSnapshot(ctx, target)
	if err != nil {
		return nil, false, err
	}
	floor, pruned := h.replayFloor()
	var from CommitID
	switch {
	case ok && (!pruned || snapID >= floor):
		if snapID == target {
			return root, true, nil
		}
		from = snapID + 1
	case !pruned:
		root, from = nil, 0
	default:
		return nil, false, nil
	}
	err = h.changes(ctx, from, target, false, func(cs *ChangeSet) error {
		root = applyChanges(root, cs.Changes)
		return nil
	})
	return root, err == nil, err
}

// headRevert undoes change sets from head back down to target using the
// previous values they record.
type headRevert struct{}

func (headRevert) materialize(ctx context.Context, h history, head revision, target CommitID) (node, error) {
	if target > head.id {
		return nil, fmt.Errorf("%w: %d is after head %d", ErrNotFound, target, head.id)
	}
	root := head.root
	err := h.changes(ctx, target+1, head.id, true, func(cs *ChangeSet) error {
		root = revertChanges(root, cs.Changes)
		return nil
	})
	return root, err
}

// materializeVerified rebuilds target with m and checks the result against
// the root hash recorded at commit time.
func materializeVerified(ctx context.Context, m materializer, h history, head revision, target CommitID, hasher Hasher) (node, error) {
	want, ok, err := h.rootHash(ctx, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, target)
	}
	if target == head.id {
		return head.root, nil
	}
	start := time.Now()
	root, err := m.materialize(ctx, h, head, target)
	if err != nil {
		return nil, fmt.Errorf("materialize %d: %w", target, err)
	}
	if got := rootHash(root, hasher); !got.Equal(want) {
		return nil, fmt.Errorf("%w: revision %d rebuilt with root %v, recorded %v", ErrCorrupted, target, got, want)
	}
	reconstructSeconds.Observe(time.Since(start).Seconds())
	return root, nil
}

// memEntry is one committed point of a private log. The first entry is
// the base revision the log was branched from.
type memEntry struct {
	id   CommitID
	cs   *ChangeSet
	hash Felt
	// root is kept at the base and every snapshot interval.
	root     node
	snapshot bool
}

// memHistory is the in-memory change log of a transactional state.
type memHistory struct {
	interval uint64
	entries  []memEntry
}

var _ history = (*memHistory)(nil)

func newMemHistory(base revision, hasher Hasher, interval uint64) *memHistory {
	return &memHistory{
		interval: interval,
		entries: []memEntry{{
			id:       base.id,
			hash:     rootHash(base.root, hasher),
			root:     base.root,
			snapshot: true,
		}},
	}
}

func (m *memHistory) base() CommitID { return m.entries[0].id }

func (m *memHistory) head() memEntry { return m.entries[len(m.entries)-1] }

func (m *memHistory) append(cs *ChangeSet, root node, hash Felt) {
	e := memEntry{id: cs.ID, cs: cs, hash: hash}
	if uint64(len(m.entries))%m.interval == 0 {
		e.root, e.snapshot = root, true
	}
	m.entries = append(m.entries, e)
}

func (m *memHistory) find(id CommitID) (int, bool) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].id == id {
			return i, true
		}
		if m.entries[i].id < id {
			break
		}
	}
	return 0, false
}

// truncate drops every entry after id.
func (m *memHistory) truncate(id CommitID) {
	if i, ok := m.find(id); ok {
		m.entries = m.entries[:i+1]
	}
}

// commits returns the change sets made after the base, oldest first.
func (m *memHistory) commits() []memEntry {
	return m.entries[1:]
}

func (m *memHistory) nearestSnapshot(_ context.Context, id CommitID) (CommitID, node, bool, error) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.id <= id && e.snapshot {
			return e.id, e.root, true, nil
		}
	}
	return 0, nil, false, nil
}

func (m *memHistory) changes(ctx context.Context, from, to CommitID, descending bool, fn func(*ChangeSet) error) error {
	n := len(m.entries)
	for k := 0; k < n; k++ {
		i := k
		if descending {
			i = n - 1 - k
		}
		e := m.entries[i]
		if e.cs == nil || e.id < from || e.id > to {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.cs); err != nil {
			return err
		}
	}
	return nil
}

func (m *memHistory) rootHash(_ context.Context, id CommitID) (Felt, bool, error) {
	if i, ok := m.find(id); ok {
		return m.entries[i].hash, true, nil
	}
	return Felt{}, false, nil
}

func (m *memHistory) replayFloor() (CommitID, bool) {
	return m.base(), true
}
