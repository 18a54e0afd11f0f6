package bonsai

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// TransactionalState is a mutable branch of a Storage rooted at a
// committed revision. Its commits go to a private in-memory log until the
// state is handed to Storage.Merge; dropping it, or calling Discard,
// leaves the storage untouched. A TransactionalState is not safe for
// concurrent use, but distinct states share nothing mutable.
type TransactionalState struct {
	parent   *Storage
	hasher   Hasher
	log      log.Logger
	strategy materializer

	hist   *memHistory
	head   revision
	work   workingSet
	closed bool
}

func newTransactionalState(parent *Storage, base revision, cfg Config) *TransactionalState {
	cfg = cfg.withDefaults()
	return &TransactionalState{
		parent:   parent,
		hasher:   parent.cfg.Hasher,
		log:      parent.log.New("base", base.id),
		strategy: materializerFor(cfg.Reconstruction),
		hist:     newMemHistory(base, parent.cfg.Hasher, cfg.SnapshotInterval),
		head:     base,
		work:     newWorkingSet(base.root),
	}
}

func (ts *TransactionalState) check() error {
	if ts.closed {
		return ErrTransactionClosed
	}
	return nil
}

// BaseID returns the revision the state was branched from.
func (ts *TransactionalState) BaseID() CommitID {
	return ts.hist.base()
}

// LastID returns the state's last committed point, which is the base until
// the first TransactionalCommit.
func (ts *TransactionalState) LastID() CommitID {
	return ts.head.id
}

func (ts *TransactionalState) Insert(key Path, value Felt) error {
	if err := ts.check(); err != nil {
		return err
	}
	ts.work.insert(key, value)
	return nil
}

// Remove deletes key; removing an absent key does nothing.
func (ts *TransactionalState) Remove(key Path) error {
	if err := ts.check(); err != nil {
		return err
	}
	ts.work.remove(key)
	return nil
}

func (ts *TransactionalState) Get(key Path) (Felt, bool, error) {
	if err := ts.check(); err != nil {
		return Felt{}, false, err
	}
	v, ok := ts.work.get(key)
	return v, ok, nil
}

// RootHash returns the root hash of the last committed point.
func (ts *TransactionalState) RootHash() Felt {
	return rootHash(ts.head.root, ts.hasher)
}

// WorkingRootHash returns the root hash including uncommitted changes.
func (ts *TransactionalState) WorkingRootHash() Felt {
	return rootHash(ts.work.root, ts.hasher)
}

// TransactionalCommit records the working changes as private revision id,
// which must be greater than the state's last id.
func (ts *TransactionalState) TransactionalCommit(id CommitID) error {
	if err := ts.check(); err != nil {
		return err
	}
	if id <= ts.head.id {
		return fmt.Errorf("%w: id %d does not follow %d", ErrCommit, id, ts.head.id)
	}
	cs := ts.work.changeSet(id)
	root := ts.work.root
	hash := rootHash(root, ts.hasher)
	ts.hist.append(cs, root, hash)
	ts.head = revision{id: id, root: root}
	ts.work = newWorkingSet(root)
	ts.log.Debug("Committed transactional revision", "id", id, "changes", len(cs.Changes), "root", hash)
	return nil
}

// RevertTo moves the state back to id, its base or one of its own
// commits, dropping later commits and any uncommitted changes.
func (ts *TransactionalState) RevertTo(id CommitID) error {
	if err := ts.check(); err != nil {
		return err
	}
	if _, ok := ts.hist.find(id); !ok {
		return fmt.Errorf("%w: %d is not in this transactional state's history", ErrRevert, id)
	}
	root, err := materializeVerified(context.Background(), ts.strategy, ts.hist, ts.head, id, ts.hasher)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRevert, err)
	}
	ts.hist.truncate(id)
	ts.head = revision{id: id, root: root}
	ts.work = newWorkingSet(root)
	ts.log.Debug("Reverted transactional state", "id", id)
	return nil
}

// DiffIter reports the differences between the base revision and the
// working view.
func (ts *TransactionalState) DiffIter(f DiffFunc) error {
	if err := ts.check(); err != nil {
		return err
	}
	_, err := diff(ts.hist.entries[0].root, ts.work.root, Path{}, ts.hasher, f)
	return err
}

// Discard closes the state without merging it.
func (ts *TransactionalState) Discard() {
	ts.closed = true
}
