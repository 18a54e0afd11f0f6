package bonsai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jrhy/bonsai/kv"
)

// Storage is the authoritative trie over a kv.Store. Mutations and commits
// must come from one goroutine at a time; reads, including
// GetTransactionalState, may run concurrently from any number of
// goroutines.
type Storage struct {
	db       kv.Store
	cfg      Config
	log      log.Logger
	cache    *revisionCache
	strategy materializer

	mu   sync.RWMutex
	work workingSet
	head atomic.Pointer[committed]
}

// committed is the immutable state as of the last successful commit.
type committed struct {
	revision
	hash Felt
	meta meta
}

// New opens a storage on db. If db holds history from an earlier storage,
// its last revision is loaded and commits continue after it.
func New(ctx context.Context, db kv.Store, cfg Config) (*Storage, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Registerer != nil {
		if err := RegisterMetrics(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	s := &Storage{
		db:       db,
		cfg:      cfg,
		log:      cfg.Logger,
		cache:    newRevisionCache(cfg.RevisionCacheSize),
		strategy: materializerFor(cfg.Reconstruction),
	}
	head, err := s.loadHead(ctx)
	if err != nil {
		return nil, err
	}
	s.head.Store(head)
	s.work = newWorkingSet(head.root)
	if head.meta.HasCommit {
		s.log.Info("Opened storage", "last", head.id, "root", head.hash, "commits", head.meta.Commits)
	}
	return s, nil
}

func (s *Storage) loadHead(ctx context.Context) (*committed, error) {
	m, ok, err := loadMeta(s.db)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &committed{hash: EmptyRoot}, nil
	}
	bl := s.backendLog(s.db, m)
	root, ok, err := snapshotReplay{}.replay(ctx, bl, m.LastID)
	if err != nil {
		return nil, fmt.Errorf("load head %d: %w", m.LastID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no snapshot to rebuild head %d from", ErrCorrupted, m.LastID)
	}
	want, ok, err := bl.rootHash(ctx, m.LastID)
	if err != nil {
		return nil, err
	}
	got := rootHash(root, s.cfg.Hasher)
	if !ok || !got.Equal(want) {
		s.log.Error("Head does not match its root hash", "id", m.LastID, "root", got, "recorded", want)
		return nil, fmt.Errorf("%w: head %d", ErrCorrupted, m.LastID)
	}
	return &committed{revision: revision{id: m.LastID, root: root}, hash: got, meta: m}, nil
}

func (s *Storage) backendLog(r kv.Reader, m meta) *backendLog {
	return &backendLog{r: r, persist: s.cfg.SnapshotPersist, hasher: s.cfg.Hasher, meta: m}
}

// Config returns the storage's effective configuration.
func (s *Storage) Config() Config {
	return s.cfg
}

// Insert sets key to value in the working view.
func (s *Storage) Insert(key Path, value Felt) error {
	s.mu.Lock()
	s.work.insert(key, value)
	s.mu.Unlock()
	return nil
}

// Remove deletes key from the working view. Removing an absent key does
// nothing.
func (s *Storage) Remove(key Path) error {
	s.mu.Lock()
	s.work.remove(key)
	s.mu.Unlock()
	return nil
}

// Get reads key from the working view, including uncommitted changes.
func (s *Storage) Get(key Path) (Felt, bool, error) {
	s.mu.RLock()
	v, ok := s.work.get(key)
	s.mu.RUnlock()
	return v, ok, nil
}

// RootHash returns the root hash of the last committed revision.
func (s *Storage) RootHash() Felt {
	return s.head.Load().hash
}

// WorkingRootHash returns the root hash the working view would commit
// with.
func (s *Storage) WorkingRootHash() Felt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rootHash(s.work.root, s.cfg.Hasher)
}

// LastID returns the id of the last committed revision, if any.
func (s *Storage) LastID() (CommitID, bool) {
	head := s.head.Load()
	return head.id, head.meta.HasCommit
}

// Commit freezes the working view as revision id, which must be greater
// than every id committed before. The change set, root hash and, on
// schedule, a snapshot are written in one batch; if that fails the
// storage stays at its previous revision and keeps the working changes.
func (s *Storage) Commit(ctx context.Context, id CommitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := s.head.Load()
	if head.meta.HasCommit && id <= head.id {
		return fmt.Errorf("%w: id %d does not follow %d", ErrCommit, id, head.id)
	}
	cs := s.work.changeSet(id)
	root := s.work.root
	m := head.meta
	w := s.newLogWriter()
	hash, snapped, err := s.stage(ctx, w, &m, cs, root)
	if err == nil {
		err = s.finish(w, &m, []CommitID{id}, snapshotIDs(id, snapped))
	}
	if err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCommit, id, err)
	}
	s.advance(&committed{revision: revision{id: id, root: root}, hash: hash, meta: m})
	commitsTotal.Inc()
	s.log.Debug("Committed revision", "id", id, "changes", len(cs.Changes), "root", hash, "snapshot", snapped)
	return nil
}

func (s *Storage) newLogWriter() *logWriter {
	return &logWriter{bulk: s.db.Bulk(), persist: s.cfg.SnapshotPersist, hasher: s.cfg.Hasher}
}

// stage adds one revision to w and advances m past it.
func (s *Storage) stage(ctx context.Context, w *logWriter, m *meta, cs *ChangeSet, root node) (Felt, bool, error) {
	hash := rootHash(root, s.cfg.Hasher)
	if err := w.putRevision(cs, hash); err != nil {
		return Felt{}, false, err
	}
	m.LastID, m.HasCommit = cs.ID, true
	m.Commits++
	if m.Commits%s.cfg.SnapshotInterval != 0 {
		return hash, false, nil
	}
	if err := w.putSnapshot(ctx, cs.ID, root); err != nil {
		return Felt{}, false, err
	}
	return hash, true, nil
}

// finish prunes, records m and writes the batch.
func (s *Storage) finish(w *logWriter, m *meta, logs, snaps []CommitID) error {
	pruned := m.PrunedThrough
	if err := w.prune(s.db, s.cfg, m, logs, snaps); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if err := w.putMeta(*m); err != nil {
		return err
	}
	if err := w.bulk.Write(); err != nil {
		return err
	}
	snapshotsTotal.Add(float64(len(snaps)))
	if m.PrunedThrough != pruned {
		s.log.Debug("Pruned history", "through", m.PrunedThrough)
	}
	return nil
}

func (s *Storage) advance(head *committed) {
	s.head.Store(head)
	s.work = newWorkingSet(head.root)
	s.cache.add(head.id, head.root)
}

func snapshotIDs(id CommitID, snapped bool) []CommitID {
	if snapped {
		return []CommitID{id}
	}
	return nil
}

// RootHashAt returns the root hash recorded for revision id.
func (s *Storage) RootHashAt(ctx context.Context, id CommitID) (Felt, error) {
	head := s.head.Load()
	h, ok, err := s.backendLog(s.db, head.meta).rootHash(ctx, id)
	if err != nil {
		return Felt{}, err
	}
	if !ok {
		return Felt{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return h, nil
}

// Revisions lists the ids whose root hashes are still recorded, oldest
// first. Pruned revisions are not included.
func (s *Storage) Revisions(ctx context.Context) ([]CommitID, error) {
	snap := s.db.Snapshot()
	defer snap.Release()
	return scanIDs(rootHashSpace.NewReader(snap))
}

// revisionAt returns the trie of committed revision id, or ErrNotFound.
func (s *Storage) revisionAt(ctx context.Context, id CommitID) (node, error) {
	head := s.head.Load()
	if !head.meta.HasCommit || id > head.id {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	snap := s.db.Snapshot()
	defer snap.Release()
	bl := s.backendLog(snap, head.meta)
	if _, ok, err := bl.rootHash(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if root, ok := s.cache.get(id); ok {
		return root, nil
	}
	root, err := materializeVerified(ctx, s.strategy, bl, head.revision, id, s.cfg.Hasher)
	if err != nil {
		return nil, err
	}
	s.cache.add(id, root)
	s.log.Debug("Materialized revision", "id", id, "head", head.id, "strategy", s.cfg.Reconstruction)
	return root, nil
}

// GetTransactionalState branches a new transactional state off committed
// revision id. It returns false if id was never committed or has been
// pruned. cfg tunes the state's private log; zero fields take defaults
// and an invalid cfg is an error.
// Concurrent calls are safe and each returns an independent state.
func (s *Storage) GetTransactionalState(ctx context.Context, id CommitID, cfg Config) (*TransactionalState, bool, error) {
	if err := cfg.withDefaults().validate(); err != nil {
		return nil, false, err
	}
	root, err := s.revisionAt(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return newTransactionalState(s, revision{id: id, root: root}, cfg), true, nil
}

// Merge replays the commits of ts onto the storage under their own ids and
// closes ts. It fails with ErrMerge, leaving the storage unchanged, if the
// storage committed anything after ts was branched, if either side has
// uncommitted changes, or if ts belongs to another storage or is closed.
func (s *Storage) Merge(ctx context.Context, ts *TransactionalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.merge(ctx, ts)
	switch {
	case err == nil:
		mergesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, errStale):
		mergesTotal.WithLabelValues("stale").Inc()
	default:
		mergesTotal.WithLabelValues("rejected").Inc()
	}
	return err
}

var errStale = errors.New("storage committed after the transactional state's base")

func (s *Storage) merge(ctx context.Context, ts *TransactionalState) error {
	switch {
	case ts == nil || ts.parent != s:
		return fmt.Errorf("%w: transactional state belongs to another storage", ErrMerge)
	case ts.closed:
		return fmt.Errorf("%w: %w", ErrMerge, ErrTransactionClosed)
	case ts.work.dirty():
		return fmt.Errorf("%w: transactional state has uncommitted changes", ErrMerge)
	case s.work.dirty():
		return fmt.Errorf("%w: storage has uncommitted changes", ErrMerge)
	}
	head := s.head.Load()
	base := ts.hist.base()
	if !head.meta.HasCommit || head.id != base {
		s.log.Warn("Rejected stale merge", "base", base, "last", head.id)
		return fmt.Errorf("%w: %w: base %d, last %d", ErrMerge, errStale, base, head.id)
	}
	entries := ts.hist.commits()
	if len(entries) == 0 {
		ts.closed = true
		return nil
	}

	w := s.newLogWriter()
	m := head.meta
	root := head.root
	var hash Felt
	var logs, snaps []CommitID
	for _, e := range entries {
		cs := rebase(e.cs, root)
		root = applyChanges(root, cs.Changes)
		var snapped bool
		var err error
		hash, snapped, err = s.stage(ctx, w, &m, cs, root)
		if err != nil {
			return fmt.Errorf("%w: %d: %w", ErrMerge, cs.ID, err)
		}
		if !hash.Equal(e.hash) {
			return fmt.Errorf("%w: replaying %d gives root %v, transactional state had %v", ErrMerge, cs.ID, hash, e.hash)
		}
		logs = append(logs, cs.ID)
		if snapped {
			snaps = append(snaps, cs.ID)
		}
	}
	if err := s.finish(w, &m, logs, snaps); err != nil {
		return fmt.Errorf("%w: %w", ErrMerge, err)
	}
	last := entries[len(entries)-1].id
	s.advance(&committed{revision: revision{id: last, root: root}, hash: hash, meta: m})
	commitsTotal.Add(float64(len(entries)))
	ts.closed = true
	s.log.Info("Merged transactional state", "base", base, "commits", len(entries), "last", last, "root", hash)
	return nil
}

// DiffIter reports the differences between revisions from and to.
func (s *Storage) DiffIter(ctx context.Context, from, to CommitID, f DiffFunc) error {
	old, err := s.revisionAt(ctx, from)
	if err != nil {
		return err
	}
	cur, err := s.revisionAt(ctx, to)
	if err != nil {
		return err
	}
	_, err = diff(old, cur, Path{}, s.cfg.Hasher, f)
	return err
}

// Close releases the backend.
func (s *Storage) Close() error {
	return s.db.Close()
}
