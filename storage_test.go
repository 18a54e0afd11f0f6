package bonsai

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/jrhy/bonsai/kv"
	"github.com/jrhy/bonsai/kv/leveldb"
	"github.com/jrhy/bonsai/kv/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore refuses to write bulks while fail is set.
type failingStore struct {
	kv.Store
	fail bool
}

func (s *failingStore) Bulk() kv.Bulk {
	b := s.Store.Bulk()
	if !s.fail {
		return b
	}
	return struct {
		kv.Putter
		kv.WriteFunc
	}{b, func() error { return errors.New("disk full") }}
}

// commitSeries commits n revisions with ids 0..n-1; revision i sets key i
// and removes key i-3. It returns the expected contents of each revision.
func commitSeries(t *testing.T, s *Storage, n int) []map[string]Felt {
	model := map[string]Felt{}
	var out []map[string]Felt
	for i := 0; i < n; i++ {
		key := NewPath([]byte{byte(i)})
		require.NoError(t, s.Insert(key, FeltFromUint64(uint64(i*i))))
		model[key.String()] = FeltFromUint64(uint64(i * i))
		if i >= 3 {
			old := NewPath([]byte{byte(i - 3)})
			require.NoError(t, s.Remove(old))
			delete(model, old.String())
		}
		require.NoError(t, s.Commit(ctx, CommitID(i)))
		snap := map[string]Felt{}
		for k, v := range model {
			snap[k] = v
		}
		out = append(out, snap)
	}
	return out
}

func stateContents(t *testing.T, ts *TransactionalState) map[string]Felt {
	return contents(t, ts.work.root)
}

func TestCommitIDs(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t, Config{})
	_, ok := s.LastID()
	assert.False(t, ok)
	assert.Equal(t, EmptyRoot, s.RootHash())

	require.NoError(t, s.Insert(key122, value1))
	require.NoError(t, s.Commit(ctx, 5))
	assert.ErrorIs(t, s.Commit(ctx, 5), ErrCommit)
	assert.ErrorIs(t, s.Commit(ctx, 3), ErrCommit)

	// Empty commits are revisions too.
	before := s.RootHash()
	require.NoError(t, s.Commit(ctx, 6))
	assert.Equal(t, before, s.RootHash())
	last, ok := s.LastID()
	require.True(t, ok)
	assert.Equal(t, CommitID(6), last)
	requireValue(t, mustState(t, s, 6).Get, key122, value1)
}

func TestZeroValueIsStored(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t, Config{})
	require.NoError(t, s.Insert(key122, Felt{}))
	requireValue(t, s.Get, key122, Felt{})
	require.NoError(t, s.Commit(ctx, 1))
	assert.NotEqual(t, EmptyRoot, s.RootHash())
	requireValue(t, mustState(t, s, 1).Get, key122, Felt{})
}

func TestRootHashIsCommittedView(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t, Config{})
	require.NoError(t, s.Insert(key122, value1))
	assert.Equal(t, EmptyRoot, s.RootHash())
	assert.NotEqual(t, EmptyRoot, s.WorkingRootHash())
	require.NoError(t, s.Commit(ctx, 1))
	assert.Equal(t, s.WorkingRootHash(), s.RootHash())

	// Inserting and removing a key leaves the hash as it was.
	require.NoError(t, s.Insert(key123, value2))
	require.NoError(t, s.Remove(key123))
	assert.Equal(t, s.RootHash(), s.WorkingRootHash())

	h1, err := s.RootHashAt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, s.RootHash(), h1)
	_, err = s.RootHashAt(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitFailureKeepsState(t *testing.T) {
	t.Parallel()
	db, err := leveldb.NewMem()
	require.NoError(t, err)
	fs := &failingStore{Store: db}
	s, err := New(ctx, fs, Config{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(key122, value1))
	require.NoError(t, s.Commit(ctx, 1))
	committed := s.RootHash()

	fs.fail = true
	require.NoError(t, s.Insert(key123, value2))
	assert.ErrorIs(t, s.Commit(ctx, 2), ErrCommit)
	assert.Equal(t, committed, s.RootHash())
	last, _ := s.LastID()
	assert.Equal(t, CommitID(1), last)
	requireValue(t, s.Get, key123, value2)
	_, ok, err := s.GetTransactionalState(ctx, 2, Config{})
	require.NoError(t, err)
	assert.False(t, ok)

	fs.fail = false
	require.NoError(t, s.Commit(ctx, 2))
	requireValue(t, mustState(t, s, 2).Get, key123, value2)
}

func TestMergeFailureKeepsState(t *testing.T) {
	t.Parallel()
	db, err := leveldb.NewMem()
	require.NoError(t, err)
	fs := &failingStore{Store: db}
	s, err := New(ctx, fs, Config{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(key122, value1))
	require.NoError(t, s.Commit(ctx, 1))
	ts := mustState(t, s, 1)
	require.NoError(t, ts.Insert(key123, value2))
	require.NoError(t, ts.TransactionalCommit(2))

	fs.fail = true
	assert.ErrorIs(t, s.Merge(ctx, ts), ErrMerge)
	last, _ := s.LastID()
	assert.Equal(t, CommitID(1), last)
	requireAbsent(t, s.Get, key123)

	fs.fail = false
	require.NoError(t, s.Merge(ctx, ts))
	requireValue(t, s.Get, key123, value2)
}

func TestHistoricalStates(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{
		{SnapshotInterval: 1},
		{SnapshotInterval: 4},
		{SnapshotInterval: 100},
		{SnapshotInterval: 4, RevisionCacheSize: -1},
		{SnapshotInterval: 4, Reconstruction: RevertFromHead, RevisionCacheSize: -1},
		{SnapshotInterval: 3, SnapshotPersist: NewInMemoryStore(), RevisionCacheSize: -1},
		{SnapshotInterval: 3, Hasher: Blake2bHasher()},
	} {
		cfg := cfg
		t.Run(cfg.Reconstruction.String(), func(t *testing.T) {
			s := newTestStorage(t, cfg)
			want := commitSeries(t, s, 13)
			for id := len(want) - 1; id >= 0; id-- {
				ts := mustState(t, s, CommitID(id))
				assert.Equal(t, want[id], stateContents(t, ts), "revision %d", id)
				h, err := s.RootHashAt(ctx, CommitID(id))
				require.NoError(t, err)
				assert.Equal(t, h, ts.RootHash())
			}
		})
	}
}

func TestSnapshotOffload(t *testing.T) {
	t.Parallel()
	persist := NewInMemoryStore()
	s := newTestStorage(t, Config{SnapshotInterval: 2, SnapshotPersist: persist, RevisionCacheSize: -1})
	want := commitSeries(t, s, 5)

	var dump bytes.Buffer
	require.NoError(t, s.DumpDatabase(&dump))
	assert.Contains(t, dump.String(), "snapshot 1 blob ")
	assert.Contains(t, dump.String(), "snapshot 3 blob ")
	assert.NotContains(t, dump.String(), "inline")
	assert.Equal(t, want[2], stateContents(t, mustState(t, s, 2)))
}

func TestReopen(t *testing.T) {
	t.Parallel()
	engines := map[string]func(t *testing.T, dir string) kv.Store{
		"leveldb": func(t *testing.T, dir string) kv.Store {
			db, err := leveldb.New(dir, leveldb.Options{})
			require.NoError(t, err)
			return db
		},
		"pebble": func(t *testing.T, dir string) kv.Store {
			db, err := pebble.New(dir, nil)
			require.NoError(t, err)
			return db
		},
	}
	for name, open := range engines {
		open := open
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := Config{SnapshotInterval: 3}
			s, err := New(ctx, open(t, dir), cfg)
			require.NoError(t, err)
			want := commitSeries(t, s, 7)
			root := s.RootHash()
			// Uncommitted work is not persisted.
			require.NoError(t, s.Insert(key122, value1))
			require.NoError(t, s.Close())

			s, err = New(ctx, open(t, dir), cfg)
			require.NoError(t, err)
			defer s.Close()
			last, ok := s.LastID()
			require.True(t, ok)
			assert.Equal(t, CommitID(6), last)
			assert.Equal(t, root, s.RootHash())
			assert.Equal(t, root, s.WorkingRootHash())
			requireAbsent(t, s.Get, key122)
			assert.Equal(t, want[6], contents(t, s.work.root))
			assert.Equal(t, want[2], stateContents(t, mustState(t, s, 2)))

			ids := NewIDSequenceAfter(last)
			require.NoError(t, s.Insert(key122, value1))
			next := ids.NewID()
			assert.Equal(t, CommitID(7), next)
			require.NoError(t, s.Commit(ctx, next))
			assert.ErrorIs(t, s.Commit(ctx, 6), ErrCommit)
		})
	}
}

func TestPruning(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{
		SnapshotInterval:  2,
		MaxSavedTrieLogs:  3,
		MaxSavedSnapshots: 1,
		RevisionCacheSize: -1,
	}
	db, err := leveldb.New(dir, leveldb.Options{})
	require.NoError(t, err)
	s, err := New(ctx, db, cfg)
	require.NoError(t, err)
	want := commitSeries(t, s, 11)

	for id := CommitID(0); id < 8; id++ {
		_, ok, err := s.GetTransactionalState(ctx, id, Config{})
		require.NoError(t, err)
		assert.False(t, ok, "revision %d should be pruned", id)
	}
	for id := 8; id <= 10; id++ {
		assert.Equal(t, want[id], stateContents(t, mustState(t, s, CommitID(id))), "revision %d", id)
	}
	logs, err := scanIDs(changeLogSpace.NewReader(db))
	require.NoError(t, err)
	assert.Equal(t, []CommitID{8, 9, 10}, logs)
	snaps, err := scanIDs(snapshotSpace.NewReader(db))
	require.NoError(t, err)
	assert.Equal(t, []CommitID{9}, snaps)
	revs, err := s.Revisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CommitID{8, 9, 10}, revs)
	require.NoError(t, s.Close())

	db, err = leveldb.New(dir, leveldb.Options{})
	require.NoError(t, err)
	s, err = New(ctx, db, cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, want[10], contents(t, s.work.root))
	assert.Equal(t, want[8], stateContents(t, mustState(t, s, 8)))
}

func TestCorruptedRootHash(t *testing.T) {
	t.Parallel()
	db, err := leveldb.NewMem()
	require.NoError(t, err)
	cfg := Config{SnapshotInterval: 100, RevisionCacheSize: -1}
	s, err := New(ctx, db, cfg)
	require.NoError(t, err)
	defer s.Close()
	want := commitSeries(t, s, 4)

	bogus := FeltFromUint64(7).Bytes()
	require.NoError(t, rootHashSpace.NewPutter(db).Put(idKey(1), bogus[:]))
	_, _, err = s.GetTransactionalState(ctx, 1, Config{})
	assert.ErrorIs(t, err, ErrCorrupted)
	// Other revisions are unaffected.
	assert.Equal(t, want[2], stateContents(t, mustState(t, s, 2)))
}

func TestCorruptedSnapshot(t *testing.T) {
	t.Parallel()
	db, err := leveldb.NewMem()
	require.NoError(t, err)
	s, err := New(ctx, db, Config{SnapshotInterval: 1, RevisionCacheSize: -1})
	require.NoError(t, err)
	defer s.Close()
	want := commitSeries(t, s, 4)

	snaps := snapshotSpace.NewStore(db)
	val, err := snaps.Get(idKey(1))
	require.NoError(t, err)
	require.Equal(t, snapshotInline, val[0])
	require.NoError(t, snaps.Put(idKey(1), append([]byte{snapshotInline}, damageLeaf(t, val[1:])...)))

	_, _, err = s.GetTransactionalState(ctx, 1, Config{})
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.Equal(t, want[2], stateContents(t, mustState(t, s, 2)))
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	db, err := leveldb.NewMem()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(ctx, db, Config{MaxSavedTrieLogs: -1})
	assert.Error(t, err)
	_, err = New(ctx, db, Config{Reconstruction: Strategy(7)})
	assert.Error(t, err)

	st, err := New(ctx, db, Config{})
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, 0))
	ts, ok, err := st.GetTransactionalState(ctx, 0, Config{Reconstruction: Strategy(7)})
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Nil(t, ts)
}

func TestCorruptedHeadOnReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	db, err := leveldb.New(dir, leveldb.Options{})
	require.NoError(t, err)
	s, err := New(ctx, db, Config{})
	require.NoError(t, err)
	commitSeries(t, s, 3)
	bogus := FeltFromUint64(7).Bytes()
	require.NoError(t, rootHashSpace.NewPutter(db).Put(idKey(2), bogus[:]))
	require.NoError(t, s.Close())

	db, err = leveldb.New(dir, leveldb.Options{})
	require.NoError(t, err)
	defer db.Close()
	_, err = New(ctx, db, Config{})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestStorageDiffIter(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t, Config{SnapshotInterval: 2})
	commitSeries(t, s, 6)

	var lines []string
	require.NoError(t, s.DiffIter(ctx, 2, 5, func(added, removed bool, key Path, addedValue, removedValue Felt) (bool, error) {
		switch {
		case added:
			lines = append(lines, "+"+key.String())
		case removed:
			lines = append(lines, "-"+key.String())
		default:
			lines = append(lines, "~"+key.String())
		}
		return true, nil
	}))
	// Revision 2 holds keys 0-2, revision 5 keys 3-5.
	assert.Equal(t, []string{
		"-" + NewPath([]byte{0}).String(),
		"-" + NewPath([]byte{1}).String(),
		"-" + NewPath([]byte{2}).String(),
		"+" + NewPath([]byte{3}).String(),
		"+" + NewPath([]byte{4}).String(),
		"+" + NewPath([]byte{5}).String(),
	}, lines)

	var n int
	require.NoError(t, s.DiffIter(ctx, 2, 5, func(bool, bool, Path, Felt, Felt) (bool, error) {
		n++
		return false, nil
	}))
	assert.Equal(t, 1, n)

	stop := errors.New("stop")
	err := s.DiffIter(ctx, 0, 5, func(bool, bool, Path, Felt, Felt) (bool, error) {
		return false, stop
	})
	assert.ErrorIs(t, err, stop)
	assert.ErrorIs(t, s.DiffIter(ctx, 0, 9, func(bool, bool, Path, Felt, Felt) (bool, error) {
		return true, nil
	}), ErrNotFound)
}

func TestDumpDatabase(t *testing.T) {
	t.Parallel()
	s := newTestStorage(t, Config{SnapshotInterval: 2})
	commitSeries(t, s, 2)
	var dump bytes.Buffer
	require.NoError(t, s.DumpDatabase(&dump))
	lines := strings.Split(strings.TrimSpace(dump.String()), "\n")
	assert.Equal(t, []string{
		"changelog 0 changes=1",
		"  " + NewPath([]byte{0}).String() + " - -> " + FeltFromUint64(0).String(),
		"changelog 1 changes=1",
		"  " + NewPath([]byte{1}).String() + " - -> " + FeltFromUint64(1).String(),
		`meta head {"last_id":1,"has_commit":true,"commits":2,"pruned":false,"pruned_through":0}`,
	}, lines[:5])
	assert.True(t, strings.HasPrefix(lines[5], "roothash 0 0x"))
	assert.True(t, strings.HasPrefix(lines[7], "snapshot 1 inline "))
	assert.Len(t, lines, 8)
}

// Metrics are package-level, so this test must not run in parallel with
// the others.
func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestStorage(t, Config{SnapshotInterval: 2, Registerer: reg})
	require.NoError(t, RegisterMetrics(reg))

	commits := testutil.ToFloat64(commitsTotal)
	snapshots := testutil.ToFloat64(snapshotsTotal)
	stale := testutil.ToFloat64(mergesTotal.WithLabelValues("stale"))
	ok := testutil.ToFloat64(mergesTotal.WithLabelValues("ok"))
	hits := testutil.ToFloat64(revisionCacheTotal.WithLabelValues("hit"))

	commitSeries(t, s, 4)
	assert.Equal(t, commits+4, testutil.ToFloat64(commitsTotal))
	assert.Equal(t, snapshots+2, testutil.ToFloat64(snapshotsTotal))

	ts := mustState(t, s, 3)
	assert.Equal(t, hits+1, testutil.ToFloat64(revisionCacheTotal.WithLabelValues("hit")))
	require.NoError(t, ts.Insert(key122, value1))
	require.NoError(t, ts.TransactionalCommit(4))
	stale1 := mustState(t, s, 3)
	require.NoError(t, stale1.Insert(key123, value1))
	require.NoError(t, stale1.TransactionalCommit(4))

	require.NoError(t, s.Merge(ctx, ts))
	assert.ErrorIs(t, s.Merge(ctx, stale1), ErrMerge)
	assert.Equal(t, ok+1, testutil.ToFloat64(mergesTotal.WithLabelValues("ok")))
	assert.Equal(t, stale+1, testutil.ToFloat64(mergesTotal.WithLabelValues("stale")))
	assert.Equal(t, commits+5, testutil.ToFloat64(commitsTotal))

	n, err := testutil.GatherAndCount(reg, "bonsai_commits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
