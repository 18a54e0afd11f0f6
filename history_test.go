package bonsai

import (
	"testing"

	"github.com/jrhy/bonsai/kv/leveldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLog commits n revisions into a private log, each setting key i and
// removing key i-2, and returns the roots.
func buildLog(t *testing.T, interval uint64, n int) (*memHistory, []node) {
	base := trieOf(map[string]Felt{"1111": FeltFromUint64(99)})
	hist := newMemHistory(revision{id: 10, root: base}, testHasher, interval)
	roots := []node{base}
	w := newWorkingSet(base)
	for i := 1; i <= n; i++ {
		w.insert(NewPath([]byte{byte(i)}), FeltFromUint64(uint64(i)))
		if i > 2 {
			w.remove(NewPath([]byte{byte(i - 2)}))
		}
		cs := w.changeSet(CommitID(10 + i))
		hist.append(cs, w.root, rootHash(w.root, testHasher))
		roots = append(roots, w.root)
		w = newWorkingSet(w.root)
	}
	return hist, roots
}

func TestMaterializers(t *testing.T) {
	t.Parallel()
	for _, interval := range []uint64{1, 3, 100} {
		hist, roots := buildLog(t, interval, 9)
		head := revision{id: 19, root: roots[9]}
		for _, m := range []materializer{snapshotReplay{}, headRevert{}} {
			for i, want := range roots {
				got, err := materializeVerified(ctx, m, hist, head, CommitID(10+i), testHasher)
				require.NoError(t, err, "%T interval %d target %d", m, interval, 10+i)
				assert.Equal(t, contents(t, want), contents(t, got))
			}
			_, err := materializeVerified(ctx, m, hist, head, 5, testHasher)
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}
}

func TestMemHistoryTruncate(t *testing.T) {
	t.Parallel()
	hist, _ := buildLog(t, 2, 5)
	hist.truncate(12)
	assert.Equal(t, CommitID(12), hist.head().id)
	assert.Len(t, hist.commits(), 2)
	_, ok, err := hist.rootHash(ctx, 13)
	require.NoError(t, err)
	assert.False(t, ok)
	id, _, ok, err := hist.nearestSnapshot(ctx, 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CommitID(12), id)
}

func TestBackendLog(t *testing.T) {
	t.Parallel()
	db, err := leveldb.NewMem()
	require.NoError(t, err)
	defer db.Close()
	hist, roots := buildLog(t, 1, 6)

	w := &logWriter{bulk: db.Bulk(), hasher: testHasher}
	m := meta{}
	for i, e := range hist.commits() {
		require.NoError(t, w.putRevision(e.cs, e.hash))
		if i == 2 {
			require.NoError(t, w.putSnapshot(ctx, e.id, roots[i+1]))
		}
		m.LastID, m.HasCommit = e.id, true
	}
	require.NoError(t, w.putMeta(m))
	require.NoError(t, w.bulk.Write())

	loaded, ok, err := loadMeta(db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m, loaded)

	bl := &backendLog{r: db, hasher: testHasher, meta: loaded}
	id, root, ok, err := bl.nearestSnapshot(ctx, 15)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CommitID(13), id)
	assert.Equal(t, contents(t, roots[3]), contents(t, root))
	_, _, ok, err = bl.nearestSnapshot(ctx, 12)
	require.NoError(t, err)
	assert.False(t, ok)

	var ids []CommitID
	require.NoError(t, bl.changes(ctx, 12, 14, true, func(cs *ChangeSet) error {
		ids = append(ids, cs.ID)
		return nil
	}))
	assert.Equal(t, []CommitID{14, 13, 12}, ids)

	// The base revision 10 was never written here, so replay must start
	// from a trie holding the base contents: check the later revisions.
	head := revision{id: 16, root: roots[6]}
	for target := CommitID(13); target <= 16; target++ {
		got, err := materializeVerified(ctx, snapshotReplay{}, bl, head, target, testHasher)
		require.NoError(t, err)
		assert.Equal(t, contents(t, roots[target-10]), contents(t, got))
	}
	for target := CommitID(11); target <= 16; target++ {
		got, err := materializeVerified(ctx, headRevert{}, bl, head, target, testHasher)
		require.NoError(t, err)
		assert.Equal(t, contents(t, roots[target-10]), contents(t, got))
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	db, err := leveldb.NewMem()
	require.NoError(t, err)
	defer db.Close()
	hist, roots := buildLog(t, 1, 8)
	cfg := Config{MaxSavedTrieLogs: 3, MaxSavedSnapshots: 2}
	m := meta{}
	for i, e := range hist.commits() {
		w := &logWriter{bulk: db.Bulk(), hasher: testHasher}
		require.NoError(t, w.putRevision(e.cs, e.hash))
		require.NoError(t, w.putSnapshot(ctx, e.id, roots[i+1]))
		require.NoError(t, w.prune(db, cfg, &m, []CommitID{e.id}, []CommitID{e.id}))
		require.NoError(t, w.bulk.Write())
	}
	logs, err := scanIDs(changeLogSpace.NewReader(db))
	require.NoError(t, err)
	assert.Equal(t, []CommitID{16, 17, 18}, logs)
	snaps, err := scanIDs(snapshotSpace.NewReader(db))
	require.NoError(t, err)
	assert.Equal(t, []CommitID{17, 18}, snaps)
	assert.True(t, m.Pruned)
	assert.Equal(t, CommitID(15), m.PrunedThrough)
}
