// Package kvtest holds a conformance suite run against every kv.Store
// implementation.
package kvtest

import (
	"testing"

	"github.com/jrhy/bonsai/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises the kv.Store contract against stores made by newStore.
func Run(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Run("GetPutDelete", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Get([]byte("a"))
		require.Error(t, err)
		assert.True(t, s.IsNotFound(err))

		require.NoError(t, s.Put([]byte("a"), []byte("1")))
		v, err := s.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		has, err := s.Has([]byte("a"))
		require.NoError(t, err)
		assert.True(t, has)

		require.NoError(t, s.Delete([]byte("a")))
		has, err = s.Has([]byte("a"))
		require.NoError(t, err)
		assert.False(t, has)
		require.NoError(t, s.Delete([]byte("missing")))
	})

	t.Run("Bulk", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		require.NoError(t, s.Put([]byte("gone"), []byte("x")))

		b := s.Bulk()
		require.NoError(t, b.Put([]byte("k1"), []byte("v1")))
		require.NoError(t, b.Put([]byte("k2"), []byte("v2")))
		require.NoError(t, b.Delete([]byte("gone")))
		has, err := s.Has([]byte("k1"))
		require.NoError(t, err)
		assert.False(t, has, "bulk must not be visible before Write")

		require.NoError(t, b.Write())
		for k, want := range map[string]string{"k1": "v1", "k2": "v2"} {
			v, err := s.Get([]byte(k))
			require.NoError(t, err)
			assert.Equal(t, want, string(v))
		}
		has, err = s.Has([]byte("gone"))
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("Iterate", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		for _, k := range []string{"b1", "a1", "b3", "b2", "c1"} {
			require.NoError(t, s.Put([]byte(k), []byte("v"+k)))
		}

		assert.Equal(t, []string{"b1", "b2", "b3"}, keys(t, s.Iterate(kv.PrefixRange([]byte("b"))), false))
		assert.Equal(t, []string{"b3", "b2", "b1"}, keys(t, s.Iterate(kv.PrefixRange([]byte("b"))), true))
		assert.Equal(t, []string{"b2", "b3", "c1"}, keys(t, s.Iterate(kv.Range{Start: []byte("b2")}), false))
		assert.Equal(t, []string{"a1", "b1"}, keys(t, s.Iterate(kv.Range{Limit: []byte("b2")}), false))

		it := s.Iterate(kv.Range{})
		require.True(t, it.Last())
		assert.Equal(t, "c1", string(it.Key()))
		assert.Equal(t, "vc1", string(it.Value()))
		require.True(t, it.First())
		assert.Equal(t, "a1", string(it.Key()))
		it.Release()
	})

	t.Run("Snapshot", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		require.NoError(t, s.Put([]byte("k"), []byte("old")))
		snap := s.Snapshot()
		defer snap.Release()
		require.NoError(t, s.Put([]byte("k"), []byte("new")))
		require.NoError(t, s.Put([]byte("k2"), []byte("new")))

		v, err := snap.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "old", string(v))
		_, err = snap.Get([]byte("k2"))
		assert.True(t, snap.IsNotFound(err))
		assert.Equal(t, []string{"k"}, keys(t, snap.Iterate(kv.Range{}), false))
		assert.Equal(t, []string{"k"}, keys(t, snap.Iterate(kv.Range{}), true))
	})

	t.Run("Bucket", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		require.NoError(t, s.Put([]byte("outside"), []byte("x")))
		b := kv.Bucket("p").NewStore(s)
		require.NoError(t, b.Put([]byte("1"), []byte("one")))
		bulk := b.Bulk()
		require.NoError(t, bulk.Put([]byte("2"), []byte("two")))
		require.NoError(t, bulk.Write())

		v, err := s.Get([]byte("p1"))
		require.NoError(t, err)
		assert.Equal(t, "one", string(v))
		assert.Equal(t, []string{"1", "2"}, keys(t, b.Iterate(kv.Range{}), false))
		assert.Equal(t, []string{"2", "1"}, keys(t, b.Iterate(kv.Range{}), true))

		snap := b.Snapshot()
		defer snap.Release()
		v, err = snap.Get([]byte("2"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(v))
	})
}

func keys(t *testing.T, it kv.Iterator, reverse bool) []string {
	t.Helper()
	defer it.Release()
	var out []string
	step := it.Next
	if reverse {
		step = it.Prev
	}
	for step() {
		out = append(out, string(it.Key()))
	}
	require.NoError(t, it.Error())
	return out
}
