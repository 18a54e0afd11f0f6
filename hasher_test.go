package bonsai

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeltFromHex(t *testing.T) {
	t.Parallel()
	f, err := FeltFromHex("0x66342762FDD54D033c195fec3ce2568b62052e")
	require.NoError(t, err)
	assert.Equal(t, "0x66342762fdd54d033c195fec3ce2568b62052e", f.String())
	g, err := FeltFromHex("66342762FDD54D033c195fec3ce2568b62052e")
	require.NoError(t, err)
	assert.True(t, f.Equal(g))

	b := f.Bytes()
	assert.True(t, f.Equal(FeltFromBytes(b[:])))
	assert.Equal(t, FeltFromUint64(255), MustFeltFromHex("0xff"))

	for _, bad := range []string{"", "0x", "0xzz", "0x" + fr.Modulus().Text(16)} {
		_, err := FeltFromHex(bad)
		assert.Error(t, err, bad)
	}
}

func TestHashers(t *testing.T) {
	t.Parallel()
	for _, h := range []Hasher{MiMCHasher(), Blake2bHasher()} {
		h := h
		t.Run(h.Name(), func(t *testing.T) {
			t.Parallel()
			a, b := FeltFromUint64(1), FeltFromUint64(2)
			assert.Equal(t, h.Leaf(a), h.Leaf(a))
			assert.NotEqual(t, h.Leaf(a), h.Leaf(b))
			assert.NotEqual(t, h.Node(a, b), h.Node(b, a))
			assert.NotEqual(t, h.Leaf(a), h.Node(a, Felt{}))
			// same packed bytes, different lengths
			assert.NotEqual(t, h.Edge(a, PathFromBits(0)), h.Edge(a, PathFromBits(0, 0)))
			long := NewPath(make([]byte, 70))
			assert.NotEqual(t, h.Edge(a, long), h.Edge(a, long.Slice(0, 559)))

			named, ok := HasherByName(h.Name())
			require.True(t, ok)
			assert.Equal(t, h.Leaf(a), named.Leaf(a))
		})
	}
	assert.NotEqual(t, MiMCHasher().Leaf(Felt{}), Blake2bHasher().Leaf(Felt{}))
	_, ok := HasherByName("sha1")
	assert.False(t, ok)
}
