package bonsai

import (
	"hash"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/minio/blake2b-simd"
)

// Hasher combines node contents into node hashes. Implementations must be
// deterministic and safe for concurrent use.
type Hasher interface {
	// Name identifies the hash function in persisted snapshots.
	Name() string
	Leaf(value Felt) Felt
	Node(left, right Felt) Felt
	// Edge hashes a compressed path segment leading to child.
	Edge(child Felt, path Path) Felt
}

// EmptyRoot is the root hash of a trie with no entries.
var EmptyRoot Felt

const (
	tagLeaf uint64 = iota + 1
	tagNode
	tagEdge
)

// pathChunk is how many path bytes fit in one field element without
// reduction.
const pathChunk = FeltBytes - 1

// spongeHasher feeds field elements, as canonical 32-byte words, into a
// fresh hash.Hash per call.
type spongeHasher struct {
	name    string
	newHash func() hash.Hash
}

// MiMCHasher is the default Hasher: the MiMC sponge over the BN254 scalar
// field, which keeps every node hash cheap to prove in a circuit.
func MiMCHasher() Hasher {
	return spongeHasher{name: "mimc-bn254", newHash: func() hash.Hash { return mimc.NewMiMC() }}
}

// Blake2bHasher hashes with BLAKE2b-256 and reduces the digest into the
// field.
func Blake2bHasher() Hasher {
	return spongeHasher{name: "blake2b-256", newHash: blake2b.New256}
}

func (s spongeHasher) Name() string { return s.name }

func (s spongeHasher) sum(words ...Felt) Felt {
	h := s.newHash()
	for _, w := range words {
		b := w.Bytes()
		h.Write(b[:])
	}
	return FeltFromBytes(h.Sum(nil))
}

func (s spongeHasher) Leaf(value Felt) Felt {
	return s.sum(FeltFromUint64(tagLeaf), value)
}

func (s spongeHasher) Node(left, right Felt) Felt {
	return s.sum(FeltFromUint64(tagNode), left, right)
}

func (s spongeHasher) Edge(child Felt, path Path) Felt {
	words := make([]Felt, 0, 3+len(path.b)/pathChunk+1)
	words = append(words, FeltFromUint64(tagEdge), child, FeltFromUint64(uint64(path.n)))
	for i := 0; i < len(path.b); i += pathChunk {
		end := i + pathChunk
		if end > len(path.b) {
			end = len(path.b)
		}
		words = append(words, FeltFromBytes(path.b[i:end]))
	}
	return s.sum(words...)
}

// HasherByName looks up a built-in hasher by its Name.
func HasherByName(name string) (Hasher, bool) {
	for _, h := range []Hasher{MiMCHasher(), Blake2bHasher()} {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}
