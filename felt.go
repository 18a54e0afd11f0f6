package bonsai

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Felt is an element of the BN254 scalar field. The zero Felt is a valid
// value and is also the root hash of an empty trie.
type Felt struct {
	e fr.Element
}

// FeltBytes is the size of a Felt's canonical encoding.
const FeltBytes = fr.Bytes

// FeltFromUint64 returns v as a field element.
func FeltFromUint64(v uint64) Felt {
	var f Felt
	f.e.SetUint64(v)
	return f
}

// FeltFromBytes interprets b as a big-endian integer reduced modulo the
// field order.
func FeltFromBytes(b []byte) Felt {
	var f Felt
	f.e.SetBytes(b)
	return f
}

// FeltFromHex parses a hexadecimal integer, with or without 0x prefix,
// which must be smaller than the field order.
func FeltFromHex(s string) (Felt, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	i, ok := new(big.Int).SetString(digits, 16)
	if !ok || digits == "" {
		return Felt{}, fmt.Errorf("felt: invalid hex %q", s)
	}
	if i.Cmp(fr.Modulus()) >= 0 {
		return Felt{}, fmt.Errorf("felt: %q exceeds field order", s)
	}
	var f Felt
	f.e.SetBigInt(i)
	return f, nil
}

// MustFeltFromHex is FeltFromHex that panics on error, for constants.
func MustFeltFromHex(s string) Felt {
	f, err := FeltFromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Bytes returns the canonical big-endian encoding.
func (f Felt) Bytes() [FeltBytes]byte {
	return f.e.Bytes()
}

func (f Felt) Equal(o Felt) bool {
	return f.e.Equal(&o.e)
}

func (f Felt) IsZero() bool {
	return f.e.IsZero()
}

func (f Felt) String() string {
	return "0x" + f.e.Text(16)
}

func feltPtr(f Felt) *Felt { return &f }
