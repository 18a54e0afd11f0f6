package bonsai

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Path is an immutable sequence of bits. Bits are numbered from the most
// significant bit of the first byte.
type Path struct {
	b []byte
	n int
}

// NewPath returns the path made of all the bits of b.
func NewPath(b []byte) Path {
	return Path{b: append([]byte(nil), b...), n: 8 * len(b)}
}

// PathFromBits builds a path from individual bits, each 0 or 1.
func PathFromBits(bits ...uint8) Path {
	p := Path{b: make([]byte, (len(bits)+7)/8), n: len(bits)}
	for i, bit := range bits {
		if bit != 0 {
			p.b[i/8] |= 0x80 >> (i % 8)
		}
	}
	return p
}

// ParsePath parses a string of '0' and '1' characters.
func ParsePath(s string) (Path, error) {
	bits := make([]uint8, len(s))
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			bits[i] = 1
		default:
			return Path{}, fmt.Errorf("parse path: unexpected %q at %d", c, i)
		}
	}
	return PathFromBits(bits...), nil
}

// Len returns the number of bits.
func (p Path) Len() int { return p.n }

// Bit returns bit i as 0 or 1.
func (p Path) Bit(i int) uint8 {
	return (p.b[i/8] >> (7 - i%8)) & 1
}

// Slice returns bits [from, to).
func (p Path) Slice(from, to int) Path {
	if from < 0 || to > p.n || from > to {
		panic(fmt.Sprintf("path slice [%d:%d] out of range for %d bits", from, to, p.n))
	}
	if from%8 == 0 {
		out := Path{b: append([]byte(nil), p.b[from/8:(to+7)/8]...), n: to - from}
		out.clearTail()
		return out
	}
	out := Path{b: make([]byte, (to-from+7)/8), n: to - from}
	for i := from; i < to; i++ {
		if p.Bit(i) == 1 {
			j := i - from
			out.b[j/8] |= 0x80 >> (j % 8)
		}
	}
	return out
}

// Append returns p followed by q.
func (p Path) Append(q Path) Path {
	out := Path{b: make([]byte, (p.n+q.n+7)/8), n: p.n + q.n}
	copy(out.b, p.b)
	if p.n%8 == 0 {
		copy(out.b[p.n/8:], q.b)
		return out
	}
	for i := 0; i < q.n; i++ {
		if q.Bit(i) == 1 {
			j := p.n + i
			out.b[j/8] |= 0x80 >> (j % 8)
		}
	}
	return out
}

// AppendBit returns p followed by one bit.
func (p Path) AppendBit(bit uint8) Path {
	return p.Append(PathFromBits(bit))
}

// Equal reports whether both paths hold the same bits.
func (p Path) Equal(q Path) bool {
	if p.n != q.n {
		return false
	}
	for i := range p.b {
		if p.b[i] != q.b[i] {
			return false
		}
	}
	return true
}

// Bytes returns the bits packed into bytes, zero-padded at the end.
func (p Path) Bytes() []byte {
	return append([]byte(nil), p.b...)
}

func (p Path) String() string {
	var sb strings.Builder
	sb.Grow(p.n)
	for i := 0; i < p.n; i++ {
		sb.WriteByte('0' + p.Bit(i))
	}
	return sb.String()
}

func (p *Path) clearTail() {
	if r := p.n % 8; r != 0 {
		p.b[len(p.b)-1] &= 0xff << (8 - r)
	}
}

// commonPrefix returns how many bits a[aOff:] and b[bOff:] share, up to limit.
func commonPrefix(a Path, aOff int, b Path, bOff int, limit int) int {
	i := 0
	for ; i < limit; i++ {
		if a.Bit(aOff+i) != b.Bit(bOff+i) {
			break
		}
	}
	return i
}

// trieKeyPrefixBits is the width of the length header every key carries
// inside the trie. The header keeps internal paths prefix-free, so a key
// and its own extensions can coexist as separate leaves.
const trieKeyPrefixBits = 32

func triePath(key Path) Path {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(key.n))
	return NewPath(hdr[:]).Append(key)
}

func keyFromTriePath(p Path) Path {
	return p.Slice(trieKeyPrefixBits, p.n)
}

// encodePath is the compact binary form used for map keys and storage:
// uvarint bit count followed by the packed bits.
func encodePath(p Path) []byte {
	buf := appendLength(make([]byte, 0, binary.MaxVarintLen64+len(p.b)), p.n)
	return append(buf, p.b...)
}

func decodePath(buf []byte) (Path, []byte, error) {
	var n int
	buf, err := decodeLength(buf, &n)
	if err != nil {
		return Path{}, nil, err
	}
	size := (n + 7) / 8
	if len(buf) < size {
		return Path{}, nil, errors.New("short path")
	}
	p := Path{b: append([]byte(nil), buf[:size]...), n: n}
	p.clearTail()
	return p, buf[size:], nil
}
