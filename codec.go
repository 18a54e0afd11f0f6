package bonsai

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"google.golang.org/protobuf/encoding/protowire"
)

func appendLength(buf []byte, n int) []byte {
	var tmpbuf [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmpbuf[:], uint64(n))
	return append(buf, tmpbuf[:l]...)
}

// decodeLength reads a bit length, which must fit in the rest of buf.
func decodeLength(buf []byte, n *int) ([]byte, error) {
	k, l := binary.Uvarint(buf)
	if l <= 0 {
		return nil, errors.New("bad length")
	}
	buf = buf[l:]
	if k > uint64(len(buf))*8 {
		return nil, fmt.Errorf("length %d exceeds the %d bytes left", k, len(buf))
	}
	*n = int(k)
	return buf, nil
}

func idKey(id CommitID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func idFromKey(k []byte) (CommitID, error) {
	if len(k) != 8 {
		return 0, fmt.Errorf("bad id key length %d", len(k))
	}
	return CommitID(binary.BigEndian.Uint64(k)), nil
}

// Change sets use the protobuf wire format:
//
//	message ChangeSet { uint64 id = 1; repeated Change changes = 2; }
//	message Change { bytes key = 1; optional bytes value = 2; optional bytes prev = 3; }
const (
	fieldSetID      protowire.Number = 1
	fieldSetChanges protowire.Number = 2
	fieldKey        protowire.Number = 1
	fieldValue      protowire.Number = 2
	fieldPrev       protowire.Number = 3
)

func encodeChangeSet(cs *ChangeSet) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldSetID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cs.ID))
	for _, c := range cs.Changes {
		buf = protowire.AppendTag(buf, fieldSetChanges, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeChange(c))
	}
	return buf
}

func encodeChange(c Change) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodePath(c.Key))
	for _, f := range []struct {
		num protowire.Number
		v   *Felt
	}{{fieldValue, c.Value}, {fieldPrev, c.Prev}} {
		if f.v == nil {
			continue
		}
		b := f.v.Bytes()
		buf = protowire.AppendTag(buf, f.num, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b[:])
	}
	return buf
}

func decodeChangeSet(buf []byte) (*ChangeSet, error) {
	cs := &ChangeSet{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch {
		case num == fieldSetID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			cs.ID = CommitID(v)
			buf = buf[n:]
		case num == fieldSetChanges && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			c, err := decodeChange(b)
			if err != nil {
				return nil, fmt.Errorf("change %d: %w", len(cs.Changes), err)
			}
			cs.Changes = append(cs.Changes, c)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return cs, nil
}

func decodeChange(buf []byte) (Change, error) {
	var c Change
	var haveKey bool
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Change{}, protowire.ParseError(n)
		}
		buf = buf[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Change{}, protowire.ParseError(n)
			}
			buf = buf[n:]
			continue
		}
		b, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return Change{}, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case fieldKey:
			key, _, err := decodePath(b)
			if err != nil {
				return Change{}, fmt.Errorf("key: %w", err)
			}
			c.Key, haveKey = key, true
		case fieldValue, fieldPrev:
			if len(b) != FeltBytes {
				return Change{}, fmt.Errorf("value length %d", len(b))
			}
			f := FeltFromBytes(b)
			if num == fieldValue {
				c.Value = &f
			} else {
				c.Prev = &f
			}
		}
	}
	if !haveKey {
		return Change{}, errors.New("missing key")
	}
	return c, nil
}

const (
	kindLeaf uint8 = iota + 1
	kindBranch
	kindEdge
)

// nodeRecord is one node of a snapshot. Snapshots list the nodes of a trie
// in preorder, so children follow their parent.
type nodeRecord struct {
	Kind  uint8
	Bits  uint64
	Path  []byte
	Value []byte
	Hash  []byte
}

type snapshotBody struct {
	ID     uint64
	Hasher string
	Nodes  []nodeRecord
}

func encodeSnapshot(id CommitID, root node, h Hasher) ([]byte, error) {
	body := snapshotBody{ID: uint64(id), Hasher: h.Name()}
	var visit func(n node)
	visit = func(n node) {
		sum := n.hash(h).Bytes()
		switch t := n.(type) {
		case *leaf:
			v := t.value.Bytes()
			body.Nodes = append(body.Nodes, nodeRecord{Kind: kindLeaf, Value: v[:], Hash: sum[:]})
		case *branch:
			body.Nodes = append(body.Nodes, nodeRecord{Kind: kindBranch, Hash: sum[:]})
			visit(t.children[0])
			visit(t.children[1])
		case *edge:
			body.Nodes = append(body.Nodes, nodeRecord{Kind: kindEdge, Bits: uint64(t.path.n), Path: t.path.b, Hash: sum[:]})
			visit(t.child)
		}
	}
	if root != nil {
		visit(root)
	}
	return rlp.EncodeToBytes(&body)
}

// decodeSnapshot rebuilds a trie from a snapshot and hashes it with h.
// When the snapshot was written with h, every stored node hash must match
// the recomputed one, so a damaged value or hash is reported rather than
// carried into the trie.
func decodeSnapshot(buf []byte, h Hasher) (CommitID, node, error) {
	var body snapshotBody
	if err := rlp.DecodeBytes(buf, &body); err != nil {
		return 0, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if len(body.Nodes) == 0 {
		return CommitID(body.ID), nil, nil
	}
	checked := body.Hasher == h.Name()
	i := 0
	var build func() (node, error)
	build = func() (node, error) {
		if i >= len(body.Nodes) {
			return nil, errors.New("truncated snapshot")
		}
		at := i
		r := body.Nodes[i]
		i++
		var n node
		switch r.Kind {
		case kindLeaf:
			if len(r.Value) != FeltBytes {
				return nil, fmt.Errorf("leaf value length %d", len(r.Value))
			}
			n = &leaf{value: FeltFromBytes(r.Value)}
		case kindBranch:
			b := &branch{}
			for c := range b.children {
				child, err := build()
				if err != nil {
					return nil, err
				}
				b.children[c] = child
			}
			n = b
		case kindEdge:
			if r.Bits == 0 || r.Bits > uint64(len(r.Path))*8 || uint64(len(r.Path)) != (r.Bits+7)/8 {
				return nil, fmt.Errorf("bad edge of %d bits in %d bytes", r.Bits, len(r.Path))
			}
			child, err := build()
			if err != nil {
				return nil, err
			}
			if _, ok := child.(*edge); ok {
				return nil, errors.New("edge below edge")
			}
			p := Path{b: append([]byte(nil), r.Path...), n: int(r.Bits)}
			p.clearTail()
			n = &edge{path: p, child: child}
		default:
			return nil, fmt.Errorf("unknown node kind %d", r.Kind)
		}
		sum := n.hash(h)
		if checked && (len(r.Hash) != FeltBytes || !sum.Equal(FeltFromBytes(r.Hash))) {
			return nil, fmt.Errorf("node %d does not match its stored hash", at)
		}
		return n, nil
	}
	root, err := build()
	if err != nil {
		return 0, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if i != len(body.Nodes) {
		return 0, nil, fmt.Errorf("decode snapshot: %d trailing nodes", len(body.Nodes)-i)
	}
	return CommitID(body.ID), root, nil
}
