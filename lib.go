package bonsai

import (
	"sync/atomic"
)

// A node is one of *leaf, *branch or *edge; a nil node is the empty trie.
// Nodes are never modified after construction: updates copy the nodes
// along the changed path and share the rest.
//
// Tries are kept in canonical form so that equal contents give equal
// shapes and hashes: branches have two non-nil children, edges have a
// non-empty path and never lead to another edge, and leaves sit only at
// the end of a full internal path.
type node interface {
	hash(h Hasher) Felt
}

// hashMemo caches a node's hash the first time it is asked for. Racing
// readers may both compute it; they store the same value.
type hashMemo struct {
	p atomic.Pointer[Felt]
}

func (m *hashMemo) get(compute func() Felt) Felt {
	if f := m.p.Load(); f != nil {
		return *f
	}
	f := compute()
	m.p.Store(&f)
	return f
}

type leaf struct {
	value Felt
	memo  hashMemo
}

type branch struct {
	children [2]node
	memo     hashMemo
}

type edge struct {
	path  Path
	child node
	memo  hashMemo
}

func (n *leaf) hash(h Hasher) Felt {
	return n.memo.get(func() Felt { return h.Leaf(n.value) })
}

func (n *branch) hash(h Hasher) Felt {
	return n.memo.get(func() Felt {
		return h.Node(n.children[0].hash(h), n.children[1].hash(h))
	})
}

func (n *edge) hash(h Hasher) Felt {
	return n.memo.get(func() Felt { return h.Edge(n.child.hash(h), n.path) })
}

func rootHash(n node, h Hasher) Felt {
	if n == nil {
		return EmptyRoot
	}
	return n.hash(h)
}

// newEdge prefixes child with p, folding into child if it is itself an
// edge.
func newEdge(p Path, child node) node {
	if p.n == 0 || child == nil {
		return child
	}
	if e, ok := child.(*edge); ok {
		return &edge{path: p.Append(e.path), child: e.child}
	}
	return &edge{path: p, child: child}
}

func lookup(n node, path Path) (Felt, bool) {
	depth := 0
	for n != nil {
		switch t := n.(type) {
		case *leaf:
			if depth == path.n {
				return t.value, true
			}
			return Felt{}, false
		case *branch:
			if depth >= path.n {
				return Felt{}, false
			}
			n = t.children[path.Bit(depth)]
			depth++
		case *edge:
			if depth+t.path.n > path.n || commonPrefix(t.path, 0, path, depth, t.path.n) != t.path.n {
				return Felt{}, false
			}
			depth += t.path.n
			n = t.child
		}
	}
	return Felt{}, false
}

// insert returns n with path set to value. It returns n itself when the
// value is already there.
func insert(n node, path Path, depth int, value Felt) node {
	switch t := n.(type) {
	case nil:
		return newEdge(path.Slice(depth, path.n), &leaf{value: value})
	case *leaf:
		if t.value.Equal(value) {
			return t
		}
		return &leaf{value: value}
	case *branch:
		b := path.Bit(depth)
		child := insert(t.children[b], path, depth+1, value)
		if child == t.children[b] {
			return t
		}
		out := &branch{children: t.children}
		out.children[b] = child
		return out
	case *edge:
		limit := t.path.n
		if rest := path.n - depth; rest < limit {
			limit = rest
		}
		common := commonPrefix(t.path, 0, path, depth, limit)
		if common == t.path.n {
			child := insert(t.child, path, depth+common, value)
			if child == t.child {
				return t
			}
			return &edge{path: t.path, child: child}
		}
		// Internal paths are prefix-free, so the new path leaves the edge
		// before either runs out.
		oldBit := t.path.Bit(common)
		var fork branch
		fork.children[oldBit] = newEdge(t.path.Slice(common+1, t.path.n), t.child)
		fork.children[1-oldBit] = newEdge(path.Slice(depth+common+1, path.n), &leaf{value: value})
		return newEdge(t.path.Slice(0, common), &fork)
	}
	panic("unreachable")
}

// remove returns n without path, and whether anything was removed.
func remove(n node, path Path, depth int) (node, bool) {
	switch t := n.(type) {
	case nil:
		return nil, false
	case *leaf:
		if depth != path.n {
			return t, false
		}
		return nil, true
	case *branch:
		b := path.Bit(depth)
		child, changed := remove(t.children[b], path, depth+1)
		if !changed {
			return t, false
		}
		if child == nil {
			return newEdge(PathFromBits(1-b), t.children[1-b]), true
		}
		out := &branch{children: t.children}
		out.children[b] = child
		return out, true
	case *edge:
		if depth+t.path.n > path.n || commonPrefix(t.path, 0, path, depth, t.path.n) != t.path.n {
			return t, false
		}
		child, changed := remove(t.child, path, depth+t.path.n)
		if !changed {
			return t, false
		}
		return newEdge(t.path, child), true
	}
	panic("unreachable")
}

// walk calls fn for every leaf in path order with the leaf's full internal
// path. Returning false from fn stops the walk.
func walk(n node, prefix Path, fn func(path Path, value Felt) (bool, error)) (bool, error) {
	switch t := n.(type) {
	case nil:
		return true, nil
	case *leaf:
		return fn(prefix, t.value)
	case *branch:
		for b := uint8(0); b < 2; b++ {
			ok, err := walk(t.children[b], prefix.AppendBit(b), fn)
			if !ok || err != nil {
				return ok, err
			}
		}
		return true, nil
	case *edge:
		return walk(t.child, prefix.Append(t.path), fn)
	}
	panic("unreachable")
}

// forEach calls fn with every key and value in the trie.
func forEach(root node, fn func(key Path, value Felt) (bool, error)) error {
	_, err := walk(root, Path{}, func(path Path, value Felt) (bool, error) {
		return fn(keyFromTriePath(path), value)
	})
	return err
}

func size(n node) int {
	switch t := n.(type) {
	case *leaf:
		return 1
	case *branch:
		return size(t.children[0]) + size(t.children[1])
	case *edge:
		return size(t.child)
	}
	return 0
}

// applyChanges sets or removes every change's key in root.
func applyChanges(root node, changes []Change) node {
	for _, c := range changes {
		path := triePath(c.Key)
		if c.Value != nil {
			root = insert(root, path, 0, *c.Value)
		} else {
			root, _ = remove(root, path, 0)
		}
	}
	return root
}

// revertChanges undoes changes by restoring every key's previous value.
func revertChanges(root node, changes []Change) node {
	for _, c := range changes {
		path := triePath(c.Key)
		if c.Prev != nil {
			root = insert(root, path, 0, *c.Prev)
		} else {
			root, _ = remove(root, path, 0)
		}
	}
	return root
}
