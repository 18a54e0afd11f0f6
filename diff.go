package bonsai

import (
	"fmt"
)

// DiffFunc receives one difference between an old and a new trie, in key
// path order. added means the key is only in the new trie, removed that it
// is only in the old one; if neither is set the value changed. Returning
// false stops the diff.
type DiffFunc func(added, removed bool, key Path, addedValue, removedValue Felt) (keepGoing bool, err error)

type pathValue struct {
	path  Path
	value Felt
}

// diff walks old and next side by side and skips every pair of subtrees
// that are the same node or hash the same.
func diff(old, next node, prefix Path, h Hasher, fn DiffFunc) (bool, error) {
	if old == next {
		return true, nil
	}
	if old != nil && next != nil && old.hash(h).Equal(next.hash(h)) {
		return true, nil
	}
	switch o := old.(type) {
	case *branch:
		if n, ok := next.(*branch); ok {
			for b := uint8(0); b < 2; b++ {
				keepGoing, err := diff(o.children[b], n.children[b], prefix.AppendBit(b), h, fn)
				if !keepGoing || err != nil {
					return keepGoing, err
				}
			}
			return true, nil
		}
	case *edge:
		if n, ok := next.(*edge); ok && o.path.Equal(n.path) {
			return diff(o.child, n.child, prefix.Append(o.path), h, fn)
		}
	}
	return diffLeaves(collect(old, prefix), collect(next, prefix), fn)
}

func collect(n node, prefix Path) []pathValue {
	var out []pathValue
	_, _ = walk(n, prefix, func(path Path, value Felt) (bool, error) {
		out = append(out, pathValue{path, value})
		return true, nil
	})
	return out
}

// diffLeaves merges two path-ordered leaf lists.
func diffLeaves(old, next []pathValue, fn DiffFunc) (bool, error) {
	report := func(added, removed bool, path Path, a, r Felt) (bool, error) {
		keepGoing, err := fn(added, removed, keyFromTriePath(path), a, r)
		if err != nil {
			return false, fmt.Errorf("callback: %w", err)
		}
		return keepGoing, nil
	}
	i, j := 0, 0
	for i < len(old) || j < len(next) {
		var c int
		switch {
		case i == len(old):
			c = 1
		case j == len(next):
			c = -1
		default:
			c = comparePaths(old[i].path, next[j].path)
		}
		var keepGoing bool
		var err error
		switch {
		case c < 0:
			keepGoing, err = report(false, true, old[i].path, Felt{}, old[i].value)
			i++
		case c > 0:
			keepGoing, err = report(true, false, next[j].path, next[j].value, Felt{})
			j++
		default:
			keepGoing = true
			if !old[i].value.Equal(next[j].value) {
				keepGoing, err = report(false, false, next[j].path, next[j].value, old[i].value)
			}
			i++
			j++
		}
		if !keepGoing || err != nil {
			return keepGoing, err
		}
	}
	return true, nil
}

// comparePaths orders paths bit by bit, shorter first on a shared prefix.
func comparePaths(a, b Path) int {
	n := a.n
	if b.n < n {
		n = b.n
	}
	if k := commonPrefix(a, 0, b, 0, n); k < n {
		return int(a.Bit(k)) - int(b.Bit(k))
	}
	return a.n - b.n
}
