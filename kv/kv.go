// Package kv defines the ordered key-value contract that bonsai persists its
// change log, root hashes and snapshots into.
package kv

// Getter reads single entries.
type Getter interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	IsNotFound(err error) bool
}

// Putter writes single entries.
type Putter interface {
	Put(key, val []byte) error
	Delete(key []byte) error
}

// Bulk collects puts and deletes and applies them atomically on Write.
type Bulk interface {
	Putter
	Write() error
}

// Iterator walks entries in key order. A fresh iterator is unpositioned:
// Next moves to the first entry and Prev to the last.
type Iterator interface {
	First() bool
	Last() bool
	Next() bool
	Prev() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Range is a half-open key range. An empty Limit means no upper bound.
type Range struct {
	Start []byte
	Limit []byte
}

// Reader is the read side shared by a store and its snapshots.
type Reader interface {
	Getter
	Iterate(r Range) Iterator
}

// Snapshot is an immutable point-in-time view of a store.
type Snapshot interface {
	Reader
	Release()
}

// Store is a full ordered key-value store.
type Store interface {
	Reader
	Putter
	Snapshot() Snapshot
	Bulk() Bulk
	Close() error
}

// PrefixRange returns the range of all keys starting with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, Limit: prefixLimit(prefix)}
}

func prefixLimit(prefix []byte) []byte {
	limit := append([]byte(nil), prefix...)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] < 0xff {
			limit[i]++
			return limit[:i+1]
		}
	}
	return nil
}
