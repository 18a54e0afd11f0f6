// Package pebble implements kv.Store on cockroachdb/pebble.
package pebble

import (
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/jrhy/bonsai/kv"
	"github.com/pkg/errors"
)

var _ kv.Store = (*Store)(nil)

// Store wraps a pebble database.
type Store struct {
	db *pebble.DB
}

// New opens the pebble database in dir. A nil opts uses pebble's defaults.
func New(dir string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open pebble")
	}
	return &Store{db: db}, nil
}

// NewMem creates a database on an in-memory filesystem.
func NewMem() (*Store, error) {
	return New("", &pebble.Options{FS: vfs.NewMem()})
}

func (s *Store) IsNotFound(err error) bool { return isNotFound(err) }

func isNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func get(g func([]byte) ([]byte, io.Closer, error), key []byte) ([]byte, error) {
	val, c, err := g(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	if err := c.Close(); err != nil {
		return nil, errors.Wrap(err, "release pebble value")
	}
	return out, nil
}

// Get returns a copy of the value for key, or an error satisfying
// IsNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	return get(func(k []byte) ([]byte, io.Closer, error) { return s.db.Get(k) }, key)
}

func (s *Store) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Put(key, val []byte) error {
	return s.db.Set(key, val, pebble.Sync)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

func (s *Store) Iterate(r kv.Range) kv.Iterator {
	return newIterator(s.db.NewIter(iterOptions(r)))
}

func (s *Store) Snapshot() kv.Snapshot {
	return &snapshot{s.db.NewSnapshot()}
}

func (s *Store) Bulk() kv.Bulk {
	return &bulk{batch: s.db.NewBatch()}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func iterOptions(r kv.Range) *pebble.IterOptions {
	o := &pebble.IterOptions{LowerBound: r.Start}
	if len(r.Limit) > 0 {
		o.UpperBound = r.Limit
	}
	return o
}

type snapshot struct {
	snap *pebble.Snapshot
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	return get(func(k []byte) ([]byte, io.Closer, error) { return s.snap.Get(k) }, key)
}

func (s *snapshot) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *snapshot) IsNotFound(err error) bool { return isNotFound(err) }

func (s *snapshot) Iterate(r kv.Range) kv.Iterator {
	return newIterator(s.snap.NewIter(iterOptions(r)))
}

func (s *snapshot) Release() { _ = s.snap.Close() }

type bulk struct {
	batch *pebble.Batch
}

func (b *bulk) Put(key, val []byte) error { return b.batch.Set(key, val, nil) }
func (b *bulk) Delete(key []byte) error   { return b.batch.Delete(key, nil) }

// Write commits the batch atomically and syncs it.
func (b *bulk) Write() error {
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit pebble batch")
	}
	b.batch.Reset()
	return nil
}

// iterator gives pebble's iterator the unpositioned start the kv contract
// asks for: the first Next lands on the first entry and the first Prev on
// the last.
type iterator struct {
	iter  *pebble.Iterator
	moved bool
	err   error
}

func newIterator(iter *pebble.Iterator, err error) *iterator {
	if err != nil {
		return &iterator{err: errors.Wrap(err, "new pebble iterator")}
	}
	return &iterator{iter: iter}
}

func (it *iterator) First() bool {
	if it.iter == nil {
		return false
	}
	it.moved = true
	return it.iter.First()
}

func (it *iterator) Last() bool {
	if it.iter == nil {
		return false
	}
	it.moved = true
	return it.iter.Last()
}

func (it *iterator) Next() bool {
	if it.iter == nil {
		return false
	}
	if !it.moved {
		return it.First()
	}
	return it.iter.Next()
}

func (it *iterator) Prev() bool {
	if it.iter == nil {
		return false
	}
	if !it.moved {
		return it.Last()
	}
	return it.iter.Prev()
}

func (it *iterator) Key() []byte {
	if it.iter == nil {
		return nil
	}
	return it.iter.Key()
}

func (it *iterator) Value() []byte {
	if it.iter == nil {
		return nil
	}
	return it.iter.Value()
}

func (it *iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.iter == nil {
		return nil
	}
	return it.iter.Error()
}

func (it *iterator) Release() {
	if it.iter != nil {
		_ = it.iter.Close()
		it.iter = nil
	}
}
