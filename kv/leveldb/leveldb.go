// Package leveldb implements kv.Store on goleveldb.
package leveldb

import (
	"github.com/jrhy/bonsai/kv"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ kv.Store = (*Store)(nil)

// Options tunes the leveldb instance. Sizes are in MiB.
type Options struct {
	CacheSize              int
	OpenFilesCacheCapacity int
}

var (
	readOpt  = opt.ReadOptions{}
	writeOpt = opt.WriteOptions{Sync: true}
)

// Store wraps a leveldb database.
type Store struct {
	db  *leveldb.DB
	stg storage.Storage
}

// New opens the database at path, creating it if missing.
func New(path string, opts Options) (*Store, error) {
	stg, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb storage")
	}
	return open(stg, opts)
}

// NewMem creates a database held in memory.
func NewMem() (*Store, error) {
	return open(storage.NewMemStorage(), Options{})
}

func open(stg storage.Storage, opts Options) (*Store, error) {
	if opts.CacheSize < 16 {
		opts.CacheSize = 16
	}
	if opts.OpenFilesCacheCapacity < 16 {
		opts.OpenFilesCacheCapacity = 16
	}
	db, err := leveldb.Open(stg, &opt.Options{
		OpenFilesCacheCapacity: opts.OpenFilesCacheCapacity,
		BlockCacheCapacity:     opts.CacheSize / 2 * opt.MiB,
		WriteBuffer:            opts.CacheSize / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		stg.Close()
		return nil, errors.Wrap(err, "open leveldb")
	}
	return &Store{db: db, stg: stg}, nil
}

func (s *Store) IsNotFound(err error) bool {
	return errors.Is(err, leveldb.ErrNotFound)
}

// Get returns the value for key, or an error satisfying IsNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key, &readOpt)
}

func (s *Store) Has(key []byte) (bool, error) {
	return s.db.Has(key, &readOpt)
}

func (s *Store) Put(key, val []byte) error {
	return s.db.Put(key, val, &writeOpt)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, &writeOpt)
}

func (s *Store) Iterate(r kv.Range) kv.Iterator {
	return newIterator(s.db.NewIterator(toUtilRange(r), &readOpt))
}

// Snapshot captures the current state. If leveldb cannot take a snapshot
// the returned view reports the failure from every read.
func (s *Store) Snapshot() kv.Snapshot {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return failedSnapshot{errors.Wrap(err, "leveldb snapshot")}
	}
	return &snapshot{snap}
}

func (s *Store) Bulk() kv.Bulk {
	return &bulk{db: s.db, batch: new(leveldb.Batch)}
}

// Close closes the database and releases its storage, including the
// file lock. Later operations fail.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.stg.Close()
		return errors.Wrap(err, "close leveldb")
	}
	return errors.Wrap(s.stg.Close(), "close leveldb storage")
}

func toUtilRange(r kv.Range) *util.Range {
	return &util.Range{Start: r.Start, Limit: r.Limit}
}

type snapshot struct {
	snap *leveldb.Snapshot
}

func (s *snapshot) Get(key []byte) ([]byte, error) { return s.snap.Get(key, &readOpt) }
func (s *snapshot) Has(key []byte) (bool, error)   { return s.snap.Has(key, &readOpt) }
func (s *snapshot) IsNotFound(err error) bool      { return errors.Is(err, leveldb.ErrNotFound) }
func (s *snapshot) Release()                       { s.snap.Release() }

func (s *snapshot) Iterate(r kv.Range) kv.Iterator {
	return newIterator(s.snap.NewIterator(toUtilRange(r), &readOpt))
}

type failedSnapshot struct{ err error }

func (f failedSnapshot) Get([]byte) ([]byte, error) { return nil, f.err }
func (f failedSnapshot) Has([]byte) (bool, error)   { return false, f.err }
func (f failedSnapshot) IsNotFound(error) bool      { return false }
func (f failedSnapshot) Release()                   {}

func (f failedSnapshot) Iterate(kv.Range) kv.Iterator {
	return newIterator(iterator.NewEmptyIterator(f.err))
}

type bulk struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *bulk) Put(key, val []byte) error {
	b.batch.Put(key, val)
	return nil
}

func (b *bulk) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}

// Write applies the batch atomically.
func (b *bulk) Write() error {
	if err := b.db.Write(b.batch, &writeOpt); err != nil {
		return errors.Wrap(err, "write leveldb batch")
	}
	b.batch.Reset()
	return nil
}

// iter gives goleveldb's iterator the unpositioned start the kv contract
// asks for. A fresh goleveldb iterator only moves forward on Next; its
// Prev reports exhaustion instead of landing on the last entry.
type iter struct {
	iterator.Iterator
	moved bool
}

func newIterator(it iterator.Iterator) *iter {
	return &iter{Iterator: it}
}

func (it *iter) First() bool {
	it.moved = true
	return it.Iterator.First()
}

func (it *iter) Last() bool {
	it.moved = true
	return it.Iterator.Last()
}

func (it *iter) Next() bool {
	if !it.moved {
		return it.First()
	}
	return it.Iterator.Next()
}

func (it *iter) Prev() bool {
	if !it.moved {
		return it.Last()
	}
	return it.Iterator.Prev()
}
