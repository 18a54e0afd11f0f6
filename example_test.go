package bonsai_test

import (
	"context"
	"fmt"

	"github.com/jrhy/bonsai"
	"github.com/jrhy/bonsai/kv/leveldb"
)

func ExampleStorage_Merge() {
	ctx := context.Background()
	db, err := leveldb.NewMem()
	if err != nil {
		panic(err)
	}
	s, err := bonsai.New(ctx, db, bonsai.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer s.Close()
	ids := bonsai.NewIDSequence()
	key := bonsai.NewPath([]byte{1, 2, 3})

	s.Insert(key, bonsai.FeltFromUint64(1))
	base := ids.NewID()
	if err := s.Commit(ctx, base); err != nil {
		panic(err)
	}

	ts, _, err := s.GetTransactionalState(ctx, base, bonsai.Config{})
	if err != nil {
		panic(err)
	}
	ts.Insert(key, bonsai.FeltFromUint64(2))
	ts.TransactionalCommit(ids.NewID())
	if err := s.Merge(ctx, ts); err != nil {
		panic(err)
	}
	v, _, _ := s.Get(key)
	last, _ := s.LastID()
	fmt.Println(v, last)
	// Output:
	// 0x2 1
}

func ExampleStorage_DiffIter() {
	ctx := context.Background()
	db, err := leveldb.NewMem()
	if err != nil {
		panic(err)
	}
	s, err := bonsai.New(ctx, db, bonsai.Config{})
	if err != nil {
		panic(err)
	}
	defer s.Close()
	foo, bar, baz := bonsai.NewPath([]byte("foo")), bonsai.NewPath([]byte("bar")), bonsai.NewPath([]byte("baz"))
	s.Insert(foo, bonsai.FeltFromUint64(1))
	s.Insert(bar, bonsai.FeltFromUint64(2))
	s.Commit(ctx, 1)
	s.Insert(foo, bonsai.FeltFromUint64(3))
	s.Remove(bar)
	s.Insert(baz, bonsai.FeltFromUint64(4))
	s.Commit(ctx, 2)

	s.DiffIter(ctx, 1, 2, func(added, removed bool, key bonsai.Path, addedValue, removedValue bonsai.Felt) (bool, error) {
		switch {
		case added:
			fmt.Printf("added   '%s' value %v\n", key.Bytes(), addedValue)
		case removed:
			fmt.Printf("removed '%s' value %v\n", key.Bytes(), removedValue)
		default:
			fmt.Printf("changed '%s' from %v to %v\n", key.Bytes(), removedValue, addedValue)
		}
		return true, nil
	})
	// Output:
	// removed 'bar' value 0x2
	// added   'baz' value 0x4
	// changed 'foo' from 0x1 to 0x3
}
