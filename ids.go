package bonsai

import "sync/atomic"

// CommitID identifies a committed revision. Ids of one storage strictly
// increase.
type CommitID uint64

// IDSequence mints strictly increasing commit ids. Share one sequence
// between a storage and the transactional states branched from it so
// that their commits never collide.
type IDSequence struct {
	next atomic.Uint64
}

// NewIDSequence returns a sequence starting at 0.
func NewIDSequence() *IDSequence {
	return &IDSequence{}
}

// NewIDSequenceAfter returns a sequence whose first id follows last,
// typically Storage.LastID of a reopened storage.
func NewIDSequenceAfter(last CommitID) *IDSequence {
	s := &IDSequence{}
	s.next.Store(uint64(last) + 1)
	return s
}

// NewID returns the next id. It is safe for concurrent use.
func (s *IDSequence) NewID() CommitID {
	return CommitID(s.next.Add(1) - 1)
}
