package bonsai

import "errors"

var (
	// ErrNotFound means no committed revision exists for an id.
	ErrNotFound = errors.New("bonsai: revision not found")
	// ErrCommit means a commit was rejected or could not be persisted.
	// The committed state is unchanged.
	ErrCommit = errors.New("bonsai: commit failed")
	// ErrMerge means a transactional state could not be merged. The
	// storage is unchanged.
	ErrMerge = errors.New("bonsai: merge failed")
	// ErrRevert means the revert target is not in the transactional
	// state's history.
	ErrRevert = errors.New("bonsai: revert failed")
	// ErrTransactionClosed is returned by a transactional state that was
	// merged or discarded.
	ErrTransactionClosed = errors.New("bonsai: transactional state closed")
	// ErrCorrupted means persisted history does not reproduce a recorded
	// root hash or cannot be decoded.
	ErrCorrupted = errors.New("bonsai: corrupted history")
)
