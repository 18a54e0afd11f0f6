/*
Package bonsai provides a versioned, verifiable key-value store built
on a binary Merkle-Patricia trie. Keys are bit sequences of any
length, values are field elements, and every committed revision is
identified by a caller-supplied commit id and summarized by a root
hash.

# Uses

- Keeping an authoritative state whose every revision can be proven
by its root hash

- Branching off any past revision, experimenting, and either merging
the result back or dropping it

- Diffing two revisions in time proportional to the difference

# Revisions

A Storage holds one trie. Insert and Remove change a working view;
Commit freezes that view under a new id, appends the changes to a
change log in the backing kv.Store and, every SnapshotInterval
commits, writes a full snapshot of the trie. Any committed revision
can later be rebuilt from the nearest snapshot at or before it plus
the change log, or by undoing changes from the current head.

The trie is persistent: mutations copy the nodes along the mutated
path and share everything else, so a revision, once built, is never
modified and can be read from any number of goroutines.

# Transactional states

GetTransactionalState returns an independent, mutable view rooted at
a committed revision. It keeps a private change log with its own
commits, can RevertTo any of them, and is either dropped or handed to
Storage.Merge, which replays its commits onto the storage. Merging is
optimistic: if the storage committed anything after the state's base
revision, the merge fails and the storage is left untouched.

# Commit ids

Ids come from the caller, usually from an IDSequence shared by the
storage and its transactional states, and must strictly increase.
*/
package bonsai
