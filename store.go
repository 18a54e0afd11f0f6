package bonsai

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jrhy/bonsai/kv"
	"github.com/minio/blake2b-simd"
)

// Persist stores immutable blobs by name. Snapshot bodies are handed to it
// when Config.SnapshotPersist is set; names are content addresses, so a
// name is never stored twice with different bytes.
type Persist interface {
	// Store makes the given bytes accessible by the given name.
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name.
	Load(context.Context, string) ([]byte, error)
}

// Backend key spaces. Ids are big-endian so that scans run in commit order.
var (
	metaSpace      = kv.Bucket("m")
	changeLogSpace = kv.Bucket("c")
	rootHashSpace  = kv.Bucket("r")
	snapshotSpace  = kv.Bucket("s")

	metaKey = []byte("head")
)

const (
	snapshotInline byte = iota
	snapshotBlob
)

// meta is the head record, rewritten by every commit.
type meta struct {
	LastID    CommitID `json:"last_id"`
	HasCommit bool     `json:"has_commit"`
	// Commits counts commits ever made; it drives the snapshot schedule.
	Commits uint64 `json:"commits"`
	// Pruned is set once change sets up to PrunedThrough were deleted.
	Pruned        bool     `json:"pruned"`
	PrunedThrough CommitID `json:"pruned_through"`
}

func loadMeta(r kv.Getter) (meta, bool, error) {
	var m meta
	data, err := metaSpace.NewGetter(r).Get(metaKey)
	if err != nil {
		if r.IsNotFound(err) {
			return m, false, nil
		}
		return m, false, fmt.Errorf("load meta: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false, fmt.Errorf("%w: meta: %v", ErrCorrupted, err)
	}
	return m, true, nil
}

// logWriter stages history records into one atomic bulk.
type logWriter struct {
	bulk    kv.Bulk
	persist Persist
	hasher  Hasher
}

func (w *logWriter) putMeta(m meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return metaSpace.NewPutter(w.bulk).Put(metaKey, data)
}

func (w *logWriter) putRevision(cs *ChangeSet, root Felt) error {
	if err := changeLogSpace.NewPutter(w.bulk).Put(idKey(cs.ID), encodeChangeSet(cs)); err != nil {
		return err
	}
	b := root.Bytes()
	return rootHashSpace.NewPutter(w.bulk).Put(idKey(cs.ID), b[:])
}

// putSnapshot encodes root and stages it. With a Persist the body is
// stored right away under its content address and only the address goes
// into the bulk.
func (w *logWriter) putSnapshot(ctx context.Context, id CommitID, root node) error {
	body, err := encodeSnapshot(id, root, w.hasher)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", id, err)
	}
	val := append([]byte{snapshotInline}, body...)
	if w.persist != nil {
		sum := blake2b.Sum256(body)
		name := hex.EncodeToString(sum[:])
		if err := w.persist.Store(ctx, name, body); err != nil {
			return fmt.Errorf("store snapshot %d: %w", id, err)
		}
		val = append([]byte{snapshotBlob}, name...)
	}
	return snapshotSpace.NewPutter(w.bulk).Put(idKey(id), val)
}

func (w *logWriter) deleteRevision(id CommitID) error {
	if err := changeLogSpace.NewPutter(w.bulk).Delete(idKey(id)); err != nil {
		return err
	}
	return rootHashSpace.NewPutter(w.bulk).Delete(idKey(id))
}

func (w *logWriter) deleteSnapshot(id CommitID) error {
	return snapshotSpace.NewPutter(w.bulk).Delete(idKey(id))
}

// prune stages deletes so that at most cfg.MaxSavedTrieLogs change sets and
// cfg.MaxSavedSnapshots snapshots remain once the bulk, which already
// holds newLogs and newSnaps, is written. Change sets after the newest
// snapshot are always kept so the head can be rebuilt. m is updated to
// match.
func (w *logWriter) prune(r kv.Reader, cfg Config, m *meta, newLogs, newSnaps []CommitID) error {
	if cfg.MaxSavedTrieLogs == 0 && cfg.MaxSavedSnapshots == 0 {
		return nil
	}
	snaps, err := scanIDs(snapshotSpace.NewReader(r))
	if err != nil {
		return err
	}
	snaps = append(snaps, newSnaps...)
	if cfg.MaxSavedTrieLogs > 0 && len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		ids, err := scanIDs(changeLogSpace.NewReader(r))
		if err != nil {
			return err
		}
		ids = append(ids, newLogs...)
		for len(ids) > cfg.MaxSavedTrieLogs && ids[0] <= latest {
			if err := w.deleteRevision(ids[0]); err != nil {
				return err
			}
			m.Pruned, m.PrunedThrough = true, ids[0]
			ids = ids[1:]
		}
	}
	for len(snaps) > 0 {
		stale := m.Pruned && snaps[0] < m.PrunedThrough
		excess := cfg.MaxSavedSnapshots > 0 && len(snaps) > cfg.MaxSavedSnapshots
		if !stale && !excess {
			break
		}
		if err := w.deleteSnapshot(snaps[0]); err != nil {
			return err
		}
		snaps = snaps[1:]
	}
	return nil
}

func scanIDs(r kv.Reader) ([]CommitID, error) {
	it := r.Iterate(kv.Range{})
	defer it.Release()
	var ids []CommitID
	for it.Next() {
		id, err := idFromKey(it.Key())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		ids = append(ids, id)
	}
	return ids, it.Error()
}

// backendLog reads history from a consistent view of the backend.
type backendLog struct {
	r       kv.Reader
	persist Persist
	hasher  Hasher
	meta    meta
}

var _ history = (*backendLog)(nil)

func (b *backendLog) nearestSnapshot(ctx context.Context, id CommitID) (CommitID, node, bool, error) {
	it := snapshotSpace.NewReader(b.r).Iterate(kv.Range{Limit: idLimit(id)})
	defer it.Release()
	if !it.Last() {
		return 0, nil, false, it.Error()
	}
	snapID, err := idFromKey(it.Key())
	if err != nil {
		return 0, nil, false, fmt.Errorf("%w: snapshot key: %v", ErrCorrupted, err)
	}
	root, err := b.loadSnapshot(ctx, snapID, it.Value())
	if err != nil {
		return 0, nil, false, err
	}
	return snapID, root, true, nil
}

func (b *backendLog) loadSnapshot(ctx context.Context, id CommitID, val []byte) (node, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("%w: empty snapshot %d", ErrCorrupted, id)
	}
	body := val[1:]
	switch val[0] {
	case snapshotInline:
	case snapshotBlob:
		if b.persist == nil {
			return nil, fmt.Errorf("snapshot %d is stored externally but no SnapshotPersist is configured", id)
		}
		var err error
		body, err = b.persist.Load(ctx, string(val[1:]))
		if err != nil {
			return nil, fmt.Errorf("load snapshot %d: %w", id, err)
		}
	default:
		return nil, fmt.Errorf("%w: snapshot %d has format %d", ErrCorrupted, id, val[0])
	}
	got, root, err := decodeSnapshot(body, b.hasher)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %d: %v", ErrCorrupted, id, err)
	}
	if got != id {
		return nil, fmt.Errorf("%w: snapshot %d holds revision %d", ErrCorrupted, id, got)
	}
	return root, nil
}

func (b *backendLog) changes(ctx context.Context, from, to CommitID, descending bool, fn func(*ChangeSet) error) error {
	if from > to {
		return nil
	}
	it := changeLogSpace.NewReader(b.r).Iterate(kv.Range{Start: idKey(from), Limit: idLimit(to)})
	defer it.Release()
	step := it.Next
	if descending {
		step = it.Prev
	}
	for step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cs, err := decodeChangeSet(it.Value())
		if err != nil {
			return fmt.Errorf("%w: change set: %v", ErrCorrupted, err)
		}
		id, err := idFromKey(it.Key())
		if err != nil || id != cs.ID {
			return fmt.Errorf("%w: change set %d stored under %x", ErrCorrupted, cs.ID, it.Key())
		}
		if err := fn(cs); err != nil {
			return err
		}
	}
	return it.Error()
}

func (b *backendLog) rootHash(_ context.Context, id CommitID) (Felt, bool, error) {
	r := rootHashSpace.NewGetter(b.r)
	data, err := r.Get(idKey(id))
	if err != nil {
		if r.IsNotFound(err) {
			return Felt{}, false, nil
		}
		return Felt{}, false, fmt.Errorf("load root hash %d: %w", id, err)
	}
	if len(data) != FeltBytes {
		return Felt{}, false, fmt.Errorf("%w: root hash %d has %d bytes", ErrCorrupted, id, len(data))
	}
	return FeltFromBytes(data), true, nil
}

func (b *backendLog) replayFloor() (CommitID, bool) {
	return b.meta.PrunedThrough, b.meta.Pruned
}

// idLimit is the exclusive upper bound of a scan ending at id.
func idLimit(id CommitID) []byte {
	if id == ^CommitID(0) {
		return nil
	}
	return idKey(id + 1)
}
