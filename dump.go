package bonsai

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/jrhy/bonsai/kv"
)

// DumpDatabase writes every backend record to w, decoded by key space. It
// reads a snapshot of the backend and changes nothing.
func (s *Storage) DumpDatabase(w io.Writer) error {
	snap := s.db.Snapshot()
	defer snap.Release()
	it := snap.Iterate(kv.Range{})
	defer it.Release()
	for it.Next() {
		if err := dumpRecord(w, it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func dumpRecord(w io.Writer, key, val []byte) error {
	var err error
	if len(key) == 0 {
		_, err = fmt.Fprintf(w, "? %x\n", val)
		return err
	}
	space, rest := kv.Bucket(key[:1]), key[1:]
	if space == metaSpace {
		_, err = fmt.Fprintf(w, "meta %s %s\n", rest, val)
		return err
	}
	id, idErr := idFromKey(rest)
	if idErr != nil {
		_, err = fmt.Fprintf(w, "? %x %x\n", key, val)
		return err
	}
	switch space {
	case changeLogSpace:
		cs, decErr := decodeChangeSet(val)
		if decErr != nil {
			_, err = fmt.Fprintf(w, "changelog %d undecodable: %v\n", id, decErr)
			return err
		}
		if _, err = fmt.Fprintf(w, "changelog %d changes=%d\n", id, len(cs.Changes)); err != nil {
			return err
		}
		for _, c := range cs.Changes {
			if _, err = fmt.Fprintf(w, "  %s %s -> %s\n", c.Key, optFelt(c.Prev), optFelt(c.Value)); err != nil {
				return err
			}
		}
	case rootHashSpace:
		_, err = fmt.Fprintf(w, "roothash %d %s\n", id, FeltFromBytes(val))
	case snapshotSpace:
		switch {
		case len(val) > 0 && val[0] == snapshotBlob:
			_, err = fmt.Fprintf(w, "snapshot %d blob %s\n", id, val[1:])
		default:
			_, err = fmt.Fprintf(w, "snapshot %d inline %d bytes\n", id, len(val))
		}
	default:
		_, err = fmt.Fprintf(w, "? %s %x\n", hex.EncodeToString(key), val)
	}
	return err
}

func optFelt(f *Felt) string {
	if f == nil {
		return "-"
	}
	return f.String()
}
