// bonsai inspects a bonsai trie store.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jrhy/bonsai"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML configuration file",
	}
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "database directory",
	}
	engineFlag = &cli.StringFlag{
		Name:  "engine",
		Usage: "database engine (leveldb, pebble)",
		Value: "leveldb",
	}
	hasherFlag = &cli.StringFlag{
		Name:  "hasher",
		Usage: "trie hash function (mimc-bn254, blake2b-256)",
		Value: bonsai.MiMCHasher().Name(),
	}
	snapshotDirFlag = &cli.StringFlag{
		Name:  "snapshot-dir",
		Usage: "directory holding offloaded snapshots",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}

	idFlag = &cli.Uint64Flag{
		Name:  "id",
		Usage: "commit id (default: the last commit)",
	}
	keyFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "key as hex bytes, or as bits with a 0b prefix",
	}
	fromFlag = &cli.Uint64Flag{
		Name:     "from",
		Usage:    "older commit id",
		Required: true,
	}
	toFlag = &cli.Uint64Flag{
		Name:  "to",
		Usage: "newer commit id (default: the last commit)",
	}
	parallelFlag = &cli.IntFlag{
		Name:  "parallel",
		Usage: "revisions rebuilt at once",
		Value: 4,
	}
)

const verifyName = "verify"

var (
	dumpCommand = &cli.Command{
		Name:   "dump",
		Usage:  "Print every backend record",
		Action: dump,
	}
	rootCommand = &cli.Command{
		Name:   "root",
		Usage:  "Print the root hash of a revision",
		Flags:  []cli.Flag{idFlag},
		Action: root,
	}
	getCommand = &cli.Command{
		Name:   "get",
		Usage:  "Print the value of a key in a revision",
		Flags:  []cli.Flag{idFlag, keyFlag},
		Action: get,
	}
	diffCommand = &cli.Command{
		Name:   "diff",
		Usage:  "Print the differences between two revisions",
		Flags:  []cli.Flag{fromFlag, toFlag},
		Action: diff,
	}
	verifyCommand = &cli.Command{
		Name:   verifyName,
		Usage:  "Rebuild every recorded revision and check it against its root hash",
		Flags:  []cli.Flag{parallelFlag},
		Action: verify,
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "bonsai",
		Usage: "inspect a bonsai trie store",
		Flags: []cli.Flag{
			configFileFlag,
			dbFlag,
			engineFlag,
			hasherFlag,
			snapshotDirFlag,
			verbosityFlag,
		},
		Commands: []*cli.Command{
			dumpCommand,
			rootCommand,
			getCommand,
			diffCommand,
			verifyCommand,
		},
		Before: setupLogging,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	lvl := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(ctx.App.ErrWriter, lvl, false)))
	return nil
}

// withStorage opens the storage, runs fn and closes it.
func withStorage(ctx *cli.Context, fn func(*bonsai.Storage) error) error {
	s, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// revision resolves an optional id flag to a committed id.
func revision(ctx *cli.Context, s *bonsai.Storage, flag *cli.Uint64Flag) (bonsai.CommitID, error) {
	if ctx.IsSet(flag.Name) {
		return bonsai.CommitID(ctx.Uint64(flag.Name)), nil
	}
	last, ok := s.LastID()
	if !ok {
		return 0, errors.New("nothing committed yet")
	}
	return last, nil
}

func parseKey(s string) (bonsai.Path, error) {
	if bits, ok := strings.CutPrefix(s, "0b"); ok {
		return bonsai.ParsePath(bits)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return bonsai.Path{}, fmt.Errorf("key: %w", err)
	}
	return bonsai.NewPath(b), nil
}

func formatKey(p bonsai.Path) string {
	if p.Len()%8 == 0 {
		return "0x" + hex.EncodeToString(p.Bytes())
	}
	return "0b" + p.String()
}

func dump(ctx *cli.Context) error {
	return withStorage(ctx, func(s *bonsai.Storage) error {
		return s.DumpDatabase(ctx.App.Writer)
	})
}

func root(ctx *cli.Context) error {
	return withStorage(ctx, func(s *bonsai.Storage) error {
		id, err := revision(ctx, s, idFlag)
		if err != nil {
			return err
		}
		h, err := s.RootHashAt(ctx.Context, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "%d %v\n", id, h)
		return nil
	})
}

func get(ctx *cli.Context) error {
	key, err := parseKey(ctx.String(keyFlag.Name))
	if err != nil {
		return err
	}
	return withStorage(ctx, func(s *bonsai.Storage) error {
		id, err := revision(ctx, s, idFlag)
		if err != nil {
			return err
		}
		ts, ok, err := s.GetTransactionalState(ctx.Context, id, bonsai.Config{})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", bonsai.ErrNotFound, id)
		}
		defer ts.Discard()
		v, ok, err := ts.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %s not present at %d", formatKey(key), id)
		}
		fmt.Fprintln(ctx.App.Writer, v)
		return nil
	})
}

func diff(ctx *cli.Context) error {
	return withStorage(ctx, func(s *bonsai.Storage) error {
		to, err := revision(ctx, s, toFlag)
		if err != nil {
			return err
		}
		from := bonsai.CommitID(ctx.Uint64(fromFlag.Name))
		w := ctx.App.Writer
		return s.DiffIter(ctx.Context, from, to, func(added, removed bool, key bonsai.Path, addedValue, removedValue bonsai.Felt) (bool, error) {
			var err error
			switch {
			case added:
				_, err = fmt.Fprintf(w, "+ %s %v\n", formatKey(key), addedValue)
			case removed:
				_, err = fmt.Fprintf(w, "- %s %v\n", formatKey(key), removedValue)
			default:
				_, err = fmt.Fprintf(w, "~ %s %v -> %v\n", formatKey(key), removedValue, addedValue)
			}
			return err == nil, err
		})
	})
}

func verify(ctx *cli.Context) error {
	return withStorage(ctx, func(s *bonsai.Storage) error {
		ids, err := s.Revisions(ctx.Context)
		if err != nil {
			return err
		}
		var done atomic.Int64
		g, gctx := errgroup.WithContext(ctx.Context)
		g.SetLimit(ctx.Int(parallelFlag.Name))
		for _, id := range ids {
			id := id
			g.Go(func() error {
				ts, ok, err := s.GetTransactionalState(gctx, id, bonsai.Config{})
				if err != nil {
					return fmt.Errorf("revision %d: %w", id, err)
				}
				if !ok {
					// Pruned since the scan.
					return nil
				}
				ts.Discard()
				if n := done.Add(1); n%1000 == 0 {
					log.Info("Verifying revisions", "done", n, "total", len(ids))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "verified %d revisions\n", done.Load())
		return nil
	})
}
