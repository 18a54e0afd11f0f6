package bonsai

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Strategy selects how historical revisions are rebuilt.
type Strategy int

const (
	// ReplayFromSnapshot loads the nearest snapshot at or before the
	// target and replays the change log forward.
	ReplayFromSnapshot Strategy = iota
	// RevertFromHead undoes change sets from the newest revision back to
	// the target.
	RevertFromHead
)

func (s Strategy) String() string {
	switch s {
	case ReplayFromSnapshot:
		return "replay-from-snapshot"
	case RevertFromHead:
		return "revert-from-head"
	}
	return "unknown"
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range []Strategy{ReplayFromSnapshot, RevertFromHead} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("bonsai: unknown reconstruction strategy %q", name)
}

// Config tunes a Storage or a TransactionalState.
type Config struct {
	// SnapshotInterval is the number of commits between full snapshots.
	SnapshotInterval uint64
	// MaxSavedTrieLogs keeps only the newest change sets; older revisions
	// become unreachable. Zero keeps everything.
	MaxSavedTrieLogs int
	// MaxSavedSnapshots keeps only the newest snapshots. Zero keeps
	// everything.
	MaxSavedSnapshots int
	Reconstruction    Strategy
	// RevisionCacheSize bounds the materialized revisions kept in memory.
	// Negative disables the cache.
	RevisionCacheSize int
	// Hasher defaults to MiMCHasher. Transactional states always use
	// their storage's hasher.
	Hasher Hasher
	// SnapshotPersist, if set, receives snapshot bodies; the backend then
	// only records their content address.
	SnapshotPersist Persist
	Logger          log.Logger
	// Registerer, if set, receives the storage's metrics.
	Registerer prometheus.Registerer
}

const (
	defaultSnapshotInterval  = 5
	defaultRevisionCacheSize = 64
)

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval:  defaultSnapshotInterval,
		RevisionCacheSize: defaultRevisionCacheSize,
		Hasher:            MiMCHasher(),
		Reconstruction:    ReplayFromSnapshot,
	}
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = defaultSnapshotInterval
	}
	if c.RevisionCacheSize == 0 {
		c.RevisionCacheSize = defaultRevisionCacheSize
	}
	if c.Hasher == nil {
		c.Hasher = MiMCHasher()
	}
	if c.Logger == nil {
		c.Logger = newLogger()
	}
	return c
}

func (c Config) validate() error {
	if c.MaxSavedTrieLogs < 0 || c.MaxSavedSnapshots < 0 {
		return errors.New("bonsai: negative retention limit")
	}
	if c.Reconstruction != ReplayFromSnapshot && c.Reconstruction != RevertFromHead {
		return errors.New("bonsai: unknown reconstruction strategy")
	}
	return nil
}
