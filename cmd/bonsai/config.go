package main

import (
	"fmt"
	"os"

	"github.com/jrhy/bonsai"
	"github.com/jrhy/bonsai/kv"
	"github.com/jrhy/bonsai/kv/leveldb"
	"github.com/jrhy/bonsai/kv/pebble"
	"github.com/jrhy/bonsai/persist/file"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// storeConfig is what the YAML config file holds. Flags override it.
type storeConfig struct {
	DB                string `yaml:"db"`
	Engine            string `yaml:"engine"`
	Cache             int    `yaml:"cache"`
	Hasher            string `yaml:"hasher"`
	SnapshotInterval  uint64 `yaml:"snapshot_interval"`
	SnapshotDir       string `yaml:"snapshot_dir"`
	MaxSavedTrieLogs  int    `yaml:"max_saved_trie_logs"`
	MaxSavedSnapshots int    `yaml:"max_saved_snapshots"`
	Reconstruction    string `yaml:"reconstruction"`
}

func defaultStoreConfig() storeConfig {
	d := bonsai.DefaultConfig()
	return storeConfig{
		Engine:           "leveldb",
		Cache:            16,
		Hasher:           d.Hasher.Name(),
		SnapshotInterval: d.SnapshotInterval,
		Reconstruction:   d.Reconstruction.String(),
	}
}

func loadStoreConfig(ctx *cli.Context) (storeConfig, error) {
	cfg := defaultStoreConfig()
	if path := ctx.String(configFileFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if ctx.IsSet(dbFlag.Name) {
		cfg.DB = ctx.String(dbFlag.Name)
	}
	if ctx.IsSet(engineFlag.Name) {
		cfg.Engine = ctx.String(engineFlag.Name)
	}
	if ctx.IsSet(hasherFlag.Name) {
		cfg.Hasher = ctx.String(hasherFlag.Name)
	}
	if ctx.IsSet(snapshotDirFlag.Name) {
		cfg.SnapshotDir = ctx.String(snapshotDirFlag.Name)
	}
	if cfg.DB == "" {
		return cfg, fmt.Errorf("no database given, use --%s", dbFlag.Name)
	}
	return cfg, nil
}

func (c storeConfig) bonsaiConfig() (bonsai.Config, error) {
	h, ok := bonsai.HasherByName(c.Hasher)
	if !ok {
		return bonsai.Config{}, fmt.Errorf("unknown hasher %q", c.Hasher)
	}
	strategy, err := bonsai.ParseStrategy(c.Reconstruction)
	if err != nil {
		return bonsai.Config{}, err
	}
	cfg := bonsai.Config{
		SnapshotInterval:  c.SnapshotInterval,
		MaxSavedTrieLogs:  c.MaxSavedTrieLogs,
		MaxSavedSnapshots: c.MaxSavedSnapshots,
		Reconstruction:    strategy,
		Hasher:            h,
	}
	if c.SnapshotDir != "" {
		cfg.SnapshotPersist = file.NewPersistForPath(c.SnapshotDir)
	}
	return cfg, nil
}

func (c storeConfig) openKV() (kv.Store, error) {
	var (
		db  kv.Store
		err error
	)
	switch c.Engine {
	case "leveldb":
		db, err = leveldb.New(c.DB, leveldb.Options{CacheSize: c.Cache})
	case "pebble":
		db, err = pebble.New(c.DB, nil)
	default:
		return nil, fmt.Errorf("unknown engine %q", c.Engine)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

// openStorage opens the storage the command line points at.
func openStorage(ctx *cli.Context) (*bonsai.Storage, error) {
	sc, err := loadStoreConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := sc.bonsaiConfig()
	if err != nil {
		return nil, err
	}
	// verify visits each revision once.
	if ctx.Command.Name == verifyName {
		cfg.RevisionCacheSize = -1
	}
	db, err := sc.openKV()
	if err != nil {
		return nil, err
	}
	s, err := bonsai.New(ctx.Context, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
