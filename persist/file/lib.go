// Package file stores snapshot blobs as files in a directory.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrhy/bonsai"
)

var _ bonsai.Persist = Persist{}

// Persist implements bonsai.Persist on a local directory. Blobs are
// spread over subdirectories named by the first two characters of their
// names.
type Persist struct {
	basepath string
}

// NewPersistForPath returns a Persist keeping blobs under path.
//
//	p := NewPersistForPath("/var/db/bonsai-snapshots")
//	blob, err := p.Load(ctx, "98ea6e4f216f2fb4b69fff9b3a44842c38686ca685f3f55dc48c5d3fb1107be4")
func NewPersistForPath(path string) Persist {
	return Persist{path}
}

func (p Persist) path(name string) string {
	if len(name) > 2 {
		return filepath.Join(p.basepath, name[:2], name)
	}
	return filepath.Join(p.basepath, name)
}

// Load returns the bytes stored under name.
func (p Persist) Load(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(p.path(name))
}

// Store writes b under name unless the file exists already. The file
// appears atomically.
func (p Persist) Store(_ context.Context, name string, b []byte) error {
	path := p.path(name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}
