package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := NewPersistForPath(dir)

	require.NoError(t, p.Store(ctx, "foo", []byte("hello")))
	loaded, err := p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)
	_, err = os.Stat(filepath.Join(dir, "fo", "foo"))
	require.NoError(t, err)

	// names are content addresses, so a second store is skipped
	require.NoError(t, p.Store(ctx, "foo", []byte("other")))
	loaded, err = p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	_, err = p.Load(ctx, "missing")
	assert.True(t, os.IsNotExist(err))
}

func TestShortName(t *testing.T) {
	t.Parallel()
	p := NewPersistForPath(t.TempDir())
	require.NoError(t, p.Store(ctx, "ab", []byte("x")))
	loaded, err := p.Load(ctx, "ab")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), loaded)
}
