package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	root := t.TempDir()
	for _, cat := range []types.Category{types.CategoryCurrent, types.CategoryBackup, types.CategoryInitial, types.CategoryUpdate} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, string(cat)), 0750))
	}
	return NewBackend(root)
}

func TestBackendWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	require.NoError(t, b.Write("a.txt", []byte("hello"), types.CategoryCurrent))

	data, err := b.Read("a.txt", types.CategoryCurrent)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestBackendReadMissingFileFails(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	_, err := b.Read("missing.txt", types.CategoryCurrent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.FileNotFound))
}

func TestBackendWriteCreatesCategoryDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	b := NewBackend(root)
	require.NoError(t, b.Write("a.txt", []byte("x"), types.CategoryUpdate))

	_, err := os.Stat(filepath.Join(root, "update", "a.txt"))
	require.NoError(t, err)
}

func TestBackendDeleteMissingFails(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	err := b.Delete("missing.txt", types.CategoryCurrent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.FileNotFound))
}

func TestBackendListAndExists(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	require.NoError(t, b.Write("a.txt", []byte("1"), types.CategoryCurrent))
	require.NoError(t, b.Write("b.txt", []byte("2"), types.CategoryCurrent))

	names, err := b.List(types.CategoryCurrent)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)

	assert.True(t, b.Exists("a.txt", types.CategoryCurrent))
	assert.False(t, b.Exists("z.txt", types.CategoryCurrent))
}

func TestBackendListMissingCategoryReturnsEmpty(t *testing.T) {
	t.Parallel()

	b := NewBackend(t.TempDir())
	names, err := b.List(types.CategoryBackup)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestBackendSize(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	require.NoError(t, b.Write("a.txt", []byte("hello"), types.CategoryCurrent))

	size, err := b.Size("a.txt", types.CategoryCurrent)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
}

func TestBackendCopyPreservesSource(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	require.NoError(t, b.Write("a.txt", []byte("hello"), types.CategoryCurrent))
	require.NoError(t, b.Copy("a.txt", types.CategoryCurrent, types.CategoryBackup))

	data, err := b.Read("a.txt", types.CategoryBackup)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = b.Read("a.txt", types.CategoryCurrent)
	require.NoError(t, err)
}

func TestBackendMoveIsAtomicAndRemovesSource(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	require.NoError(t, b.Write("a.txt", []byte("hello"), types.CategoryCurrent))
	require.NoError(t, b.Move("a.txt", types.CategoryCurrent, types.CategoryBackup))

	assert.False(t, b.Exists("a.txt", types.CategoryCurrent))
	assert.True(t, b.Exists("a.txt", types.CategoryBackup))
}

func TestBackendURI(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	uri := b.URI("a.txt", types.CategoryCurrent)
	assert.Equal(t, "a.txt", uri.Name)
	assert.Equal(t, types.CategoryCurrent, uri.Category)
}
