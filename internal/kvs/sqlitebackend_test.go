package kvs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapcore/persistency/internal/pathmgr"
	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
)

func newTestSqliteBackend(t *testing.T) *SqliteBackend {
	t.Helper()
	pm := pathmgr.New(t.TempDir(), nil)
	b, err := NewSqliteBackend(pm, "/app/kvs_instance")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSqliteBackendSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	require.NoError(t, b.SetValue("count", types.NewUInt64(9001)))

	v, err := b.GetValue("count", types.TagUInt64)
	require.NoError(t, err)
	n, ok := v.UInt64()
	require.True(t, ok)
	assert.Equal(t, uint64(9001), n)
}

func TestSqliteBackendGetValueMissingKey(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	_, err := b.GetValue("missing", types.TagInt32)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KeyNotFound))
}

func TestSqliteBackendRemoveKeyIsSoftDelete(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	require.NoError(t, b.SetValue("a", types.NewBool(true)))
	require.NoError(t, b.RemoveKey("a"))

	assert.False(t, b.KeyExists("a"))
	_, err := b.GetValue("a", types.TagBool)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KeyNotFound))
}

func TestSqliteBackendRecoverKeyUndoesSoftDelete(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	require.NoError(t, b.SetValue("a", types.NewString("hello")))
	require.NoError(t, b.RemoveKey("a"))
	require.NoError(t, b.RecoverKey("a"))

	assert.True(t, b.KeyExists("a"))
	v, err := b.GetValue("a", types.TagString)
	require.NoError(t, err)
	s, _ := v.String()
	assert.Equal(t, "hello", s)
}

func TestSqliteBackendResetKeyIsHardDelete(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	require.NoError(t, b.SetValue("a", types.NewString("gone")))
	require.NoError(t, b.ResetKey("a"))
	require.NoError(t, b.RecoverKey("a")) // no row left to recover

	assert.False(t, b.KeyExists("a"))
}

func TestSqliteBackendRemoveAllKeys(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	require.NoError(t, b.SetValue("a", types.NewInt32(1)))
	require.NoError(t, b.SetValue("b", types.NewInt32(2)))
	require.NoError(t, b.RemoveAllKeys())

	keys, err := b.GetAllKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSqliteBackendGetKeyCountAndAllKeys(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	require.NoError(t, b.SetValue("a", types.NewInt32(1)))
	require.NoError(t, b.SetValue("b", types.NewInt32(2)))

	count, err := b.GetKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	keys, err := b.GetAllKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestSqliteBackendSyncAndGetSize(t *testing.T) {
	t.Parallel()

	b := newTestSqliteBackend(t)
	require.NoError(t, b.SetValue("a", types.NewInt32(1)))
	require.NoError(t, b.SyncToStorage())

	size, err := b.GetSize()
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestSqliteBackendPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	pm := pathmgr.New(root, nil)

	b, err := NewSqliteBackend(pm, "/app/kvs_instance")
	require.NoError(t, err)
	require.NoError(t, b.SetValue("greeting", types.NewString("hi")))
	require.NoError(t, b.Close())

	reopened, err := NewSqliteBackend(pm, "/app/kvs_instance")
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.GetValue("greeting", types.TagString)
	require.NoError(t, err)
	s, _ := v.String()
	assert.Equal(t, "hi", s)
}
