package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapcore/persistency/internal/config"
	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.NewDefault()
	cfg.CentralStorageURI = t.TempDir()
	return New(cfg)
}

func TestGetFileStorageCreatesAndCaches(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	f1, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	f2, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
}

func TestGetFileStorageWithoutCreateFailsWhenMissing(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.GetFileStorage("nope", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.StorageNotFound))
}

func TestBackupAndRestoreFileStorage(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	f, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	h, err := f.OpenFileWriteOnly("data.bin")
	require.NoError(t, err)
	require.NoError(t, h.WriteAll([]byte("v1")))
	require.NoError(t, h.Close())

	require.NoError(t, m.BackupFileStorage("app1"))

	h, err = f.OpenFileWriteOnly("data.bin")
	require.NoError(t, err)
	require.NoError(t, h.WriteAll([]byte("v2-corrupt")))
	require.NoError(t, h.Close())

	require.NoError(t, m.RestoreFileStorage("app1"))

	h, err = f.OpenFileReadOnly("data.bin")
	require.NoError(t, err)
	data, err := h.ReadAll()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, []byte("v1"), data)
}

func TestRestoreFileStorageWithoutBackupFails(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	err = m.RestoreFileStorage("app1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.IllegalWriteAccess))
}

func TestPerformUpdateAndRollback(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	f, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	h, err := f.OpenFileWriteOnly("data.bin")
	require.NoError(t, err)
	require.NoError(t, h.WriteAll([]byte("stable")))
	require.NoError(t, h.Close())

	require.NoError(t, m.PerformUpdate("app1", "/tmp/update-package"))

	needsUpdate, err := m.NeedsUpdate("app1", "2.0.0", "1.0.0")
	require.NoError(t, err)
	assert.True(t, needsUpdate)

	h, err = f.OpenFileWriteOnly("data.bin")
	require.NoError(t, err)
	require.NoError(t, h.WriteAll([]byte("broken-update")))
	require.NoError(t, h.Close())

	require.NoError(t, m.Rollback("app1"))

	h, err = f.OpenFileReadOnly("data.bin")
	require.NoError(t, err)
	data, err := h.ReadAll()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, []byte("stable"), data)
}

func TestPerformUpdateRejectsWhenAlreadyUpdating(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	require.NoError(t, m.PerformUpdate("app1", "/tmp/pkg"))
	err = m.PerformUpdate("app1", "/tmp/pkg2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ResourceBusy))
}

func TestGetKvsStorageDispatchesFileBackendByDefault(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	backend, err := m.GetKvsStorage("kv1", true, config.BackendFile)
	require.NoError(t, err)
	assert.Equal(t, "file", backend.BackendType())

	again, err := m.GetKvsStorage("kv1", true, config.BackendFile)
	require.NoError(t, err)
	assert.Same(t, backend, again)
}

func TestGetKvsStorageWithoutCreateFailsWhenMissing(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.GetKvsStorage("nope", false, config.BackendFile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.StorageNotFound))
}

func TestResetKeyValueStorageClearsKeys(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	backend, err := m.GetKvsStorage("kv1", true, config.BackendFile)
	require.NoError(t, err)
	require.NoError(t, backend.SetValue("a", types.NewInt32(1)))

	require.NoError(t, m.ResetKeyValueStorage("kv1"))

	keys, err := backend.GetAllKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestGetCurrentFileStorageSizeSumsFiles(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	f, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	h, err := f.OpenFileWriteOnly("a.bin")
	require.NoError(t, err)
	require.NoError(t, h.WriteAll([]byte("12345")))
	require.NoError(t, h.Close())

	h, err = f.OpenFileWriteOnly("b.bin")
	require.NoError(t, err)
	require.NoError(t, h.WriteAll([]byte("1234567890")))
	require.NoError(t, h.Close())

	size, err := m.GetCurrentFileStorageSize("app1")
	require.NoError(t, err)
	assert.Equal(t, uint64(15), size)
}

func TestInstanceReturnsSingleton(t *testing.T) {
	a := Instance()
	b := Instance()
	assert.Same(t, a, b)
}

func TestBackupFileStorageRecordsDebugTrace(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	require.NoError(t, m.BackupFileStorage("app1"))

	events := m.DebugEvents()
	require.NotEmpty(t, events)
	found := false
	for _, e := range events {
		if e.Operation == "BackupFileStorage" {
			found = true
			assert.Equal(t, "backup completed", e.Message)
		}
	}
	assert.True(t, found, "expected a BackupFileStorage debug event")
}

func TestRestoreFileStorageWithoutBackupRecordsFailedDebugTrace(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.GetFileStorage("app1", true)
	require.NoError(t, err)

	require.Error(t, m.RestoreFileStorage("app1"))

	events := m.DebugEvents()
	found := false
	for _, e := range events {
		if e.Operation == "RestoreFileStorage" && e.Message == "operation failed" {
			found = true
		}
	}
	assert.True(t, found, "expected a failed RestoreFileStorage debug event")
}
