package pathmgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootPaths(t *testing.T) {
	t.Parallel()

	m := New("/data/persistency", nil)
	assert.Equal(t, "/data/persistency/manifest", m.ManifestPath())
	assert.Equal(t, "/data/persistency/kvs", m.KvsRootPath())
	assert.Equal(t, "/data/persistency/fs", m.FileStorageRootPath())
}

func TestInstancePathNormalizesLeadingSlash(t *testing.T) {
	t.Parallel()

	m := New("/data/persistency", nil)
	kvsPath, err := m.KvsInstancePath("/app/kvs_instance")
	require.NoError(t, err)
	assert.Equal(t, "/data/persistency/kvs/app/kvs_instance", kvsPath)

	fsPath, err := m.FileStorageInstancePath("/app/file_storage")
	require.NoError(t, err)
	assert.Equal(t, "/data/persistency/fs/app/file_storage", fsPath)
}

func TestInstancePathRejectsTraversal(t *testing.T) {
	t.Parallel()

	m := New("/data/persistency", nil)
	_, err := m.KvsInstancePath("../../etc")
	require.Error(t, err)

	_, err = m.FileStorageInstancePath("../../etc")
	require.Error(t, err)
}

func TestInstancePathRejectsUnknownStorageType(t *testing.T) {
	t.Parallel()

	m := New("/data/persistency", nil)
	_, err := m.InstancePath("/app/x", StorageType("bogus"))
	require.Error(t, err)
}

func TestReplicaPathsDefaultToCentralStorage(t *testing.T) {
	t.Parallel()

	m := New("/data/persistency", nil)
	paths, err := m.ReplicaPaths("/app/kvs_instance", StorageKvs, 3)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "/data/persistency/kvs/app/kvs_instance/replica_0", paths[0])
	assert.Equal(t, "/data/persistency/kvs/app/kvs_instance/replica_1", paths[1])
	assert.Equal(t, "/data/persistency/kvs/app/kvs_instance/replica_2", paths[2])
}

func TestReplicaPathsDistributeRoundRobinAcrossDeploymentUris(t *testing.T) {
	t.Parallel()

	m := New("/data/persistency", []string{"/mnt/a", "/mnt/b"})
	paths, err := m.ReplicaPaths("/app/kvs_instance", StorageKvs, 4)
	require.NoError(t, err)
	require.Len(t, paths, 4)
	assert.Equal(t, "/mnt/a/kvs/app/kvs_instance/replica_0", paths[0])
	assert.Equal(t, "/mnt/b/kvs/app/kvs_instance/replica_1", paths[1])
	assert.Equal(t, "/mnt/a/kvs/app/kvs_instance/replica_2", paths[2])
	assert.Equal(t, "/mnt/b/kvs/app/kvs_instance/replica_3", paths[3])
}

func TestCreateStorageStructureKvs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m := New(root, nil)
	require.NoError(t, m.CreateStorageStructure("/app/kvs_instance", StorageKvs))

	base, err := m.KvsInstancePath("/app/kvs_instance")
	require.NoError(t, err)
	assert.True(t, m.PathExists(base))
	for _, subdir := range []string{"current", "update", "redundancy", "recovery"} {
		assert.True(t, m.PathExists(filepath.Join(base, subdir)), subdir)
	}
}

func TestCreateStorageStructureFileStorage(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m := New(root, nil)
	require.NoError(t, m.CreateStorageStructure("/app/file_storage", StorageFS))

	base, err := m.FileStorageInstancePath("/app/file_storage")
	require.NoError(t, err)
	for _, subdir := range []string{"current", "backup", "initial", "update", ".metadata"} {
		assert.True(t, m.PathExists(filepath.Join(base, subdir)), subdir)
	}
}

func TestCreateManifestStructure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m := New(root, nil)
	require.NoError(t, m.CreateManifestStructure())
	assert.True(t, m.PathExists(m.ManifestPath()))
}

func TestPathExistsFalseForMissingPath(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), nil)
	assert.False(t, m.PathExists(filepath.Join(m.CentralStorageURI(), "nope")))
}
