package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapcore/persistency/pkg/errors"
)

func TestNewDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(3), cfg.ReplicaCount)
	assert.Equal(t, uint32(2), cfg.MinValidReplicas)
	assert.Equal(t, ChecksumCRC32, cfg.ChecksumType)
	assert.Equal(t, BackendFile, cfg.Kvs.BackendType)
}

func TestValidateRejectsMZero(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	cfg.MinValidReplicas = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.InvalidArgument))
}

func TestValidateRejectsMGreaterThanN(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	cfg.ReplicaCount = 2
	cfg.MinValidReplicas = 3
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.InvalidArgument))
}

func TestValidateRejectsBadChecksumType(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	cfg.ChecksumType = "MD5"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadBackendType(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	cfg.Kvs.BackendType = "s3"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateDefaultsShmSizeForPropertyBackend(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	cfg.Kvs.BackendType = BackendProperty
	cfg.Kvs.PropertyBackendPersistence = DelegateNone
	cfg.Kvs.PropertyBackendShmSize = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(1<<20), cfg.Kvs.PropertyBackendShmSize)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "persistency.yaml")

	original := NewDefault()
	original.CentralStorageURI = "/data/persistency"
	original.ReplicaCount = 5
	original.MinValidReplicas = 3

	require.NoError(t, original.SaveToFile(path))

	loaded := &PersistencyConfig{}
	require.NoError(t, loaded.LoadFromFile(path))

	assert.Equal(t, original.CentralStorageURI, loaded.CentralStorageURI)
	assert.Equal(t, original.ReplicaCount, loaded.ReplicaCount)
	assert.Equal(t, original.MinValidReplicas, loaded.MinValidReplicas)
	require.NoError(t, loaded.Validate())
}

func TestLoadFromEnvOverridesFields(t *testing.T) {
	t.Setenv("LAPPER_REPLICA_COUNT", "7")
	t.Setenv("LAPPER_MIN_VALID_REPLICAS", "4")
	t.Setenv("LAPPER_CHECKSUM_TYPE", "sha256")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, uint32(7), cfg.ReplicaCount)
	assert.Equal(t, uint32(4), cfg.MinValidReplicas)
	assert.Equal(t, ChecksumSHA256, cfg.ChecksumType)
}
