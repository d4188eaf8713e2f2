package replica

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapcore/persistency/pkg/checksum"
	"github.com/lapcore/persistency/pkg/errors"
)

func TestNewClampsMinValidReplicas(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), 3, 10, checksum.CRC32)
	assert.Equal(t, uint32(3), m.MinValidReplicas())

	m = New(t.TempDir(), 3, 0, checksum.CRC32)
	assert.Equal(t, uint32(1), m.MinValidReplicas())
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), 3, 2, checksum.SHA256)
	data := []byte("replicated payload")

	require.NoError(t, m.Write("myfile", data))

	read, err := m.Read("myfile")
	require.NoError(t, err)
	assert.Equal(t, data, read)
}

func TestReadFailsWithoutConsensus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(dir, 3, 2, checksum.CRC32)

	require.NoError(t, m.Write("myfile", []byte("original")))

	// Corrupt two of three replicas so no checksum reaches the M=2 threshold.
	require.NoError(t, os.WriteFile(m.ReplicaPath("myfile", 0), []byte("corrupt-a"), 0640))
	require.NoError(t, os.WriteFile(m.ReplicaPath("myfile", 1), []byte("corrupt-b"), 0640))

	_, err := m.Read("myfile")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.IntegrityCorrupted))
}

func TestRepairRewritesMinorityReplicas(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), 3, 2, checksum.CRC32)
	data := []byte("good data")
	require.NoError(t, m.Write("myfile", data))

	require.NoError(t, os.WriteFile(m.ReplicaPath("myfile", 2), []byte("stale"), 0640))

	repaired, err := m.Repair("myfile")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), repaired)

	content, err := os.ReadFile(m.ReplicaPath("myfile", 2))
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestValidateReportsEachReplica(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), 3, 2, checksum.CRC32)
	require.NoError(t, m.Write("myfile", []byte("xyz")))

	report, err := m.Validate("myfile")
	require.NoError(t, err)
	require.Len(t, report.Replicas, 3)
	for _, r := range report.Replicas {
		assert.True(t, r.Exists)
		assert.True(t, r.Valid)
	}
}

func TestDeleteRemovesAllReplicas(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), 3, 2, checksum.CRC32)
	require.NoError(t, m.Write("myfile", []byte("xyz")))

	require.NoError(t, m.Delete("myfile"))

	report, err := m.Validate("myfile")
	require.NoError(t, err)
	for _, r := range report.Replicas {
		assert.False(t, r.Exists)
	}
}

func TestListLogicalNames(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), 2, 1, checksum.CRC32)
	require.NoError(t, m.Write("a", []byte("1")))
	require.NoError(t, m.Write("b", []byte("2")))

	names, err := m.ListLogicalNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestReconfigureRejectsInvalidMN(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), 3, 2, checksum.CRC32)
	require.Error(t, m.Reconfigure(2, 3))
	require.Error(t, m.Reconfigure(3, 0))
	require.NoError(t, m.Reconfigure(5, 3))
	assert.Equal(t, uint32(5), m.ReplicaCount())
}

func TestExtractLogicalName(t *testing.T) {
	t.Parallel()

	name, err := ExtractLogicalName("foo.replica_2")
	require.NoError(t, err)
	assert.Equal(t, "foo", name)

	_, err = ExtractLogicalName("not-a-replica")
	require.Error(t, err)
}

func TestReplicaPathUsesLogicalNameAndIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(dir, 2, 1, checksum.CRC32)
	assert.Equal(t, filepath.Join(dir, "foo.replica_0"), m.ReplicaPath("foo", 0))
}
