package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapcore/persistency/pkg/errors"
)

func TestCRC32HexIsDeterministicAndEightChars(t *testing.T) {
	t.Parallel()

	data := []byte("hello persistency")
	first := CRC32Hex(data)
	second := CRC32Hex(data)

	assert.Equal(t, first, second)
	assert.Len(t, first, 8)
}

func TestSHA256HexIsDeterministicAndSixtyFourChars(t *testing.T) {
	t.Parallel()

	data := []byte("hello persistency")
	first := SHA256Hex(data)
	second := SHA256Hex(data)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestDifferentInputsProduceDifferentChecksums(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, CRC32Hex([]byte("a")), CRC32Hex([]byte("b")))
	assert.NotEqual(t, SHA256Hex([]byte("a")), SHA256Hex([]byte("b")))
}

func TestComputeDispatchesByAlgorithm(t *testing.T) {
	t.Parallel()

	data := []byte("dispatch me")

	crc, err := Compute(CRC32, data)
	require.NoError(t, err)
	assert.Equal(t, CRC32Hex(data), crc)

	sha, err := Compute(SHA256, data)
	require.NoError(t, err)
	assert.Equal(t, SHA256Hex(data), sha)
}

func TestComputeRejectsUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := Compute(Algorithm("MD5"), []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.InvalidArgument))
}

func TestVerifyMatchesAndDetectsCorruption(t *testing.T) {
	t.Parallel()

	data := []byte("integrity check")
	sum, err := Compute(SHA256, data)
	require.NoError(t, err)

	ok, err := Verify(SHA256, data, sum)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(SHA256, []byte("tampered"), sum)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpectedLength(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 8, ExpectedLength(CRC32))
	assert.Equal(t, 64, ExpectedLength(SHA256))
	assert.Equal(t, 0, ExpectedLength(Algorithm("MD5")))
}
