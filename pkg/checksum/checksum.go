// Package checksum computes the two digest formats used throughout
// persistency: CRC32 for cheap integrity checks on KVS files and SHA256 for
// stronger replica consensus checks. Both are hex-encoded strings so they
// can be stored directly as TypedValue string fields or file sidecars.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"

	"github.com/lapcore/persistency/pkg/errors"
)

// Algorithm names one of the two supported checksum algorithms.
type Algorithm string

const (
	CRC32  Algorithm = "CRC32"
	SHA256 Algorithm = "SHA256"
)

// CRC32Hex returns the IEEE CRC32 of data as an 8 character lowercase hex
// string.
func CRC32Hex(data []byte) string {
	sum := crc32.ChecksumIEEE(data)
	buf := make([]byte, 4)
	buf[0] = byte(sum >> 24)
	buf[1] = byte(sum >> 16)
	buf[2] = byte(sum >> 8)
	buf[3] = byte(sum)
	return hex.EncodeToString(buf)
}

// SHA256Hex returns the SHA-256 digest of data as a 64 character lowercase
// hex string.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compute dispatches to CRC32Hex or SHA256Hex by algorithm name.
func Compute(alg Algorithm, data []byte) (string, error) {
	switch alg {
	case CRC32:
		return CRC32Hex(data), nil
	case SHA256:
		return SHA256Hex(data), nil
	default:
		return "", errors.Newf(errors.InvalidArgument, "unsupported checksum algorithm: %s", alg).
			WithComponent("checksum")
	}
}

// Verify recomputes data's checksum under alg and compares it against
// expected.
func Verify(alg Algorithm, data []byte, expected string) (bool, error) {
	actual, err := Compute(alg, data)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// ExpectedLength returns the hex string length produced by alg (8 for
// CRC32, 64 for SHA256), or 0 if alg is not recognized.
func ExpectedLength(alg Algorithm) int {
	switch alg {
	case CRC32:
		return 8
	case SHA256:
		return 64
	default:
		return 0
	}
}
