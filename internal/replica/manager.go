// Package replica implements M-out-of-N replica management: a logical file
// is fanned out to N on-disk copies, and a read succeeds once M of them
// agree on a checksum.
package replica

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lapcore/persistency/pkg/checksum"
	"github.com/lapcore/persistency/pkg/errors"
)

// Status reports one replica's on-disk state, as collected by Validate.
type Status struct {
	Index     uint32
	Path      string
	Exists    bool
	Valid     bool
	Checksum  string
	Size      uint64
	ModTime   time.Time
}

// Report is the result of validating every replica of a logical file.
type Report struct {
	LogicalName      string
	TotalReplicas    uint32
	MinValidReplicas uint32
	ChecksumType     checksum.Algorithm
	Replicas         []Status
}

// Manager fans a logical file out across N replica paths and reads it back
// by M-out-of-N checksum consensus.
type Manager struct {
	baseStoragePath  string
	replicaCount     uint32
	minValidReplicas uint32
	checksumType     checksum.Algorithm
	logger           *slog.Logger
}

// New constructs a Manager rooted at baseStoragePath. minValidReplicas is
// clamped to replicaCount if it exceeds it, and to 1 if given as 0 — a
// replica set with no required agreement is nonsensical.
func New(baseStoragePath string, replicaCount, minValidReplicas uint32, checksumType checksum.Algorithm) *Manager {
	if minValidReplicas > replicaCount {
		minValidReplicas = replicaCount
	}
	if minValidReplicas == 0 {
		minValidReplicas = 1
	}

	logger := slog.Default().With("component", "replica-manager", "path", baseStoragePath)

	if err := os.MkdirAll(baseStoragePath, 0750); err != nil {
		logger.Error("failed to create base storage path", "error", err)
	}

	logger.Info("replica manager initialized",
		"replica_count", replicaCount, "min_valid_replicas", minValidReplicas, "checksum_type", checksumType)

	return &Manager{
		baseStoragePath:  baseStoragePath,
		replicaCount:     replicaCount,
		minValidReplicas: minValidReplicas,
		checksumType:     checksumType,
		logger:           logger,
	}
}

const replicaInfix = ".replica_"

// ReplicaPath returns the on-disk path of replica index for logicalName.
func (m *Manager) ReplicaPath(logicalName string, index uint32) string {
	return filepath.Join(m.baseStoragePath, fmt.Sprintf("%s%s%d", logicalName, replicaInfix, index))
}

// ExtractLogicalName recovers the logical name embedded in a replica file
// name, e.g. "foo.replica_2" -> "foo".
func ExtractLogicalName(replicaFileName string) (string, error) {
	idx := indexOf(replicaFileName, replicaInfix)
	if idx < 0 {
		return "", errors.Newf(errors.InvalidArgument, "not a replica file: %s", replicaFileName).
			WithComponent("replica")
	}
	return replicaFileName[:idx], nil
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func (m *Manager) writeReplica(path string, data []byte, expectedChecksum string) error {
	if err := os.WriteFile(path, data, 0640); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("replica").WithOperation("write").WithDetail("path", path)
	}

	actual, err := checksum.Compute(m.checksumType, data)
	if err != nil {
		os.Remove(path)
		return err
	}
	if actual != expectedChecksum {
		os.Remove(path)
		return errors.Newf(errors.ChecksumMismatch, "replica checksum mismatch after write: %s", path).
			WithComponent("replica").WithOperation("write")
	}
	return nil
}

func (m *Manager) readReplica(path, expectedChecksum string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("replica").WithOperation("read").WithDetail("path", path)
	}
	actual, err := checksum.Compute(m.checksumType, data)
	if err != nil {
		return nil, err
	}
	if actual != expectedChecksum {
		return nil, errors.Newf(errors.ChecksumMismatch, "replica checksum mismatch on read: %s", path).
			WithComponent("replica").WithOperation("read")
	}
	return data, nil
}

// Write computes data's checksum once and fans it out to every replica.
// It succeeds once at least minValidReplicas writes succeed, surfacing
// OutOfStorageSpace if fewer did.
func (m *Manager) Write(logicalName string, data []byte) error {
	if len(data) == 0 {
		return errors.New(errors.InvalidArgument).WithComponent("replica").WithOperation("write")
	}

	expectedChecksum, err := checksum.Compute(m.checksumType, data)
	if err != nil {
		return err
	}

	var successCount uint32
	var lastErr error
	for i := uint32(0); i < m.replicaCount; i++ {
		path := m.ReplicaPath(logicalName, i)
		if err := m.writeReplica(path, data, expectedChecksum); err != nil {
			lastErr = err
			m.logger.Warn("failed to write replica", "index", i, "error", err)
			continue
		}
		successCount++
	}

	if successCount < m.minValidReplicas {
		return errors.Newf(errors.OutOfStorageSpace,
			"only %d of %d required replicas written for %s", successCount, m.minValidReplicas, logicalName).
			WithComponent("replica").WithOperation("write").WithCause(lastErr)
	}

	m.logger.Info("wrote replicas", "logical_name", logicalName, "succeeded", successCount, "total", m.replicaCount)
	return nil
}

// Validate inspects every replica of logicalName and reports its existence,
// checksum, size and modification time without requiring consensus.
func (m *Manager) Validate(logicalName string) (Report, error) {
	report := Report{
		LogicalName:      logicalName,
		TotalReplicas:    m.replicaCount,
		MinValidReplicas: m.minValidReplicas,
		ChecksumType:     m.checksumType,
		Replicas:         make([]Status, m.replicaCount),
	}

	for i := uint32(0); i < m.replicaCount; i++ {
		path := m.ReplicaPath(logicalName, i)
		status := Status{Index: i, Path: path}

		info, err := os.Stat(path)
		if err != nil {
			report.Replicas[i] = status
			continue
		}
		status.Exists = true
		status.Size = uint64(info.Size())
		status.ModTime = info.ModTime()

		data, err := os.ReadFile(path)
		if err != nil {
			report.Replicas[i] = status
			continue
		}
		sum, err := checksum.Compute(m.checksumType, data)
		if err != nil {
			report.Replicas[i] = status
			continue
		}
		status.Checksum = sum
		status.Valid = true
		report.Replicas[i] = status
	}

	return report, nil
}

// consensus finds the checksum shared by at least minValidReplicas valid
// replicas.
func consensus(replicas []Status, minValidReplicas uint32) (string, error) {
	counts := make(map[string]uint32)
	for _, r := range replicas {
		if r.Valid && r.Exists {
			counts[r.Checksum]++
		}
	}
	for sum, count := range counts {
		if count >= minValidReplicas {
			return sum, nil
		}
	}
	return "", errors.New(errors.IntegrityCorrupted).WithComponent("replica").WithOperation("consensus")
}

// Read validates every replica, determines the consensus checksum, and
// returns the bytes of the first replica that matches it. If fewer than N
// replicas agree, the caller should follow up with Repair.
func (m *Manager) Read(logicalName string) ([]byte, error) {
	report, err := m.Validate(logicalName)
	if err != nil {
		return nil, err
	}

	sum, err := consensus(report.Replicas, m.minValidReplicas)
	if err != nil {
		return nil, err
	}

	var validCount uint32
	for _, r := range report.Replicas {
		if r.Valid && r.Checksum == sum {
			validCount++
		}
	}
	if validCount < m.replicaCount {
		m.logger.Warn("replica set degraded, repair recommended",
			"logical_name", logicalName, "valid", validCount, "total", m.replicaCount)
	}

	for _, r := range report.Replicas {
		if r.Valid && r.Checksum == sum {
			data, err := m.readReplica(r.Path, sum)
			if err == nil {
				return data, nil
			}
		}
	}

	return nil, errors.New(errors.FileNotFound).WithComponent("replica").WithOperation("read").
		WithDetail("logical_name", logicalName)
}

// Repair rewrites every replica that doesn't match the consensus checksum
// using data read from a replica that does, returning the count repaired.
func (m *Manager) Repair(logicalName string) (uint32, error) {
	report, err := m.Validate(logicalName)
	if err != nil {
		return 0, err
	}

	sum, err := consensus(report.Replicas, m.minValidReplicas)
	if err != nil {
		return 0, err
	}

	var validData []byte
	for _, r := range report.Replicas {
		if r.Valid && r.Checksum == sum {
			data, err := m.readReplica(r.Path, sum)
			if err == nil {
				validData = data
				break
			}
		}
	}
	if validData == nil {
		return 0, errors.New(errors.FileNotFound).WithComponent("replica").WithOperation("repair")
	}

	var repaired uint32
	for _, r := range report.Replicas {
		if r.Valid && r.Checksum == sum {
			continue
		}
		if err := m.writeReplica(r.Path, validData, sum); err != nil {
			m.logger.Error("failed to repair replica", "index", r.Index, "error", err)
			continue
		}
		repaired++
	}

	m.logger.Info("repaired replicas", "logical_name", logicalName, "repaired", repaired)
	return repaired, nil
}

// Delete removes every replica of logicalName. Missing replicas are not an
// error.
func (m *Manager) Delete(logicalName string) error {
	var deleted uint32
	for i := uint32(0); i < m.replicaCount; i++ {
		if err := os.Remove(m.ReplicaPath(logicalName, i)); err == nil {
			deleted++
		}
	}
	m.logger.Info("deleted replicas", "logical_name", logicalName, "deleted", deleted, "total", m.replicaCount)
	return nil
}

// ListLogicalNames returns the distinct logical names present under the
// base storage path, derived from replica file names.
func (m *Manager) ListLogicalNames() ([]string, error) {
	entries, err := os.ReadDir(m.baseStoragePath)
	if err != nil {
		return nil, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("replica").WithOperation("list")
	}

	seen := make(map[string]bool)
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, err := ExtractLogicalName(entry.Name())
		if err != nil {
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// Reconfigure changes N and M for subsequent operations. It does not
// migrate or rewrite any existing replica files.
func (m *Manager) Reconfigure(replicaCount, minValidReplicas uint32) error {
	if minValidReplicas == 0 || minValidReplicas > replicaCount {
		return errors.Newf(errors.InvalidArgument,
			"min_valid_replicas (%d) must satisfy 1 <= M <= replica_count (%d)", minValidReplicas, replicaCount).
			WithComponent("replica").WithOperation("reconfigure")
	}

	m.logger.Info("reconfiguring replica manager",
		"old_n", m.replicaCount, "new_n", replicaCount, "old_m", m.minValidReplicas, "new_m", minValidReplicas)

	m.replicaCount = replicaCount
	m.minValidReplicas = minValidReplicas
	return nil
}

// ReplicaCount and MinValidReplicas report the manager's current N and M.
func (m *Manager) ReplicaCount() uint32     { return m.replicaCount }
func (m *Manager) MinValidReplicas() uint32 { return m.minValidReplicas }
