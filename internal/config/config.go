// Package config parses and validates the persistency configuration record
// consumed by the core. The core itself just consumes an already-parsed
// record; this package exists so callers (daemon, tests) have somewhere to
// load one from, in a YAML-backed style.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/lapcore/persistency/pkg/errors"
)

// ChecksumType names one of the two supported checksum algorithms.
type ChecksumType string

const (
	ChecksumCRC32  ChecksumType = "CRC32"
	ChecksumSHA256 ChecksumType = "SHA256"
)

// BackendType names one of the three KVS backend kinds.
type BackendType string

const (
	BackendFile     BackendType = "file"
	BackendSqlite   BackendType = "sqlite"
	BackendProperty BackendType = "property"
)

// PersistentDelegate names the shared-memory backend's persistence
// delegate kind.
type PersistentDelegate string

const (
	DelegateFile  PersistentDelegate = "file"
	DelegateSqlite PersistentDelegate = "sqlite"
	DelegateNone  PersistentDelegate = "none"
)

// KvsConfig is the kvs sub-record of PersistencyConfig.
type KvsConfig struct {
	BackendType                BackendType        `yaml:"backend_type"`
	DataSourceType             string             `yaml:"data_source_type,omitempty"`
	PropertyBackendShmSize     uint64             `yaml:"property_backend_shm_size"`
	PropertyBackendPersistence PersistentDelegate `yaml:"property_backend_persistence"`
}

// PersistencyConfig is the resolved, immutable-once-loaded configuration
// record the persistency core is constructed from.
type PersistencyConfig struct {
	CentralStorageURI  string       `yaml:"central_storage_uri"`
	ReplicaCount       uint32       `yaml:"replica_count"`
	MinValidReplicas   uint32       `yaml:"min_valid_replicas"`
	ChecksumType       ChecksumType `yaml:"checksum_type"`
	ContractVersion    string       `yaml:"contract_version"`
	DeploymentVersion  string       `yaml:"deployment_version"`
	RedundancyHandling string       `yaml:"redundancy_handling"`
	UpdateStrategy     string       `yaml:"update_strategy"`
	DeploymentUris     []string     `yaml:"deployment_uris,omitempty"`
	Kvs                KvsConfig    `yaml:"kvs"`

	// LogLevel and LogFile are ambient settings that configure pkg/utils
	// logging, not core behavior.
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// NewDefault returns a configuration with sensible defaults matching the
// source's own defaults (single-file backend, CRC32, 2-of-3 replicas).
func NewDefault() *PersistencyConfig {
	return &PersistencyConfig{
		CentralStorageURI:  "/var/lib/persistency",
		ReplicaCount:       3,
		MinValidReplicas:   2,
		ChecksumType:       ChecksumCRC32,
		ContractVersion:    "1.0.0",
		DeploymentVersion:  "1.0.0",
		RedundancyHandling: "repair-on-read",
		UpdateStrategy:     "backup-then-swap",
		Kvs: KvsConfig{
			BackendType:                BackendFile,
			PropertyBackendShmSize:     1 << 20,
			PropertyBackendPersistence: DelegateFile,
		},
		LogLevel: "INFO",
	}
}

// LoadFromFile loads a PersistencyConfig from a YAML file.
func (c *PersistencyConfig) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays environment variables onto an already-loaded
// configuration, with LAPPER_* variables taking precedence over file values.
func (c *PersistencyConfig) LoadFromEnv() error {
	if val := os.Getenv("LAPPER_CENTRAL_STORAGE_URI"); val != "" {
		c.CentralStorageURI = val
	}
	if val := os.Getenv("LAPPER_REPLICA_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.ReplicaCount = uint32(n)
		}
	}
	if val := os.Getenv("LAPPER_MIN_VALID_REPLICAS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MinValidReplicas = uint32(n)
		}
	}
	if val := os.Getenv("LAPPER_CHECKSUM_TYPE"); val != "" {
		c.ChecksumType = ChecksumType(strings.ToUpper(val))
	}
	if val := os.Getenv("LAPPER_KVS_BACKEND_TYPE"); val != "" {
		c.Kvs.BackendType = BackendType(strings.ToLower(val))
	}
	if val := os.Getenv("LAPPER_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	return nil
}

// SaveToFile writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *PersistencyConfig) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate enforces: 1 ≤ minValidReplicas ≤ replicaCount, replicaCount ≥ 1,
// and checksumType in the closed set. Violations return InvalidArgument.
func (c *PersistencyConfig) Validate() error {
	if c.ReplicaCount == 0 {
		return errors.Newf(errors.InvalidArgument, "replica_count must be >= 1").WithComponent("config")
	}
	if c.MinValidReplicas < 1 || c.MinValidReplicas > c.ReplicaCount {
		return errors.Newf(errors.InvalidArgument,
			"min_valid_replicas (%d) must satisfy 1 <= M <= replica_count (%d)",
			c.MinValidReplicas, c.ReplicaCount).WithComponent("config")
	}
	switch c.ChecksumType {
	case ChecksumCRC32, ChecksumSHA256:
	default:
		return errors.Newf(errors.InvalidArgument, "invalid checksum_type: %s", c.ChecksumType).WithComponent("config")
	}
	switch c.Kvs.BackendType {
	case BackendFile, BackendSqlite, BackendProperty:
	default:
		return errors.Newf(errors.InvalidArgument, "invalid kvs backend_type: %s", c.Kvs.BackendType).WithComponent("config")
	}
	if c.Kvs.BackendType == BackendProperty {
		switch c.Kvs.PropertyBackendPersistence {
		case DelegateFile, DelegateSqlite, DelegateNone:
		default:
			return errors.Newf(errors.InvalidArgument,
				"invalid kvs property_backend_persistence: %s", c.Kvs.PropertyBackendPersistence).WithComponent("config")
		}
		if c.Kvs.PropertyBackendShmSize == 0 {
			c.Kvs.PropertyBackendShmSize = 1 << 20
		}
	}
	if c.CentralStorageURI == "" {
		return errors.Newf(errors.InvalidArgument, "central_storage_uri must not be empty").WithComponent("config")
	}
	return nil
}
