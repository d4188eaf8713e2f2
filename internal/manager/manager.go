// Package manager implements the central Persistency Manager: a
// process-wide registry that opens, caches, and drives the lifecycle
// (backup/restore/update/rollback) of FileStorage and KVS instances on top
// of internal/pathmgr, internal/filestore, and internal/kvs.
package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lapcore/persistency/internal/circuit"
	"github.com/lapcore/persistency/internal/config"
	"github.com/lapcore/persistency/internal/filestore"
	"github.com/lapcore/persistency/internal/kvs"
	"github.com/lapcore/persistency/internal/metrics"
	"github.com/lapcore/persistency/internal/pathmgr"
	"github.com/lapcore/persistency/internal/replica"
	"github.com/lapcore/persistency/pkg/checksum"
	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/health"
	"github.com/lapcore/persistency/pkg/retry"
	"github.com/lapcore/persistency/pkg/types"
	"github.com/lapcore/persistency/pkg/utils"
)

const metadataFileName = "storage_info.json"

// debugComponent is the component name the manager's lifecycle operations
// trace under when debug mode is enabled.
const debugComponent = "persistency-manager"

// fileStorageEntry is one cached FileStorage registration: the facade
// callers use, plus the lifecycle-lock flag checked before reopening an
// instance that's mid-operation.
type fileStorageEntry struct {
	instancePath string
	backend      *filestore.Backend
	facade       *filestore.Facade
	busy         bool
}

// Manager is the central Persistency Manager. Construct one with New for
// tests and explicit wiring, or use Instance for the process-wide
// singleton the spec describes.
type Manager struct {
	mu sync.Mutex

	initialized  bool
	config       *config.PersistencyConfig
	configLoaded bool
	pathMgr      *pathmgr.Manager
	metrics      *metrics.Collector
	logger       *slog.Logger

	health   *health.Tracker
	breakers *circuit.Manager
	retryer  *retry.Retryer

	fsMu  sync.Mutex
	fsMap map[string]*fileStorageEntry

	kvsMu  sync.Mutex
	kvsMap map[string]types.KvsBackend

	metaMu        sync.Mutex
	metadataCache map[string]types.FileStorageMetadata

	debugSessionID string
}

// New constructs a Manager wired to cfg (a nil cfg loads config.NewDefault
// lazily on first use, matching the spec's "load config if not yet loaded"
// step).
func New(cfg *config.PersistencyConfig) *Manager {
	m := &Manager{
		config:        cfg,
		configLoaded:  cfg != nil,
		fsMap:         make(map[string]*fileStorageEntry),
		kvsMap:        make(map[string]types.KvsBackend),
		metadataCache: make(map[string]types.FileStorageMetadata),
		logger:        slog.Default().With("component", "persistency-manager"),
		health:        health.NewTracker(health.DefaultConfig()),
		breakers:      circuit.NewManager(circuit.Config{}),
		retryer:       retry.New(retry.DefaultConfig()),
	}
	if cfg != nil {
		m.pathMgr = pathmgr.New(cfg.CentralStorageURI, cfg.DeploymentUris)
		m.applyLoggingConfig(cfg)
	}
	m.initialized = true
	m.debugSessionID = fmt.Sprintf("%s-%p", debugComponent, m)
	utils.GetDebugManager().StartSession(m.debugSessionID, []string{debugComponent}, 5000)
	return m
}

// EnableDebugMode turns on block/mutex runtime profiling until
// DisableDebugMode is called. It does not change the manager's debug
// session, which keeps its 5000-event cap.
func (m *Manager) EnableDebugMode() {
	utils.EnableRuntimeProfiling()
}

// DisableDebugMode reverts EnableDebugMode's profiling toggles.
func (m *Manager) DisableDebugMode() {
	utils.DisableRuntimeProfiling()
}

// DebugEvents returns the lifecycle trace events recorded for this manager's
// debug session so far.
func (m *Manager) DebugEvents() []utils.DebugEvent {
	session := utils.GetDebugManager().GetSession(m.debugSessionID)
	if session == nil {
		return nil
	}
	return session.GetEvents()
}

// fsComponent and kvsComponent name the health/circuit-breaker identity for
// a given instance's FileStorage or KVS registration.
func fsComponent(instance string) string  { return "filestorage:" + instance }
func kvsComponent(instance string) string { return "kvs:" + instance }

// guarded runs fn through the instance's circuit breaker and retryer, then
// records the outcome against the health tracker. Used for operations that
// touch physical storage and may transiently fail.
func (m *Manager) guarded(component string, fn func() error) error {
	m.health.RegisterComponent(component)
	breaker := m.breakers.GetBreaker(component)

	err := breaker.Execute(func() error {
		return m.retryer.Do(fn)
	})

	if err != nil {
		m.health.RecordError(component, err)
	} else {
		m.health.RecordSuccess(component)
	}
	return err
}

// FileStorageHealth returns the current health state of instance's FileStorage
// registration ("" component names map to HealthState via pkg/health).
func (m *Manager) FileStorageHealth(instance string) health.HealthState {
	return m.health.GetState(fsComponent(instance))
}

// KvsHealth returns the current health state of instance's KVS
// registration.
func (m *Manager) KvsHealth(instance string) health.HealthState {
	return m.health.GetState(kvsComponent(instance))
}

// OverallHealth aggregates every registered FileStorage and KVS instance
// into a single HealthState.
func (m *Manager) OverallHealth() health.HealthState {
	return m.health.GetOverallHealth()
}

// SetMetrics attaches an optional Prometheus collector; nil disables
// instrumentation (every call site nil-checks before recording).
func (m *Manager) SetMetrics(c *metrics.Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = c
}

var (
	singleton     *Manager
	singletonOnce sync.Once
)

// Instance returns the process-wide Manager, constructing it from
// config.NewDefault on first call.
func Instance() *Manager {
	singletonOnce.Do(func() {
		singleton = New(config.NewDefault())
	})
	return singleton
}

func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Manager) ensureConfigLoaded() *config.PersistencyConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configLoaded {
		m.config = config.NewDefault()
		m.pathMgr = pathmgr.New(m.config.CentralStorageURI, m.config.DeploymentUris)
		m.applyLoggingConfig(m.config)
		m.configLoaded = true
		m.logger.Info("loaded default persistency configuration")
	}
	return m.config
}

// applyLoggingConfig points the process's stdlib log output at cfg.LogFile
// (or stdout if unset); the stdlib logger does not filter by level, so
// cfg.LogLevel takes effect on the structured logger built below. It
// also gives the debug manager a structured logger backed by a rotating
// writer over the same file, so debug session start/stop events land
// alongside the rest of the instance's logs.
func (m *Manager) applyLoggingConfig(cfg *config.PersistencyConfig) {
	if err := utils.SetupLogging(cfg.LogLevel, cfg.LogFile); err != nil {
		m.logger.Warn("failed to apply logging configuration", "error", err, "log_level", cfg.LogLevel, "log_file", cfg.LogFile)
	}

	level, err := utils.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = utils.INFO
	}
	structuredConfig := utils.DefaultStructuredLoggerConfig()
	structuredConfig.Level = level
	if cfg.LogFile != "" {
		structuredConfig.Rotation = &utils.RotationConfig{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		}
	}
	structuredLogger, err := utils.NewStructuredLogger(structuredConfig)
	if err != nil {
		m.logger.Warn("failed to create structured debug logger", "error", err)
		return
	}
	utils.GetDebugManager().SetLogger(structuredLogger)
}

func (m *Manager) recordOp(op string, start time.Time, size int64, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	if err != nil {
		m.metrics.RecordError(op, err)
	}
}

// ---------------------------------------------------------------------
// FileStorage management
// ---------------------------------------------------------------------

// GetFileStorage opens (or returns the cached) FileStorage facade for
// instance, creating its directory structure and seed metadata when
// create is true.
func (m *Manager) GetFileStorage(instance string, create bool) (*filestore.Facade, error) {
	start := time.Now()
	cfg := m.ensureConfigLoaded()

	m.fsMu.Lock()
	defer m.fsMu.Unlock()

	if e, ok := m.fsMap[instance]; ok {
		if e.busy {
			err := errors.Newf(errors.ResourceBusy, "file storage instance %q is busy", instance).
				WithComponent("persistency-manager").WithOperation("GetFileStorage")
			m.recordOp("get_file_storage", start, 0, err)
			return nil, err
		}
		m.recordOp("get_file_storage", start, 0, nil)
		return e.facade, nil
	}

	if !create {
		err := errors.Newf(errors.StorageNotFound, "file storage instance %q not found", instance).
			WithComponent("persistency-manager").WithOperation("GetFileStorage")
		m.recordOp("get_file_storage", start, 0, err)
		return nil, err
	}

	instancePath, err := m.pathMgr.FileStorageInstancePath(instance)
	if err != nil {
		m.recordOp("get_file_storage", start, 0, err)
		return nil, err
	}
	if err := m.pathMgr.CreateStorageStructure(instance, pathmgr.StorageFS); err != nil {
		m.recordOp("get_file_storage", start, 0, err)
		return nil, err
	}

	if _, err := m.loadOrInitMetadata(instancePath, cfg); err != nil {
		m.recordOp("get_file_storage", start, 0, err)
		return nil, err
	}

	backend := filestore.NewBackend(instancePath)
	facade := filestore.NewFacade(backend, checksum.Algorithm(cfg.ChecksumType))
	m.fsMap[instance] = &fileStorageEntry{instancePath: instancePath, backend: backend, facade: facade}

	m.health.RegisterComponent(fsComponent(instance))
	m.health.RecordSuccess(fsComponent(instance))
	m.logger.Info("opened file storage instance", "instance", instance, "path", instancePath)
	m.recordOp("get_file_storage", start, 0, nil)
	return facade, nil
}

func (m *Manager) fileStorageEntry(instance string) (*fileStorageEntry, error) {
	m.fsMu.Lock()
	defer m.fsMu.Unlock()
	e, ok := m.fsMap[instance]
	if !ok {
		return nil, errors.Newf(errors.StorageNotFound, "file storage instance %q not found", instance).
			WithComponent("persistency-manager")
	}
	return e, nil
}

func (m *Manager) withFileStorageLock(instance string, op string, fn func(e *fileStorageEntry) error) error {
	m.fsMu.Lock()
	e, ok := m.fsMap[instance]
	if !ok {
		m.fsMu.Unlock()
		return errors.Newf(errors.StorageNotFound, "file storage instance %q not found", instance).
			WithComponent("persistency-manager").WithOperation(op)
	}
	if e.busy {
		m.fsMu.Unlock()
		return errors.Newf(errors.ResourceBusy, "file storage instance %q is busy", instance).
			WithComponent("persistency-manager").WithOperation(op)
	}
	e.busy = true
	m.fsMu.Unlock()

	defer func() {
		m.fsMu.Lock()
		e.busy = false
		m.fsMu.Unlock()
	}()

	return fn(e)
}

// BackupFileStorage copies every file in current/ to backup/, then updates
// metadata (backup_exists, backup_version, backup_creation_time).
func (m *Manager) BackupFileStorage(instance string) error {
	start := time.Now()
	trace := utils.StartTrace(m.debugSessionID, debugComponent, "BackupFileStorage", map[string]interface{}{"instance": instance})
	err := m.guarded(fsComponent(instance), func() error {
		return m.withFileStorageLock(instance, "BackupFileStorage", func(e *fileStorageEntry) error {
			names, err := e.backend.List(types.CategoryCurrent)
			if err != nil {
				return err
			}
			for _, name := range names {
				data, err := e.backend.Read(name, types.CategoryCurrent)
				if err != nil {
					return err
				}
				if err := e.backend.Write(name, data, types.CategoryBackup); err != nil {
					return err
				}
			}

			meta, err := m.readMetadata(e.instancePath)
			if err != nil {
				return err
			}
			meta.Backup.Exists = true
			meta.Backup.Version = meta.DeploymentVersion
			meta.Backup.CreationTime = time.Now()
			return m.writeMetadata(e.instancePath, meta)
		})
	})
	if err != nil {
		trace.EndWithError(err)
	} else {
		trace.End("backup completed")
	}
	m.recordOp("backup_file_storage", start, 0, err)
	return err
}

// RestoreFileStorage restores every file in backup/ into current/,
// transitioning state through Recovering back to Normal.
func (m *Manager) RestoreFileStorage(instance string) error {
	start := time.Now()
	trace := utils.StartTrace(m.debugSessionID, debugComponent, "RestoreFileStorage", map[string]interface{}{"instance": instance})
	err := m.guarded(fsComponent(instance), func() error {
		return m.withFileStorageLock(instance, "RestoreFileStorage", func(e *fileStorageEntry) error {
			meta, err := m.readMetadata(e.instancePath)
			if err != nil {
				return err
			}
			if !meta.Backup.Exists {
				return errors.Newf(errors.IllegalWriteAccess, "file storage instance %q has no backup", instance).
					WithComponent("persistency-manager").WithOperation("RestoreFileStorage")
			}

			meta.State = types.StateRecovering
			_ = m.writeMetadata(e.instancePath, meta)

			currentNames, err := e.backend.List(types.CategoryCurrent)
			if err != nil {
				return err
			}
			for _, name := range currentNames {
				_ = e.backend.Delete(name, types.CategoryCurrent)
			}

			backupNames, err := e.backend.List(types.CategoryBackup)
			if err != nil {
				return err
			}
			restored := 0
			for _, name := range backupNames {
				data, readErr := e.backend.Read(name, types.CategoryBackup)
				if readErr != nil {
					continue
				}
				if writeErr := e.backend.Write(name, data, types.CategoryCurrent); writeErr == nil {
					restored++
				}
			}
			if len(backupNames) > 0 && restored == 0 {
				meta.State = types.StateCorrupted
				_ = m.writeMetadata(e.instancePath, meta)
				return errors.Newf(errors.IntegrityCorrupted, "restore of %q copied zero of %d backup files", instance, len(backupNames)).
					WithComponent("persistency-manager").WithOperation("RestoreFileStorage")
			}

			meta.DeploymentVersion = meta.Backup.Version
			meta.State = types.StateNormal
			meta.ModifiedAt = time.Now()
			return m.writeMetadata(e.instancePath, meta)
		})
	})
	if err != nil {
		trace.EndWithError(err)
	} else {
		trace.End("restore completed")
	}
	m.recordOp("restore_file_storage", start, 0, err)
	return err
}

// PerformUpdate requires the instance be Normal, takes a backup, and
// transitions it to Updating. Copying update bytes into update/ is an
// extension point left to the caller; the contract this method upholds is
// that a subsequent Rollback can return to the pre-update state.
func (m *Manager) PerformUpdate(instance string, updatePath string) error {
	start := time.Now()
	trace := utils.StartTrace(m.debugSessionID, debugComponent, "PerformUpdate",
		map[string]interface{}{"instance": instance, "update_path": updatePath})

	err := m.withFileStorageLock(instance, "PerformUpdate", func(e *fileStorageEntry) error {
		meta, err := m.readMetadata(e.instancePath)
		if err != nil {
			return err
		}
		if meta.State != types.StateNormal {
			return errors.Newf(errors.ResourceBusy, "file storage instance %q is not in Normal state (state=%s)", instance, meta.State).
				WithComponent("persistency-manager").WithOperation("PerformUpdate")
		}
		return nil
	})
	if err != nil {
		trace.EndWithError(err)
		m.recordOp("perform_update", start, 0, err)
		return err
	}

	if err := m.BackupFileStorage(instance); err != nil {
		trace.EndWithError(err)
		m.recordOp("perform_update", start, 0, err)
		return err
	}

	err = m.withFileStorageLock(instance, "PerformUpdate", func(e *fileStorageEntry) error {
		meta, err := m.readMetadata(e.instancePath)
		if err != nil {
			return err
		}
		meta.State = types.StateUpdating
		meta.ModifiedAt = time.Now()
		m.logger.Info("update transaction started", "instance", instance, "update_path", updatePath)
		return m.writeMetadata(e.instancePath, meta)
	})
	if err != nil {
		trace.EndWithError(err)
	} else {
		trace.End("update transaction started")
	}
	m.recordOp("perform_update", start, 0, err)
	return err
}

// Rollback restores from backup and clears update/, returning the
// instance to Normal, or Corrupted if the restore itself fails.
func (m *Manager) Rollback(instance string) error {
	start := time.Now()
	trace := utils.StartTrace(m.debugSessionID, debugComponent, "Rollback", map[string]interface{}{"instance": instance})

	err := m.withFileStorageLock(instance, "Rollback", func(e *fileStorageEntry) error {
		meta, err := m.readMetadata(e.instancePath)
		if err != nil {
			return err
		}
		meta.State = types.StateRollingBack
		return m.writeMetadata(e.instancePath, meta)
	})
	if err != nil {
		trace.EndWithError(err)
		m.recordOp("rollback", start, 0, err)
		return err
	}

	if err := m.RestoreFileStorage(instance); err != nil {
		trace.EndWithError(err)
		m.recordOp("rollback", start, 0, err)
		return err
	}

	err = m.withFileStorageLock(instance, "Rollback", func(e *fileStorageEntry) error {
		names, err := e.backend.List(types.CategoryUpdate)
		if err != nil {
			return err
		}
		for _, name := range names {
			_ = e.backend.Delete(name, types.CategoryUpdate)
		}

		meta, err := m.readMetadata(e.instancePath)
		if err != nil {
			return err
		}
		meta.State = types.StateNormal
		meta.ModifiedAt = time.Now()
		return m.writeMetadata(e.instancePath, meta)
	})
	if err != nil {
		trace.EndWithError(err)
	} else {
		trace.End("rollback completed")
	}
	m.recordOp("rollback", start, 0, err)
	return err
}

// NeedsUpdate compares newDeploy/newContract against the instance's stored
// metadata, returning true if either differs or no metadata exists yet.
func (m *Manager) NeedsUpdate(instance, newDeploy, newContract string) (bool, error) {
	e, err := m.fileStorageEntry(instance)
	if err != nil {
		return false, err
	}
	meta, err := m.readMetadata(e.instancePath)
	if err != nil {
		if errors.Is(err, errors.FileNotFound) {
			return true, nil
		}
		return false, err
	}
	return meta.DeploymentVersion != newDeploy || meta.ContractVersion != newContract, nil
}

// CheckReplicaHealth is a minimal hook: this deployment does not maintain
// M-out-of-N replicas per file by default, so it reports no degradation
// rather than fabricating a health report.
func (m *Manager) CheckReplicaHealth(instance string, category types.Category) (replica.Report, error) {
	m.logger.Warn("check_replica_health is a minimal hook: this deployment does not replicate FileStorage categories per-file",
		"instance", instance, "category", category)
	return replica.Report{}, nil
}

// RepairReplicas is the repair counterpart of CheckReplicaHealth, with the
// same minimal-hook caveat.
func (m *Manager) RepairReplicas(instance string, category types.Category) (uint32, error) {
	m.logger.Warn("repair_replicas is a minimal hook: this deployment does not replicate FileStorage categories per-file",
		"instance", instance, "category", category)
	return 0, nil
}

// ---------------------------------------------------------------------
// Metadata I/O
// ---------------------------------------------------------------------

func (m *Manager) metadataPath(instancePath string) string {
	return filepath.Join(instancePath, ".metadata", metadataFileName)
}

// loadOrInitMetadata loads the instance's metadata record, synthesising
// defaults from cfg if none exists yet.
func (m *Manager) loadOrInitMetadata(instancePath string, cfg *config.PersistencyConfig) (types.FileStorageMetadata, error) {
	meta, err := m.readMetadata(instancePath)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, errors.FileNotFound) {
		return types.FileStorageMetadata{}, err
	}

	now := time.Now()
	meta = types.FileStorageMetadata{
		ContractVersion:   cfg.ContractVersion,
		DeploymentVersion: cfg.DeploymentVersion,
		StorageURI:        instancePath,
		State:             types.StateNormal,
		ReplicaCount:      int(cfg.ReplicaCount),
		MinValidReplicas:  int(cfg.MinValidReplicas),
		ChecksumType:      string(cfg.ChecksumType),
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	if err := m.writeMetadata(instancePath, meta); err != nil {
		return types.FileStorageMetadata{}, err
	}
	return meta, nil
}

// readMetadata reads the on-disk record; if present it also refreshes the
// cache. Returns a FileNotFound *PersistencyError if the file is absent.
func (m *Manager) readMetadata(instancePath string) (types.FileStorageMetadata, error) {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()

	data, err := os.ReadFile(m.metadataPath(instancePath))
	if err != nil {
		if os.IsNotExist(err) {
			return types.FileStorageMetadata{}, errors.Newf(errors.FileNotFound, "no metadata at %q", instancePath).
				WithComponent("persistency-manager").WithOperation("readMetadata")
		}
		return types.FileStorageMetadata{}, errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("persistency-manager").WithOperation("readMetadata")
	}

	var rec metadataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.FileStorageMetadata{}, errors.Wrap(errors.ValidationFailed, err).
			WithComponent("persistency-manager").WithOperation("readMetadata")
	}
	meta := rec.toMetadata()
	m.metadataCache[instancePath] = meta
	return meta, nil
}

// writeMetadata rewrites the whole metadata file and refreshes the cache.
func (m *Manager) writeMetadata(instancePath string, meta types.FileStorageMetadata) error {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()

	dir := filepath.Dir(m.metadataPath(instancePath))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("persistency-manager").WithOperation("writeMetadata")
	}

	rec := fromMetadata(meta)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ValidationFailed, err).
			WithComponent("persistency-manager").WithOperation("writeMetadata")
	}
	if err := os.WriteFile(m.metadataPath(instancePath), data, 0640); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("persistency-manager").WithOperation("writeMetadata")
	}

	m.metadataCache[instancePath] = meta
	return nil
}

// metadataRecord is the JSON wire shape of FileStorageMetadata: state and
// timestamps are given textual encodings so the file reads naturally in an
// editor, matching the single-file KVS backend's own human-readable style.
type metadataRecord struct {
	ContractVersion   string    `json:"contract_version"`
	DeploymentVersion string    `json:"deployment_version"`
	ManifestVersion   string    `json:"manifest_version,omitempty"`
	StorageURI        string    `json:"storage_uri"`
	MinSustainedSize  uint64    `json:"min_sustained_size,omitempty"`
	MaxAllowedSize    uint64    `json:"max_allowed_size,omitempty"`
	State             string    `json:"state"`
	ReplicaCount      int       `json:"replica_count"`
	MinValidReplicas  int       `json:"min_valid_replicas"`
	ChecksumType      string    `json:"checksum_type"`
	CreatedAt         time.Time `json:"created_at"`
	ModifiedAt        time.Time `json:"modified_at"`
	BackupExists      bool      `json:"backup_exists"`
	BackupVersion     string    `json:"backup_version,omitempty"`
	BackupCreatedAt   time.Time `json:"backup_created_at,omitempty"`
}

func fromMetadata(m types.FileStorageMetadata) metadataRecord {
	return metadataRecord{
		ContractVersion:   m.ContractVersion,
		DeploymentVersion: m.DeploymentVersion,
		ManifestVersion:   m.ManifestVersion,
		StorageURI:        m.StorageURI,
		MinSustainedSize:  m.MinSustainedSize,
		MaxAllowedSize:    m.MaxAllowedSize,
		State:             m.State.String(),
		ReplicaCount:      m.ReplicaCount,
		MinValidReplicas:  m.MinValidReplicas,
		ChecksumType:      m.ChecksumType,
		CreatedAt:         m.CreatedAt,
		ModifiedAt:        m.ModifiedAt,
		BackupExists:      m.Backup.Exists,
		BackupVersion:     m.Backup.Version,
		BackupCreatedAt:   m.Backup.CreationTime,
	}
}

func (r metadataRecord) toMetadata() types.FileStorageMetadata {
	return types.FileStorageMetadata{
		ContractVersion:   r.ContractVersion,
		DeploymentVersion: r.DeploymentVersion,
		ManifestVersion:   r.ManifestVersion,
		StorageURI:        r.StorageURI,
		MinSustainedSize:  r.MinSustainedSize,
		MaxAllowedSize:    r.MaxAllowedSize,
		State:             stateFromString(r.State),
		ReplicaCount:      r.ReplicaCount,
		MinValidReplicas:  r.MinValidReplicas,
		ChecksumType:      r.ChecksumType,
		CreatedAt:         r.CreatedAt,
		ModifiedAt:        r.ModifiedAt,
		Backup: types.BackupDescriptor{
			Exists:       r.BackupExists,
			Version:      r.BackupVersion,
			CreationTime: r.BackupCreatedAt,
		},
	}
}

func stateFromString(s string) types.StorageState {
	switch s {
	case "Updating":
		return types.StateUpdating
	case "RollingBack":
		return types.StateRollingBack
	case "Corrupted":
		return types.StateCorrupted
	case "Recovering":
		return types.StateRecovering
	default:
		return types.StateNormal
	}
}

// ---------------------------------------------------------------------
// KVS management
// ---------------------------------------------------------------------

// GetKvsStorage opens (or returns the cached) KVS backend for instance,
// dispatching to the file/sqlite/property backend named by backendKind.
func (m *Manager) GetKvsStorage(instance string, create bool, backendKind config.BackendType) (types.KvsBackend, error) {
	start := time.Now()
	cfg := m.ensureConfigLoaded()

	m.kvsMu.Lock()
	defer m.kvsMu.Unlock()

	if b, ok := m.kvsMap[instance]; ok {
		m.recordOp("get_kvs_storage", start, 0, nil)
		return b, nil
	}

	if !create {
		err := errors.Newf(errors.StorageNotFound, "kvs instance %q not found", instance).
			WithComponent("persistency-manager").WithOperation("GetKvsStorage")
		m.recordOp("get_kvs_storage", start, 0, err)
		return nil, err
	}

	var (
		backend types.KvsBackend
		err     error
	)
	switch backendKind {
	case config.BackendSqlite:
		backend, err = kvs.NewSqliteBackend(m.pathMgr, instance)
	case config.BackendProperty:
		backend, err = kvs.NewShmBackend(m.pathMgr, instance, cfg.Kvs)
	default:
		backend, err = kvs.NewFileBackend(m.pathMgr, instance)
	}
	if err != nil {
		m.health.RegisterComponent(kvsComponent(instance))
		m.health.RecordError(kvsComponent(instance), err)
		m.recordOp("get_kvs_storage", start, 0, err)
		return nil, err
	}

	m.kvsMap[instance] = backend
	m.health.RegisterComponent(kvsComponent(instance))
	m.health.RecordSuccess(kvsComponent(instance))
	m.logger.Info("opened kvs instance", "instance", instance, "backend", backendKind)
	m.recordOp("get_kvs_storage", start, 0, nil)
	return backend, nil
}

// RecoverKeyValueStorage and ResetKeyValueStorage proxy to the backend's
// own per-key soft-delete recovery/hard-delete operations, applied across
// every key currently tracked.
func (m *Manager) RecoverKeyValueStorage(instance string) error {
	backend, err := m.cachedKvs(instance)
	if err != nil {
		return err
	}
	keys, err := backend.GetAllKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := backend.RecoverKey(key); err != nil && !errors.Is(err, errors.Unsupported) {
			return err
		}
	}
	return nil
}

func (m *Manager) ResetKeyValueStorage(instance string) error {
	backend, err := m.cachedKvs(instance)
	if err != nil {
		return err
	}
	return backend.RemoveAllKeys()
}

func (m *Manager) GetCurrentKeyValueStorageSize(instance string) (uint64, error) {
	backend, err := m.cachedKvs(instance)
	if err != nil {
		return 0, err
	}
	return backend.GetSize()
}

func (m *Manager) cachedKvs(instance string) (types.KvsBackend, error) {
	m.kvsMu.Lock()
	defer m.kvsMu.Unlock()
	b, ok := m.kvsMap[instance]
	if !ok {
		return nil, errors.Newf(errors.StorageNotFound, "kvs instance %q not found", instance).
			WithComponent("persistency-manager")
	}
	return b, nil
}

// GetCurrentFileStorageSize sums the size of every file in current/ for
// instance.
func (m *Manager) GetCurrentFileStorageSize(instance string) (uint64, error) {
	e, err := m.fileStorageEntry(instance)
	if err != nil {
		return 0, err
	}
	names, err := e.backend.List(types.CategoryCurrent)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, name := range names {
		size, err := e.backend.Size(name, types.CategoryCurrent)
		if err != nil {
			continue
		}
		total += size
	}
	m.logger.Debug("current file storage size", "instance", instance, "size", utils.FormatBytes(int64(total)))
	return total, nil
}
