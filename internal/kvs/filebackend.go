// Package kvs implements three key-value storage backends: a single-file
// JSON backend, an embedded-database backend, and a shared-memory backend.
// Each satisfies types.KvsBackend.
package kvs

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lapcore/persistency/internal/pathmgr"
	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
)

const (
	kvsDataFileName = "kvs_data.json"
	backupSuffix    = ".bak"
)

// storedEntry is the on-disk encoding of one TypedValue: a single-character
// type marker (Tag.Char) plus the value's canonical text (TypedValue.RawText),
// always a JSON string so round-tripping int64/uint64/float64 never loses
// precision to JSON's float64 number decoding.
type storedEntry struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// FileBackend is the single-file JSON KVS backend: the whole key space
// lives in memory and is synced to disk as one JSON document through the
// four-phase stage/validate/backup/swap workflow.
type FileBackend struct {
	mu sync.RWMutex

	instancePath   string
	currentPath    string
	updatePath     string
	redundancyPath string
	recoveryPath   string

	entries   map[string]types.TypedValue
	dirty     bool
	available bool
	logger    *slog.Logger
}

// NewFileBackend opens (or initializes) the file-backed KVS instance at
// instance, creating the four-layer directory structure if absent and
// loading any existing current/kvs_data.json.
func NewFileBackend(pm *pathmgr.Manager, instance string) (*FileBackend, error) {
	instancePath, err := pm.KvsInstancePath(instance)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "kvs-file-backend", "instance", instance)

	if err := pm.CreateStorageStructure(instance, pathmgr.StorageKvs); err != nil {
		logger.Warn("failed to create kvs directory structure", "error", err)
		return nil, err
	}

	b := &FileBackend{
		instancePath:   instancePath,
		currentPath:    filepath.Join(instancePath, "current", kvsDataFileName),
		updatePath:     filepath.Join(instancePath, "update", kvsDataFileName),
		redundancyPath: filepath.Join(instancePath, "redundancy", kvsDataFileName+backupSuffix),
		recoveryPath:   filepath.Join(instancePath, "recovery", "deleted_keys.json"),
		entries:        make(map[string]types.TypedValue),
		logger:         logger,
	}

	if err := b.load(b.currentPath); err != nil {
		logger.Error("existing kvs file could not be loaded", "error", err)
		return nil, err
	}

	b.available = true
	b.dirty = false
	logger.Info("kvs file backend initialized",
		"current", b.currentPath, "update", b.updatePath, "redundancy", b.redundancyPath)
	return b, nil
}

func (b *FileBackend) load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		b.entries = make(map[string]types.TypedValue)
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.FileNotFound, err).WithComponent("kvs-file").WithOperation("load")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		b.entries = make(map[string]types.TypedValue)
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(errors.IntegrityCorrupted, err).WithComponent("kvs-file").WithOperation("load")
	}

	entries := make(map[string]types.TypedValue, len(raw))
	for key, msg := range raw {
		tv, err := decodeEntry(msg)
		if err != nil {
			b.logger.Warn("failed to decode stored entry, skipping", "key", key, "error", err)
			continue
		}
		entries[key] = tv
	}
	b.entries = entries
	return nil
}

// decodeEntry accepts the structured {"type","value"} encoding this backend
// writes, and tolerates legacy bare JSON scalars (a direct string, number or
// boolean with no type wrapper) from hand-edited or older files.
func decodeEntry(msg json.RawMessage) (types.TypedValue, error) {
	var structured storedEntry
	if err := json.Unmarshal(msg, &structured); err == nil && structured.Type != "" {
		tag, ok := types.TagFromChar(structured.Type[0])
		if !ok {
			return types.TypedValue{}, errors.Newf(errors.DataTypeMismatch, "unknown type marker: %s", structured.Type).
				WithComponent("kvs-file")
		}
		return types.ParseAs(structured.Value, tag)
	}
	return decodeLegacyScalar(msg)
}

func decodeLegacyScalar(msg json.RawMessage) (types.TypedValue, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return types.NewString(s), nil
	}
	var bl bool
	if err := json.Unmarshal(msg, &bl); err == nil {
		return types.NewBool(bl), nil
	}
	var num json.Number
	if err := json.Unmarshal(msg, &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return types.NewInt32(int32(i)), nil
		}
		if f, err := num.Float64(); err == nil {
			return types.NewFloat64(f), nil
		}
	}
	return types.TypedValue{}, errors.New(errors.DataTypeMismatch).WithComponent("kvs-file").
		WithOperation("decode_legacy_scalar")
}

func (b *FileBackend) marshalEntries() ([]byte, error) {
	out := make(map[string]storedEntry, len(b.entries))
	for key, v := range b.entries {
		out[key] = storedEntry{Type: string(v.Tag().Char()), Value: v.RawText()}
	}
	return json.MarshalIndent(out, "", "  ")
}

// Available reports whether the backend initialized successfully.
func (b *FileBackend) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.available
}

func (b *FileBackend) requireAvailable() error {
	if !b.available {
		return errors.New(errors.NotInitialized).WithComponent("kvs-file")
	}
	return nil
}

// GetAllKeys returns every key currently held.
func (b *FileBackend) GetAllKeys() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.requireAvailable(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// KeyExists reports whether key is present.
func (b *FileBackend) KeyExists(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[key]
	return ok
}

// GetValue returns key's value, failing with DataTypeMismatch if its stored
// tag doesn't match the requested one.
func (b *FileBackend) GetValue(key string, tag types.Tag) (types.TypedValue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.requireAvailable(); err != nil {
		return types.TypedValue{}, err
	}
	v, ok := b.entries[key]
	if !ok {
		return types.TypedValue{}, errors.Newf(errors.KeyNotFound, "key not found: %s", key).WithComponent("kvs-file")
	}
	if v.Tag() != tag {
		return types.TypedValue{}, errors.Newf(errors.DataTypeMismatch,
			"key %s holds %s, requested %s", key, v.Tag(), tag).WithComponent("kvs-file")
	}
	return v, nil
}

// SetValue stores value under key, marking the backend dirty.
func (b *FileBackend) SetValue(key string, value types.TypedValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	b.entries[key] = value
	b.dirty = true
	return nil
}

// RemoveKey deletes key if present; removing an absent key is not an error.
func (b *FileBackend) RemoveKey(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	delete(b.entries, key)
	b.dirty = true
	return nil
}

// RemoveAllKeys clears the whole key space.
func (b *FileBackend) RemoveAllKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	b.entries = make(map[string]types.TypedValue)
	b.dirty = true
	return nil
}

// SyncToStorage commits pending changes through a four-phase workflow:
// stage to update/, validate the staged file, back current/ up to
// redundancy/, then atomically swap update/ into current/ via a
// same-filesystem temp file and rename.
func (b *FileBackend) SyncToStorage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	if !b.dirty {
		return nil
	}

	b.logger.Debug("sync phase 1: staging to update/")
	data, err := b.marshalEntries()
	if err != nil {
		return errors.Wrap(errors.ValidationFailed, err).WithComponent("kvs-file").WithOperation("sync")
	}
	if err := os.MkdirAll(filepath.Dir(b.updatePath), 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("sync")
	}
	if err := os.WriteFile(b.updatePath, data, 0640); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("sync")
	}

	b.logger.Debug("sync phase 2: validating staged data")
	if err := validateJSONFile(b.updatePath); err != nil {
		os.Remove(b.updatePath)
		return err
	}

	b.logger.Debug("sync phase 3: backing up current/ to redundancy/")
	if err := b.backupToRedundancy(); err != nil {
		os.Remove(b.updatePath)
		return err
	}

	b.logger.Debug("sync phase 4: atomic swap update/ -> current/")
	if err := atomicSwap(b.updatePath, b.currentPath); err != nil {
		os.Remove(b.updatePath)
		return err
	}

	b.dirty = false
	b.logger.Info("sync committed")
	return nil
}

func validateJSONFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.FileNotFound, err).WithComponent("kvs-file").WithOperation("validate")
	}
	if len(data) == 0 {
		return errors.New(errors.IntegrityCorrupted).WithComponent("kvs-file").WithOperation("validate")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Wrap(errors.IntegrityCorrupted, err).WithComponent("kvs-file").WithOperation("validate")
	}
	return nil
}

func (b *FileBackend) backupToRedundancy() error {
	data, err := os.ReadFile(b.currentPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("backup")
	}
	if err := os.MkdirAll(filepath.Dir(b.redundancyPath), 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("backup")
	}
	if err := os.WriteFile(b.redundancyPath, data, 0640); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("backup")
	}
	return nil
}

// atomicSwap copies updatePath's bytes into a temp file beside currentPath
// and renames it over currentPath, relying on POSIX rename's atomicity.
func atomicSwap(updatePath, currentPath string) error {
	data, err := os.ReadFile(updatePath)
	if err != nil {
		return errors.Wrap(errors.FileNotFound, err).WithComponent("kvs-file").WithOperation("atomic_swap")
	}
	if err := os.MkdirAll(filepath.Dir(currentPath), 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("atomic_swap")
	}
	tempPath := currentPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0640); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("atomic_swap")
	}
	if err := os.Rename(tempPath, currentPath); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("atomic_swap")
	}
	return nil
}

// DiscardPendingChanges reloads from current/, dropping any unsynced edits.
func (b *FileBackend) DiscardPendingChanges() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil
	}
	if err := b.load(b.currentPath); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// RecoverKey is not supported by the single-file backend: there is no
// recovery/ ledger of soft-deleted keys, unlike the embedded-database
// backend.
func (b *FileBackend) RecoverKey(key string) error {
	return errors.New(errors.Unsupported).WithComponent("kvs-file").WithOperation("recover_key")
}

// ResetKey is not supported by the single-file backend.
func (b *FileBackend) ResetKey(key string) error {
	return errors.New(errors.Unsupported).WithComponent("kvs-file").WithOperation("reset_key")
}

// GetSize returns current/kvs_data.json's size in bytes, 0 if it doesn't
// exist yet.
func (b *FileBackend) GetSize() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.requireAvailable(); err != nil {
		return 0, err
	}
	info, err := os.Stat(b.currentPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-file").WithOperation("get_size")
	}
	return uint64(info.Size()), nil
}

// GetKeyCount returns the number of keys currently held.
func (b *FileBackend) GetKeyCount() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.requireAvailable(); err != nil {
		return 0, err
	}
	return len(b.entries), nil
}

// BackendType identifies this backend for metadata/logging purposes.
func (b *FileBackend) BackendType() string { return "file" }

// SupportsPersistence is always true for the file backend.
func (b *FileBackend) SupportsPersistence() bool { return true }

// Close flushes any pending changes and marks the backend unavailable. The
// flush is best-effort: errors are logged, not propagated, since Close has
// no caller to report them to once the instance is being torn down.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	dirty := b.dirty
	available := b.available
	b.mu.Unlock()

	if available && dirty {
		if err := b.SyncToStorage(); err != nil {
			b.logger.Warn("auto-sync on close failed", "error", err)
		}
	}

	b.mu.Lock()
	b.available = false
	b.mu.Unlock()
	return nil
}

var _ types.KvsBackend = (*FileBackend)(nil)
