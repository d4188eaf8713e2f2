package kvs

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lapcore/persistency/internal/config"
	"github.com/lapcore/persistency/internal/pathmgr"
	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/memmon"
	"github.com/lapcore/persistency/pkg/types"
)

// DefaultShmSize is the default size of the backing segment when a caller
// doesn't override it through config.KvsConfig.PropertyBackendShmSize.
const DefaultShmSize = 1 << 20

// shmSizeCeiling bounds how large a single property-backend segment may
// request via processMemMonitor before NewShmBackend refuses to attach;
// this guards against a misconfigured PropertyBackendShmSize exhausting
// process memory on an embedded target.
const shmSizeCeiling = 512 << 20

var processMemMonitor = memmon.NewMemoryMonitor(memmon.DefaultMonitorConfig())

const shmDirName = "shm"

// ShmBackend is the shared-memory-backed KVS backend: the live key space is
// held in an mmap'd, flock-guarded segment so that every process attaching
// to the same identifier observes the same data, with an optional
// persistence delegate (file, sqlite, or none) that the segment is loaded
// from on first attach and flushed to on SyncToStorage.
//
// Go has no equivalent of a managed shared-memory segment with an embedded
// STL-like container, so the segment here holds nothing but a
// length-prefixed JSON encoding of the map; SetValue/GetValue decode the
// whole map under the segment's flock, mutate, and re-encode. This trades
// per-key granularity for a direct, dependency-light translation of the
// "one shared map guarded by one lock" shape the original expresses with
// Boost's segment manager.
type ShmBackend struct {
	mu sync.Mutex

	identifier  string
	shmName     string
	shmPath     string
	size        uint64
	mmapData    []byte
	lockFile    *os.File
	delegate    types.KvsBackend
	available   bool
	dirty       bool
	logger      *slog.Logger
}

// shmHeader occupies the first bytes of the segment: a length prefix
// followed by the JSON-encoded entries map.
const shmHeaderLen = 8

// NewShmBackend attaches to (creating if absent) the shared-memory segment
// for instance, wiring it to the persistence delegate named by cfg (file,
// sqlite, or none/memory-only).
func NewShmBackend(pm *pathmgr.Manager, instance string, cfg config.KvsConfig) (*ShmBackend, error) {
	logger := slog.Default().With("component", "kvs-shm-backend", "instance", instance)

	size := cfg.PropertyBackendShmSize
	if size == 0 {
		size = DefaultShmSize
	}
	if err := processMemMonitor.CheckAvailable(size, shmSizeCeiling); err != nil {
		logger.Warn("refusing to attach property backend segment", "requested_bytes", size, "error", err)
		return nil, err
	}

	shmName := generateShmName(instance)

	delegate, err := newPersistenceDelegate(pm, instance, cfg.PropertyBackendPersistence)
	if err != nil {
		logger.Warn("failed to open persistence delegate for property backend", "error", err)
		return nil, err
	}

	runDir := filepath.Join(os.TempDir(), "lap-per", shmDirName)
	if err := os.MkdirAll(runDir, 0750); err != nil {
		return nil, errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("kvs-shm-backend").WithOperation("NewShmBackend")
	}
	shmPath := filepath.Join(runDir, shmName)

	b := &ShmBackend{
		identifier: instance,
		shmName:    shmName,
		shmPath:    shmPath,
		size:       size,
		delegate:   delegate,
		logger:     logger,
	}

	if err := b.attach(); err != nil {
		return nil, err
	}

	if delegate != nil && delegate.Available() {
		if err := b.loadFromPersistence(); err != nil {
			logger.Warn("failed to load property backend from persistence delegate, starting empty", "error", err)
		}
	} else {
		logger.Debug("property backend running in memory-only mode")
	}

	b.available = true
	logger.Info("shm backend attached", "shm_name", shmName, "size_kb", size/1024)
	return b, nil
}

// generateShmName mirrors the original's shm_kvs_{pid}_{sanitized_prefix}_{hash}
// naming scheme: a process-scoped, collision-resistant segment name derived
// from the instance identifier.
func generateShmName(identifier string) string {
	sanitized := make([]byte, 0, len(identifier))
	for i := 0; i < len(identifier) && len(sanitized) < 16; i++ {
		c := identifier[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			sanitized = append(sanitized, c)
		default:
			sanitized = append(sanitized, '_')
		}
	}
	sum := sha256.Sum256([]byte(identifier))
	return fmt.Sprintf("shm_kvs_%d_%s_%x", os.Getpid(), string(sanitized), sum[:4])
}

func newPersistenceDelegate(pm *pathmgr.Manager, instance string, delegate config.PersistentDelegate) (types.KvsBackend, error) {
	switch delegate {
	case config.DelegateSqlite:
		return NewSqliteBackend(pm, instance)
	case config.DelegateNone, "":
		return nil, nil
	default:
		return NewFileBackend(pm, instance)
	}
}

// attach creates-or-opens the backing file, sizes it, and maps it, using an
// flock on a companion lock file to serialize cross-process attach/resize.
func (b *ShmBackend) attach() error {
	lockFile, err := os.OpenFile(b.shmPath+".lock", os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("kvs-shm-backend").WithOperation("attach")
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return errors.Wrap(errors.ResourceBusy, err).
			WithComponent("kvs-shm-backend").WithOperation("attach")
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	b.lockFile = lockFile

	f, err := os.OpenFile(b.shmPath, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("kvs-shm-backend").WithOperation("attach")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("kvs-shm-backend").WithOperation("attach")
	}
	if uint64(info.Size()) < b.size {
		if err := f.Truncate(int64(b.size)); err != nil {
			return errors.Wrap(errors.OutOfStorageSpace, err).
				WithComponent("kvs-shm-backend").WithOperation("attach")
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(b.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(errors.InitValueNotAvailable, err).
			WithComponent("kvs-shm-backend").WithOperation("attach")
	}
	b.mmapData = data
	return nil
}

func (b *ShmBackend) withLock(fn func() error) error {
	if err := unix.Flock(int(b.lockFile.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(errors.ResourceBusy, err).WithComponent("kvs-shm-backend")
	}
	defer unix.Flock(int(b.lockFile.Fd()), unix.LOCK_UN)
	return fn()
}

// readMapLocked decodes the current segment contents. Caller must hold the
// flock (via withLock) for cross-process safety; nil length or garbage
// headers are treated as an empty map rather than an error.
func (b *ShmBackend) readMapLocked() map[string]storedEntry {
	if len(b.mmapData) < shmHeaderLen {
		return map[string]storedEntry{}
	}
	length := int(byteOrderUint64(b.mmapData[:shmHeaderLen]))
	if length <= 0 || shmHeaderLen+length > len(b.mmapData) {
		return map[string]storedEntry{}
	}
	var out map[string]storedEntry
	if err := json.Unmarshal(b.mmapData[shmHeaderLen:shmHeaderLen+length], &out); err != nil {
		return map[string]storedEntry{}
	}
	return out
}

func (b *ShmBackend) writeMapLocked(m map[string]storedEntry) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(errors.ValidationFailed, err).WithComponent("kvs-shm-backend")
	}
	if shmHeaderLen+len(encoded) > len(b.mmapData) {
		return errors.Newf(errors.OutOfStorageSpace, "property backend segment too small for data").
			WithComponent("kvs-shm-backend")
	}
	putByteOrderUint64(b.mmapData[:shmHeaderLen], uint64(len(encoded)))
	copy(b.mmapData[shmHeaderLen:], encoded)
	return nil
}

func byteOrderUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putByteOrderUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (b *ShmBackend) requireAvailable() error {
	if !b.available {
		return errors.Newf(errors.NotInitialized, "property backend not attached").
			WithComponent("kvs-shm-backend")
	}
	return nil
}

func (b *ShmBackend) Available() bool { return b.available }

func (b *ShmBackend) GetAllKeys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return nil, err
	}
	var keys []string
	err := b.withLock(func() error {
		for k := range b.readMapLocked() {
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}

func (b *ShmBackend) KeyExists(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return false
	}
	exists := false
	_ = b.withLock(func() error {
		_, exists = b.readMapLocked()[key]
		return nil
	})
	return exists
}

func (b *ShmBackend) GetValue(key string, tag types.Tag) (types.TypedValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return types.TypedValue{}, err
	}

	var value types.TypedValue
	var getErr error
	err := b.withLock(func() error {
		entry, ok := b.readMapLocked()[key]
		if !ok {
			getErr = errors.Newf(errors.KeyNotFound, "key %q not found", key).WithComponent("kvs-shm-backend")
			return nil
		}
		decoded, err := decodeEntry(rawMessageFromEntry(entry))
		if err != nil {
			getErr = err
			return nil
		}
		if decoded.Tag() != tag {
			getErr = errors.Newf(errors.DataTypeMismatch, "key %q holds %s, not %s", key, decoded.Tag(), tag).
				WithComponent("kvs-shm-backend")
			return nil
		}
		value = decoded
		return nil
	})
	if err != nil {
		return types.TypedValue{}, err
	}
	return value, getErr
}

func (b *ShmBackend) SetValue(key string, value types.TypedValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	err := b.withLock(func() error {
		m := b.readMapLocked()
		m[key] = storedEntry{Type: string(value.Tag().Char()), Value: value.RawText()}
		return b.writeMapLocked(m)
	})
	if err == nil {
		b.dirty = true
	}
	return err
}

func (b *ShmBackend) RemoveKey(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	err := b.withLock(func() error {
		m := b.readMapLocked()
		delete(m, key)
		return b.writeMapLocked(m)
	})
	if err == nil {
		b.dirty = true
	}
	return err
}

func (b *ShmBackend) RemoveAllKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	err := b.withLock(func() error {
		return b.writeMapLocked(map[string]storedEntry{})
	})
	if err == nil {
		b.dirty = true
	}
	return err
}

func (b *ShmBackend) RecoverKey(key string) error {
	return errors.Newf(errors.Unsupported, "property backend has no soft-delete ledger").
		WithComponent("kvs-shm-backend")
}

func (b *ShmBackend) ResetKey(key string) error {
	return b.RemoveKey(key)
}

// SyncToStorage flushes the live segment to the persistence delegate, a
// full-replace sync mirroring the original's clear-then-rewrite approach.
func (b *ShmBackend) SyncToStorage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	if err := b.saveToPersistence(); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// DiscardPendingChanges clears the segment and reloads it from the
// persistence delegate; in memory-only mode the segment is left empty.
func (b *ShmBackend) DiscardPendingChanges() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	if err := b.withLock(func() error {
		return b.writeMapLocked(map[string]storedEntry{})
	}); err != nil {
		return err
	}
	if b.delegate != nil && b.delegate.Available() {
		if err := b.loadFromPersistence(); err != nil {
			return err
		}
	}
	b.dirty = false
	return nil
}

func (b *ShmBackend) GetSize() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return 0, err
	}
	var size uint64
	_ = b.withLock(func() error {
		if len(b.mmapData) >= shmHeaderLen {
			size = shmHeaderLen + byteOrderUint64(b.mmapData[:shmHeaderLen])
		}
		return nil
	})
	return size, nil
}

func (b *ShmBackend) GetKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return 0, err
	}
	count := 0
	_ = b.withLock(func() error {
		count = len(b.readMapLocked())
		return nil
	})
	return count, nil
}

func (b *ShmBackend) BackendType() string       { return "property" }
func (b *ShmBackend) SupportsPersistence() bool { return b.delegate != nil }

// Close flushes dirty data to the persistence delegate, unmaps the segment,
// and releases the lock file. The segment itself is left in place for the
// next attacher (matching open_or_create semantics); only the process's
// view of it is torn down.
func (b *ShmBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil
	}

	if b.dirty && b.delegate != nil && b.delegate.Available() {
		b.logger.Info("auto-syncing dirty property backend data on close")
		if err := b.saveToPersistence(); err != nil {
			b.logger.Error("failed to auto-sync property backend on close", "error", err)
		}
	}

	if b.mmapData != nil {
		_ = unix.Munmap(b.mmapData)
		b.mmapData = nil
	}
	if b.lockFile != nil {
		_ = b.lockFile.Close()
	}
	if b.delegate != nil {
		_ = b.delegate.Close()
	}
	b.available = false
	return nil
}

// loadFromPersistence is called once, at attach, to seed the segment from
// the delegate. An empty or unavailable delegate is not an error.
func (b *ShmBackend) loadFromPersistence() error {
	keys, err := b.delegate.GetAllKeys()
	if err != nil {
		b.logger.Warn("failed to list keys from persistence delegate", "error", err)
		return nil
	}
	return b.withLock(func() error {
		m := b.readMapLocked()
		for _, key := range keys {
			v, err := fetchTypedAnyTag(b.delegate, key)
			if err != nil {
				continue
			}
			m[key] = storedEntry{Type: string(v.Tag().Char()), Value: v.RawText()}
		}
		b.logger.Info("loaded keys from persistence delegate", "count", len(keys))
		return b.writeMapLocked(m)
	})
}

// saveToPersistence performs a full clear-then-rewrite of the delegate from
// the live segment contents.
func (b *ShmBackend) saveToPersistence() error {
	if b.delegate == nil || !b.delegate.Available() {
		return nil
	}
	var entries map[string]storedEntry
	if err := b.withLock(func() error {
		entries = b.readMapLocked()
		return nil
	}); err != nil {
		return err
	}

	if err := b.delegate.RemoveAllKeys(); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-shm-backend")
	}
	for key, entry := range entries {
		v, err := decodeEntry(rawMessageFromEntry(entry))
		if err != nil {
			b.logger.Warn("skipping undecodable entry on save to persistence", "key", key, "error", err)
			continue
		}
		if err := b.delegate.SetValue(key, v); err != nil {
			return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-shm-backend")
		}
	}
	return b.delegate.SyncToStorage()
}

func rawMessageFromEntry(e storedEntry) json.RawMessage {
	encoded, _ := json.Marshal(e)
	return encoded
}

// fetchTypedAnyTag reads a value from a KvsBackend without knowing its tag
// ahead of time, by trying every tag in turn. Both persistence delegates
// store the tag alongside the value internally but don't expose it through
// types.KvsBackend, so this is the only way to recover it generically.
func fetchTypedAnyTag(backend types.KvsBackend, key string) (types.TypedValue, error) {
	for tag := types.TagInt8; tag <= types.TagString; tag++ {
		if v, err := backend.GetValue(key, tag); err == nil {
			return v, nil
		}
	}
	return types.TypedValue{}, errors.Newf(errors.DataTypeMismatch, "could not determine type of key %q", key).
		WithComponent("kvs-shm-backend")
}

var _ types.KvsBackend = (*ShmBackend)(nil)
