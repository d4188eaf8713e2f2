package kvs

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lapcore/persistency/internal/pathmgr"
	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
)

const sqliteDataFileName = "kvs_data.db"

// SqliteBackend is the embedded-database KVS backend: every key is one row
// in a single kvs_data table, deletes are soft (a deleted flag) so
// RecoverKey can undo them, and ResetKey performs the hard delete the
// single-file backend has no equivalent for.
type SqliteBackend struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	syncCount int
	available bool
	logger    *slog.Logger
}

// NewSqliteBackend opens (creating if absent) the embedded database at
// instance's current/kvs_data.db, applying WAL mode and a bounded cache so
// concurrent readers don't block the writer mid-checkpoint.
func NewSqliteBackend(pm *pathmgr.Manager, instance string) (*SqliteBackend, error) {
	instancePath, err := pm.KvsInstancePath(instance)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "kvs-sqlite-backend", "instance", instance)

	if err := pm.CreateStorageStructure(instance, pathmgr.StorageKvs); err != nil {
		logger.Warn("failed to create kvs directory structure", "error", err)
		return nil, err
	}

	path := filepath.Join(instancePath, "current", sqliteDataFileName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("open")
	}
	db.SetMaxOpenConns(1) // one writer connection, matching the single-connection sqlite3 handle this mirrors

	b := &SqliteBackend{db: db, path: path, logger: logger}
	if err := b.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	b.available = true
	logger.Info("kvs sqlite backend initialized", "path", path)
	return b, nil
}

func (b *SqliteBackend) initialize() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-10000;",
		"PRAGMA mmap_size=67108864;",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			b.logger.Warn("failed to apply pragma", "pragma", p, "error", err)
		}
	}

	const createTable = `CREATE TABLE IF NOT EXISTS kvs_data (
		key TEXT PRIMARY KEY NOT NULL,
		value TEXT NOT NULL,
		deleted INTEGER DEFAULT 0
	);`
	if _, err := b.db.Exec(createTable); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("initialize")
	}

	const createIndex = `CREATE INDEX IF NOT EXISTS idx_deleted ON kvs_data(deleted);`
	if _, err := b.db.Exec(createIndex); err != nil {
		b.logger.Warn("failed to create deleted index", "error", err)
	}
	return nil
}

func encodeValue(v types.TypedValue) (string, error) {
	data, err := json.Marshal(storedEntry{Type: string(v.Tag().Char()), Value: v.RawText()})
	if err != nil {
		return "", errors.Wrap(errors.ValidationFailed, err).WithComponent("kvs-sqlite").WithOperation("encode_value")
	}
	return string(data), nil
}

func decodeValue(encoded string) (types.TypedValue, error) {
	var entry storedEntry
	if err := json.Unmarshal([]byte(encoded), &entry); err != nil || entry.Type == "" {
		return types.TypedValue{}, errors.New(errors.IntegrityCorrupted).WithComponent("kvs-sqlite").
			WithOperation("decode_value")
	}
	tag, ok := types.TagFromChar(entry.Type[0])
	if !ok {
		return types.TypedValue{}, errors.Newf(errors.DataTypeMismatch, "unknown type marker: %s", entry.Type).
			WithComponent("kvs-sqlite")
	}
	return types.ParseAs(entry.Value, tag)
}

func (b *SqliteBackend) requireAvailable() error {
	if !b.available {
		return errors.New(errors.NotInitialized).WithComponent("kvs-sqlite")
	}
	return nil
}

// Available reports whether the backend opened successfully.
func (b *SqliteBackend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// GetAllKeys returns every non-deleted key.
func (b *SqliteBackend) GetAllKeys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return nil, err
	}

	rows, err := b.db.Query("SELECT key FROM kvs_data WHERE deleted = 0;")
	if err != nil {
		return nil, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("get_all_keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("get_all_keys")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// KeyExists reports whether key is present and not soft-deleted.
func (b *SqliteBackend) KeyExists(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return false
	}
	var one int
	err := b.db.QueryRow("SELECT 1 FROM kvs_data WHERE key = ? AND deleted = 0 LIMIT 1;", key).Scan(&one)
	return err == nil
}

// GetValue returns key's value, failing with DataTypeMismatch if its stored
// tag doesn't match the requested one.
func (b *SqliteBackend) GetValue(key string, tag types.Tag) (types.TypedValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return types.TypedValue{}, err
	}

	var encoded string
	err := b.db.QueryRow("SELECT value FROM kvs_data WHERE key = ? AND deleted = 0;", key).Scan(&encoded)
	if err == sql.ErrNoRows {
		return types.TypedValue{}, errors.Newf(errors.KeyNotFound, "key not found: %s", key).WithComponent("kvs-sqlite")
	}
	if err != nil {
		return types.TypedValue{}, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").
			WithOperation("get_value")
	}

	v, err := decodeValue(encoded)
	if err != nil {
		return types.TypedValue{}, err
	}
	if v.Tag() != tag {
		return types.TypedValue{}, errors.Newf(errors.DataTypeMismatch,
			"key %s holds %s, requested %s", key, v.Tag(), tag).WithComponent("kvs-sqlite")
	}
	return v, nil
}

// SetValue upserts key's value, clearing any soft-delete flag.
func (b *SqliteBackend) SetValue(key string, value types.TypedValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}

	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = b.db.Exec("INSERT OR REPLACE INTO kvs_data (key, value, deleted) VALUES (?, ?, 0);", key, encoded)
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("set_value")
	}
	return nil
}

// RemoveKey soft-deletes key by setting its deleted flag, leaving the row
// intact so RecoverKey can undo it.
func (b *SqliteBackend) RemoveKey(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	_, err := b.db.Exec("UPDATE kvs_data SET deleted = 1 WHERE key = ?;", key)
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("remove_key")
	}
	return nil
}

// RecoverKey clears a previously soft-deleted key's deleted flag.
func (b *SqliteBackend) RecoverKey(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	_, err := b.db.Exec("UPDATE kvs_data SET deleted = 0 WHERE key = ?;", key)
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("recover_key")
	}
	return nil
}

// ResetKey permanently removes key's row, unlike RemoveKey's soft delete.
func (b *SqliteBackend) ResetKey(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	_, err := b.db.Exec("DELETE FROM kvs_data WHERE key = ?;", key)
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("reset_key")
	}
	return nil
}

// RemoveAllKeys soft-deletes every row.
func (b *SqliteBackend) RemoveAllKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}
	_, err := b.db.Exec("UPDATE kvs_data SET deleted = 1;")
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("remove_all_keys")
	}
	return nil
}

// SyncToStorage forces a full WAL checkpoint and, every 100th call, purges
// soft-deleted rows to reclaim space.
func (b *SqliteBackend) SyncToStorage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return err
	}

	if _, err := b.db.Exec("PRAGMA wal_checkpoint(FULL);"); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("sync")
	}

	b.syncCount++
	if b.syncCount%100 == 0 {
		if _, err := b.db.Exec("DELETE FROM kvs_data WHERE deleted = 1;"); err != nil {
			b.logger.Warn("failed to purge soft-deleted rows", "error", err)
		}
	}
	return nil
}

// DiscardPendingChanges is a no-op: every write above auto-commits
// immediately rather than buffering in an open transaction, so there is
// nothing pending to discard.
func (b *SqliteBackend) DiscardPendingChanges() error {
	return b.requireAvailable()
}

// GetSize returns the database file's size in bytes.
func (b *SqliteBackend) GetSize() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return 0, err
	}
	info, err := os.Stat(b.path)
	if err != nil {
		return 0, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("get_size")
	}
	return uint64(info.Size()), nil
}

// GetKeyCount returns the number of non-deleted rows.
func (b *SqliteBackend) GetKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireAvailable(); err != nil {
		return 0, err
	}
	var count int
	err := b.db.QueryRow("SELECT COUNT(*) FROM kvs_data WHERE deleted = 0;").Scan(&count)
	if err != nil {
		return 0, errors.Wrap(errors.PhysicalStorageFailure, err).WithComponent("kvs-sqlite").WithOperation("get_key_count")
	}
	return count, nil
}

// BackendType identifies this backend for metadata/logging purposes.
func (b *SqliteBackend) BackendType() string { return "sqlite" }

// SupportsPersistence is always true for the embedded-database backend.
func (b *SqliteBackend) SupportsPersistence() bool { return true }

// Close checkpoints the WAL and closes the database handle.
func (b *SqliteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return nil
	}
	if _, err := b.db.Exec("PRAGMA wal_checkpoint(FULL);"); err != nil {
		b.logger.Warn("failed to checkpoint wal on close", "error", err)
	}
	b.available = false
	return b.db.Close()
}

var _ types.KvsBackend = (*SqliteBackend)(nil)
