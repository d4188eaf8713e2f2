package types

// KvsBackend is the common capability set all three KVS backend kinds
// implement. The persistency manager parameterises on backend kind at
// open and talks only to this interface afterward.
type KvsBackend interface {
	// Available reports whether the backend initialised successfully and
	// can serve requests.
	Available() bool

	GetAllKeys() ([]string, error)
	KeyExists(key string) bool
	GetValue(key string, tag Tag) (TypedValue, error)
	SetValue(key string, value TypedValue) error
	RemoveKey(key string) error
	RemoveAllKeys() error

	SyncToStorage() error
	DiscardPendingChanges() error

	// RecoverKey and ResetKey are soft-delete recovery operations
	// supported only by the embedded-DB backend; other backends return
	// Unsupported.
	RecoverKey(key string) error
	ResetKey(key string) error

	GetSize() (uint64, error)
	GetKeyCount() (int, error)

	BackendType() string
	SupportsPersistence() bool

	// Close releases backend resources, attempting a best-effort sync if
	// dirty.
	Close() error
}

// FileStorageBackend exposes whole-buffer, category-parameterised file
// operations. It has no concept of an open file handle or registry —
// that is the FileStorageFacade's job.
type FileStorageBackend interface {
	Read(name string, cat Category) ([]byte, error)
	Write(name string, bytes []byte, cat Category) error
	Delete(name string, cat Category) error
	List(cat Category) ([]string, error)
	Exists(name string, cat Category) bool
	Size(name string, cat Category) (uint64, error)
	Copy(name string, from, to Category) error
	Move(name string, from, to Category) error
	URI(name string, cat Category) FileURI
}
