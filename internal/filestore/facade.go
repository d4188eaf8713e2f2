package filestore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lapcore/persistency/pkg/checksum"
	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
)

// entry is the per-file registry record the facade keeps, shadowing the
// instance's version metadata.
type entry struct {
	info              types.FileInfo
	contractVersion   string
	deploymentVersion string
}

// Facade is the per-instance registry of opened files sitting on top of a
// FileStorageBackend: it tracks per-entry FileInfo (timestamps, size,
// provenance, checksum) and enforces busy rules around opening and
// deleting a file. Stream semantics of the open-for-* entry points are out
// of scope; the facade only tracks registry state and timestamps around
// them.
type Facade struct {
	mu sync.Mutex

	backend      types.FileStorageBackend
	checksumType checksum.Algorithm
	entries      map[string]*entry
	logger       *slog.Logger
}

// NewFacade wraps backend with a file registry. checksumType selects the
// algorithm used to populate FileInfo.Checksum on write/recover/reset.
func NewFacade(backend types.FileStorageBackend, checksumType checksum.Algorithm) *Facade {
	return &Facade{
		backend:      backend,
		checksumType: checksumType,
		entries:      make(map[string]*entry),
		logger:       slog.Default().With("component", "filestore-facade"),
	}
}

func (f *Facade) GetAllFileNames() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.List(types.CategoryCurrent)
}

func (f *Facade) FileExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.Exists(name, types.CategoryCurrent)
}

// DeleteFile removes name from current. Deleting an open file is rejected
// with ResourceBusy.
func (f *Facade) DeleteFile(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[name]; ok && e.info.Open {
		return errors.Newf(errors.ResourceBusy, "file %q is open", name).
			WithComponent("filestore-facade").WithOperation("DeleteFile")
	}
	if err := f.backend.Delete(name, types.CategoryCurrent); err != nil {
		return err
	}
	delete(f.entries, name)
	return nil
}

// RecoverFile restores name from backup into current, marking the entry's
// provenance as restored.
func (f *Facade) RecoverFile(name string) error {
	return f.copyInto(name, types.CategoryBackup, types.ProvenanceRestore)
}

// ResetFile restores name from the initial category into current
// (a factory reset).
func (f *Facade) ResetFile(name string) error {
	return f.copyInto(name, types.CategoryInitial, types.ProvenanceReset)
}

func (f *Facade) copyInto(name string, from types.Category, provenance types.Provenance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[name]; ok && e.info.Open {
		return errors.Newf(errors.ResourceBusy, "file %q is open", name).
			WithComponent("filestore-facade").WithOperation("copyInto")
	}
	if err := f.backend.Copy(name, from, types.CategoryCurrent); err != nil {
		return err
	}

	data, err := f.backend.Read(name, types.CategoryCurrent)
	if err != nil {
		return err
	}
	sum, err := checksum.Compute(f.checksumType, data)
	if err != nil {
		return err
	}

	now := time.Now()
	e := f.entries[name]
	if e == nil {
		e = &entry{}
		f.entries[name] = e
	}
	e.info.Name = name
	e.info.Size = int64(len(data))
	e.info.ModifiedAt = now
	e.info.AccessedAt = now
	e.info.Provenance = provenance
	e.info.ChecksumType = string(f.checksumType)
	e.info.Checksum = sum
	return nil
}

func (f *Facade) GetFileSize(name string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.Size(name, types.CategoryCurrent)
}

// GetFileInfo returns the registry's tracked FileInfo for name, lazily
// populating an entry from the backend (size only — timestamps/provenance
// default to zero/write) if the file exists on disk but was never opened,
// written, recovered, or reset through this facade.
func (f *Facade) GetFileInfo(name string) (types.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[name]; ok {
		return e.info, nil
	}

	size, err := f.backend.Size(name, types.CategoryCurrent)
	if err != nil {
		return types.FileInfo{}, err
	}
	info := types.FileInfo{
		Name:       name,
		Size:       int64(size),
		Provenance: types.ProvenanceWrite,
	}
	f.entries[name] = &entry{info: info}
	return info, nil
}

// Handle is returned by the OpenFile* entry points. It tracks open/close
// registry state only; actual byte transfer happens through
// ReadAll/WriteAll rather than incremental stream reads/writes.
type Handle struct {
	facade *Facade
	name   string
	write  bool
	closed bool
}

func (f *Facade) open(name string, write bool) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[name]; ok && e.info.Open {
		return nil, errors.Newf(errors.ResourceBusy, "file %q is already open", name).
			WithComponent("filestore-facade").WithOperation("open")
	}

	e, ok := f.entries[name]
	if !ok {
		e = &entry{info: types.FileInfo{Name: name, Provenance: types.ProvenanceWrite}}
		f.entries[name] = e
	}
	e.info.Open = true
	e.info.AccessedAt = time.Now()

	return &Handle{facade: f, name: name, write: write}, nil
}

// OpenFileReadOnly opens name for reading, rejecting with ResourceBusy if
// already open.
func (f *Facade) OpenFileReadOnly(name string) (*Handle, error) {
	if !f.backend.Exists(name, types.CategoryCurrent) {
		return nil, errors.Newf(errors.FileNotFound, "file %q not found", name).
			WithComponent("filestore-facade").WithOperation("OpenFileReadOnly")
	}
	return f.open(name, false)
}

// OpenFileWriteOnly opens name for writing, creating the registry entry if
// absent.
func (f *Facade) OpenFileWriteOnly(name string) (*Handle, error) {
	return f.open(name, true)
}

// OpenFileReadWrite opens name for both reading and writing.
func (f *Facade) OpenFileReadWrite(name string) (*Handle, error) {
	return f.open(name, true)
}

// ReadAll reads the handle's full current contents.
func (h *Handle) ReadAll() ([]byte, error) {
	h.facade.mu.Lock()
	defer h.facade.mu.Unlock()
	return h.facade.backend.Read(h.name, types.CategoryCurrent)
}

// WriteAll overwrites the handle's file with data, updating its tracked
// FileInfo (size, checksum, modified time, write provenance). Only valid
// for handles opened write-only or read-write.
func (h *Handle) WriteAll(data []byte) error {
	if !h.write {
		return errors.Newf(errors.IllegalWriteAccess, "file %q was not opened for writing", h.name).
			WithComponent("filestore-facade").WithOperation("WriteAll")
	}

	h.facade.mu.Lock()
	defer h.facade.mu.Unlock()

	if err := h.facade.backend.Write(h.name, data, types.CategoryCurrent); err != nil {
		return err
	}
	sum, err := checksum.Compute(h.facade.checksumType, data)
	if err != nil {
		return err
	}

	e := h.facade.entries[h.name]
	now := time.Now()
	e.info.Size = int64(len(data))
	e.info.ModifiedAt = now
	e.info.AccessedAt = now
	e.info.Provenance = types.ProvenanceWrite
	e.info.ChecksumType = string(h.facade.checksumType)
	e.info.Checksum = sum
	return nil
}

// Close releases the handle's open flag so the file can be deleted or
// reopened.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.facade.mu.Lock()
	defer h.facade.mu.Unlock()

	if e, ok := h.facade.entries[h.name]; ok {
		e.info.Open = false
	}
	h.closed = true
	return nil
}
