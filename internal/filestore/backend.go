// Package filestore implements the FileStorage backend and facade:
// whole-buffer, category-parameterised file operations plus a per-instance
// registry of opened files with version-shadowing metadata.
package filestore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
)

// Backend is the pure file-operations layer over one FileStorage instance
// directory (current/backup/initial/update). It has no concept of an open
// handle or registry — that belongs to Facade.
type Backend struct {
	basePath string
	logger   *slog.Logger
}

// NewBackend returns a Backend rooted at basePath, which must already have
// its four category subdirectories (pathmgr.CreateStorageStructure creates
// them).
func NewBackend(basePath string) *Backend {
	return &Backend{
		basePath: basePath,
		logger:   slog.Default().With("component", "filestore-backend", "path", basePath),
	}
}

func (b *Backend) categoryPath(cat types.Category) string {
	return filepath.Join(b.basePath, string(cat))
}

func (b *Backend) filePath(name string, cat types.Category) string {
	return filepath.Join(b.categoryPath(cat), name)
}

func (b *Backend) Read(name string, cat types.Category) ([]byte, error) {
	data, err := os.ReadFile(b.filePath(name, cat))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.FileNotFound, "file %q not found in %s", name, cat).
				WithComponent("filestore-backend").WithOperation("Read")
		}
		return nil, errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Read")
	}
	return data, nil
}

// Write creates the destination category directory if absent and writes
// name's full contents.
func (b *Backend) Write(name string, data []byte, cat types.Category) error {
	dir := b.categoryPath(cat)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Write")
	}
	if err := os.WriteFile(b.filePath(name, cat), data, 0640); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Write")
	}
	return nil
}

func (b *Backend) Delete(name string, cat types.Category) error {
	if err := os.Remove(b.filePath(name, cat)); err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.FileNotFound, "file %q not found in %s", name, cat).
				WithComponent("filestore-backend").WithOperation("Delete")
		}
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Delete")
	}
	return nil
}

func (b *Backend) List(cat types.Category) ([]string, error) {
	entries, err := os.ReadDir(b.categoryPath(cat))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("List")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (b *Backend) Exists(name string, cat types.Category) bool {
	_, err := os.Stat(b.filePath(name, cat))
	return err == nil
}

func (b *Backend) Size(name string, cat types.Category) (uint64, error) {
	info, err := os.Stat(b.filePath(name, cat))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Newf(errors.FileNotFound, "file %q not found in %s", name, cat).
				WithComponent("filestore-backend").WithOperation("Size")
		}
		return 0, errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Size")
	}
	return uint64(info.Size()), nil
}

func (b *Backend) Copy(name string, from, to types.Category) error {
	src, err := os.Open(b.filePath(name, from))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.FileNotFound, "file %q not found in %s", name, from).
				WithComponent("filestore-backend").WithOperation("Copy")
		}
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Copy")
	}
	defer src.Close()

	destDir := b.categoryPath(to)
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Copy")
	}

	tmp, err := os.CreateTemp(destDir, name+".tmp-*")
	if err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Copy")
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Copy")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Copy")
	}
	if err := os.Rename(tmp.Name(), b.filePath(name, to)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Copy")
	}
	return nil
}

// Move relocates name from one category to another; since both categories
// live under the same instance directory this is a single same-filesystem
// rename and is therefore atomic.
func (b *Backend) Move(name string, from, to types.Category) error {
	destDir := b.categoryPath(to)
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Move")
	}
	if err := os.Rename(b.filePath(name, from), b.filePath(name, to)); err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.FileNotFound, "file %q not found in %s", name, from).
				WithComponent("filestore-backend").WithOperation("Move")
		}
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("filestore-backend").WithOperation("Move")
	}
	return nil
}

func (b *Backend) URI(name string, cat types.Category) types.FileURI {
	return types.FileURI{Base: b.basePath, Category: cat, Name: name}
}

var _ types.FileStorageBackend = (*Backend)(nil)
