// Package pathmgr lays out the on-disk directory structure shared by every
// KVS and FileStorage instance under a central storage root: a four-layer
// KVS structure (current/update/redundancy/recovery) and a four-category
// FileStorage structure (current/backup/initial/update).
package pathmgr

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lapcore/persistency/pkg/errors"
	"github.com/lapcore/persistency/pkg/types"
	"github.com/lapcore/persistency/pkg/utils"
)

// StorageType names one of the two storage kinds a Manager lays out paths
// for.
type StorageType string

const (
	StorageKvs StorageType = "kvs"
	StorageFS  StorageType = "fs"
)

// kvsSubdirs are the four layers of a KVS instance directory: current holds
// the active data, update is the staging area every write goes through,
// redundancy holds the pre-swap backup for rollback, and recovery is created
// as part of the layout but no backend writes soft-deleted keys to it.
var kvsSubdirs = []string{"current", "update", "redundancy", "recovery"}

// fsSubdirs are the four FileStorage categories.
var fsSubdirs = []string{"current", "backup", "initial", "update"}

// Manager resolves instance specifiers into filesystem paths rooted under a
// single central storage URI, with optional round-robin distribution of
// replicas across multiple deployment URIs.
type Manager struct {
	centralStorageURI string
	deploymentUris    []string
}

// New builds a Manager rooted at centralStorageURI. deploymentUris may be
// empty, in which case every replica is placed under centralStorageURI.
func New(centralStorageURI string, deploymentUris []string) *Manager {
	return &Manager{
		centralStorageURI: centralStorageURI,
		deploymentUris:    deploymentUris,
	}
}

// CentralStorageURI returns the configured storage root.
func (m *Manager) CentralStorageURI() string {
	return m.centralStorageURI
}

// ManifestPath returns {centralStorageURI}/manifest.
func (m *Manager) ManifestPath() string {
	return filepath.Join(m.centralStorageURI, "manifest")
}

// KvsRootPath returns {centralStorageURI}/kvs.
func (m *Manager) KvsRootPath() string {
	return filepath.Join(m.centralStorageURI, "kvs")
}

// FileStorageRootPath returns {centralStorageURI}/fs.
func (m *Manager) FileStorageRootPath() string {
	return filepath.Join(m.centralStorageURI, "fs")
}

// resolveInstancePath normalizes instance, rejects it outright if it's an
// absolute path or contains a traversal element, and then joins it under
// root, rejecting it again if the join still manages to escape root.
func resolveInstancePath(root, instance string) (string, error) {
	normalized := types.NormalizeInstanceSpecifier(instance)
	if err := utils.ValidatePath(normalized, false); err != nil {
		return "", err
	}
	return utils.SecureJoin(root, normalized)
}

// KvsInstancePath returns {centralStorageURI}/kvs/{normalized instance},
// rejecting an instance specifier that would resolve outside the kvs root.
func (m *Manager) KvsInstancePath(instance string) (string, error) {
	path, err := resolveInstancePath(m.KvsRootPath(), instance)
	if err != nil {
		return "", errors.Wrap(errors.InvalidArgument, err).
			WithComponent("pathmgr").WithOperation("KvsInstancePath").WithDetail("instance", instance)
	}
	return path, nil
}

// FileStorageInstancePath returns {centralStorageURI}/fs/{normalized
// instance}, rejecting an instance specifier that would resolve outside the
// fs root.
func (m *Manager) FileStorageInstancePath(instance string) (string, error) {
	path, err := resolveInstancePath(m.FileStorageRootPath(), instance)
	if err != nil {
		return "", errors.Wrap(errors.InvalidArgument, err).
			WithComponent("pathmgr").WithOperation("FileStorageInstancePath").WithDetail("instance", instance)
	}
	return path, nil
}

// InstancePath dispatches to KvsInstancePath or FileStorageInstancePath by
// storageType.
func (m *Manager) InstancePath(instance string, storageType StorageType) (string, error) {
	switch storageType {
	case StorageKvs:
		return m.KvsInstancePath(instance)
	case StorageFS:
		return m.FileStorageInstancePath(instance)
	default:
		return "", errors.Newf(errors.InvalidArgument, "invalid storage type: %s", storageType).
			WithComponent("pathmgr")
	}
}

// ReplicaPaths returns replicaCount paths for instance's storageType,
// distributed round-robin across deploymentUris if any were configured,
// otherwise all rooted at centralStorageURI. Replica i is always named
// replica_{i}.
func (m *Manager) ReplicaPaths(instance string, storageType StorageType, replicaCount uint32) ([]string, error) {
	var root string
	switch storageType {
	case StorageKvs:
		root = "kvs"
	case StorageFS:
		root = "fs"
	default:
		return nil, errors.Newf(errors.InvalidArgument, "invalid storage type: %s", storageType).
			WithComponent("pathmgr")
	}
	base, err := resolveInstancePath(root, instance)
	if err != nil {
		return nil, errors.Wrap(errors.InvalidArgument, err).
			WithComponent("pathmgr").WithOperation("ReplicaPaths").WithDetail("instance", instance)
	}

	paths := make([]string, replicaCount)
	for i := uint32(0); i < replicaCount; i++ {
		replicaName := fmt.Sprintf("replica_%d", i)
		deployRoot := m.centralStorageURI
		if len(m.deploymentUris) > 0 {
			deployRoot = m.deploymentUris[int(i)%len(m.deploymentUris)]
		}
		paths[i] = filepath.Join(deployRoot, base, replicaName)
	}
	return paths, nil
}

// CreateStorageStructure creates the instance's base directory and its
// storage-type-specific subdirectories (the four KVS layers or the four
// FileStorage categories, plus a .metadata directory for FileStorage).
func (m *Manager) CreateStorageStructure(instance string, storageType StorageType) error {
	basePath, err := m.InstancePath(instance, storageType)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("pathmgr").WithOperation("create_storage_structure").
			WithDetail("path", basePath)
	}

	var subdirs []string
	switch storageType {
	case StorageKvs:
		subdirs = kvsSubdirs
	case StorageFS:
		subdirs = append(append([]string{}, fsSubdirs...), ".metadata")
	}
	for _, subdir := range subdirs {
		full := filepath.Join(basePath, subdir)
		if err := os.MkdirAll(full, 0750); err != nil {
			return errors.Wrap(errors.PhysicalStorageFailure, err).
				WithComponent("pathmgr").WithOperation("create_storage_structure").
				WithDetail("path", full)
		}
	}
	return nil
}

// CreateManifestStructure creates the manifest directory.
func (m *Manager) CreateManifestStructure() error {
	manifestPath := m.ManifestPath()
	if err := os.MkdirAll(manifestPath, 0750); err != nil {
		return errors.Wrap(errors.PhysicalStorageFailure, err).
			WithComponent("pathmgr").WithOperation("create_manifest_structure").
			WithDetail("path", manifestPath)
	}
	return nil
}

// PathExists reports whether path exists and is a directory.
func (m *Manager) PathExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
