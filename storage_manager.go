// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/featurebasedb/tilestore/logger"
)

// StorageManager is the process-level registry: it owns the workspace, the
// tile cache, the AIO pool and the configuration, creates and opens arrays
// and groups, and dispatches consolidation. Multiple StorageManagers may
// coexist in one process; nothing here is module-global.
type StorageManager struct {
	mu        sync.Mutex
	workspace string
	config    *Config
	cache     *TileCache
	logger    logger.Logger
	stats     StatsClient
	aio       *aioPool

	schemas map[string]*ArraySchema // array path -> loaded schema
	bks     map[string]*bkRef       // fragment path -> shared book-keeping

	lastErr error
}

type bkRef struct {
	bk   *bookKeeping
	refs int
}

// ManagerOption configures a StorageManager at construction.
type ManagerOption func(*StorageManager)

// OptManagerLogger sets the logger.
func OptManagerLogger(l logger.Logger) ManagerOption {
	return func(sm *StorageManager) { sm.logger = l }
}

// OptManagerStats sets the stats client.
func OptManagerStats(s StatsClient) ManagerOption {
	return func(sm *StorageManager) { sm.stats = s }
}

// NewStorageManager establishes (or adopts) a workspace directory and
// returns a manager over it.
func NewStorageManager(workspace string, cfg *Config, opts ...ManagerOption) (*StorageManager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sm := &StorageManager{
		workspace: workspace,
		config:    cfg,
		logger:    logger.NopLogger,
		stats:     NopStatsClient,
		schemas:   make(map[string]*ArraySchema),
		bks:       make(map[string]*bkRef),
	}
	for _, opt := range opts {
		opt(sm)
	}
	if err := createDir(workspace); err != nil {
		return nil, err
	}
	marker := filepath.Join(workspace, workspaceFilename)
	if !fileExists(marker) {
		if err := atomicWriteFile(marker, nil); err != nil {
			return nil, err
		}
	}
	sm.cache = NewTileCache(cfg.TileCacheBytes, sm.stats)
	sm.aio = newAIOPool(cfg.AIOWorkers)
	return sm, nil
}

// Close drains the AIO pool. Open array handles stay usable; closing the
// manager only stops accepting new asynchronous work.
func (sm *StorageManager) Close() {
	sm.aio.stop()
}

// Cache exposes the tile cache, mainly for tests and stats.
func (sm *StorageManager) Cache() *TileCache { return sm.cache }

// Workspace returns the workspace directory.
func (sm *StorageManager) Workspace() string { return sm.workspace }

// LastError returns the most recent error recorded by any handle owned by
// this manager.
func (sm *StorageManager) LastError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastErr
}

func (sm *StorageManager) setLastError(err error) {
	sm.mu.Lock()
	sm.lastErr = err
	sm.mu.Unlock()
}

// resolve turns a workspace-relative object path into an absolute one.
func (sm *StorageManager) resolve(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", errors.Wrapf(ErrInvalidArg, "object path %q", name)
	}
	return filepath.Join(sm.workspace, filepath.FromSlash(name)), nil
}

// DirType classifies a path inside the workspace.
func (sm *StorageManager) DirType(name string) DirEntryType {
	var path string
	if name == "" || name == "." {
		path = sm.workspace
	} else {
		p, err := sm.resolve(name)
		if err != nil {
			return DirNone
		}
		path = p
	}
	return dirTypeOf(path)
}

func dirTypeOf(path string) DirEntryType {
	switch {
	case fileExists(filepath.Join(path, workspaceFilename)):
		return DirWorkspace
	case fileExists(filepath.Join(path, schemaFilename)):
		return DirArray
	case fileExists(filepath.Join(path, metadataFilename)):
		return DirMetadata
	case fileExists(filepath.Join(path, groupFilename)):
		return DirGroup
	}
	return DirNone
}

// GroupCreate creates a group directory under the workspace. The parent
// must be the workspace or another group.
func (sm *StorageManager) GroupCreate(name string) error {
	path, err := sm.resolve(name)
	if err != nil {
		return err
	}
	parent := dirTypeOf(filepath.Dir(path))
	if parent != DirWorkspace && parent != DirGroup {
		return errors.Wrapf(ErrInvalidArg, "parent of %q is not a workspace or group", name)
	}
	if err := createDirExclusive(path); err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(path, groupFilename), nil)
}

// ArrayCreate materializes a new array from its schema. The schema's Name
// is the workspace-relative path of the array.
func (sm *StorageManager) ArrayCreate(schema *ArraySchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	path, err := sm.resolve(schema.Name)
	if err != nil {
		return err
	}
	parent := dirTypeOf(filepath.Dir(path))
	if parent != DirWorkspace && parent != DirGroup {
		return errors.Wrapf(ErrInvalidArg, "parent of %q is not a workspace or group", schema.Name)
	}
	if err := createDirExclusive(path); err != nil {
		return err
	}
	data, err := schema.Serialize()
	if err != nil {
		return err
	}
	if err := atomicWriteFile(filepath.Join(path, schemaFilename), data); err != nil {
		return err
	}
	sm.logger.Debugf("created array %s", schema.Name)
	return nil
}

// loadArraySchema resolves a schema by array name, caching the decode.
func (sm *StorageManager) loadArraySchema(path string) (*ArraySchema, error) {
	sm.mu.Lock()
	if s, ok := sm.schemas[path]; ok {
		sm.mu.Unlock()
		return s, nil
	}
	sm.mu.Unlock()

	file := filepath.Join(path, schemaFilename)
	if !fileExists(file) {
		return nil, errors.Wrapf(ErrNotFound, "array %s", path)
	}
	data, err := readWholeFile(file, sm.config.ReadMethod)
	if err != nil {
		return nil, err
	}
	s, err := LoadSchema(data)
	if err != nil {
		return nil, err
	}
	sm.mu.Lock()
	sm.schemas[path] = s
	sm.mu.Unlock()
	return s, nil
}

// ArrayInit opens an array handle. A nil subarray means the full domain; a
// nil attrs means every attribute (the coordinates included for sparse
// reads).
func (sm *StorageManager) ArrayInit(name string, mode Mode, subarray []int64, attrNames []string) (*Array, error) {
	path, err := sm.resolve(name)
	if err != nil {
		return nil, err
	}
	if dirTypeOf(path) != DirArray {
		return nil, errors.Wrapf(ErrNotFound, "array %q", name)
	}
	schema, err := sm.loadArraySchema(path)
	if err != nil {
		return nil, err
	}
	if subarray == nil {
		subarray = schema.fullDomain()
	}
	if err := schema.validSubarray(subarray); err != nil {
		return nil, err
	}
	attrs, err := resolveAttrs(schema, attrNames, mode)
	if err != nil {
		return nil, err
	}
	if schema.Dense && mode.writing() {
		// Dense fragments always cover the full domain; the tile ids in
		// book-keeping are positional.
		full := schema.fullDomain()
		for i := range full {
			if subarray[i] != full[i] {
				return nil, errors.Wrap(ErrUnsupported, "dense writes cover the full domain")
			}
		}
	}

	a := &Array{
		sm:     sm,
		schema: schema,
		path:   path,
		mode:   mode,
		sub:    append([]int64(nil), subarray...),
		attrs:  attrs,
	}
	if mode == ModeRead {
		names, err := readFragmentList(path)
		if err != nil {
			return nil, err
		}
		frags, err := sm.acquireFragments(schema, path, names)
		if err != nil {
			return nil, err
		}
		a.frags = frags
	}
	return a, nil
}

// acquireFragments opens the listed fragments, sharing decoded book-keeping
// across handles. Fragments whose book-keeping is missing or corrupt are
// dropped with a warning; if every listed fragment drops, the open fails
// with the first corruption error.
func (sm *StorageManager) acquireFragments(schema *ArraySchema, arrayPath string, names []string) ([]*fragment, error) {
	frags := make([]*fragment, len(names))
	var firstCorrupt error
	var cmu sync.Mutex

	g := &errgroup.Group{}
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			fragPath := filepath.Join(arrayPath, name)

			sm.mu.Lock()
			if ref, ok := sm.bks[fragPath]; ok {
				ref.refs++
				sm.mu.Unlock()
				frags[i] = openFragmentShared(schema, arrayPath, name, ref.bk, sm.cache, sm.config.ReadMethod)
				return nil
			}
			sm.mu.Unlock()

			f, err := openFragment(schema, arrayPath, name, sm.cache, sm.config.ReadMethod)
			if err != nil {
				if errors.Is(err, ErrCorruptFormat) || errors.Is(err, ErrNotFound) {
					sm.logger.Warnf("ignoring fragment %s: %v", name, err)
					cmu.Lock()
					if firstCorrupt == nil {
						firstCorrupt = err
					}
					cmu.Unlock()
					return nil
				}
				return err
			}
			sm.mu.Lock()
			if ref, ok := sm.bks[fragPath]; ok {
				ref.refs++
				f.bk = ref.bk
			} else {
				sm.bks[fragPath] = &bkRef{bk: f.bk, refs: 1}
			}
			sm.mu.Unlock()
			frags[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := frags[:0]
	for _, f := range frags {
		if f != nil {
			out = append(out, f)
		}
	}
	if len(out) == 0 && len(names) > 0 && firstCorrupt != nil {
		return nil, firstCorrupt
	}
	return out, nil
}

// releaseFragments drops book-keeping registry references.
func (sm *StorageManager) releaseFragments(frags []*fragment) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, f := range frags {
		if ref, ok := sm.bks[f.path]; ok {
			ref.refs--
			if ref.refs <= 0 {
				delete(sm.bks, f.path)
			}
		}
	}
}

// ArrayFinalize finalizes a handle.
func (sm *StorageManager) ArrayFinalize(a *Array) error { return a.Finalize() }

// ArraySync syncs a write handle.
func (sm *StorageManager) ArraySync(a *Array) error { return a.Sync() }

// ArraySyncAttribute syncs one attribute of a write handle.
func (sm *StorageManager) ArraySyncAttribute(a *Array, attr string) error {
	return a.SyncAttribute(attr)
}

// DirEntry is one Ls result.
type DirEntry struct {
	Name string
	Type DirEntryType
}

// Ls lists the recognized objects inside a workspace or group.
func (sm *StorageManager) Ls(name string) ([]DirEntry, error) {
	var path string
	if name == "" || name == "." {
		path = sm.workspace
	} else {
		p, err := sm.resolve(name)
		if err != nil {
			return nil, err
		}
		path = p
	}
	t := dirTypeOf(path)
	if t != DirWorkspace && t != DirGroup {
		return nil, errors.Wrapf(ErrInvalidArg, "%q is not a workspace or group", name)
	}
	entries, err := listDir(path)
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for _, e := range entries {
		et := dirTypeOf(filepath.Join(path, e))
		if et != DirNone {
			out = append(out, DirEntry{Name: e, Type: et})
		}
	}
	return out, nil
}

// Clear empties a recognized object without removing it: an array loses its
// fragments, a group or workspace loses its children.
func (sm *StorageManager) Clear(name string) error {
	path, err := sm.resolve(name)
	if err != nil {
		return err
	}
	switch dirTypeOf(path) {
	case DirArray:
		names, err := readFragmentList(path)
		if err != nil {
			return err
		}
		for _, n := range names {
			fragPath := filepath.Join(path, n)
			sm.cache.invalidatePrefix(fragPath)
			if err := removeAll(fragPath); err != nil {
				return err
			}
		}
		return writeFragmentList(path, nil)
	case DirGroup, DirWorkspace:
		entries, err := listDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			child := filepath.Join(path, e)
			if dirTypeOf(child) != DirNone {
				sm.cache.invalidatePrefix(child)
				if err := removeAll(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return errors.Wrapf(ErrInvalidArg, "%q is not a tiledb object", name)
}

// Delete removes a recognized object entirely.
func (sm *StorageManager) Delete(name string) error {
	path, err := sm.resolve(name)
	if err != nil {
		return err
	}
	t := dirTypeOf(path)
	if t == DirNone || t == DirWorkspace {
		return errors.Wrapf(ErrInvalidArg, "cannot delete %q", name)
	}
	sm.mu.Lock()
	delete(sm.schemas, path)
	sm.mu.Unlock()
	sm.cache.invalidatePrefix(path)
	return removeAll(path)
}

// Move renames a recognized object inside the workspace.
func (sm *StorageManager) Move(oldName, newName string) error {
	oldPath, err := sm.resolve(oldName)
	if err != nil {
		return err
	}
	newPath, err := sm.resolve(newName)
	if err != nil {
		return err
	}
	if dirTypeOf(oldPath) == DirNone {
		return errors.Wrapf(ErrInvalidArg, "%q is not a tiledb object", oldName)
	}
	if pathExists(newPath) {
		return errors.Wrapf(ErrAlreadyExists, "%q", newName)
	}
	sm.mu.Lock()
	delete(sm.schemas, oldPath)
	sm.mu.Unlock()
	sm.cache.invalidatePrefix(oldPath)
	if err := osRename(oldPath, newPath); err != nil {
		return err
	}
	return syncDir(filepath.Dir(newPath))
}
