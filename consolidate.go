// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// ArrayConsolidate merges every live fragment of an array into a single new
// fragment through the standard read and write paths, atomically swaps the
// fragment list, and retires the old directories. Readers opening after the
// swap see only the consolidated fragment. The old directories are removed
// and their cached tiles dropped right after the swap, so a reader that
// opened before it keeps its decoded book-keeping but fails on any read
// that needs a tile of a removed fragment.
func (sm *StorageManager) ArrayConsolidate(name string) error {
	path, err := sm.resolve(name)
	if err != nil {
		return err
	}
	oldNames, err := readFragmentList(path)
	if err != nil {
		return err
	}
	if len(oldNames) <= 1 {
		return nil
	}

	r, err := sm.ArrayInit(name, ModeRead, nil, nil)
	if err != nil {
		return err
	}
	defer r.Finalize()
	// ModeAppend streams cells in the physical global order, which is
	// exactly the order the merged read emits.
	w, err := sm.ArrayInit(name, ModeAppend, nil, nil)
	if err != nil {
		return err
	}

	abortWrite := func() {
		if w.wfrag != nil {
			w.wfrag.abort()
		}
	}
	bufs := sm.consolidationBuffers(r.schema)
	for {
		sizes, err := r.Read(bufs)
		if err != nil {
			abortWrite()
			return err
		}
		total := 0
		for _, s := range sizes {
			total += s
		}
		if total == 0 {
			overflowed := false
			for i := range r.attrs {
				if r.Overflow(i) {
					overflowed = true
				}
			}
			if !overflowed {
				break
			}
			// A single cell exceeds the buffers; double them.
			for i := range bufs {
				bufs[i] = make([]byte, 2*len(bufs[i]))
			}
			continue
		}
		trimmed := make([][]byte, len(bufs))
		for i := range bufs {
			trimmed[i] = bufs[i][:sizes[i]]
		}
		if err := w.Write(trimmed); err != nil {
			abortWrite()
			return err
		}
		if r.AtEnd() {
			break
		}
	}

	var newNames []string
	if w.wfrag != nil {
		newNames = []string{w.wfrag.name}
	}
	if err := w.Finalize(); err != nil {
		return err
	}
	if err := writeFragmentList(path, newNames); err != nil {
		return err
	}

	for _, n := range oldNames {
		fragPath := filepath.Join(path, n)
		sm.cache.invalidatePrefix(fragPath)
		if err := removeAll(fragPath); err != nil {
			return errors.Wrapf(err, "retiring fragment %s", n)
		}
	}
	sm.stats.Count("consolidations", 1)
	sm.logger.Infof("consolidated %s: %d fragments -> %d", name, len(oldNames), len(newNames))
	return nil
}

// consolidationBuffers sizes the internal pump buffers from the schema: one
// tile's worth of cells per attribute, with a starting guess for variable
// payloads.
func (sm *StorageManager) consolidationBuffers(s *ArraySchema) [][]byte {
	cells := s.Capacity
	if s.Dense {
		cells = s.denseTileCellNum()
	}
	if cells < 1 {
		cells = 1
	}
	var bufs [][]byte
	for i := range s.Attributes {
		a := &s.Attributes[i]
		if a.Var() {
			bufs = append(bufs, make([]byte, cells*8))
			bufs = append(bufs, make([]byte, cells*64))
		} else {
			bufs = append(bufs, make([]byte, cells*int64(a.cellSize())))
		}
	}
	if !s.Dense {
		bufs = append(bufs, make([]byte, cells*int64(s.coordsSize())))
	}
	return bufs
}
