// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Mode is the access mode of an array handle.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeWriteUnsorted
	ModeAppend
)

func (m Mode) writing() bool { return m != ModeRead }

// Array is one open handle on an array. Read handles own the fragments that
// were live at open time and a merge iterator over them; write handles own
// exactly one fragment being built. Handles are not safe for concurrent use;
// an ownership check rejects overlapped calls rather than corrupting the
// open fragment.
type Array struct {
	sm     *StorageManager
	schema *ArraySchema
	path   string
	mode   Mode
	sub    []int64
	attrs  []int // queried attributes; -1 is the coordinates pseudo-attribute

	// Read state.
	frags []*fragment
	it    *cellIterator

	// Write state.
	wfrag      *fragment
	lastCoords []int64      // order enforcement across Write calls
	denseRecs  []cellRecord // dense ModeWrite raster accumulation
	listed     bool         // fragment name already in the fragment list

	busy      int32
	finalized bool
}

// enter/leave implement the single-caller ownership check.
func (a *Array) enter() error {
	if !atomic.CompareAndSwapInt32(&a.busy, 0, 1) {
		return errors.Wrap(ErrInvalidArg, "array handle used concurrently")
	}
	if a.finalized {
		atomic.StoreInt32(&a.busy, 0)
		return errors.Wrap(ErrInvalidArg, "array handle finalized")
	}
	return nil
}

func (a *Array) leave() { atomic.StoreInt32(&a.busy, 0) }

// Schema returns the array's schema.
func (a *Array) Schema() *ArraySchema { return a.schema }

// Mode returns the handle's access mode.
func (a *Array) Mode() Mode { return a.mode }

// ---------------------------------------------------------------------------
// Write path.

// cellRecord is one decoded incoming cell.
type cellRecord struct {
	coords []int64
	values [][]byte
}

// decodeWriteBuffers splits caller buffers into per-cell records. Buffer
// layout follows the schema attribute order: fixed attributes one buffer,
// variable attributes two (offsets then payload); sparse arrays append the
// coordinates buffer last.
func (a *Array) decodeWriteBuffers(buffers [][]byte) ([]cellRecord, error) {
	s := a.schema
	want := 0
	for i := range s.Attributes {
		if s.Attributes[i].Var() {
			want += 2
		} else {
			want++
		}
	}
	sparse := !s.Dense
	if sparse {
		want++
	}
	if len(buffers) != want {
		return nil, errors.Wrapf(ErrInvalidArg, "have %d write buffers, want %d", len(buffers), want)
	}

	var cellNum int64 = -1
	setNum := func(n int64, what string) error {
		if cellNum == -1 {
			cellNum = n
			return nil
		}
		if n != cellNum {
			return errors.Wrapf(ErrInvalidArg, "%s holds %d cells, others hold %d", what, n, cellNum)
		}
		return nil
	}

	var coordsBuf []byte
	if sparse {
		coordsBuf = buffers[len(buffers)-1]
		width := int64(s.coordsSize())
		if int64(len(coordsBuf))%width != 0 {
			return nil, errors.Wrap(ErrInvalidArg, "coordinates buffer not a whole number of cells")
		}
		if err := setNum(int64(len(coordsBuf))/width, "coordinates buffer"); err != nil {
			return nil, err
		}
	}

	b := 0
	type attrView struct {
		fixed   []byte
		offsets []uint64
		payload []byte
	}
	views := make([]attrView, s.attrNum())
	for i := range s.Attributes {
		attr := &s.Attributes[i]
		if attr.Var() {
			ob, pb := buffers[b], buffers[b+1]
			b += 2
			if len(ob)%8 != 0 {
				return nil, errors.Wrapf(ErrInvalidArg, "offsets buffer of %q", attr.Name)
			}
			offs := make([]uint64, len(ob)/8)
			for j := range offs {
				offs[j] = binary.LittleEndian.Uint64(ob[j*8:])
			}
			for j := 1; j < len(offs); j++ {
				if offs[j] < offs[j-1] {
					return nil, errors.Wrapf(ErrInvalidArg, "offsets of %q not monotonic", attr.Name)
				}
			}
			if len(offs) > 0 && offs[len(offs)-1] > uint64(len(pb)) {
				return nil, errors.Wrapf(ErrInvalidArg, "offsets of %q beyond payload", attr.Name)
			}
			if err := setNum(int64(len(offs)), "offsets of "+attr.Name); err != nil {
				return nil, err
			}
			views[i] = attrView{offsets: offs, payload: pb}
		} else {
			fb := buffers[b]
			b++
			w := int64(attr.cellSize())
			if int64(len(fb))%w != 0 {
				return nil, errors.Wrapf(ErrInvalidArg, "buffer of %q not a whole number of cells", attr.Name)
			}
			if err := setNum(int64(len(fb))/w, "buffer of "+attr.Name); err != nil {
				return nil, err
			}
			views[i] = attrView{fixed: fb}
		}
	}
	if cellNum <= 0 {
		return nil, nil
	}

	recs := make([]cellRecord, cellNum)
	width := int64(s.coordsSize())
	for c := int64(0); c < cellNum; c++ {
		rec := cellRecord{values: make([][]byte, s.attrNum())}
		if sparse {
			rec.coords = make([]int64, s.dimNum())
			s.decodeCoords(coordsBuf[c*width:], rec.coords)
			if !s.inDomain(rec.coords) {
				return nil, errors.Wrapf(ErrOutOfDomain, "cell %d", c)
			}
		}
		for i := range s.Attributes {
			attr := &s.Attributes[i]
			if attr.Var() {
				start := views[i].offsets[c]
				end := uint64(len(views[i].payload))
				if c+1 < cellNum {
					end = views[i].offsets[c+1]
				}
				rec.values[i] = views[i].payload[start:end]
			} else {
				w := int64(attr.cellSize())
				rec.values[i] = views[i].fixed[c*w : (c+1)*w]
			}
		}
		recs[c] = rec
	}
	return recs, nil
}

// Write appends cells to the open fragment.
//
// Sparse arrays: ModeWrite and ModeAppend expect cells already in the
// array's global cell order; ModeWriteUnsorted sorts each batch and seals
// it as its own fragment.
//
// Dense arrays: ModeWrite presents the full domain in raster (cell) order
// and the engine re-tiles it at Finalize; ModeAppend streams cells in the
// physical global order, tile by tile.
func (a *Array) Write(buffers [][]byte) error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.leave()
	if !a.mode.writing() {
		return a.fail(errors.Wrap(ErrInvalidArg, "write on a read handle"))
	}
	recs, err := a.decodeWriteBuffers(buffers)
	if err != nil {
		return a.fail(err)
	}
	if len(recs) == 0 {
		return nil
	}

	if a.schema.Dense {
		switch a.mode {
		case ModeWrite:
			// The accumulation outlives this call, so it cannot alias the
			// caller's buffers.
			for i := range recs {
				vals := make([][]byte, len(recs[i].values))
				for j, v := range recs[i].values {
					vals[j] = append([]byte(nil), v...)
				}
				recs[i].values = vals
			}
			a.denseRecs = append(a.denseRecs, recs...)
			return nil
		case ModeWriteUnsorted:
			return a.fail(errors.Wrap(ErrUnsupported, "unsorted writes on a dense array"))
		}
		if err := a.ensureWriteFragment(); err != nil {
			return a.fail(err)
		}
		for i := range recs {
			if err := a.wfrag.appendCell(nil, recs[i].values); err != nil {
				return a.fail(err)
			}
		}
		return nil
	}

	if a.mode == ModeWriteUnsorted {
		return a.fail(a.writeUnsortedBatch(recs))
	}

	if err := a.ensureWriteFragment(); err != nil {
		return a.fail(err)
	}
	for i := range recs {
		if a.lastCoords != nil && a.schema.globalCmp(a.lastCoords, recs[i].coords) >= 0 {
			return a.fail(errors.Wrapf(ErrInvalidArg, "cells out of order at %v", recs[i].coords))
		}
		a.lastCoords = append(a.lastCoords[:0], recs[i].coords...)
		if err := a.wfrag.appendCell(recs[i].coords, recs[i].values); err != nil {
			return a.fail(err)
		}
	}
	return nil
}

// writeDenseRaster re-tiles the raster-ordered accumulation into the write
// fragment: tiles in tile order, cells in cell order within each tile.
func (a *Array) writeDenseRaster() error {
	s := a.schema
	if int64(len(a.denseRecs)) != s.domainCellNum() {
		return errors.Wrapf(ErrInvalidArg, "dense write has %d cells, domain needs %d",
			len(a.denseRecs), s.domainCellNum())
	}
	if err := a.ensureWriteFragment(); err != nil {
		return err
	}
	dim := s.dimNum()
	rect := make([]int64, 2*dim)
	pos := make([]int64, dim)
	for t := int64(0); t < s.denseTileNum(); t++ {
		s.denseTileRect(t, rect)
		for i := 0; i < dim; i++ {
			pos[i] = rect[2*i]
		}
		for {
			r := s.rasterIndex(pos)
			if err := a.wfrag.appendCell(nil, a.denseRecs[r].values); err != nil {
				return err
			}
			if !s.stepInRect(pos, rect) {
				break
			}
		}
	}
	a.denseRecs = nil
	return nil
}

// WriteDeletion records deletion markers for the given coordinates buffer.
// Sparse arrays only; the coordinates obey the same ordering rules as Write.
func (a *Array) WriteDeletion(coordsBuf []byte) error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.leave()
	if a.schema.Dense {
		return a.fail(errors.Wrap(ErrUnsupported, "deletions on a dense array"))
	}
	if !a.mode.writing() {
		return a.fail(errors.Wrap(ErrInvalidArg, "delete on a read handle"))
	}
	s := a.schema
	width := int64(s.coordsSize())
	if int64(len(coordsBuf))%width != 0 {
		return a.fail(errors.Wrap(ErrInvalidArg, "coordinates buffer not a whole number of cells"))
	}
	n := int64(len(coordsBuf)) / width

	fillValues := func() [][]byte {
		vals := make([][]byte, s.attrNum())
		for i := range s.Attributes {
			if s.Attributes[i].Var() {
				vals[i] = nil
				continue
			}
			fill := make([]byte, s.Attributes[i].cellSize())
			for j := range fill {
				fill[j] = emptyFill
			}
			vals[i] = fill
		}
		return vals
	}

	recs := make([]cellRecord, n)
	for c := int64(0); c < n; c++ {
		coords := make([]int64, s.dimNum())
		s.decodeCoords(coordsBuf[c*width:], coords)
		if !s.inDomain(coords) {
			return a.fail(errors.Wrapf(ErrOutOfDomain, "cell %d", c))
		}
		recs[c] = cellRecord{coords: coords, values: fillValues()}
	}

	if a.mode == ModeWriteUnsorted {
		return a.fail(a.writeUnsortedBatch(recs))
	}
	if err := a.ensureWriteFragment(); err != nil {
		return a.fail(err)
	}
	for i := range recs {
		if a.lastCoords != nil && a.schema.globalCmp(a.lastCoords, recs[i].coords) >= 0 {
			return a.fail(errors.Wrapf(ErrInvalidArg, "cells out of order at %v", recs[i].coords))
		}
		a.lastCoords = append(a.lastCoords[:0], recs[i].coords...)
		if err := a.wfrag.appendCell(recs[i].coords, recs[i].values); err != nil {
			return a.fail(err)
		}
	}
	return nil
}

// writeUnsortedBatch sorts one batch into (tile order, cell order), drops
// older duplicates, and seals it as its own fragment.
func (a *Array) writeUnsortedBatch(recs []cellRecord) error {
	s := a.schema
	sort.SliceStable(recs, func(i, j int) bool {
		return s.globalCmp(recs[i].coords, recs[j].coords) < 0
	})
	// Last occurrence wins within a batch.
	dedup := recs[:0]
	for i := 0; i < len(recs); {
		j := i
		for j+1 < len(recs) && s.globalCmp(recs[j+1].coords, recs[i].coords) == 0 {
			j++
		}
		dedup = append(dedup, recs[j])
		i = j + 1
	}

	frag, err := createFragment(s, a.path, a.sm.config.WriteMethod)
	if err != nil {
		return err
	}
	for i := range dedup {
		if err := frag.appendCell(dedup[i].coords, dedup[i].values); err != nil {
			frag.abort()
			return err
		}
	}
	if err := frag.seal(); err != nil {
		frag.abort()
		return err
	}
	return appendFragmentList(a.path, frag.name)
}

// ensureWriteFragment lazily opens the handle's single write fragment.
func (a *Array) ensureWriteFragment() error {
	if a.wfrag != nil {
		return nil
	}
	frag, err := createFragment(a.schema, a.path, a.sm.config.WriteMethod)
	if err != nil {
		return err
	}
	a.wfrag = frag
	return nil
}

// Sync makes every cell written so far durable and visible to future opens:
// partial sparse tiles are flushed, attribute files fsynced, and a
// book-keeping snapshot committed.
func (a *Array) Sync() error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.leave()
	if !a.mode.writing() || a.wfrag == nil {
		return nil
	}
	if err := a.wfrag.sync(); err != nil {
		return a.fail(err)
	}
	if err := atomicWriteFile(filepath.Join(a.wfrag.path, bookKeepingFilename), a.wfrag.bk.serialize()); err != nil {
		return a.fail(err)
	}
	if !a.listed {
		if err := appendFragmentList(a.path, a.wfrag.name); err != nil {
			return a.fail(err)
		}
		a.listed = true
	}
	return nil
}

// SyncAttribute syncs a single attribute's files.
func (a *Array) SyncAttribute(name string) error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.leave()
	if !a.mode.writing() || a.wfrag == nil {
		return nil
	}
	return a.fail(a.wfrag.syncAttribute(name))
}

// ---------------------------------------------------------------------------
// Read path.

// Read fills the caller's buffers with the next run of merged cells and
// returns the bytes used per buffer. Buffer layout follows the queried
// attributes; variable attributes take an offsets buffer then a payload
// buffer. Overflow is reported per attribute through Overflow.
func (a *Array) Read(buffers [][]byte) ([]int, error) {
	if err := a.enter(); err != nil {
		return nil, err
	}
	defer a.leave()
	if a.mode.writing() {
		return nil, a.fail(errors.Wrap(ErrInvalidArg, "read on a write handle"))
	}
	if a.it == nil {
		it, err := newCellIterator(a.schema, a.frags, a.sub, a.attrs)
		if err != nil {
			return nil, a.fail(err)
		}
		a.it = it
	}
	sizes, err := a.it.read(buffers)
	if err != nil {
		return nil, a.fail(err)
	}
	return sizes, nil
}

// Overflow reports whether the i-th queried attribute overflowed on the
// last Read.
func (a *Array) Overflow(i int) bool {
	if a.it == nil || i < 0 || i >= len(a.it.overflow) {
		return false
	}
	return a.it.overflow[i]
}

// AtEnd reports whether the read cursor is exhausted.
func (a *Array) AtEnd() bool {
	return a.it != nil && a.it.end()
}

// ResetSubarray repositions a read handle on a new subarray, discarding the
// iterator state. Writes are unaffected by subarrays in this engine, so a
// write-mode call only revalidates the bounds.
func (a *Array) ResetSubarray(sub []int64) error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.leave()
	if sub == nil {
		sub = a.schema.fullDomain()
	}
	if err := a.schema.validSubarray(sub); err != nil {
		return a.fail(err)
	}
	a.sub = append([]int64(nil), sub...)
	a.it = nil
	return nil
}

// ResetAttributes changes the queried attribute set of a read handle.
func (a *Array) ResetAttributes(names []string) error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.leave()
	attrs, err := resolveAttrs(a.schema, names, a.mode)
	if err != nil {
		return a.fail(err)
	}
	a.attrs = attrs
	a.it = nil
	return nil
}

// Finalize seals the write fragment (committing it to the fragment list) or
// releases the read snapshot. The handle is unusable afterwards.
func (a *Array) Finalize() error {
	if err := a.enter(); err != nil {
		return err
	}
	defer a.leave()
	a.finalized = true

	if a.mode.writing() {
		if a.schema.Dense && a.mode == ModeWrite && len(a.denseRecs) > 0 {
			if err := a.writeDenseRaster(); err != nil {
				return a.fail(err)
			}
		}
		if a.wfrag == nil {
			return nil
		}
		if err := a.wfrag.seal(); err != nil {
			a.wfrag.abort()
			return a.fail(err)
		}
		if !a.listed {
			if err := appendFragmentList(a.path, a.wfrag.name); err != nil {
				return a.fail(err)
			}
		}
		a.sm.stats.Count("fragments.written", 1)
		a.wfrag = nil
		return nil
	}

	a.sm.releaseFragments(a.frags)
	a.frags = nil
	a.it = nil
	return nil
}

// fail records the handle's error on the owning manager and returns it.
func (a *Array) fail(err error) error {
	if err != nil {
		a.sm.setLastError(err)
	}
	return err
}

// resolveAttrs maps attribute names onto indexes. nil means every
// attribute, with the coordinates appended for sparse reads.
func resolveAttrs(s *ArraySchema, names []string, mode Mode) ([]int, error) {
	if names == nil {
		attrs := make([]int, s.attrNum())
		for i := range attrs {
			attrs[i] = i
		}
		if !s.Dense && mode == ModeRead {
			attrs = append(attrs, -1)
		}
		return attrs, nil
	}
	attrs := make([]int, 0, len(names))
	seen := map[int]bool{}
	for _, n := range names {
		id := s.attrIndex(n)
		if id == -2 {
			return nil, errors.Wrapf(ErrNotFound, "attribute %q", n)
		}
		if id == -1 && (s.Dense || mode != ModeRead) {
			return nil, errors.Wrap(ErrInvalidArg, "coordinates are not readable here")
		}
		if seen[id] {
			return nil, errors.Wrapf(ErrInvalidArg, "attribute %q repeated", n)
		}
		seen[id] = true
		attrs = append(attrs, id)
	}
	return attrs, nil
}

// ---------------------------------------------------------------------------
// Fragment list file.

// readFragmentList returns the live fragment names of an array, oldest
// first.
func readFragmentList(arrayPath string) ([]string, error) {
	path := filepath.Join(arrayPath, fragmentsFilename)
	if !fileExists(path) {
		return nil, nil
	}
	data, err := readRange(path, 0, mustFileSize(path), ReadBuffered)
	if err != nil {
		return nil, err
	}
	r := &byteReader{data: data}
	n := int(r.u32())
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, r.str())
	}
	if r.err != nil {
		return nil, errors.Wrap(ErrCorruptFormat, "fragment list truncated")
	}
	return names, nil
}

func mustFileSize(path string) int64 {
	sz, err := fileSize(path)
	if err != nil {
		return 0
	}
	return sz
}

func writeFragmentList(arrayPath string, names []string) error {
	var buf bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(names)))
	buf.Write(u32[:])
	for _, n := range names {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(n)))
		buf.Write(u32[:])
		buf.WriteString(n)
	}
	return atomicWriteFile(filepath.Join(arrayPath, fragmentsFilename), buf.Bytes())
}

// appendFragmentList adds one name to the list, keeping temporal order.
func appendFragmentList(arrayPath, name string) error {
	names, err := readFragmentList(arrayPath)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	names = append(names, name)
	sort.Strings(names)
	return writeFragmentList(arrayPath, names)
}
