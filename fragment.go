// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// The schema file carries no compressor for the coordinates; coordinate
// tiles are stored raw.
const coordsCompressor = NoCompression

type fragmentState int

const (
	fragInit fragmentState = iota
	fragBuffering
	fragFlushing
	fragSealed
)

// fragment is one immutable write batch of an array. On the write path it
// buffers one tile per attribute (plus coordinates when sparse) and flushes
// them together; on the read path it serves tiles through the cache using
// its decoded book-keeping.
//
// A fragment directory becomes live only when its book-keeping file exists;
// a crash at any earlier point leaves a directory that every future open
// ignores.
type fragment struct {
	schema *ArraySchema
	name   string
	path   string
	sparse bool

	// Write side.
	state          fragmentState
	writeMethod    WriteMethod
	files          []*os.File // per slot, coordinates last when sparse
	varFiles       []*os.File // per attribute, nil for fixed
	tiles          []*tile    // per attribute
	coordsTile     *tile
	cellBound      int64
	fileOffsets    []uint64
	varFileOffsets []uint64
	cellsWritten   int64

	// Read side.
	bk         *bookKeeping
	cache      *TileCache
	readMethod ReadMethod
}

// newFragmentName encodes creation time so the lexicographic order of
// fragment names equals their temporal order.
func newFragmentName() string {
	wid := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("__%020d_%s", time.Now().UnixNano(), wid)
}

// createFragment starts a write batch under arrayPath.
func createFragment(schema *ArraySchema, arrayPath string, method WriteMethod) (*fragment, error) {
	f := &fragment{
		schema:      schema,
		name:        newFragmentName(),
		sparse:      !schema.Dense,
		state:       fragInit,
		writeMethod: method,
	}
	f.path = filepath.Join(arrayPath, f.name)
	if err := createDirExclusive(f.path); err != nil {
		return nil, err
	}

	if f.sparse {
		f.cellBound = schema.Capacity
	} else {
		f.cellBound = schema.denseTileCellNum()
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if method == WriteSync {
		flags |= os.O_SYNC
	}
	open := func(name string) (*os.File, error) {
		fp, err := os.OpenFile(filepath.Join(f.path, name), flags, 0o644)
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "opening %s: %v", name, err)
		}
		return fp, nil
	}

	slotNum := schema.attrNum()
	if f.sparse {
		slotNum++
	}
	f.files = make([]*os.File, slotNum)
	f.varFiles = make([]*os.File, schema.attrNum())
	f.tiles = make([]*tile, schema.attrNum())
	f.fileOffsets = make([]uint64, slotNum)
	f.varFileOffsets = make([]uint64, schema.attrNum())

	var err error
	for i := range schema.Attributes {
		a := &schema.Attributes[i]
		if f.files[i], err = open(a.Name + FileSuffix); err != nil {
			f.abort()
			return nil, err
		}
		if a.Var() {
			if f.varFiles[i], err = open(a.Name + varSuffix + FileSuffix); err != nil {
				f.abort()
				return nil, err
			}
		}
		f.tiles[i] = newAttrTile(a)
	}
	if f.sparse {
		if f.files[slotNum-1], err = open(coordsFilename); err != nil {
			f.abort()
			return nil, err
		}
		f.coordsTile = newCoordsTile(schema)
	}

	f.bk = newBookKeeping(schema, f.sparse)
	f.state = fragBuffering
	return f, nil
}

// appendCell buffers one cell. For sparse fragments coords must be non-nil
// and values arrive in schema attribute order; dense fragments pass nil
// coords and rely on position. Cells must arrive in the array's global cell
// order; the unsorted entry point in Array sorts before calling here.
func (f *fragment) appendCell(coords []int64, values [][]byte) error {
	if f.state != fragBuffering && f.state != fragFlushing {
		return errors.Wrap(ErrInternal, "append on a sealed fragment")
	}
	for i := range f.schema.Attributes {
		a := &f.schema.Attributes[i]
		if a.Var() {
			if err := f.tiles[i].appendVar(values[i]); err != nil {
				return err
			}
		} else {
			if err := f.tiles[i].appendFixed(values[i]); err != nil {
				return err
			}
		}
	}
	if f.sparse {
		f.coordsTile.appendCoords(f.schema, coords)
	}
	f.cellsWritten++
	f.state = fragBuffering

	if f.tiles[0].cellNum >= f.cellBound {
		return f.flushTiles()
	}
	return nil
}

// flushTiles compresses and appends every current tile so attribute tile k
// stays positionally aligned with coordinate tile k.
func (f *fragment) flushTiles() error {
	if f.tiles[0].cellNum == 0 {
		return nil
	}
	f.state = fragFlushing

	writeRec := func(file *os.File, compressor Compressor, payload []byte) (uint64, error) {
		rec, err := encodeTile(compressor, payload)
		if err != nil {
			return 0, err
		}
		if _, err := file.Write(rec); err != nil {
			return 0, errors.Wrapf(ErrIO, "appending tile to %s: %v", file.Name(), err)
		}
		return uint64(len(rec)), nil
	}

	for i := range f.schema.Attributes {
		a := &f.schema.Attributes[i]
		n, err := writeRec(f.files[i], a.Compressor, f.tiles[i].payload())
		if err != nil {
			return err
		}
		f.bk.appendTile(i, f.fileOffsets[i], n)
		f.fileOffsets[i] += n

		if a.Var() {
			n, err = writeRec(f.varFiles[i], a.Compressor, f.tiles[i].varOffsetsPayload())
			if err != nil {
				return err
			}
			f.bk.appendVarTile(i, f.varFileOffsets[i], n)
			f.varFileOffsets[i] += n
		}
		f.tiles[i].reset()
	}

	if f.sparse {
		slot := f.bk.coordsSlot()
		n, err := writeRec(f.files[slot], coordsCompressor, f.coordsTile.payload())
		if err != nil {
			return err
		}
		f.bk.appendTile(slot, f.fileOffsets[slot], n)
		f.fileOffsets[slot] += n
		f.bk.appendMBR(f.coordsTile.mbr, f.coordsTile.firstCoords, f.coordsTile.lastCoords)
		f.coordsTile.reset()
	}

	f.state = fragBuffering
	return nil
}

// sync makes everything buffered so far durable without sealing.
func (f *fragment) sync() error {
	// Dense tiles have an exact cell count; only sparse tiles may be cut
	// early.
	if f.sparse && f.tiles[0].cellNum > 0 {
		if err := f.flushTiles(); err != nil {
			return err
		}
	}
	for _, fp := range f.files {
		if fp == nil {
			continue
		}
		if err := fp.Sync(); err != nil {
			return errors.Wrapf(ErrIO, "syncing %s: %v", fp.Name(), err)
		}
	}
	for _, fp := range f.varFiles {
		if fp == nil {
			continue
		}
		if err := fp.Sync(); err != nil {
			return errors.Wrapf(ErrIO, "syncing %s: %v", fp.Name(), err)
		}
	}
	return nil
}

// syncAttribute syncs the files of a single attribute.
func (f *fragment) syncAttribute(name string) error {
	i := f.schema.attrIndex(name)
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "attribute %q", name)
	}
	if err := f.files[i].Sync(); err != nil {
		return errors.Wrapf(ErrIO, "syncing %s: %v", f.files[i].Name(), err)
	}
	if f.varFiles[i] != nil {
		if err := f.varFiles[i].Sync(); err != nil {
			return errors.Wrapf(ErrIO, "syncing %s: %v", f.varFiles[i].Name(), err)
		}
	}
	return nil
}

// seal flushes the final partial tiles, fsyncs every attribute file, and
// writes the book-keeping file last. Book-keeping presence is the commit
// marker; any earlier failure leaves an ignorable directory.
func (f *fragment) seal() error {
	if f.state == fragSealed {
		return nil
	}
	if f.sparse {
		if err := f.flushTiles(); err != nil {
			return err
		}
	} else {
		if f.tiles[0].cellNum != 0 {
			return errors.Wrapf(ErrInvalidArg, "dense write ends mid-tile: %d cells buffered", f.tiles[0].cellNum)
		}
		if f.bk.tileNum() != f.schema.denseTileNum() {
			return errors.Wrapf(ErrInvalidArg, "dense fragment has %d tiles, domain needs %d",
				f.bk.tileNum(), f.schema.denseTileNum())
		}
	}

	for _, fp := range append(append([]*os.File{}, f.files...), f.varFiles...) {
		if fp == nil {
			continue
		}
		if err := fp.Sync(); err != nil {
			return errors.Wrapf(ErrIO, "syncing %s: %v", fp.Name(), err)
		}
		if err := fp.Close(); err != nil {
			return errors.Wrapf(ErrIO, "closing %s: %v", fp.Name(), err)
		}
	}
	f.files = nil
	f.varFiles = nil

	if err := atomicWriteFile(filepath.Join(f.path, bookKeepingFilename), f.bk.serialize()); err != nil {
		return errors.Wrapf(err, "committing fragment %s", f.name)
	}
	f.state = fragSealed
	return nil
}

// abort closes open files and leaves the directory behind without its
// commit marker.
func (f *fragment) abort() {
	for _, fp := range append(append([]*os.File{}, f.files...), f.varFiles...) {
		if fp != nil {
			fp.Close()
		}
	}
	f.files = nil
	f.varFiles = nil
}

// ---------------------------------------------------------------------------
// Read side.

// openFragment loads a live fragment's book-keeping for reading.
func openFragment(schema *ArraySchema, arrayPath, name string, cache *TileCache, method ReadMethod) (*fragment, error) {
	f := &fragment{
		schema:     schema,
		name:       name,
		path:       filepath.Join(arrayPath, name),
		sparse:     !schema.Dense,
		state:      fragSealed,
		cache:      cache,
		readMethod: method,
	}
	bkPath := filepath.Join(f.path, bookKeepingFilename)
	if !fileExists(bkPath) {
		return nil, errors.Wrapf(ErrNotFound, "fragment %s has no book-keeping", name)
	}
	data, err := readWholeFile(bkPath, method)
	if err != nil {
		return nil, err
	}
	f.bk, err = loadBookKeeping(schema, f.sparse, data)
	if err != nil {
		return nil, errors.Wrapf(err, "fragment %s", name)
	}
	return f, nil
}

// openFragmentShared reuses an already-decoded book-keeping.
func openFragmentShared(schema *ArraySchema, arrayPath, name string, bk *bookKeeping, cache *TileCache, method ReadMethod) *fragment {
	return &fragment{
		schema:     schema,
		name:       name,
		path:       filepath.Join(arrayPath, name),
		sparse:     !schema.Dense,
		state:      fragSealed,
		bk:         bk,
		cache:      cache,
		readMethod: method,
	}
}

// slotFile maps an attribute slot to its payload file path.
func (f *fragment) slotFile(slot int) string {
	if f.sparse && slot == f.bk.coordsSlot() {
		return filepath.Join(f.path, coordsFilename)
	}
	return filepath.Join(f.path, f.schema.Attributes[slot].Name+FileSuffix)
}

func (f *fragment) varFile(attr int) string {
	return filepath.Join(f.path, f.schema.Attributes[attr].Name+varSuffix+FileSuffix)
}

func (f *fragment) slotCompressor(slot int) Compressor {
	if f.sparse && slot == f.bk.coordsSlot() {
		return coordsCompressor
	}
	return f.schema.Attributes[slot].Compressor
}

// readTile returns the decompressed payload tile for one slot, through the
// cache.
func (f *fragment) readTile(slot int, tileID int64) ([]byte, error) {
	k := tileKey{frag: f.path, slot: slot, tile: tileID}
	return f.cache.get(k, func() ([]byte, error) {
		off := int64(f.bk.tileOffsets[slot][tileID])
		sz := int64(f.bk.tileSizes[slot][tileID])
		rec, err := readRange(f.slotFile(slot), off, sz, f.readMethod)
		if err != nil {
			return nil, err
		}
		return decodeTile(f.slotCompressor(slot), rec)
	})
}

// readVarTile returns the decompressed offsets tile of a variable-length
// attribute.
func (f *fragment) readVarTile(attr int, tileID int64) ([]byte, error) {
	k := tileKey{frag: f.path, slot: attr, tile: tileID, variant: true}
	return f.cache.get(k, func() ([]byte, error) {
		off := int64(f.bk.varTileOffsets[attr][tileID])
		sz := int64(f.bk.varTileSizes[attr][tileID])
		rec, err := readRange(f.varFile(attr), off, sz, f.readMethod)
		if err != nil {
			return nil, err
		}
		return decodeTile(f.schema.Attributes[attr].Compressor, rec)
	})
}

// rectIntersects reports whether an MBR (lo,hi interleaved) meets a
// subarray (lo,hi interleaved).
func rectIntersects(a, b []int64) bool {
	for i := 0; i < len(a); i += 2 {
		if a[i] > b[i+1] || a[i+1] < b[i] {
			return false
		}
	}
	return true
}

// overlappingTiles returns the tile ids whose MBR (sparse) or tile domain
// (dense) intersects the subarray, in tile order.
func (f *fragment) overlappingTiles(sub []int64) []int64 {
	var out []int64
	if f.sparse {
		for t, mbr := range f.bk.mbrs {
			if rectIntersects(mbr, sub) {
				out = append(out, int64(t))
			}
		}
		return out
	}
	dim := f.schema.dimNum()
	rect := make([]int64, 2*dim)
	for t := int64(0); t < f.bk.tileNum(); t++ {
		f.denseTileRect(t, rect)
		if rectIntersects(rect, sub) {
			out = append(out, t)
		}
	}
	return out
}

// denseTileRect writes the cell-coordinate rectangle of a dense tile.
func (f *fragment) denseTileRect(tileID int64, rect []int64) {
	f.schema.denseTileRect(tileID, rect)
}
