// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"container/heap"
	"encoding/binary"

	"github.com/pkg/errors"
)

// cellStream yields the cells of one fragment restricted to a subarray, in
// the array's global cell order. Tiles are fetched through the cache as the
// stream crosses them.
type cellStream struct {
	f       *fragment
	fragIdx int
	sub     []int64
	tiles   []int64 // overlapping tile ids, in tile order
	ti      int     // index into tiles
	ci      int64   // cell index within the current tile
	done    bool

	coords []int64 // coordinates of the current cell

	// Sparse: decoded coordinates tile.
	coordsData []byte
	tileCells  int64

	// Dense: synthesized position.
	rect []int64 // cell rectangle of the current tile
	pos  []int64 // current coordinates within rect
}

func newCellStream(f *fragment, fragIdx int, sub []int64) *cellStream {
	s := &cellStream{
		f:       f,
		fragIdx: fragIdx,
		sub:     sub,
		tiles:   f.overlappingTiles(sub),
		ci:      -1,
		coords:  make([]int64, f.schema.dimNum()),
	}
	if !f.sparse {
		s.rect = make([]int64, 2*f.schema.dimNum())
		s.pos = make([]int64, f.schema.dimNum())
	}
	return s
}

// tileID returns the current tile id.
func (s *cellStream) tileID() int64 { return s.tiles[s.ti] }

// advance moves to the next in-subarray cell. Returns false at exhaustion.
func (s *cellStream) advance() (bool, error) {
	if s.done {
		return false, nil
	}
	if s.f.sparse {
		return s.advanceSparse()
	}
	return s.advanceDense()
}

func (s *cellStream) advanceSparse() (bool, error) {
	sch := s.f.schema
	width := int64(sch.coordsSize())
	for {
		if s.coordsData == nil || s.ci+1 >= s.tileCells {
			// Next tile.
			if s.coordsData != nil {
				s.ti++
			}
			if s.ti >= len(s.tiles) {
				s.done = true
				return false, nil
			}
			data, err := s.f.readTile(s.f.bk.coordsSlot(), s.tileID())
			if err != nil {
				return false, err
			}
			s.coordsData = data
			s.tileCells = int64(len(data)) / width
			s.ci = -1
		}
		s.ci++
		for s.ci < s.tileCells {
			sch.decodeCoords(s.coordsData[s.ci*width:], s.coords)
			if coordsIn(s.coords, s.sub) {
				return true, nil
			}
			s.ci++
		}
		// Tile exhausted; loop to the next one.
	}
}

func (s *cellStream) advanceDense() (bool, error) {
	for {
		if s.ci < 0 {
			// Enter the next overlapping tile.
			if s.ti >= len(s.tiles) {
				s.done = true
				return false, nil
			}
			s.f.denseTileRect(s.tileID(), s.rect)
			for i := range s.pos {
				s.pos[i] = s.rect[2*i]
			}
			s.ci = 0
		} else if !s.stepDensePos() {
			s.ti++
			s.ci = -1
			continue
		} else {
			s.ci++
		}
		if coordsIn(s.pos, s.sub) {
			copy(s.coords, s.pos)
			return true, nil
		}
	}
}

// stepDensePos advances pos one cell in cell order within rect. Returns
// false when the tile's last cell was already reached.
func (s *cellStream) stepDensePos() bool {
	return s.f.schema.stepInRect(s.pos, s.rect)
}

func coordsIn(coords, sub []int64) bool {
	for i, c := range coords {
		if c < sub[2*i] || c > sub[2*i+1] {
			return false
		}
	}
	return true
}

// value returns the current cell's value for one attribute.
func (s *cellStream) value(attr int) ([]byte, error) {
	a := &s.f.schema.Attributes[attr]
	data, err := s.f.readTile(attr, s.tileID())
	if err != nil {
		return nil, err
	}
	if !a.Var() {
		w := int64(a.cellSize())
		return data[s.ci*w : (s.ci+1)*w], nil
	}
	offs, err := s.f.readVarTile(attr, s.tileID())
	if err != nil {
		return nil, err
	}
	start := binary.LittleEndian.Uint64(offs[s.ci*8:])
	end := binary.LittleEndian.Uint64(offs[(s.ci+1)*8:])
	if start > end || end > uint64(len(data)) {
		return nil, errors.Wrapf(ErrCorruptFormat, "var offsets of %q tile %d", a.Name, s.tileID())
	}
	return data[start:end], nil
}

// ---------------------------------------------------------------------------
// Merge heap. Keyed by (global cell order, -fragment index) so on equal
// coordinates the newest fragment surfaces first.

type mergeHeap struct {
	schema  *ArraySchema
	streams []*cellStream
}

func (h *mergeHeap) Len() int { return len(h.streams) }
func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.streams[i], h.streams[j]
	if c := h.schema.globalCmp(a.coords, b.coords); c != 0 {
		return c < 0
	}
	return a.fragIdx > b.fragIdx
}
func (h *mergeHeap) Swap(i, j int) { h.streams[i], h.streams[j] = h.streams[j], h.streams[i] }
func (h *mergeHeap) Push(x interface{}) {
	h.streams = append(h.streams, x.(*cellStream))
}
func (h *mergeHeap) Pop() interface{} {
	old := h.streams
	n := len(old)
	s := old[n-1]
	h.streams = old[:n-1]
	return s
}

// ---------------------------------------------------------------------------
// cellIterator merges the fragment streams and fills caller buffers with
// backpressure. Its cursor survives across Read calls, so a sequence of
// overflow-terminated reads concatenates to the unbounded result.

type cellIterator struct {
	schema *ArraySchema
	frags  []*fragment
	sub    []int64
	attrs  []int // queried attributes; -1 is the coordinates pseudo-attribute

	h         *mergeHeap
	pending   *cellStream // popped survivor not yet emitted
	denseFast bool
	ftile     int   // fast path: index into fastTiles
	fcell     int64 // fast path: cell within current tile
	fastTiles []int64
	done      bool

	overflow []bool // parallel to attrs
}

func newCellIterator(schema *ArraySchema, frags []*fragment, sub []int64, attrs []int) (*cellIterator, error) {
	it := &cellIterator{
		schema:   schema,
		frags:    frags,
		sub:      sub,
		attrs:    attrs,
		overflow: make([]bool, len(attrs)),
	}

	// The overlay serves each tile whole from the newest fragment, so that
	// fragment must carry every tile of the domain (a synced-but-unsealed
	// dense fragment may hold a prefix).
	if schema.Dense && len(frags) > 0 && it.tileAligned() &&
		frags[len(frags)-1].bk.tileNum() == schema.denseTileNum() {
		it.denseFast = true
		it.fastTiles = frags[len(frags)-1].overlappingTiles(sub)
		it.fcell = -1
		return it, nil
	}

	it.h = &mergeHeap{schema: schema}
	for i, f := range frags {
		s := newCellStream(f, i, sub)
		ok, err := s.advance()
		if err != nil {
			return nil, err
		}
		if ok {
			it.h.streams = append(it.h.streams, s)
		}
	}
	heap.Init(it.h)
	return it, nil
}

// tileAligned reports whether the subarray aligns to tile boundaries.
func (it *cellIterator) tileAligned() bool {
	s := it.schema
	for i := range s.Dimensions {
		lo := it.sub[2*i] - s.Dimensions[i].Domain[0]
		hi := it.sub[2*i+1] - s.Dimensions[i].Domain[0] + 1
		if lo%s.TileExtents[i] != 0 || hi%s.TileExtents[i] != 0 {
			return false
		}
	}
	return true
}

// next returns the stream holding the next surviving cell, or nil at end.
// Newest-wins duplicates are discarded here; deletion markers are skipped.
func (it *cellIterator) next() (*cellStream, error) {
	if it.pending != nil {
		s := it.pending
		return s, nil
	}
	for {
		if it.h.Len() == 0 {
			it.done = true
			return nil, nil
		}
		survivor := heap.Pop(it.h).(*cellStream)

		// Drop older duplicates of the same coordinates.
		for it.h.Len() > 0 {
			top := it.h.streams[0]
			if it.schema.globalCmp(top.coords, survivor.coords) != 0 {
				break
			}
			dup := heap.Pop(it.h).(*cellStream)
			ok, err := dup.advance()
			if err != nil {
				return nil, err
			}
			if ok {
				heap.Push(it.h, dup)
			}
		}

		del, err := it.isDeletion(survivor)
		if err != nil {
			return nil, err
		}
		if del {
			ok, err := survivor.advance()
			if err != nil {
				return nil, err
			}
			if ok {
				heap.Push(it.h, survivor)
			}
			continue
		}
		it.pending = survivor
		return survivor, nil
	}
}

// consume advances past the pending cell.
func (it *cellIterator) consume() error {
	s := it.pending
	it.pending = nil
	ok, err := s.advance()
	if err != nil {
		return err
	}
	if ok {
		heap.Push(it.h, s)
	}
	return nil
}

// isDeletion reports whether the cell is a sparse deletion marker: every
// attribute slot holds the reserved fill.
func (it *cellIterator) isDeletion(s *cellStream) (bool, error) {
	if !s.f.sparse {
		return false, nil
	}
	for i := range it.schema.Attributes {
		v, err := s.value(i)
		if err != nil {
			return false, err
		}
		if it.schema.Attributes[i].Var() {
			if len(v) != 0 {
				return false, nil
			}
			continue
		}
		for _, b := range v {
			if b != emptyFill {
				return false, nil
			}
		}
	}
	return true, nil
}

// bufferLayout maps queried attributes onto caller buffer slots: fixed
// attributes and coordinates take one buffer, variable attributes take two
// (offsets then payload).
func (it *cellIterator) bufferLayout() []int {
	slots := make([]int, len(it.attrs))
	n := 0
	for i, a := range it.attrs {
		slots[i] = n
		if a >= 0 && it.schema.Attributes[a].Var() {
			n += 2
		} else {
			n++
		}
	}
	return slots
}

func (it *cellIterator) bufferCount() int {
	l := it.bufferLayout()
	if len(l) == 0 {
		return 0
	}
	last := it.attrs[len(it.attrs)-1]
	n := l[len(l)-1] + 1
	if last >= 0 && it.schema.Attributes[last].Var() {
		n++
	}
	return n
}

// read fills the caller's buffers and returns the bytes used per buffer.
// A buffer too small for the next cell raises that attribute's overflow
// flag and stops; the cursor stays put for the next call.
func (it *cellIterator) read(buffers [][]byte) ([]int, error) {
	layout := it.bufferLayout()
	if len(buffers) != it.bufferCount() {
		return nil, errors.Wrapf(ErrInvalidArg, "have %d buffers, want %d", len(buffers), it.bufferCount())
	}
	sizes := make([]int, len(buffers))
	for i := range it.overflow {
		it.overflow[i] = false
	}

	if it.denseFast {
		return it.readDenseFast(buffers, layout, sizes)
	}

	for {
		s, err := it.next()
		if err != nil {
			return sizes, err
		}
		if s == nil {
			return sizes, nil
		}
		fits, err := it.emit(s, buffers, layout, sizes)
		if err != nil {
			return sizes, err
		}
		if !fits {
			return sizes, nil
		}
		if err := it.consume(); err != nil {
			return sizes, err
		}
	}
}

// emit copies one cell into the buffers unless any needed buffer lacks
// room, in which case the offending attributes' overflow flags are raised
// and nothing is written.
func (it *cellIterator) emit(s *cellStream, buffers [][]byte, layout, sizes []int) (bool, error) {
	type piece struct {
		qi   int
		buf  int
		data []byte
		off  *uint64 // non-nil: write a u64 offset instead of raw bytes
	}
	var pieces []piece

	for qi, attr := range it.attrs {
		b := layout[qi]
		if attr < 0 {
			coordBuf := make([]byte, it.schema.coordsSize())
			it.schema.encodeCoords(coordBuf, s.coords)
			pieces = append(pieces, piece{qi: qi, buf: b, data: coordBuf})
			continue
		}
		v, err := s.value(attr)
		if err != nil {
			return false, err
		}
		if it.schema.Attributes[attr].Var() {
			off := uint64(sizes[b+1])
			pieces = append(pieces, piece{qi: qi, buf: b, off: &off})
			pieces = append(pieces, piece{qi: qi, buf: b + 1, data: v})
		} else {
			pieces = append(pieces, piece{qi: qi, buf: b, data: v})
		}
	}

	fits := true
	for _, p := range pieces {
		need := len(p.data)
		if p.off != nil {
			need = 8
		}
		if sizes[p.buf]+need > len(buffers[p.buf]) {
			it.overflow[p.qi] = true
			fits = false
		}
	}
	if !fits {
		return false, nil
	}

	for _, p := range pieces {
		if p.off != nil {
			binary.LittleEndian.PutUint64(buffers[p.buf][sizes[p.buf]:], *p.off)
			sizes[p.buf] += 8
			continue
		}
		copy(buffers[p.buf][sizes[p.buf]:], p.data)
		sizes[p.buf] += len(p.data)
	}
	return true, nil
}

// readDenseFast is the positional overlay: every fragment is dense and the
// subarray aligns to tile boundaries, so each selected tile is served whole
// from the newest fragment and the heap never runs.
func (it *cellIterator) readDenseFast(buffers [][]byte, layout, sizes []int) ([]int, error) {
	src := it.frags[len(it.frags)-1]
	s := &cellStream{
		f:       src,
		fragIdx: len(it.frags) - 1,
		sub:     it.sub,
		tiles:   it.fastTiles,
		coords:  make([]int64, it.schema.dimNum()),
		rect:    make([]int64, 2*it.schema.dimNum()),
		pos:     make([]int64, it.schema.dimNum()),
		ti:      it.ftile,
		ci:      it.fcell,
	}
	// Re-seat the stream on the persisted cursor (the last consumed cell).
	if s.ci >= 0 && s.ti < len(s.tiles) {
		src.denseTileRect(s.tiles[s.ti], s.rect)
		seekDensePos(it.schema, s, s.ci)
	}

	for {
		ok, err := s.advance()
		if err != nil {
			return sizes, err
		}
		if !ok {
			it.done = true
			return sizes, nil
		}
		fits, err := it.emit(s, buffers, layout, sizes)
		if err != nil {
			return sizes, err
		}
		if !fits {
			// Cursor stays on the last consumed cell; this one re-emits
			// on the next call.
			return sizes, nil
		}
		it.ftile = s.ti
		it.fcell = s.ci
	}
}

// seekDensePos positions pos at cell index ci of the current tile.
func seekDensePos(sch *ArraySchema, s *cellStream, ci int64) {
	for i := 0; i < sch.dimNum(); i++ {
		s.pos[i] = s.rect[2*i]
	}
	for k := int64(0); k < ci; k++ {
		s.stepDensePos()
	}
}

// end reports whether the iterator is exhausted.
func (it *cellIterator) end() bool {
	if it.done {
		return true
	}
	if it.denseFast {
		return false
	}
	return it.pending == nil && it.h.Len() == 0
}
