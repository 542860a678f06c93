// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// tile is the in-memory buffer for one attribute (or the coordinates) of
// the fragment currently being written. Cells arrive in cell order; the
// fragment flushes all of its tiles together once any reaches the tile
// cell bound.
type tile struct {
	dtype      Datatype
	cellValNum uint32
	buf        []byte
	offsets    []uint64 // variable length: start of each cell in buf
	cellNum    int64

	// Coordinates tile only.
	dimNum      int
	coordsWidth int
	mbr         []int64 // lo,hi interleaved per dimension
	firstCoords []int64
	lastCoords  []int64
}

func newAttrTile(a *Attribute) *tile {
	return &tile{dtype: a.Type, cellValNum: a.CellValNum}
}

func newCoordsTile(s *ArraySchema) *tile {
	return &tile{
		dtype:       s.CoordsType,
		cellValNum:  uint32(s.dimNum()),
		dimNum:      s.dimNum(),
		coordsWidth: s.coordsSize(),
	}
}

func (t *tile) variable() bool { return t.cellValNum == VarNum }

func (t *tile) reset() {
	t.buf = t.buf[:0]
	t.offsets = t.offsets[:0]
	t.cellNum = 0
	t.mbr = nil
	t.firstCoords = nil
	t.lastCoords = nil
}

// appendFixed adds one fixed-width cell value.
func (t *tile) appendFixed(val []byte) error {
	want := t.dtype.Size() * int(t.cellValNum)
	if len(val) != want {
		return errors.Wrapf(ErrInvalidArg, "cell value is %d bytes, want %d", len(val), want)
	}
	t.buf = append(t.buf, val...)
	t.cellNum++
	return nil
}

// appendVar adds one variable-length cell value.
func (t *tile) appendVar(val []byte) error {
	t.offsets = append(t.offsets, uint64(len(t.buf)))
	t.buf = append(t.buf, val...)
	t.cellNum++
	return nil
}

// appendCoords adds one coordinate tuple and folds it into the MBR and the
// bounding coordinates. The MBR update is O(1) per dimension.
func (t *tile) appendCoords(s *ArraySchema, coords []int64) {
	n := len(t.buf)
	t.buf = append(t.buf, make([]byte, t.coordsWidth)...)
	s.encodeCoords(t.buf[n:], coords)
	if t.cellNum == 0 {
		t.mbr = make([]int64, 2*t.dimNum)
		t.firstCoords = append([]int64(nil), coords...)
		for i, c := range coords {
			t.mbr[2*i], t.mbr[2*i+1] = c, c
		}
	} else {
		for i, c := range coords {
			if c < t.mbr[2*i] {
				t.mbr[2*i] = c
			}
			if c > t.mbr[2*i+1] {
				t.mbr[2*i+1] = c
			}
		}
	}
	t.lastCoords = append(t.lastCoords[:0], coords...)
	t.cellNum++
}

// payload returns the bytes persisted for this tile's main file.
func (t *tile) payload() []byte { return t.buf }

// varOffsetsPayload renders the parallel offsets array: one monotonically
// increasing u64 per cell plus the terminating size.
func (t *tile) varOffsetsPayload() []byte {
	out := make([]byte, (len(t.offsets)+1)*8)
	for i, off := range t.offsets {
		binary.LittleEndian.PutUint64(out[i*8:], off)
	}
	binary.LittleEndian.PutUint64(out[len(t.offsets)*8:], uint64(len(t.buf)))
	return out
}

// cell returns the i-th fixed-width cell.
func (t *tile) cell(i int64) []byte {
	w := int64(t.dtype.Size() * int(t.cellValNum))
	return t.buf[i*w : (i+1)*w]
}

// cellVar returns the i-th variable-length cell.
func (t *tile) cellVar(i int64) []byte {
	start := t.offsets[i]
	end := uint64(len(t.buf))
	if i+1 < int64(len(t.offsets)) {
		end = t.offsets[i+1]
	}
	return t.buf[start:end]
}
