// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// bookKeeping is the per-fragment tile index. It is accumulated in memory
// while a fragment is written, serialized as the fragment's commit marker,
// and decoded back into parallel arrays when the fragment is opened for
// reading. Read-only after open; shared across handles without locking.
//
// Attribute slots are 0..attrNum-1 in schema order; sparse fragments carry
// one extra trailing slot for the coordinates.
type bookKeeping struct {
	schema *ArraySchema
	sparse bool

	tileOffsets [][]uint64 // [slot][tile] offset of the tile record
	tileSizes   [][]uint64 // [slot][tile] on-disk record size

	varTileOffsets [][]uint64 // [attr][tile]; nil for fixed attributes
	varTileSizes   [][]uint64

	mbrs           [][]int64 // sparse: [tile] lo,hi per dimension
	boundingCoords [][]int64 // sparse: [tile] first then last cell coords
}

var bookKeepingMagic = []byte("TDBK")

const bookKeepingVersion = 1

func newBookKeeping(s *ArraySchema, sparse bool) *bookKeeping {
	bk := &bookKeeping{schema: s, sparse: sparse}
	bk.tileOffsets = make([][]uint64, bk.slotNum())
	bk.tileSizes = make([][]uint64, bk.slotNum())
	bk.varTileOffsets = make([][]uint64, s.attrNum())
	bk.varTileSizes = make([][]uint64, s.attrNum())
	return bk
}

// slotNum counts the attribute slots, coordinates included.
func (bk *bookKeeping) slotNum() int {
	if bk.sparse {
		return bk.schema.attrNum() + 1
	}
	return bk.schema.attrNum()
}

// coordsSlot is the slot index of the coordinates tile file.
func (bk *bookKeeping) coordsSlot() int { return bk.schema.attrNum() }

// tileNum is the number of tiles in the fragment.
func (bk *bookKeeping) tileNum() int64 {
	if len(bk.tileOffsets) == 0 {
		return 0
	}
	return int64(len(bk.tileOffsets[0]))
}

func (bk *bookKeeping) appendTile(slot int, off, size uint64) {
	bk.tileOffsets[slot] = append(bk.tileOffsets[slot], off)
	bk.tileSizes[slot] = append(bk.tileSizes[slot], size)
}

func (bk *bookKeeping) appendVarTile(attr int, off, size uint64) {
	bk.varTileOffsets[attr] = append(bk.varTileOffsets[attr], off)
	bk.varTileSizes[attr] = append(bk.varTileSizes[attr], size)
}

func (bk *bookKeeping) appendMBR(mbr, first, last []int64) {
	bk.mbrs = append(bk.mbrs, append([]int64(nil), mbr...))
	bc := make([]int64, 0, len(first)+len(last))
	bc = append(bc, first...)
	bc = append(bc, last...)
	bk.boundingCoords = append(bk.boundingCoords, bc)
}

// serialize renders the index into the __book_keeping.tdb format.
func (bk *bookKeeping) serialize() []byte {
	var buf bytes.Buffer
	buf.Write(bookKeepingMagic)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], bookKeepingVersion)
	buf.Write(u32[:])

	var u64 [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(u64[:], v)
		buf.Write(u64[:])
	}
	writeArr := func(a []uint64) {
		for _, v := range a {
			writeU64(v)
		}
	}

	for slot := 0; slot < bk.slotNum(); slot++ {
		writeU64(uint64(len(bk.tileOffsets[slot])))
		writeArr(bk.tileOffsets[slot])
		writeArr(bk.tileSizes[slot])
		if slot < bk.schema.attrNum() && bk.schema.Attributes[slot].Var() {
			writeArr(bk.varTileOffsets[slot])
			writeArr(bk.varTileSizes[slot])
		}
	}

	if bk.sparse {
		coordBuf := make([]byte, bk.schema.coordsSize())
		writeCoords := func(coords []int64) {
			// Interleaved pairs share the coordinate width of the schema.
			for i := 0; i < len(coords); i += bk.schema.dimNum() {
				bk.schema.encodeCoords(coordBuf, coords[i:i+bk.schema.dimNum()])
				buf.Write(coordBuf)
			}
		}
		for _, mbr := range bk.mbrs {
			// lo/hi per dimension, stored as two dim-length tuples.
			lo := make([]int64, bk.schema.dimNum())
			hi := make([]int64, bk.schema.dimNum())
			for i := 0; i < bk.schema.dimNum(); i++ {
				lo[i], hi[i] = mbr[2*i], mbr[2*i+1]
			}
			writeCoords(lo)
			writeCoords(hi)
		}
		for _, bc := range bk.boundingCoords {
			writeCoords(bc)
		}
	}
	return buf.Bytes()
}

// loadBookKeeping decodes a fragment's index file.
func loadBookKeeping(s *ArraySchema, sparse bool, data []byte) (*bookKeeping, error) {
	if len(data) < 8 || !bytes.Equal(data[:4], bookKeepingMagic) {
		return nil, errors.Wrap(ErrCorruptFormat, "book-keeping magic")
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != bookKeepingVersion {
		return nil, errors.Wrapf(ErrCorruptFormat, "book-keeping version %d", v)
	}
	r := &byteReader{data: data, off: 8}
	bk := newBookKeeping(s, sparse)

	readArr := func(n int64) []uint64 {
		a := make([]uint64, n)
		for i := range a {
			a[i] = r.u64()
		}
		return a
	}

	var tileNum int64 = -1
	for slot := 0; slot < bk.slotNum(); slot++ {
		n := int64(r.u64())
		if n < 0 || n*8 > int64(len(data)) {
			return nil, errors.Wrapf(ErrCorruptFormat, "slot %d claims %d tiles", slot, n)
		}
		if tileNum == -1 {
			tileNum = n
		} else if n != tileNum {
			return nil, errors.Wrapf(ErrCorruptFormat, "slot %d has %d tiles, want %d", slot, n, tileNum)
		}
		bk.tileOffsets[slot] = readArr(n)
		bk.tileSizes[slot] = readArr(n)
		if slot < s.attrNum() && s.Attributes[slot].Var() {
			bk.varTileOffsets[slot] = readArr(n)
			bk.varTileSizes[slot] = readArr(n)
		}
	}

	if sparse {
		readCoords := func(n int) []int64 {
			raw := r.take(s.CoordsType.Size() * n)
			out := make([]int64, n)
			s.decodeCoords(raw, out)
			return out
		}
		bk.mbrs = make([][]int64, tileNum)
		for t := int64(0); t < tileNum; t++ {
			lo := readCoords(s.dimNum())
			hi := readCoords(s.dimNum())
			mbr := make([]int64, 2*s.dimNum())
			for i := 0; i < s.dimNum(); i++ {
				mbr[2*i], mbr[2*i+1] = lo[i], hi[i]
			}
			bk.mbrs[t] = mbr
		}
		bk.boundingCoords = make([][]int64, tileNum)
		for t := int64(0); t < tileNum; t++ {
			bk.boundingCoords[t] = readCoords(2 * s.dimNum())
		}
	}

	if r.err != nil {
		return nil, errors.Wrap(ErrCorruptFormat, "book-keeping truncated")
	}
	if r.off != len(data) {
		return nil, errors.Wrapf(ErrCorruptFormat, "book-keeping has %d trailing bytes", len(data)-r.off)
	}
	for slot := 0; slot < bk.slotNum(); slot++ {
		offs := bk.tileOffsets[slot]
		for i := 1; i < len(offs); i++ {
			if offs[i] <= offs[i-1] {
				return nil, errors.Wrapf(ErrCorruptFormat, "slot %d tile offsets not increasing", slot)
			}
		}
	}
	return bk, nil
}
