// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// Dimension is one axis of an array's domain. Domain bounds are inclusive.
type Dimension struct {
	Name   string
	Domain [2]int64
}

// Attribute describes one value stored per cell.
type Attribute struct {
	Name       string
	Type       Datatype
	CellValNum uint32 // VarNum for variable length
	Compressor Compressor
}

// Var reports whether the attribute is variable length.
func (a *Attribute) Var() bool { return a.CellValNum == VarNum }

// cellSize returns the fixed byte width of one cell, or -1 for variable.
func (a *Attribute) cellSize() int {
	if a.Var() {
		return -1
	}
	return a.Type.Size() * int(a.CellValNum)
}

// ArraySchema is the immutable description of an array. It is written once
// at array creation and never mutated; every handle opened on the array
// shares one loaded copy.
type ArraySchema struct {
	Name        string
	Dimensions  []Dimension
	CoordsType  Datatype // Int32 or Int64
	TileExtents []int64  // nil when absent (sparse irregular tiling)
	CellOrder   Layout
	TileOrder   Layout
	Capacity    int64
	Dense       bool
	Attributes  []Attribute

	hilbertOnce sync.Once
	hilbert     *hilbertCurve
}

func (s *ArraySchema) dimNum() int  { return len(s.Dimensions) }
func (s *ArraySchema) attrNum() int { return len(s.Attributes) }

// coordsSize is the byte width of one encoded coordinate tuple.
func (s *ArraySchema) coordsSize() int { return s.CoordsType.Size() * s.dimNum() }

// attrIndex resolves an attribute name, CoordsAttr included (-1 stands for
// the coordinates pseudo-attribute). Returns -2 when unknown.
func (s *ArraySchema) attrIndex(name string) int {
	if name == CoordsAttr {
		return -1
	}
	for i := range s.Attributes {
		if s.Attributes[i].Name == name {
			return i
		}
	}
	return -2
}

// Validate checks the schema per the creation rules.
func (s *ArraySchema) Validate() error {
	if s.Name == "" {
		return errors.Wrap(ErrSchema, "empty array name")
	}
	if s.dimNum() == 0 {
		return errors.Wrap(ErrSchema, "no dimensions")
	}
	if !s.CoordsType.integral() {
		return errors.Wrapf(ErrSchema, "coords type %s", s.CoordsType)
	}
	if !s.CellOrder.valid() || !s.TileOrder.valid() {
		return errors.Wrap(ErrSchema, "bad layout")
	}
	seen := map[string]bool{}
	for _, d := range s.Dimensions {
		if d.Name == "" {
			return errors.Wrap(ErrSchema, "empty dimension name")
		}
		if seen[d.Name] {
			return errors.Wrapf(ErrSchema, "duplicate dimension %q", d.Name)
		}
		seen[d.Name] = true
		if d.Domain[0] > d.Domain[1] {
			return errors.Wrapf(ErrSchema, "empty domain for dimension %q", d.Name)
		}
	}
	if s.TileExtents != nil {
		if len(s.TileExtents) != s.dimNum() {
			return errors.Wrap(ErrSchema, "tile extents do not match dimensions")
		}
		for i, e := range s.TileExtents {
			if e <= 0 {
				return errors.Wrapf(ErrSchema, "tile extent %d for dimension %q", e, s.Dimensions[i].Name)
			}
		}
	}
	if s.Dense {
		if s.TileExtents == nil {
			return errors.Wrap(ErrSchema, "dense array requires tile extents")
		}
		if s.TileOrder == HilbertOrder || s.CellOrder == HilbertOrder {
			return errors.Wrap(ErrSchema, "dense arrays do not support hilbert orders")
		}
		for i, d := range s.Dimensions {
			if (d.Domain[1]-d.Domain[0]+1)%s.TileExtents[i] != 0 {
				return errors.Wrapf(ErrSchema, "domain of %q not aligned to tile extent", d.Name)
			}
		}
	} else if s.Capacity < 1 {
		return errors.Wrap(ErrSchema, "sparse array requires a positive capacity")
	}
	if s.attrNum() == 0 {
		return errors.Wrap(ErrSchema, "no attributes")
	}
	for _, a := range s.Attributes {
		if a.Name == "" {
			return errors.Wrap(ErrSchema, "empty attribute name")
		}
		if seen[a.Name] {
			return errors.Wrapf(ErrSchema, "attribute %q collides", a.Name)
		}
		seen[a.Name] = true
		if !a.Type.valid() {
			return errors.Wrapf(ErrSchema, "attribute %q type", a.Name)
		}
		if a.CellValNum == 0 {
			return errors.Wrapf(ErrSchema, "attribute %q values per cell", a.Name)
		}
		if !a.Compressor.valid() {
			return errors.Wrapf(ErrSchema, "attribute %q compressor", a.Name)
		}
	}
	return nil
}

// JoinCompatible reports whether two schemas describe joinable arrays:
// same dimensions, same domain, same tile extents, same cell order.
func (s *ArraySchema) JoinCompatible(o *ArraySchema) bool {
	if s.dimNum() != o.dimNum() || s.CellOrder != o.CellOrder {
		return false
	}
	for i := range s.Dimensions {
		if s.Dimensions[i].Domain != o.Dimensions[i].Domain {
			return false
		}
	}
	if (s.TileExtents == nil) != (o.TileExtents == nil) {
		return false
	}
	for i := range s.TileExtents {
		if s.TileExtents[i] != o.TileExtents[i] {
			return false
		}
	}
	return true
}

// inDomain reports whether coords lie inside the array domain.
func (s *ArraySchema) inDomain(coords []int64) bool {
	for i, d := range s.Dimensions {
		if coords[i] < d.Domain[0] || coords[i] > d.Domain[1] {
			return false
		}
	}
	return true
}

// validSubarray checks a lo/hi pair per dimension against the domain.
func (s *ArraySchema) validSubarray(sub []int64) error {
	if len(sub) != 2*s.dimNum() {
		return errors.Wrapf(ErrInvalidArg, "subarray has %d bounds, want %d", len(sub), 2*s.dimNum())
	}
	for i, d := range s.Dimensions {
		lo, hi := sub[2*i], sub[2*i+1]
		if lo > hi {
			return errors.Wrapf(ErrInvalidArg, "empty subarray on dimension %q", d.Name)
		}
		if lo < d.Domain[0] || hi > d.Domain[1] {
			return errors.Wrapf(ErrOutOfDomain, "subarray [%d,%d] on dimension %q", lo, hi, d.Name)
		}
	}
	return nil
}

// fullDomain returns the whole domain as a subarray.
func (s *ArraySchema) fullDomain() []int64 {
	sub := make([]int64, 2*s.dimNum())
	for i, d := range s.Dimensions {
		sub[2*i], sub[2*i+1] = d.Domain[0], d.Domain[1]
	}
	return sub
}

// ---------------------------------------------------------------------------
// Orders.

func rowMajorCmp(a, b []int64) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func colMajorCmp(a, b []int64) int {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (s *ArraySchema) hilbertCurveFor() *hilbertCurve {
	s.hilbertOnce.Do(func() {
		var maxExtent int64 = 1
		for _, d := range s.Dimensions {
			if e := d.Domain[1] - d.Domain[0] + 1; e > maxExtent {
				maxExtent = e
			}
		}
		s.hilbert = newHilbertCurve(s.dimNum(), maxExtent)
	})
	return s.hilbert
}

func (s *ArraySchema) hilbertIndex(coords []int64) uint64 {
	shifted := make([]int64, s.dimNum())
	for i, d := range s.Dimensions {
		shifted[i] = coords[i] - d.Domain[0]
	}
	return s.hilbertCurveFor().index(shifted)
}

// cellOrderCmp is the total order of cells within a tile. Hilbert ties are
// broken row-major; the tie-break is load-bearing for merge determinism.
func (s *ArraySchema) cellOrderCmp(a, b []int64) int {
	switch s.CellOrder {
	case ColMajor:
		return colMajorCmp(a, b)
	case HilbertOrder:
		ha, hb := s.hilbertIndex(a), s.hilbertIndex(b)
		if ha != hb {
			if ha < hb {
				return -1
			}
			return 1
		}
		return rowMajorCmp(a, b)
	default:
		return rowMajorCmp(a, b)
	}
}

// tileCoords writes the tile-grid coordinates of coords into dst.
// Only meaningful when tile extents exist.
func (s *ArraySchema) tileCoords(coords []int64, dst []int64) {
	for i := range s.Dimensions {
		dst[i] = (coords[i] - s.Dimensions[i].Domain[0]) / s.TileExtents[i]
	}
}

// tileOrderCmp orders tile-grid coordinates.
func (s *ArraySchema) tileOrderCmp(a, b []int64) int {
	switch s.TileOrder {
	case ColMajor:
		return colMajorCmp(a, b)
	case HilbertOrder:
		ha, hb := s.hilbertCurveFor().index(a), s.hilbertCurveFor().index(b)
		if ha != hb {
			if ha < hb {
				return -1
			}
			return 1
		}
		return rowMajorCmp(a, b)
	default:
		return rowMajorCmp(a, b)
	}
}

// globalCmp is the array's global cell order: tile order first when a tile
// grid exists, cell order within.
func (s *ArraySchema) globalCmp(a, b []int64) int {
	if s.TileExtents != nil {
		ta := make([]int64, s.dimNum())
		tb := make([]int64, s.dimNum())
		s.tileCoords(a, ta)
		s.tileCoords(b, tb)
		if c := s.tileOrderCmp(ta, tb); c != 0 {
			return c
		}
	}
	return s.cellOrderCmp(a, b)
}

// tileGridDims returns the tile counts per dimension.
func (s *ArraySchema) tileGridDims() []int64 {
	n := make([]int64, s.dimNum())
	for i, d := range s.Dimensions {
		n[i] = (d.Domain[1] - d.Domain[0] + 1) / s.TileExtents[i]
	}
	return n
}

// tileID linearizes dense tile-grid coordinates per the tile order.
func (s *ArraySchema) tileID(tileCoords []int64) int64 {
	grid := s.tileGridDims()
	var id int64
	if s.TileOrder == ColMajor {
		for i := s.dimNum() - 1; i >= 0; i-- {
			id = id*grid[i] + tileCoords[i]
		}
	} else {
		for i := 0; i < s.dimNum(); i++ {
			id = id*grid[i] + tileCoords[i]
		}
	}
	return id
}

// tileIDOf maps cell coordinates to the dense tile position.
func (s *ArraySchema) tileIDOf(coords []int64) int64 {
	tc := make([]int64, s.dimNum())
	s.tileCoords(coords, tc)
	return s.tileID(tc)
}

// denseTileCellNum is the number of cells in one dense tile.
func (s *ArraySchema) denseTileCellNum() int64 {
	n := int64(1)
	for _, e := range s.TileExtents {
		n *= e
	}
	return n
}

// denseTileNum is the number of tiles in the full dense domain.
func (s *ArraySchema) denseTileNum() int64 {
	n := int64(1)
	for _, g := range s.tileGridDims() {
		n *= g
	}
	return n
}

// domainCellNum is the number of cells in the full domain.
func (s *ArraySchema) domainCellNum() int64 {
	n := int64(1)
	for _, d := range s.Dimensions {
		n *= d.Domain[1] - d.Domain[0] + 1
	}
	return n
}

// rasterIndex linearizes coordinates over the whole domain in cell order,
// ignoring tiles. This is the order dense writes present their cells in.
func (s *ArraySchema) rasterIndex(coords []int64) int64 {
	var idx int64
	if s.CellOrder == ColMajor {
		for i := s.dimNum() - 1; i >= 0; i-- {
			d := s.Dimensions[i]
			idx = idx*(d.Domain[1]-d.Domain[0]+1) + (coords[i] - d.Domain[0])
		}
		return idx
	}
	for i := 0; i < s.dimNum(); i++ {
		d := s.Dimensions[i]
		idx = idx*(d.Domain[1]-d.Domain[0]+1) + (coords[i] - d.Domain[0])
	}
	return idx
}

// denseTileRect writes the cell-coordinate rectangle of a dense tile.
func (s *ArraySchema) denseTileRect(tileID int64, rect []int64) {
	grid := s.tileGridDims()
	dim := s.dimNum()
	tc := make([]int64, dim)
	rem := tileID
	if s.TileOrder == ColMajor {
		for i := 0; i < dim; i++ {
			tc[i] = rem % grid[i]
			rem /= grid[i]
		}
	} else {
		for i := dim - 1; i >= 0; i-- {
			tc[i] = rem % grid[i]
			rem /= grid[i]
		}
	}
	for i := 0; i < dim; i++ {
		lo := s.Dimensions[i].Domain[0] + tc[i]*s.TileExtents[i]
		rect[2*i] = lo
		rect[2*i+1] = lo + s.TileExtents[i] - 1
	}
}

// stepInRect advances pos one cell in cell order within rect; false when
// pos was the rectangle's last cell.
func (s *ArraySchema) stepInRect(pos, rect []int64) bool {
	dim := s.dimNum()
	if s.CellOrder == ColMajor {
		for i := 0; i < dim; i++ {
			if pos[i] < rect[2*i+1] {
				pos[i]++
				return true
			}
			pos[i] = rect[2*i]
		}
		return false
	}
	for i := dim - 1; i >= 0; i-- {
		if pos[i] < rect[2*i+1] {
			pos[i]++
			return true
		}
		pos[i] = rect[2*i]
	}
	return false
}

// ---------------------------------------------------------------------------
// Coordinate codecs. Coordinates travel as []int64 in memory and are packed
// per CoordsType on disk and in caller buffers.

func (s *ArraySchema) encodeCoords(dst []byte, coords []int64) {
	switch s.CoordsType {
	case Int32:
		for i, c := range coords {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(c)))
		}
	default:
		for i, c := range coords {
			binary.LittleEndian.PutUint64(dst[i*8:], uint64(c))
		}
	}
}

func (s *ArraySchema) decodeCoords(src []byte, dst []int64) {
	switch s.CoordsType {
	case Int32:
		for i := range dst {
			dst[i] = int64(int32(binary.LittleEndian.Uint32(src[i*4:])))
		}
	default:
		for i := range dst {
			dst[i] = int64(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
}

// ---------------------------------------------------------------------------
// Serialization. Little-endian, tightly packed.

const schemaExtentsPresent = 1

// Serialize renders the schema into its stable binary form.
func (s *ArraySchema) Serialize() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeStr := func(str string) {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(str)))
		buf.Write(n[:])
		buf.WriteString(str)
	}
	writeStr(s.Name)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(s.dimNum()))
	buf.Write(u32[:])
	for _, d := range s.Dimensions {
		writeStr(d.Name)
	}

	buf.WriteByte(byte(s.CoordsType))
	buf.WriteByte(byte(s.CellOrder))
	buf.WriteByte(byte(s.TileOrder))
	if s.Dense {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	writeCoord := func(v int64) {
		if s.CoordsType == Int32 {
			binary.LittleEndian.PutUint32(u32[:], uint32(int32(v)))
			buf.Write(u32[:])
		} else {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v))
			buf.Write(b[:])
		}
	}
	for _, d := range s.Dimensions {
		writeCoord(d.Domain[0])
		writeCoord(d.Domain[1])
	}

	if s.TileExtents == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(schemaExtentsPresent)
		for _, e := range s.TileExtents {
			writeCoord(e)
		}
	}

	var i64 [8]byte
	binary.LittleEndian.PutUint64(i64[:], uint64(s.Capacity))
	buf.Write(i64[:])

	binary.LittleEndian.PutUint32(u32[:], uint32(s.attrNum()))
	buf.Write(u32[:])
	for _, a := range s.Attributes {
		writeStr(a.Name)
		buf.WriteByte(byte(a.Type))
		binary.LittleEndian.PutUint32(u32[:], a.CellValNum)
		buf.Write(u32[:])
		buf.WriteByte(byte(a.Compressor))
	}
	return buf.Bytes(), nil
}

// LoadSchema decodes a serialized schema.
func LoadSchema(data []byte) (*ArraySchema, error) {
	r := &byteReader{data: data}
	s := &ArraySchema{}
	s.Name = r.str()

	dimNum := int(r.u32())
	s.Dimensions = make([]Dimension, dimNum)
	for i := range s.Dimensions {
		s.Dimensions[i].Name = r.str()
	}

	s.CoordsType = Datatype(r.u8())
	s.CellOrder = Layout(r.u8())
	s.TileOrder = Layout(r.u8())
	s.Dense = r.u8() != 0

	readCoord := func() int64 {
		if s.CoordsType == Int32 {
			return int64(int32(r.u32()))
		}
		return int64(r.u64())
	}
	for i := range s.Dimensions {
		s.Dimensions[i].Domain[0] = readCoord()
		s.Dimensions[i].Domain[1] = readCoord()
	}

	if r.u8() == schemaExtentsPresent {
		s.TileExtents = make([]int64, dimNum)
		for i := range s.TileExtents {
			s.TileExtents[i] = readCoord()
		}
	}

	s.Capacity = int64(r.u64())

	attrNum := int(r.u32())
	s.Attributes = make([]Attribute, attrNum)
	for i := range s.Attributes {
		s.Attributes[i].Name = r.str()
		s.Attributes[i].Type = Datatype(r.u8())
		s.Attributes[i].CellValNum = r.u32()
		s.Attributes[i].Compressor = Compressor(r.u8())
	}

	if r.err != nil {
		return nil, errors.Wrap(ErrCorruptFormat, "schema file truncated")
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(ErrCorruptFormat, "loaded schema invalid: %v", err)
	}
	return s, nil
}

// Equal compares every serialized field.
func (s *ArraySchema) Equal(o *ArraySchema) bool {
	a, err1 := s.Serialize()
	b, err2 := o.Serialize()
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}

// byteReader is a little-endian cursor that latches the first failure.
type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.data) {
		if r.err == nil {
			r.err = errors.New("short read")
		}
		// A corrupt length field can ask for gigabytes; fixed-width
		// callers still need a zeroed slice of their size.
		if n > 4096 {
			return nil
		}
		return make([]byte, n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) u8() byte    { return r.take(1)[0] }
func (r *byteReader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *byteReader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }
func (r *byteReader) str() string { return string(r.take(int(r.u32()))) }
