// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tilestore "github.com/featurebasedb/tilestore"
)

func newTestManager(t *testing.T) *tilestore.StorageManager {
	t.Helper()
	sm, err := tilestore.NewStorageManager(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sm.Close)
	return sm
}

func sparseSchema(name string) *tilestore.ArraySchema {
	return &tilestore.ArraySchema{
		Name:       name,
		CoordsType: tilestore.Int32,
		Dimensions: []tilestore.Dimension{
			{Name: "x", Domain: [2]int64{0, 3}},
			{Name: "y", Domain: [2]int64{0, 3}},
		},
		CellOrder: tilestore.RowMajor,
		TileOrder: tilestore.RowMajor,
		Capacity:  2,
		Attributes: []tilestore.Attribute{
			{Name: "a", Type: tilestore.Int32, CellValNum: 1, Compressor: tilestore.GzipCompression},
		},
	}
}

// i32 packs int32 values little-endian; the same layout serves values and
// int32 coordinates.
func i32(vals ...int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func decodeI32(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func u64s(vals ...uint64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	return out
}

func writeSparse(t *testing.T, sm *tilestore.StorageManager, name string, values []int32, coords []int32) {
	t.Helper()
	a, err := sm.ArrayInit(name, tilestore.ModeWrite, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Write([][]byte{i32(values...), i32(coords...)}); err != nil {
		t.Fatal(err)
	}
	if err := a.Finalize(); err != nil {
		t.Fatal(err)
	}
}

// readSparse drains a read handle over attribute "a" plus coordinates.
func readSparse(t *testing.T, sm *tilestore.StorageManager, name string, sub []int64) (vals []int32, coords []int32) {
	t.Helper()
	r, err := sm.ArrayInit(name, tilestore.ModeRead, sub, []string{"a", tilestore.CoordsAttr})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Finalize()
	abuf := make([]byte, 1024)
	cbuf := make([]byte, 1024)
	for {
		sizes, err := r.Read([][]byte{abuf, cbuf})
		if err != nil {
			t.Fatal(err)
		}
		if sizes[0] == 0 && sizes[1] == 0 {
			return vals, coords
		}
		vals = append(vals, decodeI32(abuf[:sizes[0]])...)
		coords = append(coords, decodeI32(cbuf[:sizes[1]])...)
	}
}

func TestSparseBasic(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("s1")); err != nil {
		t.Fatal(err)
	}
	writeSparse(t, sm, "s1", []int32{10, 11, 12}, []int32{0, 0, 0, 1, 1, 1})

	vals, coords := readSparse(t, sm, "s1", []int64{0, 1, 0, 1})
	wantVals := []int32{10, 11, 12}
	wantCoords := []int32{0, 0, 0, 1, 1, 1}
	if !int32sEqual(vals, wantVals) || !int32sEqual(coords, wantCoords) {
		t.Fatalf("got %v @ %v, want %v @ %v", vals, coords, wantVals, wantCoords)
	}
}

func TestNewestWins(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("s2")); err != nil {
		t.Fatal(err)
	}
	writeSparse(t, sm, "s2", []int32{10, 11, 12}, []int32{0, 0, 0, 1, 1, 1})
	writeSparse(t, sm, "s2", []int32{99}, []int32{0, 1})

	vals, coords := readSparse(t, sm, "s2", nil)
	if !int32sEqual(vals, []int32{10, 99, 12}) {
		t.Fatalf("vals = %v", vals)
	}
	if !int32sEqual(coords, []int32{0, 0, 0, 1, 1, 1}) {
		t.Fatalf("coords = %v", coords)
	}
}

func TestReadOverflowResumes(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("s3")); err != nil {
		t.Fatal(err)
	}
	writeSparse(t, sm, "s3", []int32{10, 11, 12}, []int32{0, 0, 0, 1, 1, 1})
	writeSparse(t, sm, "s3", []int32{99}, []int32{0, 1})

	r, err := sm.ArrayInit("s3", tilestore.ModeRead, nil, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Finalize()

	buf := make([]byte, 8) // room for two cells

	sizes, err := r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	if sizes[0] != 8 || !r.Overflow(0) {
		t.Fatalf("first read: %d bytes, overflow=%v", sizes[0], r.Overflow(0))
	}
	if !int32sEqual(decodeI32(buf[:sizes[0]]), []int32{10, 99}) {
		t.Fatalf("first chunk %v", decodeI32(buf[:sizes[0]]))
	}

	sizes, err = r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	if sizes[0] != 4 || r.Overflow(0) {
		t.Fatalf("second read: %d bytes, overflow=%v", sizes[0], r.Overflow(0))
	}
	if !int32sEqual(decodeI32(buf[:sizes[0]]), []int32{12}) {
		t.Fatalf("second chunk %v", decodeI32(buf[:sizes[0]]))
	}

	sizes, err = r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	if sizes[0] != 0 || !r.AtEnd() {
		t.Fatalf("third read: %d bytes, end=%v", sizes[0], r.AtEnd())
	}
}

// Splitting a read into overflow-terminated chunks must concatenate to the
// unbounded result.
func TestOverflowEquivalence(t *testing.T) {
	sm := newTestManager(t)
	s := sparseSchema("s3b")
	s.Capacity = 3
	if err := sm.ArrayCreate(s); err != nil {
		t.Fatal(err)
	}
	var vals []int32
	var coords []int32
	for x := int32(0); x <= 3; x++ {
		for y := int32(0); y <= 3; y++ {
			vals = append(vals, 100+4*x+y)
			coords = append(coords, x, y)
		}
	}
	writeSparse(t, sm, "s3b", vals, coords)

	wantVals, wantCoords := readSparse(t, sm, "s3b", nil)

	r, err := sm.ArrayInit("s3b", tilestore.ModeRead, nil, []string{"a", tilestore.CoordsAttr})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Finalize()
	var gotVals, gotCoords []int32
	abuf := make([]byte, 4) // one cell at a time
	cbuf := make([]byte, 8)
	for {
		sizes, err := r.Read([][]byte{abuf, cbuf})
		if err != nil {
			t.Fatal(err)
		}
		if sizes[0] == 0 {
			break
		}
		gotVals = append(gotVals, decodeI32(abuf[:sizes[0]])...)
		gotCoords = append(gotCoords, decodeI32(cbuf[:sizes[1]])...)
	}
	if !int32sEqual(gotVals, wantVals) || !int32sEqual(gotCoords, wantCoords) {
		t.Fatalf("chunked read diverged: %v vs %v", gotVals, wantVals)
	}
}

func TestConsolidation(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("s4")); err != nil {
		t.Fatal(err)
	}
	writeSparse(t, sm, "s4", []int32{10, 11, 12}, []int32{0, 0, 0, 1, 1, 1})
	writeSparse(t, sm, "s4", []int32{99}, []int32{0, 1})

	subarrays := [][]int64{nil, {0, 1, 0, 1}, {1, 3, 1, 3}, {2, 2, 2, 2}}
	type result struct{ vals, coords []int32 }
	before := make([]result, len(subarrays))
	for i, sub := range subarrays {
		v, c := readSparse(t, sm, "s4", sub)
		before[i] = result{v, c}
	}

	if err := sm.ArrayConsolidate("s4"); err != nil {
		t.Fatal(err)
	}

	if n := countFragmentDirs(t, sm, "s4"); n != 1 {
		t.Fatalf("%d fragment dirs after consolidation", n)
	}
	for i, sub := range subarrays {
		v, c := readSparse(t, sm, "s4", sub)
		if !int32sEqual(v, before[i].vals) || !int32sEqual(c, before[i].coords) {
			t.Fatalf("subarray %v: %v/%v, want %v/%v", sub, v, c, before[i].vals, before[i].coords)
		}
	}
}

func countFragmentDirs(t *testing.T, sm *tilestore.StorageManager, array string) int {
	t.Helper()
	n := 0
	entries, err := os.ReadDir(filepath.Join(sm.Workspace(), array))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "__") {
			n++
		}
	}
	return n
}

func TestDenseTileAligned(t *testing.T) {
	sm := newTestManager(t)
	s := &tilestore.ArraySchema{
		Name:       "d5",
		CoordsType: tilestore.Int32,
		Dimensions: []tilestore.Dimension{
			{Name: "x", Domain: [2]int64{0, 3}},
			{Name: "y", Domain: [2]int64{0, 3}},
		},
		TileExtents: []int64{2, 2},
		CellOrder:   tilestore.RowMajor,
		TileOrder:   tilestore.RowMajor,
		Capacity:    4,
		Dense:       true,
		Attributes: []tilestore.Attribute{
			{Name: "a", Type: tilestore.Int32, CellValNum: 1, Compressor: tilestore.GzipCompression},
		},
	}
	if err := sm.ArrayCreate(s); err != nil {
		t.Fatal(err)
	}

	vals := make([]int32, 16)
	for i := range vals {
		vals[i] = int32(i)
	}
	w, err := sm.ArrayInit("d5", tilestore.ModeWrite, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write([][]byte{i32(vals...)}); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	r, err := sm.ArrayInit("d5", tilestore.ModeRead, []int64{2, 3, 0, 1}, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Finalize()
	buf := make([]byte, 64)
	sizes, err := r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	got := decodeI32(buf[:sizes[0]])
	if !int32sEqual(got, []int32{8, 9, 12, 13}) {
		t.Fatalf("dense subarray read = %v", got)
	}
}

func TestDenseUnalignedSubarray(t *testing.T) {
	sm := newTestManager(t)
	s := sparseSchema("d5b")
	s.Dense = true
	s.TileExtents = []int64{2, 2}
	if err := sm.ArrayCreate(s); err != nil {
		t.Fatal(err)
	}
	vals := make([]int32, 16)
	for i := range vals {
		vals[i] = int32(i)
	}
	w, err := sm.ArrayInit("d5b", tilestore.ModeWrite, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write([][]byte{i32(vals...)}); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	// [1..2, 1..2] crosses all four tiles; the heap path synthesizes the
	// coordinates. Global order: tiles row-major, cells row-major inside.
	r, err := sm.ArrayInit("d5b", tilestore.ModeRead, []int64{1, 2, 1, 2}, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Finalize()
	buf := make([]byte, 64)
	sizes, err := r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	got := decodeI32(buf[:sizes[0]])
	want := []int32{5, 6, 9, 10}
	if !int32sEqual(got, want) {
		t.Fatalf("unaligned dense read = %v, want %v", got, want)
	}
}

func TestVariableLengthAttribute(t *testing.T) {
	sm := newTestManager(t)
	s := sparseSchema("s6")
	s.Attributes = []tilestore.Attribute{
		{Name: "s", Type: tilestore.UInt8, CellValNum: tilestore.VarNum, Compressor: tilestore.GzipCompression},
	}
	if err := sm.ArrayCreate(s); err != nil {
		t.Fatal(err)
	}

	w, err := sm.ArrayInit("s6", tilestore.ModeWrite, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = w.Write([][]byte{
		u64s(0, 2),        // offsets
		[]byte("hiworld"), // payload
		i32(0, 0, 0, 1),   // coords
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	r, err := sm.ArrayInit("s6", tilestore.ModeRead, nil, []string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Finalize()
	obuf := make([]byte, 64)
	pbuf := make([]byte, 64)
	sizes, err := r.Read([][]byte{obuf, pbuf})
	if err != nil {
		t.Fatal(err)
	}
	if sizes[0] != 16 || !bytes.Equal(obuf[:16], u64s(0, 2)) {
		t.Fatalf("offsets = %v (%d bytes)", obuf[:sizes[0]], sizes[0])
	}
	if string(pbuf[:sizes[1]]) != "hiworld" {
		t.Fatalf("payload = %q", pbuf[:sizes[1]])
	}
}

func TestWriteUnsorted(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("su")); err != nil {
		t.Fatal(err)
	}
	a, err := sm.ArrayInit("su", tilestore.ModeWriteUnsorted, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Unordered input with a duplicate of (1,1); the last occurrence wins.
	err = a.Write([][]byte{
		i32(12, 10, 11, 13),
		i32(1, 1, 0, 0, 0, 1, 1, 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Finalize(); err != nil {
		t.Fatal(err)
	}

	vals, coords := readSparse(t, sm, "su", nil)
	if !int32sEqual(vals, []int32{10, 11, 13}) {
		t.Fatalf("vals = %v", vals)
	}
	if !int32sEqual(coords, []int32{0, 0, 0, 1, 1, 1}) {
		t.Fatalf("coords = %v", coords)
	}
}

func TestWriteRejectsUnordered(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("so")); err != nil {
		t.Fatal(err)
	}
	a, err := sm.ArrayInit("so", tilestore.ModeWrite, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Finalize()
	err = a.Write([][]byte{i32(1, 2), i32(1, 1, 0, 0)})
	if err == nil {
		t.Fatal("out-of-order sorted write accepted")
	}
}

func TestWriteDeletion(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("sd")); err != nil {
		t.Fatal(err)
	}
	writeSparse(t, sm, "sd", []int32{10, 11, 12}, []int32{0, 0, 0, 1, 1, 1})

	a, err := sm.ArrayInit("sd", tilestore.ModeWrite, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteDeletion(i32(0, 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.Finalize(); err != nil {
		t.Fatal(err)
	}

	vals, coords := readSparse(t, sm, "sd", nil)
	if !int32sEqual(vals, []int32{10, 12}) {
		t.Fatalf("vals = %v", vals)
	}
	if !int32sEqual(coords, []int32{0, 0, 1, 1}) {
		t.Fatalf("coords = %v", coords)
	}

	// Deletion survives consolidation: the cell stays gone.
	if err := sm.ArrayConsolidate("sd"); err != nil {
		t.Fatal(err)
	}
	vals, _ = readSparse(t, sm, "sd", nil)
	if !int32sEqual(vals, []int32{10, 12}) {
		t.Fatalf("vals after consolidation = %v", vals)
	}
}

func TestArrayIterator(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("si")); err != nil {
		t.Fatal(err)
	}
	writeSparse(t, sm, "si", []int32{10, 11, 12}, []int32{0, 0, 0, 1, 1, 1})
	writeSparse(t, sm, "si", []int32{99}, []int32{0, 1})

	it, err := sm.NewArrayIterator("si", nil, []string{"a"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	var got []int32
	for !it.End() {
		v, err := it.Value(0)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, decodeI32(v)...)
		if err := it.Next(); err != nil {
			t.Fatal(err)
		}
	}
	if !int32sEqual(got, []int32{10, 99, 12}) {
		t.Fatalf("iterator yielded %v", got)
	}
}

func TestResetSubarrayAndAttributes(t *testing.T) {
	sm := newTestManager(t)
	if err := sm.ArrayCreate(sparseSchema("sr")); err != nil {
		t.Fatal(err)
	}
	writeSparse(t, sm, "sr", []int32{10, 11, 12}, []int32{0, 0, 0, 1, 1, 1})

	r, err := sm.ArrayInit("sr", tilestore.ModeRead, []int64{0, 0, 0, 0}, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Finalize()
	buf := make([]byte, 64)
	sizes, err := r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	if !int32sEqual(decodeI32(buf[:sizes[0]]), []int32{10}) {
		t.Fatalf("first window %v", decodeI32(buf[:sizes[0]]))
	}

	if err := r.ResetSubarray([]int64{1, 1, 1, 1}); err != nil {
		t.Fatal(err)
	}
	sizes, err = r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	if !int32sEqual(decodeI32(buf[:sizes[0]]), []int32{12}) {
		t.Fatalf("second window %v", decodeI32(buf[:sizes[0]]))
	}

	if err := r.ResetAttributes([]string{tilestore.CoordsAttr}); err != nil {
		t.Fatal(err)
	}
	sizes, err = r.Read([][]byte{buf})
	if err != nil {
		t.Fatal(err)
	}
	if !int32sEqual(decodeI32(buf[:sizes[0]]), []int32{1, 1}) {
		t.Fatalf("coords window %v", decodeI32(buf[:sizes[0]]))
	}
}

func TestDenseConsolidation(t *testing.T) {
	sm := newTestManager(t)
	s := sparseSchema("dc")
	s.Dense = true
	s.TileExtents = []int64{2, 2}
	if err := sm.ArrayCreate(s); err != nil {
		t.Fatal(err)
	}
	writeDense := func(base int32) {
		vals := make([]int32, 16)
		for i := range vals {
			vals[i] = base + int32(i)
		}
		w, err := sm.ArrayInit("dc", tilestore.ModeWrite, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Write([][]byte{i32(vals...)}); err != nil {
			t.Fatal(err)
		}
		if err := w.Finalize(); err != nil {
			t.Fatal(err)
		}
	}
	writeDense(0)
	writeDense(100)

	readAll := func() []int32 {
		r, err := sm.ArrayInit("dc", tilestore.ModeRead, nil, []string{"a"})
		if err != nil {
			t.Fatal(err)
		}
		defer r.Finalize()
		buf := make([]byte, 256)
		sizes, err := r.Read([][]byte{buf})
		if err != nil {
			t.Fatal(err)
		}
		return decodeI32(buf[:sizes[0]])
	}
	before := readAll()
	if err := sm.ArrayConsolidate("dc"); err != nil {
		t.Fatal(err)
	}
	if n := countFragmentDirs(t, sm, "dc"); n != 1 {
		t.Fatalf("%d fragment dirs after consolidation", n)
	}
	after := readAll()
	if !int32sEqual(before, after) {
		t.Fatalf("dense consolidation diverged: %v vs %v", before, after)
	}
	if before[0] != 100 {
		t.Fatalf("newest dense fragment must win: %v", before[:4])
	}
}

func int32sEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
