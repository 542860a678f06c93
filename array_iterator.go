// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ArrayIterator walks a read handle cell by cell, hiding the chunked buffer
// protocol. It drives Read through internal buffers and re-fetches on
// exhaustion, so callers see one uninterrupted cell sequence.
type ArrayIterator struct {
	a      *Array
	bufs   [][]byte
	sizes  []int
	layout []int
	cells  int
	pos    int
	done   bool
}

const defaultIteratorBufBytes = 64 << 10

// NewArrayIterator opens an iterator over a subarray. bufBytes sizes each
// internal buffer; zero means the default.
func (sm *StorageManager) NewArrayIterator(name string, subarray []int64, attrs []string, bufBytes int) (*ArrayIterator, error) {
	a, err := sm.ArrayInit(name, ModeRead, subarray, attrs)
	if err != nil {
		return nil, err
	}
	if bufBytes <= 0 {
		bufBytes = defaultIteratorBufBytes
	}

	layout := make([]int, len(a.attrs))
	n := 0
	for i, id := range a.attrs {
		layout[i] = n
		if id >= 0 && a.schema.Attributes[id].Var() {
			n += 2
		} else {
			n++
		}
	}
	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, bufBytes)
	}

	it := &ArrayIterator{a: a, bufs: bufs, layout: layout}
	if err := it.fetch(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// fetch pulls the next chunk and resets the in-chunk cursor.
func (it *ArrayIterator) fetch() error {
	for {
		sizes, err := it.a.Read(it.bufs)
		if err != nil {
			return err
		}
		it.sizes = sizes
		it.pos = 0
		it.cells = it.chunkCells()
		if it.cells > 0 {
			return nil
		}
		overflowed := false
		for i := range it.a.attrs {
			if it.a.Overflow(i) {
				overflowed = true
			}
		}
		if !overflowed {
			it.done = true
			return nil
		}
		// One cell is larger than the buffers; grow and retry.
		for i := range it.bufs {
			it.bufs[i] = make([]byte, 2*len(it.bufs[i]))
		}
	}
}

// chunkCells derives the cell count of the fetched chunk from the first
// queried attribute.
func (it *ArrayIterator) chunkCells() int {
	if len(it.a.attrs) == 0 {
		return 0
	}
	b := it.layout[0]
	id := it.a.attrs[0]
	switch {
	case id < 0:
		return it.sizes[b] / it.a.schema.coordsSize()
	case it.a.schema.Attributes[id].Var():
		return it.sizes[b] / 8
	default:
		return it.sizes[b] / it.a.schema.Attributes[id].cellSize()
	}
}

// End reports whether the iterator is exhausted.
func (it *ArrayIterator) End() bool { return it.done }

// Next advances to the following cell.
func (it *ArrayIterator) Next() error {
	if it.done {
		return errors.Wrap(ErrInvalidArg, "iterator at end")
	}
	it.pos++
	if it.pos < it.cells {
		return nil
	}
	return it.fetch()
}

// Value returns the current cell's value for the i-th queried attribute.
func (it *ArrayIterator) Value(i int) ([]byte, error) {
	if it.done {
		return nil, errors.Wrap(ErrInvalidArg, "iterator at end")
	}
	if i < 0 || i >= len(it.a.attrs) {
		return nil, errors.Wrapf(ErrInvalidArg, "attribute index %d", i)
	}
	b := it.layout[i]
	id := it.a.attrs[i]
	switch {
	case id < 0:
		w := it.a.schema.coordsSize()
		return it.bufs[b][it.pos*w : (it.pos+1)*w], nil
	case it.a.schema.Attributes[id].Var():
		start := binary.LittleEndian.Uint64(it.bufs[b][it.pos*8:])
		end := uint64(it.sizes[b+1])
		if it.pos+1 < it.cells {
			end = binary.LittleEndian.Uint64(it.bufs[b][(it.pos+1)*8:])
		}
		return it.bufs[b+1][start:end], nil
	default:
		w := it.a.schema.Attributes[id].cellSize()
		return it.bufs[b][it.pos*w : (it.pos+1)*w], nil
	}
}

// Close finalizes the underlying handle.
func (it *ArrayIterator) Close() error {
	return it.a.Finalize()
}
