// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

// Datatype identifies the physical type of an attribute value or of the
// coordinates.
type Datatype uint8

const (
	Int32 Datatype = iota
	Int64
	Float32
	Float64
	Char
	UInt8
	UInt64
)

// Size returns the byte width of one value of the type.
func (t Datatype) Size() int {
	switch t {
	case Int32, Float32:
		return 4
	case Int64, Float64, UInt64:
		return 8
	case Char, UInt8:
		return 1
	}
	return 0
}

func (t Datatype) valid() bool { return t.Size() != 0 }

// integral reports whether the type may index a dimension domain.
func (t Datatype) integral() bool { return t == Int32 || t == Int64 }

func (t Datatype) String() string {
	switch t {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Char:
		return "char"
	case UInt8:
		return "uint8"
	case UInt64:
		return "uint64"
	}
	return "unknown"
}

// Layout is a cell or tile ordering.
type Layout uint8

const (
	RowMajor Layout = iota
	ColMajor
	HilbertOrder
)

func (l Layout) valid() bool { return l <= HilbertOrder }

func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "row-major"
	case ColMajor:
		return "col-major"
	case HilbertOrder:
		return "hilbert"
	}
	return "unknown"
}

// Compressor selects the per-attribute tile codec.
type Compressor uint8

const (
	NoCompression Compressor = iota
	GzipCompression
	ZstdCompression
	LZ4Compression
	SnappyCompression
)

func (c Compressor) valid() bool { return c <= SnappyCompression }

func (c Compressor) String() string {
	switch c {
	case NoCompression:
		return "none"
	case GzipCompression:
		return "gzip"
	case ZstdCompression:
		return "zstd"
	case LZ4Compression:
		return "lz4"
	case SnappyCompression:
		return "snappy"
	}
	return "unknown"
}

// VarNum is the values-per-cell marker for variable-length attributes.
const VarNum uint32 = 0xFFFFFFFF

// On-disk names. Every engine-owned file carries the .tdb suffix; the
// double-underscore prefix keeps book-keeping names out of the attribute
// namespace.
const (
	FileSuffix          = ".tdb"
	varSuffix           = "_var"
	schemaFilename      = "__array_schema" + FileSuffix
	fragmentsFilename   = "__fragments" + FileSuffix
	bookKeepingFilename = "__book_keeping" + FileSuffix
	coordsFilename      = "__coords" + FileSuffix
	groupFilename       = "__tiledb_group" + FileSuffix
	workspaceFilename   = "__tiledb_workspace" + FileSuffix
	metadataFilename    = "__tiledb_metadata" + FileSuffix
)

// CoordsAttr is the reserved attribute name used to request coordinates in
// a read, alongside the schema's real attributes.
const CoordsAttr = "__coords"

// emptyFill is the reserved byte repeated over a cell's width to mark a
// deleted sparse cell or a never-written dense cell.
const emptyFill byte = 0xFF

// DirEntryType classifies a directory inside a workspace.
type DirEntryType int

const (
	DirNone DirEntryType = iota
	DirWorkspace
	DirGroup
	DirArray
	DirMetadata
)

func (d DirEntryType) String() string {
	switch d {
	case DirWorkspace:
		return "workspace"
	case DirGroup:
		return "group"
	case DirArray:
		return "array"
	case DirMetadata:
		return "metadata"
	}
	return "none"
}
