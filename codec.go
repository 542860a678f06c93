// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Every tile record on disk is length-prefixed:
//
//	u64 uncompressed_size || codec output
//
// Book-keeping offsets point at the prefix; recorded compressed sizes span
// the whole record.

const tilePrefixSize = 8

// encodeTile frames and compresses one tile payload.
func encodeTile(c Compressor, src []byte) ([]byte, error) {
	out := make([]byte, tilePrefixSize, tilePrefixSize+len(src)/2+64)
	binary.LittleEndian.PutUint64(out, uint64(len(src)))

	switch c {
	case NoCompression:
		return append(out, src...), nil
	case GzipCompression:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(src); err != nil {
			return nil, errors.Wrapf(ErrInternal, "gzip: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrapf(ErrInternal, "gzip close: %v", err)
		}
		return append(out, buf.Bytes()...), nil
	case ZstdCompression:
		return zstdEncoder().EncodeAll(src, out), nil
	case LZ4Compression:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(src); err != nil {
			return nil, errors.Wrapf(ErrInternal, "lz4: %v", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrapf(ErrInternal, "lz4 close: %v", err)
		}
		return append(out, buf.Bytes()...), nil
	case SnappyCompression:
		return append(out, snappy.Encode(nil, src)...), nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "compressor %d", c)
}

// decodeTile reverses encodeTile. rec must be the exact record that
// book-keeping describes.
func decodeTile(c Compressor, rec []byte) ([]byte, error) {
	if len(rec) < tilePrefixSize {
		return nil, errors.Wrap(ErrCorruptFormat, "tile record shorter than prefix")
	}
	n := binary.LittleEndian.Uint64(rec)
	body := rec[tilePrefixSize:]

	switch c {
	case NoCompression:
		if uint64(len(body)) != n {
			return nil, errors.Wrapf(ErrCorruptFormat, "raw tile size %d, prefix says %d", len(body), n)
		}
		out := make([]byte, n)
		copy(out, body)
		return out, nil
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptFormat, "gzip header: %v", err)
		}
		defer zr.Close()
		out := make([]byte, n)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, errors.Wrapf(ErrCorruptFormat, "gzip body: %v", err)
		}
		return out, nil
	case ZstdCompression:
		out, err := zstdDecoder().DecodeAll(body, make([]byte, 0, n))
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptFormat, "zstd body: %v", err)
		}
		if uint64(len(out)) != n {
			return nil, errors.Wrapf(ErrCorruptFormat, "zstd size %d, prefix says %d", len(out), n)
		}
		return out, nil
	case LZ4Compression:
		zr := lz4.NewReader(bytes.NewReader(body))
		out := make([]byte, n)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, errors.Wrapf(ErrCorruptFormat, "lz4 body: %v", err)
		}
		return out, nil
	case SnappyCompression:
		out, err := snappy.Decode(make([]byte, n), body)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptFormat, "snappy body: %v", err)
		}
		if uint64(len(out)) != n {
			return nil, errors.Wrapf(ErrCorruptFormat, "snappy size %d, prefix says %d", len(out), n)
		}
		return out, nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "compressor %d", c)
}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil)
	})
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}
