// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// Filesystem primitives shared by the write path, the read path and the
// StorageManager. All byte-range reads honor the configured ReadMethod.

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func createDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(ErrIO, "creating dir %s: %v", path, err)
	}
	return nil
}

// createDirExclusive fails if the directory already exists.
func createDirExclusive(path string) error {
	if pathExists(path) {
		return errors.Wrapf(ErrAlreadyExists, "%s", path)
	}
	return createDir(path)
}

func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(ErrIO, "removing %s: %v", path, err)
	}
	return nil
}

// osRename wraps rename with the engine's error kind.
func osRename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrapf(ErrIO, "renaming %s: %v", oldPath, err)
	}
	return nil
}

// syncDir fsyncs a directory so renames and creations inside it are durable.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(ErrIO, "opening dir %s: %v", path, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "syncing dir %s: %v", path, err)
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the target's directory,
// fsyncs it, renames it over the target and fsyncs the directory.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrapf(ErrIO, "creating temp for %s: %v", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(ErrIO, "writing %s: %v", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(ErrIO, "syncing %s: %v", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(ErrIO, "closing %s: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(ErrIO, "renaming %s: %v", path, err)
	}
	return syncDir(dir)
}

// listDir returns the entry names of a directory in lexicographic order.
func listDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "listing %s: %v", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(ErrIO, "stat %s: %v", path, err)
	}
	return fi.Size(), nil
}

// readRange reads n bytes at off from path using the given method. A short
// file yields ErrCorruptFormat: book-keeping offsets always reference bytes
// that a complete flush wrote.
func readRange(path string, off, n int64, method ReadMethod) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	switch method {
	case ReadMMap:
		return readRangeMMap(path, off, n)
	case ReadDirect:
		return readRangeDirect(path, off, n)
	default:
		return readRangeBuffered(path, off, n)
	}
}

func readWholeFile(path string, method ReadMethod) ([]byte, error) {
	sz, err := fileSize(path)
	if err != nil {
		return nil, err
	}
	return readRange(path, 0, sz, method)
}

func readRangeBuffered(path string, off, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "opening %s: %v", path, err)
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrCorruptFormat, "%s: short read at %d+%d", path, off, n)
		}
		return nil, errors.Wrapf(ErrIO, "reading %s at %d: %v", path, off, err)
	}
	return buf, nil
}

func readRangeMMap(path string, off, n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "opening %s: %v", path, err)
	}
	defer f.Close()
	sz, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "stat %s: %v", path, err)
	}
	if off+n > sz.Size() {
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: range %d+%d beyond size %d", path, off, n, sz.Size())
	}
	pageSize := int64(os.Getpagesize())
	alignedOff := off &^ (pageSize - 1)
	delta := off - alignedOff
	data, err := syscall.Mmap(int(f.Fd()), alignedOff, int(delta+n), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "mmap %s: %v", path, err)
	}
	out := make([]byte, n)
	copy(out, data[delta:])
	if err := syscall.Munmap(data); err != nil {
		return nil, errors.Wrapf(ErrIO, "munmap %s: %v", path, err)
	}
	return out, nil
}

const directAlign = 4096

// readRangeDirect bypasses the page cache with O_DIRECT. The read is widened
// to block alignment and copied out.
func readRangeDirect(path string, off, n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_DIRECT, 0)
	if err != nil {
		// Filesystems without O_DIRECT support (tmpfs) fall back.
		return readRangeBuffered(path, off, n)
	}
	defer syscall.Close(fd)

	alignedOff := off &^ (directAlign - 1)
	delta := off - alignedOff
	length := (delta + n + directAlign - 1) &^ (directAlign - 1)

	// Aligned scratch buffer.
	raw := make([]byte, length+directAlign)
	shift := directAlign - (int64(uintptr(sliceAddr(raw))) & (directAlign - 1))
	if shift == directAlign {
		shift = 0
	}
	buf := raw[shift : shift+length]

	var read int64
	for read < delta+n {
		m, err := syscall.Pread(fd, buf[read:], alignedOff+read)
		if m > 0 {
			read += int64(m)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "direct read %s at %d: %v", path, alignedOff+read, err)
		}
		break // EOF
	}
	if read < delta+n {
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: short direct read at %d+%d", path, off, n)
	}
	out := make([]byte, n)
	copy(out, buf[delta:delta+n])
	return out, nil
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
