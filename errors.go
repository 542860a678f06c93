// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import "github.com/pkg/errors"

// Error kinds. Operations wrap these with context via pkg/errors, so callers
// classify with errors.Is against the sentinels below.
var (
	ErrInvalidArg    = errors.New("invalid argument")
	ErrIO            = errors.New("i/o error")
	ErrSchema        = errors.New("invalid schema")
	ErrCorruptFormat = errors.New("corrupt on-disk format")
	ErrOutOfDomain   = errors.New("coordinates out of domain")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnsupported   = errors.New("unsupported operation")
	ErrOOM           = errors.New("out of memory")
	ErrInternal      = errors.New("internal error")

	// ErrOverflow is a normal read outcome: the caller's buffers could not
	// hold every selected cell. The iterator stays positioned; the next
	// Read resumes where this one stopped.
	ErrOverflow = errors.New("buffer overflow")
)
