// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package tilestore implements an embeddable storage engine for sparse and
// dense N-dimensional arrays. Arrays are persisted as immutable, append-only
// fragments on a filesystem; each fragment is a directory of per-attribute
// tile files plus a book-keeping index whose presence on disk is the commit
// marker for the whole write batch.
//
// The engine serves range and point reads by merging the cell streams of all
// live fragments with newest-wins semantics, buffers and sorts incoming
// writes into tile order before flushing, caches decompressed tiles in a
// process-wide byte-bounded LRU, and consolidates many small fragments into
// one.
package tilestore
