// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore_test

import (
	"errors"
	"testing"

	tilestore "github.com/featurebasedb/tilestore"
	"github.com/stretchr/testify/require"
)

func TestGroupAndDirTypes(t *testing.T) {
	sm := newTestManager(t)
	require.NoError(t, sm.GroupCreate("g1"))
	require.NoError(t, sm.GroupCreate("g1/g2"))

	s := sparseSchema("g1/g2/arr")
	require.NoError(t, sm.ArrayCreate(s))

	require.Equal(t, tilestore.DirWorkspace, sm.DirType(""))
	require.Equal(t, tilestore.DirGroup, sm.DirType("g1"))
	require.Equal(t, tilestore.DirGroup, sm.DirType("g1/g2"))
	require.Equal(t, tilestore.DirArray, sm.DirType("g1/g2/arr"))
	require.Equal(t, tilestore.DirNone, sm.DirType("nope"))

	// Groups cannot hang off arrays.
	err := sm.GroupCreate("g1/g2/arr/sub")
	require.Error(t, err)

	// Arrays need a workspace or group parent.
	err = sm.ArrayCreate(sparseSchema("missing/arr"))
	require.Error(t, err)
}

func TestLs(t *testing.T) {
	sm := newTestManager(t)
	require.NoError(t, sm.GroupCreate("g"))
	require.NoError(t, sm.ArrayCreate(sparseSchema("g/a1")))
	require.NoError(t, sm.ArrayCreate(sparseSchema("g/a2")))

	entries, err := sm.Ls("g")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a1", entries[0].Name)
	require.Equal(t, tilestore.DirArray, entries[0].Type)

	top, err := sm.Ls("")
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, tilestore.DirGroup, top[0].Type)

	_, err = sm.Ls("g/a1")
	require.Error(t, err, "ls of an array must be rejected")
}

func TestMove(t *testing.T) {
	sm := newTestManager(t)
	require.NoError(t, sm.ArrayCreate(sparseSchema("old")))
	writeSparse(t, sm, "old", []int32{5}, []int32{1, 2})

	require.NoError(t, sm.Move("old", "new"))
	require.Equal(t, tilestore.DirNone, sm.DirType("old"))
	require.Equal(t, tilestore.DirArray, sm.DirType("new"))

	vals, coords := readSparse(t, sm, "new", nil)
	require.Equal(t, []int32{5}, vals)
	require.Equal(t, []int32{1, 2}, coords)

	err := sm.Move("missing", "elsewhere")
	require.Error(t, err)
	require.NoError(t, sm.ArrayCreate(sparseSchema("third")))
	err = sm.Move("third", "new")
	require.True(t, errors.Is(err, tilestore.ErrAlreadyExists))
}

func TestClearArray(t *testing.T) {
	sm := newTestManager(t)
	require.NoError(t, sm.ArrayCreate(sparseSchema("c")))
	writeSparse(t, sm, "c", []int32{5}, []int32{1, 2})

	require.NoError(t, sm.Clear("c"))
	require.Equal(t, tilestore.DirArray, sm.DirType("c"), "clear must keep the array")

	vals, _ := readSparse(t, sm, "c", nil)
	require.Empty(t, vals)

	// The cleared array accepts new writes.
	writeSparse(t, sm, "c", []int32{6}, []int32{2, 2})
	vals, _ = readSparse(t, sm, "c", nil)
	require.Equal(t, []int32{6}, vals)
}

func TestDelete(t *testing.T) {
	sm := newTestManager(t)
	require.NoError(t, sm.ArrayCreate(sparseSchema("d")))
	require.NoError(t, sm.Delete("d"))
	require.Equal(t, tilestore.DirNone, sm.DirType("d"))

	_, err := sm.ArrayInit("d", tilestore.ModeRead, nil, nil)
	require.True(t, errors.Is(err, tilestore.ErrNotFound))

	require.Error(t, sm.Delete("d"), "deleting a non-object must fail")
}

func TestArrayCreateTwice(t *testing.T) {
	sm := newTestManager(t)
	require.NoError(t, sm.ArrayCreate(sparseSchema("dup")))
	err := sm.ArrayCreate(sparseSchema("dup"))
	require.True(t, errors.Is(err, tilestore.ErrAlreadyExists))
}

func TestMultipleManagers(t *testing.T) {
	sm1 := newTestManager(t)
	sm2 := newTestManager(t)
	require.NoError(t, sm1.ArrayCreate(sparseSchema("a")))
	require.NoError(t, sm2.ArrayCreate(sparseSchema("a")))
	writeSparse(t, sm1, "a", []int32{1}, []int32{0, 0})
	writeSparse(t, sm2, "a", []int32{2}, []int32{0, 0})

	v1, _ := readSparse(t, sm1, "a", nil)
	v2, _ := readSparse(t, sm2, "a", nil)
	require.Equal(t, []int32{1}, v1)
	require.Equal(t, []int32{2}, v2)
}

func TestPathTraversalRejected(t *testing.T) {
	sm := newTestManager(t)
	require.Error(t, sm.GroupCreate("../escape"))
	require.Error(t, sm.Delete(".."))
	_, err := sm.ArrayInit("/abs", tilestore.ModeRead, nil, nil)
	require.Error(t, err)
}
