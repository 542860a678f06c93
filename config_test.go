// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore_test

import (
	"os"
	"path/filepath"
	"testing"

	tilestore "github.com/featurebasedb/tilestore"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := tilestore.DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, int64(10<<20), cfg.TileCacheBytes)
	require.Equal(t, tilestore.ReadMMap, cfg.ReadMethod)
	require.Equal(t, tilestore.WriteBuffered, cfg.WriteMethod)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tilestore.toml")
	body := `
read_method = "buffered"
write_method = "direct"
tile_cache_bytes = 1048576
aio_workers = 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := tilestore.LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, tilestore.ReadBuffered, cfg.ReadMethod)
	require.Equal(t, tilestore.WriteSync, cfg.WriteMethod)
	require.Equal(t, int64(1<<20), cfg.TileCacheBytes)
	require.Equal(t, 2, cfg.AIOWorkers)
}

func TestLoadConfigFileBadMethod(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`read_method = "warp"`), 0o644))
	_, err := tilestore.LoadConfigFile(path)
	require.Error(t, err)
}

// Every read method serves the same data end to end.
func TestReadMethodsEndToEnd(t *testing.T) {
	for _, method := range []tilestore.ReadMethod{
		tilestore.ReadBuffered, tilestore.ReadMMap, tilestore.ReadDirect,
	} {
		cfg := tilestore.DefaultConfig()
		cfg.ReadMethod = method
		sm, err := tilestore.NewStorageManager(t.TempDir(), cfg)
		require.NoError(t, err)
		require.NoError(t, sm.ArrayCreate(sparseSchema("m")))
		writeSparse(t, sm, "m", []int32{42}, []int32{3, 1})
		vals, coords := readSparse(t, sm, "m", nil)
		require.Equal(t, []int32{42}, vals, "method %d", method)
		require.Equal(t, []int32{3, 1}, coords, "method %d", method)
		sm.Close()
	}
}
