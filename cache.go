// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"
)

// tileKey addresses one decompressed tile in the cache. variant selects the
// parallel var-offsets tile of a variable-length attribute.
type tileKey struct {
	frag    string
	slot    int
	tile    int64
	variant bool
}

func (k tileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%t", k.frag, k.slot, k.tile, k.variant)
}

// TileCache is the process-wide LRU over decompressed tile bytes, bounded
// in bytes. A single mutex guards the map and the LRU list; concurrent
// misses on one key are collapsed to a single decompression by per-key
// single-flight.
type TileCache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	lru      *lru.Cache
	sizes    map[tileKey]int64

	flight singleflight.Group
	stats  StatsClient
}

// NewTileCache returns a cache bounded to maxBytes of decompressed tiles.
func NewTileCache(maxBytes int64, stats StatsClient) *TileCache {
	if stats == nil {
		stats = NopStatsClient
	}
	c := &TileCache{
		maxBytes: maxBytes,
		sizes:    make(map[tileKey]int64),
		stats:    stats,
	}
	c.lru = &lru.Cache{
		OnEvicted: func(key lru.Key, value interface{}) {
			k := key.(tileKey)
			c.curBytes -= c.sizes[k]
			delete(c.sizes, k)
			c.stats.Count("cache.evictions", 1)
		},
	}
	return c
}

// get returns the tile for k, loading it through load on a miss. Exactly
// one caller runs load per key at a time; an entry larger than the cache
// capacity is returned to the caller but not inserted.
func (c *TileCache) get(k tileKey, load func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if v, ok := c.lru.Get(k); ok {
		c.mu.Unlock()
		c.stats.Count("cache.hits", 1)
		return v.([]byte), nil
	}
	c.mu.Unlock()
	c.stats.Count("cache.misses", 1)

	v, err, _ := c.flight.Do(k.String(), func() (interface{}, error) {
		data, err := load()
		if err != nil {
			return nil, err
		}
		c.insert(k, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *TileCache) insert(k tileKey, data []byte) {
	sz := int64(len(data))
	if sz > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sizes[k]; ok {
		return
	}
	for c.curBytes+sz > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.lru.Add(k, data)
	c.sizes[k] = sz
	c.curBytes += sz
}

// invalidateFragment drops every cached tile of one fragment, used when
// consolidation retires its directory.
func (c *TileCache) invalidateFragment(frag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.sizes {
		if k.frag == frag {
			c.lru.Remove(k)
		}
	}
}

// invalidatePrefix drops every cached tile whose fragment path lives under
// prefix, used when whole objects are cleared, deleted or moved.
func (c *TileCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.sizes {
		if strings.HasPrefix(k.frag, prefix) {
			c.lru.Remove(k)
		}
	}
}

// bytes returns the current cached byte volume.
func (c *TileCache) bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// entries returns the number of cached tiles.
func (c *TileCache) entries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
