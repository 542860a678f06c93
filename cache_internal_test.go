// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTileCache_HitMiss(t *testing.T) {
	c := NewTileCache(1<<20, nil)
	k := tileKey{frag: "f1", slot: 0, tile: 0}
	loads := 0
	load := func() ([]byte, error) {
		loads++
		return []byte("payload"), nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.get(k, load)
		if err != nil {
			t.Fatal(err)
		}
		if string(v) != "payload" {
			t.Fatalf("got %q", v)
		}
	}
	if loads != 1 {
		t.Fatalf("loaded %d times", loads)
	}
}

func TestTileCache_EvictsToBound(t *testing.T) {
	c := NewTileCache(100, nil)
	for i := int64(0); i < 10; i++ {
		k := tileKey{frag: "f", tile: i}
		if _, err := c.get(k, func() ([]byte, error) {
			return make([]byte, 40), nil
		}); err != nil {
			t.Fatal(err)
		}
		if c.bytes() > 100 {
			t.Fatalf("cache grew to %d bytes", c.bytes())
		}
	}
	if c.entries() != 2 {
		t.Fatalf("entries = %d, want 2", c.entries())
	}
}

func TestTileCache_OversizeEntryNotInserted(t *testing.T) {
	c := NewTileCache(16, nil)
	k := tileKey{frag: "f", tile: 1}
	v, err := c.get(k, func() ([]byte, error) {
		return make([]byte, 64), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 64 {
		t.Fatal("oversize entry must still be returned")
	}
	if c.entries() != 0 || c.bytes() != 0 {
		t.Fatalf("oversize entry cached: %d entries, %d bytes", c.entries(), c.bytes())
	}
}

func TestTileCache_SingleFlight(t *testing.T) {
	c := NewTileCache(1<<20, nil)
	k := tileKey{frag: "f", tile: 7}
	var loads int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			v, err := c.get(k, func() ([]byte, error) {
				atomic.AddInt32(&loads, 1)
				return []byte("once"), nil
			})
			if err != nil || string(v) != "once" {
				t.Errorf("get: %q %v", v, err)
			}
		}()
	}
	close(gate)
	wg.Wait()
	if n := atomic.LoadInt32(&loads); n > 2 {
		// One load is the goal; a second can slip in after a racing miss,
		// but a stampede means single-flight is broken.
		t.Fatalf("load ran %d times", n)
	}
}

func TestTileCache_InvalidateFragment(t *testing.T) {
	c := NewTileCache(1<<20, nil)
	for i := int64(0); i < 4; i++ {
		frag := "a"
		if i%2 == 1 {
			frag = "b"
		}
		_, _ = c.get(tileKey{frag: frag, tile: i}, func() ([]byte, error) {
			return make([]byte, 8), nil
		})
	}
	c.invalidateFragment("a")
	if c.entries() != 2 {
		t.Fatalf("entries = %d after invalidation", c.entries())
	}
	c.invalidatePrefix("b")
	if c.entries() != 0 {
		t.Fatalf("entries = %d after prefix invalidation", c.entries())
	}
}
