// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilestore

import "testing"

func TestHilbert_Distinct2D(t *testing.T) {
	h := newHilbertCurve(2, 8)
	if h.bits != 3 {
		t.Fatalf("bits = %d, want 3 for extent 8", h.bits)
	}
	seen := make(map[uint64][]int64)
	for x := int64(0); x < 8; x++ {
		for y := int64(0); y < 8; y++ {
			idx := h.index([]int64{x, y})
			if prev, ok := seen[idx]; ok {
				t.Fatalf("index %d for both %v and (%d,%d)", idx, prev, x, y)
			}
			seen[idx] = []int64{x, y}
			if idx >= 64 {
				t.Fatalf("index %d out of range for a 8x8 grid", idx)
			}
		}
	}
}

func TestHilbert_Deterministic(t *testing.T) {
	h := newHilbertCurve(3, 16)
	coords := []int64{3, 7, 12}
	first := h.index(coords)
	for i := 0; i < 10; i++ {
		if h.index(coords) != first {
			t.Fatal("index not deterministic")
		}
	}
}

// Consecutive curve positions differ in exactly one coordinate by one step;
// walking the whole 2D curve checks the transpose decode end to end.
func TestHilbert_AdjacencyWalk(t *testing.T) {
	h := newHilbertCurve(2, 4)
	byIndex := make(map[uint64][2]int64)
	for x := int64(0); x < 4; x++ {
		for y := int64(0); y < 4; y++ {
			byIndex[h.index([]int64{x, y})] = [2]int64{x, y}
		}
	}
	if len(byIndex) != 16 {
		t.Fatalf("expected 16 distinct indices, have %d", len(byIndex))
	}
	for i := uint64(0); i+1 < 16; i++ {
		a, aok := byIndex[i]
		b, bok := byIndex[i+1]
		if !aok || !bok {
			t.Fatalf("index %d or %d missing", i, i+1)
		}
		dx := a[0] - b[0]
		dy := a[1] - b[1]
		if dx*dx+dy*dy != 1 {
			t.Fatalf("positions %d (%v) and %d (%v) are not adjacent", i, a, i+1, b)
		}
	}
}

func TestHilbert_BitBudgetClamped(t *testing.T) {
	h := newHilbertCurve(8, 1<<40)
	if h.dims*h.bits > maxHilbertTotalBits {
		t.Fatalf("budget %d bits x %d dims overflows", h.bits, h.dims)
	}
}
