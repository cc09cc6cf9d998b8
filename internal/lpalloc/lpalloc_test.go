package lpalloc

import (
	"errors"
	"testing"
)

func TestMallocBumpsPointerAndZeroFills(t *testing.T) {
	a := NewArena(1, 4096)
	r := a.Region(0)

	b, err := r.Malloc(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range b {
		if v != 0 {
			t.Fatalf("expected zero-filled memory")
		}
	}
	if r.Brk() != 16 {
		t.Fatalf("expected brk=16, got %d", r.Brk())
	}
}

func TestMallocExhaustionAtExactBoundary(t *testing.T) {
	// Scenario 6: region size 4096, four allocations of 1024 succeed, a
	// fifth allocation of 1 fails.
	a := NewArena(1, 4096)
	r := a.Region(0)

	for i := 0; i < 4; i++ {
		if _, err := r.Malloc(1024); err != nil {
			t.Fatalf("allocation %d should succeed: %v", i, err)
		}
	}
	if _, err := r.Malloc(1); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestMallocSucceedsExactlyAtRegionEnd(t *testing.T) {
	a := NewArena(1, 128)
	r := a.Region(0)
	if _, err := r.Malloc(128); err != nil {
		t.Fatalf("brk+n == region_end must succeed: %v", err)
	}
	if _, err := r.Malloc(1); err == nil {
		t.Fatalf("brk+n > region_end must fail")
	}
}

func TestResetRewindsBrkAndClearsDirty(t *testing.T) {
	a := NewArena(1, 4096)
	r := a.Region(0)
	r.Malloc(100)
	if len(r.DirtyPages()) == 0 {
		t.Fatalf("expected dirty pages after allocation")
	}
	r.Reset()
	if r.Brk() != 0 {
		t.Fatalf("expected brk reset to 0, got %d", r.Brk())
	}
	if len(r.DirtyPages()) != 0 {
		t.Fatalf("expected dirty bitmap cleared")
	}
}

func TestRegionsDoNotOverlap(t *testing.T) {
	a := NewArena(3, 256)
	for i := 0; i < 3; i++ {
		r := a.Region(uint32(i))
		b, err := r.Malloc(256)
		if err != nil {
			t.Fatalf("region %d: %v", i, err)
		}
		for j := range b {
			b[j] = byte(i + 1)
		}
	}
	// region 0's bytes must all read back as 1, unaffected by writes to 1/2.
	got := a.Region(0).Bytes()
	for _, v := range got {
		if v != 1 {
			t.Fatalf("region 0 contaminated by neighboring region write")
		}
	}
}
