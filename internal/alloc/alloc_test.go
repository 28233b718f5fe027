package alloc

import "testing"

func TestNextAssignsSmallestFree(t *testing.T) {
	a := New(4)

	ids := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := a.Next()
		if err != nil {
			t.Fatalf("unexpected error at i=%d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i, id := range ids {
		if id != i {
			t.Fatalf("expected dense ids 0..3, got %v", ids)
		}
	}

	if _, err := a.Next(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	a.Free(1)
	id, err := a.Next()
	if err != nil {
		t.Fatalf("unexpected error after free: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected reuse of freed id 1, got %d", id)
	}
}

func TestFreeOnAlreadyFreeIsNoop(t *testing.T) {
	a := New(2)
	id, _ := a.Next()
	a.Free(id)
	a.Free(id) // must not panic or double-free into the heap

	got, err := a.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Fatalf("expected %d, got %d", id, got)
	}
	// pool should still have exactly cap-1 remaining after this alloc
	if a.Len() != 1 {
		t.Fatalf("expected 1 live id, got %d", a.Len())
	}
}

func TestFreeOnNeverAllocatedIsNoop(t *testing.T) {
	a := New(4)
	a.Free(3) // never allocated; must be a no-op, not corrupt the heap
	for i := 0; i < 4; i++ {
		if _, err := a.Next(); err != nil {
			t.Fatalf("unexpected exhaustion at i=%d: %v", i, err)
		}
	}
	if _, err := a.Next(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestCapIsHardLimit(t *testing.T) {
	a := New(100)
	for i := 0; i < 100; i++ {
		if _, err := a.Next(); err != nil {
			t.Fatalf("unexpected exhaustion at i=%d: %v", i, err)
		}
	}
	if _, err := a.Next(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted at cap, got %v", err)
	}
}
