package ringbuf

import (
	"math"
	"testing"
)

func TestWindow_PushWithinCapacity(t *testing.T) {
	w := New(3)

	if _, ok := w.Push(1); ok {
		t.Fatal("push into empty window should not evict")
	}
	w.Push(2)

	if w.Len() != 2 {
		t.Fatalf("expected len=2, got %d", w.Len())
	}
	if w.Full() {
		t.Fatal("window with 2 of 3 values should not be full")
	}
	if w.At(0) != 1 || w.At(1) != 2 {
		t.Fatalf("expected [1 2], got %v", w.Values())
	}
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := New(3)
	for _, v := range []float64{1, 2, 3} {
		w.Push(v)
	}

	evicted, ok := w.Push(4)
	if !ok || evicted != 1 {
		t.Fatalf("expected eviction of 1, got %v ok=%v", evicted, ok)
	}
	got := w.Values()
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if w.Len() != 3 {
		t.Fatalf("expected len to stay at capacity 3, got %d", w.Len())
	}
}

func TestWindow_Wraparound(t *testing.T) {
	w := New(4)

	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			w.Push(float64(round*10 + i))
		}
		for i := 0; i < 4; i++ {
			if got := w.At(i); got != float64(round*10+i) {
				t.Fatalf("round %d at %d: expected %d, got %v", round, i, round*10+i, got)
			}
		}
	}
}

func TestWindow_LastAndMean(t *testing.T) {
	w := New(3)
	if _, ok := w.Last(0); ok {
		t.Fatal("Last on empty window should report ok=false")
	}

	for _, v := range []float64{10, 20, 30, 40} {
		w.Push(v)
	}

	if v, _ := w.Last(0); v != 40 {
		t.Errorf("expected newest=40, got %v", v)
	}
	if v, _ := w.Last(1); v != 30 {
		t.Errorf("expected previous=30, got %v", v)
	}
	if _, ok := w.Last(3); ok {
		t.Error("Last(3) on a 3-value window should report ok=false")
	}
	if math.Abs(w.Mean()-30) > 1e-9 {
		t.Errorf("expected mean=30, got %v", w.Mean())
	}
}

func TestWindow_Reset(t *testing.T) {
	w := New(2)
	w.Push(5)
	w.Push(6)
	w.Reset()

	if w.Len() != 0 || w.Sum() != 0 {
		t.Fatalf("expected empty window after reset, got len=%d sum=%v", w.Len(), w.Sum())
	}
	if w.Cap() != 2 {
		t.Fatalf("expected capacity 2 after reset, got %d", w.Cap())
	}
}

func TestWindow_MinimumCapacity(t *testing.T) {
	w := New(0)
	if w.Cap() != 1 {
		t.Fatalf("expected capacity clamped to 1, got %d", w.Cap())
	}
}
