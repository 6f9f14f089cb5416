// Package ringbuf provides a fixed-capacity, evicting ring of float64 values
// used for the indicator's price and true-range histories. It keeps a running
// sum so the mean is O(1) per push.
//
// A Window is owned by a single goroutine; it does no locking.
package ringbuf

// Window holds the most recent Cap() values. Pushing into a full window
// evicts the oldest value.
type Window struct {
	buf   []float64
	head  int // next write position
	count int
	sum   float64
}

// New creates a window holding at most capacity values. Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

// Push appends v. If the window was full, the evicted value is returned with ok=true.
func (w *Window) Push(v float64) (evicted float64, ok bool) {
	if w.count == len(w.buf) {
		evicted, ok = w.buf[w.head], true
		w.sum -= evicted
	} else {
		w.count++
	}
	w.buf[w.head] = v
	w.sum += v
	w.head = (w.head + 1) % len(w.buf)
	return evicted, ok
}

// At returns the i-th value counting from the oldest (0) to the newest (Len()-1).
// Panics if i is out of range, like a slice index.
func (w *Window) At(i int) float64 {
	if i < 0 || i >= w.count {
		panic("ringbuf: index out of range")
	}
	start := w.head - w.count
	if start < 0 {
		start += len(w.buf)
	}
	return w.buf[(start+i)%len(w.buf)]
}

// Last returns the value k steps back from the newest (Last(0) is the newest).
func (w *Window) Last(k int) (float64, bool) {
	if k < 0 || k >= w.count {
		return 0, false
	}
	return w.At(w.count - 1 - k), true
}

// Values returns a copy of the contents, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}

// Mean returns the arithmetic mean of the held values (0 when empty).
func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *Window) Sum() float64 { return w.sum }
func (w *Window) Len() int      { return w.count }
func (w *Window) Cap() int      { return len(w.buf) }
func (w *Window) Full() bool    { return w.count == len(w.buf) }

// Reset empties the window, keeping its capacity.
func (w *Window) Reset() {
	w.head, w.count, w.sum = 0, 0, 0
	for i := range w.buf {
		w.buf[i] = 0
	}
}
