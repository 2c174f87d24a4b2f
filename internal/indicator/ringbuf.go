package indicator

// ring is a fixed-capacity FIFO of float64 backed by a preallocated circular
// buffer. Pushing into a full ring evicts the oldest value.
type ring struct {
	buf  []float64
	head int // index of the oldest value
	n    int // values currently held
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]float64, capacity)}
}

// Push appends v. When the ring was full it returns the evicted value and true.
func (r *ring) Push(v float64) (evicted float64, ok bool) {
	c := len(r.buf)
	if r.n < c {
		r.buf[(r.head+r.n)%c] = v
		r.n++
		return 0, false
	}
	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % c
	return evicted, true
}

func (r *ring) Len() int   { return r.n }
func (r *ring) Cap() int   { return len(r.buf) }
func (r *ring) Full() bool { return r.n == len(r.buf) }

// At returns the i-th held value, 0 being the oldest.
func (r *ring) At(i int) float64 {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Last returns the newest value. The ring must not be empty.
func (r *ring) Last() float64 {
	return r.At(r.n - 1)
}

func (r *ring) clone() *ring {
	cp := &ring{buf: make([]float64, len(r.buf)), head: r.head, n: r.n}
	copy(cp.buf, r.buf)
	return cp
}
