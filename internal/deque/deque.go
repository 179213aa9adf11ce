// Package deque implements the Chase-Lev lock-free work-stealing deque
// (Chase & Lev, "Dynamic Circular Work-Stealing Deque", 2005): push_bottom
// and pop_bottom run LIFO and are owner-only; steal runs FIFO and is safe
// from any number of concurrent thief goroutines. Unlike a textbook
// implementation the buffer grows instead of rejecting a push once full,
// since a scheduler's owner goroutine cannot simply drop a task.
package deque

import (
	"sync"
	"sync/atomic"
)

// Task is the unit of work a Deque carries. The scheduler package supplies
// the concrete function; the deque itself is type-agnostic.
type Task func()

const minCapacity = 32

// ringBuffer is a fixed power-of-two-sized circular buffer. A steal or pop
// that observes an in-progress grow always operates against the buffer
// pointer it loaded at the start of the call, never a buffer swapped in
// afterward, so growth never invalidates an in-flight operation.
type ringBuffer struct {
	mask int64
	data []atomic.Pointer[Task]
}

func newRingBuffer(capacity int64) *ringBuffer {
	rb := &ringBuffer{mask: capacity - 1, data: make([]atomic.Pointer[Task], capacity)}
	return rb
}

func (rb *ringBuffer) get(i int64) Task {
	p := rb.data[i&rb.mask].Load()
	if p == nil {
		return nil
	}
	return *p
}

func (rb *ringBuffer) put(i int64, t Task) {
	rb.data[i&rb.mask].Store(&t)
}

func (rb *ringBuffer) grow(bottom, top int64) *ringBuffer {
	next := newRingBuffer(int64(len(rb.data)) * 2)
	for i := top; i < bottom; i++ {
		next.put(i, rb.get(i))
	}
	return next
}

// Deque is a single worker's local run queue. One goroutine — the owner —
// calls PushBottom and PopBottom; any number of other goroutines may call
// Steal concurrently with the owner and with each other.
type Deque struct {
	top    atomic.Int64
	bottom atomic.Int64
	buf    atomic.Pointer[ringBuffer]

	// growMu serializes the owner's PushBottom (which may replace buf) and
	// PopBottom; Steal never takes it and only ever reads buf.
	growMu sync.Mutex
}

// New constructs an empty Deque with the given initial capacity, rounded up
// to the next power of two (minimum 32).
func New(capacity int) *Deque {
	cap64 := int64(minCapacity)
	for cap64 < int64(capacity) {
		cap64 *= 2
	}
	d := &Deque{}
	d.buf.Store(newRingBuffer(cap64))
	return d
}

// Len returns a point-in-time estimate of the number of queued tasks. Safe
// to call from any goroutine; may be stale the instant it returns under
// concurrent activity.
func (d *Deque) Len() int64 {
	b := d.bottom.Load()
	t := d.top.Load()
	if b < t {
		return 0
	}
	return b - t
}

// PushBottom adds a task to the bottom of the deque. Owner-only.
func (d *Deque) PushBottom(t Task) {
	d.growMu.Lock()
	defer d.growMu.Unlock()

	b := d.bottom.Load()
	top := d.top.Load()
	buf := d.buf.Load()

	if b-top >= int64(len(buf.data)) {
		buf = buf.grow(b, top)
		d.buf.Store(buf)
	}
	buf.put(b, t)
	d.bottom.Store(b + 1)
}

// PopBottom removes and returns the most recently pushed task (LIFO).
// Owner-only; may race a concurrent Steal for the last remaining element,
// in which case exactly one of them wins it.
func (d *Deque) PopBottom() Task {
	d.growMu.Lock()
	defer d.growMu.Unlock()

	b := d.bottom.Load() - 1
	buf := d.buf.Load()
	d.bottom.Store(b)

	top := d.top.Load()
	if top > b {
		// Was already empty; restore bottom and bail.
		d.bottom.Store(b + 1)
		return nil
	}

	task := buf.get(b)
	if top == b {
		// Last element: race a concurrent Steal for it with a CAS on top.
		if !d.top.CompareAndSwap(top, top+1) {
			task = nil
		}
		d.bottom.Store(b + 1)
		return task
	}
	return task
}

// Steal removes and returns the oldest task (FIFO). Safe to call
// concurrently from any number of goroutines, including the owner's own
// PopBottom racing for the final element.
func (d *Deque) Steal() Task {
	top := d.top.Load()
	bottom := d.bottom.Load()
	if top >= bottom {
		return nil
	}

	buf := d.buf.Load()
	task := buf.get(top)

	if !d.top.CompareAndSwap(top, top+1) {
		// Another thief (or the owner's PopBottom) won the race.
		return nil
	}
	return task
}
