// Package buffer implements the Buffer Manager: an arena of page-aligned
// memory regions handed out as reference-counted buffers usable by the
// kernel's zero-copy paths.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/cyclone/internal/constants"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// errOutOfMemory is returned by Allocate when no configured size class
// covers the request.
type errOutOfMemory struct{}

func (e *errOutOfMemory) Error() string { return "buffer: out of memory" }

// ErrOutOfMemory reports that no configured size class covers the request
// passed to Allocate. A failed mmap does not produce it: newAligned falls
// back to a heap allocation instead.
var ErrOutOfMemory = &errOutOfMemory{}

// Buffer is a contiguous, page-aligned byte range owned by a Manager.
// It never moves after allocation; release is deferred until the reference
// count reaches zero.
type Buffer struct {
	data     []byte
	class    int
	refCount atomic.Int32
	mgr      *Manager
}

// Bytes returns the buffer's backing slice. Valid only while refCount ≥ 1.
func (b *Buffer) Bytes() []byte { return b.data }

// Class returns the size-class bucket (in bytes) this buffer belongs to.
func (b *Buffer) Class() int { return b.class }

// Retain bumps the reference count. The zero-copy path retains on submit to
// the kernel and releases on completion instead of copying.
func (b *Buffer) Retain() { b.refCount.Add(1) }

// Release drops the reference count by one, returning the buffer to its
// Manager's free list when it reaches zero.
func (b *Buffer) Release() {
	if b.refCount.Add(-1) == 0 {
		b.mgr.put(b)
	}
}

// classPool is a per-size-class free list of raw buffers. Each class has
// its own small mutex so allocations in different classes never contend.
type classPool struct {
	mu   sync.Mutex
	free [][]byte
}

// Manager is an arena of size-classed free lists of page-aligned buffers.
// Size classes are powers of two between MinClass and MaxClass; a request
// is rounded up to the smallest class that satisfies it.
type Manager struct {
	classes  []int
	pools    []classPool
	observer interfaces.Observer

	bytesInUse       atomic.Int64
	bytesFree        atomic.Int64
	allocationsTotal atomic.Uint64
	hitsOnFreeList   atomic.Uint64
}

// Config configures a Manager.
type Config struct {
	// MinClass is the smallest pooled size class, in bytes. Defaults to
	// constants.DefaultBufferMinClass.
	MinClass int
	// MaxClass is the largest pooled size class, in bytes. Defaults to
	// constants.DefaultBufferMaxClass.
	MaxClass int
	// Observer receives allocation/release counters. Defaults to a no-op.
	Observer interfaces.Observer
}

// New creates a Manager with power-of-two size classes from cfg.MinClass to
// cfg.MaxClass inclusive.
func New(cfg Config) *Manager {
	minClass := cfg.MinClass
	if minClass <= 0 {
		minClass = constants.DefaultBufferMinClass
	}
	maxClass := cfg.MaxClass
	if maxClass <= 0 {
		maxClass = constants.DefaultBufferMaxClass
	}
	observer := cfg.Observer
	if observer == nil {
		observer = interfaces.NoOpObserver{}
	}

	var classes []int
	for c := minClass; c <= maxClass; c *= 2 {
		classes = append(classes, c)
	}

	return &Manager{
		classes:  classes,
		pools:    make([]classPool, len(classes)),
		observer: observer,
	}
}

// Allocate returns a buffer of at least size bytes, drawn from the smallest
// covering free list, or a freshly allocated page-aligned region on miss.
// Never blocks; returns ErrOutOfMemory only when no size class covers size.
func (m *Manager) Allocate(size int) (*Buffer, error) {
	idx := m.classIndex(size)
	if idx < 0 {
		return nil, ErrOutOfMemory
	}
	class := m.classes[idx]
	pool := &m.pools[idx]

	pool.mu.Lock()
	var data []byte
	fromFreeList := len(pool.free) > 0
	if fromFreeList {
		n := len(pool.free) - 1
		data = pool.free[n]
		pool.free = pool.free[:n]
	}
	pool.mu.Unlock()

	if !fromFreeList {
		data = newAligned(class)
	}

	m.allocationsTotal.Add(1)
	if fromFreeList {
		m.hitsOnFreeList.Add(1)
		m.bytesFree.Add(-int64(class))
	}
	m.bytesInUse.Add(int64(class))
	m.observer.ObserveBufferAllocated(class, fromFreeList)

	b := &Buffer{data: data[:size], class: class, mgr: m}
	b.refCount.Store(1)
	return b, nil
}

func (m *Manager) classIndex(size int) int {
	for i, c := range m.classes {
		if size <= c {
			return i
		}
	}
	return -1
}

// put returns a buffer's backing slice to its size class's free list.
func (m *Manager) put(b *Buffer) {
	idx := -1
	for i, c := range m.classes {
		if c == b.class {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	m.bytesInUse.Add(-int64(b.class))
	m.bytesFree.Add(int64(b.class))
	m.observer.ObserveBufferReleased(b.class)

	full := b.data[:cap(b.data)][:b.class]
	pool := &m.pools[idx]
	pool.mu.Lock()
	pool.free = append(pool.free, full)
	pool.mu.Unlock()
}

// Stats is a point-in-time snapshot of Manager counters.
type Stats struct {
	BytesInUse       int64
	BytesFree        int64
	AllocationsTotal uint64
	HitsOnFreeList   uint64
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		BytesInUse:       m.bytesInUse.Load(),
		BytesFree:        m.bytesFree.Load(),
		AllocationsTotal: m.allocationsTotal.Load(),
		HitsOnFreeList:   m.hitsOnFreeList.Load(),
	}
}
