package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/cyclone/internal/buffer"
	"github.com/ehrlich-b/cyclone/internal/ioengine"
)

type fakeBackend struct {
	mu         sync.Mutex
	prepared   []ioengine.Op
	submitted  []ioengine.Op
	flushCalls int
	zeroCopy   bool
	failN      int // fail the next N prepares with ErrRingFull
}

func (b *fakeBackend) Register(fd int, token uint64, read, write bool) error { return nil }
func (b *fakeBackend) Modify(fd int, token uint64, read, write bool) error   { return nil }
func (b *fakeBackend) Deregister(fd int) error                               { return nil }
func (b *fakeBackend) Close() error                                          { return nil }
func (b *fakeBackend) ZeroCopyCapable() bool                                 { return b.zeroCopy }
func (b *fakeBackend) Reap(dst []ioengine.CQEvent, _ time.Duration) ([]ioengine.CQEvent, error) {
	return dst, nil
}

func (b *fakeBackend) Prepare(op ioengine.Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failN > 0 {
		b.failN--
		return ioengine.ErrRingFull
	}
	b.prepared = append(b.prepared, op)
	return nil
}

func (b *fakeBackend) FlushSubmissions() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := uint32(len(b.prepared))
	b.submitted = append(b.submitted, b.prepared...)
	b.prepared = nil
	b.flushCalls++
	return n, nil
}

func (b *fakeBackend) Submit(op ioengine.Op) error {
	if err := b.Prepare(op); err != nil {
		return err
	}
	_, err := b.FlushSubmissions()
	return err
}

func TestFlush_ZeroCopyHoldsBufferUntilCompletion(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true}
	bat := New(Config{Backend: backend, BatchSize: 10, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	buf, err := mgr.Allocate(4096)
	require.NoError(t, err)

	bat.BatchWrite(1, buf, 0)
	require.NoError(t, bat.Flush())

	require.Len(t, backend.submitted, 1)
	stats := bat.Stats()
	require.EqualValues(t, 4096, stats.BytesZeroCopy)
	require.Zero(t, stats.BytesCopied)
	require.InDelta(t, 1.0, stats.EfficiencyRatio, 0.0001)

	// The kernel may still be reading the buffer: it stays checked out
	// until the completion for its token is reaped.
	require.EqualValues(t, 4096, mgr.Stats().BytesInUse)
	require.Zero(t, mgr.Stats().BytesFree)

	bat.OnCompletion(1)
	require.Zero(t, mgr.Stats().BytesInUse)
	require.EqualValues(t, 4096, mgr.Stats().BytesFree, "buffer must return to the free list once its completion is reaped")
}

func TestOnCompletion_ReleasesPerTokenFIFO(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true}
	bat := New(Config{Backend: backend, BatchSize: 10, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	for i := 0; i < 2; i++ {
		buf, err := mgr.Allocate(4096)
		require.NoError(t, err)
		bat.BatchWrite(7, buf, int64(i)*4096)
	}
	require.NoError(t, bat.Flush())
	require.EqualValues(t, 8192, mgr.Stats().BytesInUse)

	bat.OnCompletion(7)
	require.EqualValues(t, 4096, mgr.Stats().BytesInUse)
	bat.OnCompletion(7)
	require.Zero(t, mgr.Stats().BytesInUse)

	// Completions for tokens with nothing inflight are a no-op.
	bat.OnCompletion(7)
	bat.OnCompletion(99)
}

func TestFlush_CopyFallbackWhenBackendNotZeroCopy(t *testing.T) {
	backend := &fakeBackend{zeroCopy: false}
	bat := New(Config{Backend: backend, BatchSize: 10, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	buf, err := mgr.Allocate(4096)
	require.NoError(t, err)

	bat.BatchRead(1, buf, 0)
	require.NoError(t, bat.Flush())

	stats := bat.Stats()
	require.Zero(t, stats.BytesZeroCopy)
	require.EqualValues(t, 4096, stats.BytesCopied)

	// Copy path: the staging slice shields the buffer, so it is released
	// as soon as the flush has staged it.
	require.EqualValues(t, 4096, mgr.Stats().BytesFree)
}

func TestFlush_OneKernelEnterForManyOps(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true}
	bat := New(Config{Backend: backend, BatchSize: 100, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	const n = 16
	for i := 0; i < n; i++ {
		buf, err := mgr.Allocate(4096)
		require.NoError(t, err)
		bat.BatchWrite(uint64(i), buf, 0)
	}
	require.NoError(t, bat.Flush())

	require.Len(t, backend.submitted, n)
	require.Equal(t, 1, backend.flushCalls, "a full batch must reach the kernel in a single flush")

	bat.ReleaseInflight()
}

func TestFlush_TriggersAutomaticallyAtBatchSize(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true}
	bat := New(Config{Backend: backend, BatchSize: 2, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	for i := 0; i < 2; i++ {
		buf, err := mgr.Allocate(4096)
		require.NoError(t, err)
		bat.BatchWrite(uint64(i), buf, 0)
	}

	require.Len(t, backend.submitted, 2, "reaching BatchSize must flush without an explicit Flush call")
	bat.ReleaseInflight()
}

func TestFlush_BackpressureRetainsUnsentOps(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true, failN: 1}
	bat := New(Config{Backend: backend, BatchSize: 10, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	buf, err := mgr.Allocate(4096)
	require.NoError(t, err)
	bat.BatchWrite(1, buf, 0)

	err = bat.Flush()
	require.ErrorIs(t, err, ErrBackpressureStalled)
	require.Empty(t, backend.submitted)

	require.NoError(t, bat.Flush())
	require.Len(t, backend.submitted, 1)

	stats := bat.Stats()
	require.EqualValues(t, 4096, stats.BytesZeroCopy, "a retried op is accounted exactly once")

	bat.OnCompletion(1)
	require.EqualValues(t, 4096, mgr.Stats().BytesFree)
}

func TestShouldFlushWindow_FalseBeforeWindowElapses(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true}
	bat := New(Config{Backend: backend, BatchSize: 100, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	buf, err := mgr.Allocate(4096)
	require.NoError(t, err)
	bat.BatchWrite(1, buf, 0)

	require.False(t, bat.ShouldFlushWindow(time.Now()))
}

func TestFlush_DisableZeroCopyForcesCopyPath(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true}
	bat := New(Config{Backend: backend, BatchSize: 10, Window: time.Hour, DisableZeroCopy: true})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	buf, err := mgr.Allocate(4096)
	require.NoError(t, err)

	bat.BatchWrite(1, buf, 0)
	require.NoError(t, bat.Flush())

	stats := bat.Stats()
	require.Zero(t, stats.BytesZeroCopy, "zero-copy accounting must stay untouched when disabled")
	require.EqualValues(t, 4096, stats.BytesCopied)
	require.EqualValues(t, 4096, mgr.Stats().BytesFree)
}

func TestReleaseInflight_DropsEveryHeldBuffer(t *testing.T) {
	backend := &fakeBackend{zeroCopy: true}
	bat := New(Config{Backend: backend, BatchSize: 10, Window: time.Hour})

	mgr := buffer.New(buffer.Config{MinClass: 4096, MaxClass: 4096})
	for i := 0; i < 3; i++ {
		buf, err := mgr.Allocate(4096)
		require.NoError(t, err)
		bat.BatchWrite(uint64(i), buf, 0)
	}
	require.NoError(t, bat.Flush())
	require.EqualValues(t, 3*4096, mgr.Stats().BytesInUse)

	bat.ReleaseInflight()
	require.Zero(t, mgr.Stats().BytesInUse)
}
