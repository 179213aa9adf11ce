// Package batcher implements the syscall batcher: it accumulates
// per-token read/write operations and flushes them to the I/O Backend as a
// batch, triggered by size, by a time window that the Runtime checks once
// per poll iteration, or by an explicit Flush call. A poll iteration that
// finds the window not yet elapsed does not flush.
package batcher

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/cyclone/internal/buffer"
	"github.com/ehrlich-b/cyclone/internal/constants"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
	"github.com/ehrlich-b/cyclone/internal/ioengine"
)

// pending is one queued operation awaiting flush.
type pending struct {
	token uint64
	op    ioengine.Op
	buf   *buffer.Buffer // non-nil when the bytes came from the Buffer Manager
}

// Config configures a Batcher.
type Config struct {
	Backend   ioengine.Backend
	BatchSize int
	Window    time.Duration
	// DisableZeroCopy forces the staging-copy path even when the backend
	// could take a registered buffer directly.
	DisableZeroCopy bool
	Observer        interfaces.Observer
	Logger          interfaces.Logger
}

// Batcher accumulates reads and writes and flushes them to Backend in
// batches. It is not safe for concurrent use by multiple goroutines without
// external synchronization; the Reactor drives it from its single poll
// thread.
type Batcher struct {
	cfg Config

	mu        sync.Mutex
	queue     []pending
	opened    time.Time
	windowGate rate.Sometimes

	// inflight holds, per token, the buffers the kernel may still be
	// reading or writing: zero-copy submissions keep their reference here
	// until the matching completion is reaped (OnCompletion). Per-token
	// completions arrive in submission order, so a FIFO slice suffices.
	inflightMu sync.Mutex
	inflight   map[uint64][]*buffer.Buffer

	bytesZeroCopy atomic64
	bytesCopied   atomic64
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = constants.DefaultBatchSize
	}
	if c.Window <= 0 {
		c.Window = constants.DefaultBatchWindow
	}
}

// New constructs a Batcher.
func New(cfg Config) *Batcher {
	cfg.setDefaults()
	b := &Batcher{cfg: cfg, inflight: make(map[uint64][]*buffer.Buffer)}
	b.windowGate = rate.Sometimes{Interval: cfg.Window}
	return b
}

// BatchRead appends a read operation for token, backed by a Buffer Manager
// buffer so a zero-copy submission is possible. The batcher takes ownership
// of the caller's buffer reference: on the copy path it is released once
// the bytes are staged, on the zero-copy path it is held until the
// operation's completion is reaped.
func (b *Batcher) BatchRead(token uint64, buf *buffer.Buffer, off int64) {
	b.append(pending{token: token, buf: buf, op: ioengine.Op{Kind: ioengine.OpRead, Buf: buf.Bytes(), Off: off, Token: token}})
}

// BatchWrite appends a write operation for token.
func (b *Batcher) BatchWrite(token uint64, buf *buffer.Buffer, off int64) {
	b.append(pending{token: token, buf: buf, op: ioengine.Op{Kind: ioengine.OpWrite, Buf: buf.Bytes(), Off: off, Token: token}})
}

func (b *Batcher) append(p pending) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.opened = time.Now()
	}
	b.queue = append(b.queue, p)
	full := len(b.queue) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		_ = b.Flush()
	}
}

// ShouldFlushWindow reports whether the oldest queued operation has been
// waiting longer than the configured window; the Runtime calls this once
// per poll iteration to trigger a time-based flush. windowGate additionally
// caps how often a "yes" can fire to roughly once per window, so a burst of
// poll iterations arriving faster than the window can't thrash Flush (and
// its backend syscalls) more often than the window allows.
func (b *Batcher) ShouldFlushWindow(now time.Time) bool {
	b.mu.Lock()
	due := len(b.queue) > 0 && now.Sub(b.opened) >= b.cfg.Window
	b.mu.Unlock()
	if !due {
		return false
	}
	fire := false
	b.windowGate.Do(func() { fire = true })
	return fire
}

// Flush prepares every queued operation into the backend's submission ring
// and enters the kernel once for the whole batch. Per token, order is
// preserved; across tokens, order is unspecified. On the zero-copy path the
// buffer's reference moves to the inflight set and is held until the
// operation's completion is reaped; on the copy path the bytes are staged
// into a fresh slice and the buffer is released immediately.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	zeroCopy := !b.cfg.DisableZeroCopy && b.cfg.Backend.ZeroCopyCapable()
	var backpressured []pending
	prepared := 0

	for _, p := range batch {
		op := p.op
		if p.buf != nil && !zeroCopy {
			staged := make([]byte, len(op.Buf))
			copy(staged, op.Buf)
			op.Buf = staged
		}

		err := b.cfg.Backend.Prepare(op)
		if err == ioengine.ErrUnsupported {
			// Readiness backend: no submission ring to batch into.
			err = b.cfg.Backend.Submit(op)
		} else if err == nil {
			prepared++
		}
		if err != nil {
			if err == ioengine.ErrRingFull {
				// Keep ownership; the operation is retried on the next
				// flush.
				backpressured = append(backpressured, p)
				continue
			}
			if p.buf != nil {
				p.buf.Release()
			}
			if b.cfg.Logger != nil {
				b.cfg.Logger.Errorf("batcher: submit token %d: %v", p.token, err)
			}
			continue
		}

		if p.buf != nil {
			n := uint64(len(op.Buf))
			if zeroCopy {
				// The kernel may touch the buffer until its completion is
				// reaped; the caller's reference parks in inflight and is
				// dropped by OnCompletion.
				b.inflightMu.Lock()
				b.inflight[p.token] = append(b.inflight[p.token], p.buf)
				b.inflightMu.Unlock()
				b.bytesZeroCopy.add(n)
				if b.cfg.Observer != nil {
					b.cfg.Observer.ObserveZeroCopyWrite(n)
				}
			} else {
				b.bytesCopied.add(n)
				if b.cfg.Observer != nil {
					b.cfg.Observer.ObserveCopyFallback(n)
				}
				p.buf.Release()
			}
		}
	}

	if prepared > 0 {
		if _, err := b.cfg.Backend.FlushSubmissions(); err != nil && b.cfg.Logger != nil {
			b.cfg.Logger.Errorf("batcher: flush %d prepared ops: %v", prepared, err)
		}
	}

	if len(backpressured) > 0 {
		b.mu.Lock()
		b.queue = append(backpressured, b.queue...)
		if len(b.queue) == len(backpressured) {
			b.opened = time.Now()
		}
		b.mu.Unlock()
		return ErrBackpressureStalled
	}
	return nil
}

// OnCompletion releases the oldest inflight zero-copy buffer for token.
// The Reactor calls this for every reaped completion event; tokens with no
// inflight buffer (copy-path or handler-only tokens) are a no-op.
func (b *Batcher) OnCompletion(token uint64) {
	b.inflightMu.Lock()
	bufs := b.inflight[token]
	if len(bufs) == 0 {
		b.inflightMu.Unlock()
		return
	}
	buf := bufs[0]
	if len(bufs) == 1 {
		delete(b.inflight, token)
	} else {
		b.inflight[token] = bufs[1:]
	}
	b.inflightMu.Unlock()

	buf.Release()
}

// ReleaseInflight drops every still-inflight buffer reference. Only valid
// once the backend is closed and can no longer touch the memory; the
// Runtime calls it during shutdown.
func (b *Batcher) ReleaseInflight() {
	b.inflightMu.Lock()
	all := b.inflight
	b.inflight = make(map[uint64][]*buffer.Buffer)
	b.inflightMu.Unlock()

	for _, bufs := range all {
		for _, buf := range bufs {
			buf.Release()
		}
	}
}

// Stats is a point-in-time snapshot of batcher throughput.
type Stats struct {
	BytesZeroCopy  uint64
	BytesCopied    uint64
	EfficiencyRatio float64 // bytes moved zero-copy / total bytes moved; 0 if nothing moved yet
}

// Stats returns the batcher's throughput counters plus the share of bytes
// that moved without a staging copy.
func (b *Batcher) Stats() Stats {
	zc := b.bytesZeroCopy.load()
	cp := b.bytesCopied.load()
	st := Stats{BytesZeroCopy: zc, BytesCopied: cp}
	if total := zc + cp; total > 0 {
		st.EfficiencyRatio = float64(zc) / float64(total)
	}
	return st
}
