//go:build linux

package ioengine

import (
	"time"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// uringBackend implements the submission/completion profile on top of
// giouring's liburing-style ring.
type uringBackend struct {
	ring *giouring.Ring
	cqes []*giouring.CompletionQueueEvent
}

func newUringBackend(cfg Config) (Backend, error) {
	ring, err := giouring.CreateRing(cfg.QueueDepth)
	if err != nil {
		return nil, err
	}
	return &uringBackend{
		ring: ring,
		cqes: make([]*giouring.CompletionQueueEvent, cfg.QueueDepth),
	}, nil
}

func (b *uringBackend) Register(fd int, token uint64, read, write bool) error { return ErrUnsupported }
func (b *uringBackend) Modify(fd int, token uint64, read, write bool) error   { return ErrUnsupported }
func (b *uringBackend) Deregister(fd int) error                               { return ErrUnsupported }

// Prepare fills the next free SQE without entering the kernel; the entry
// becomes visible on the next FlushSubmissions.
func (b *uringBackend) Prepare(op Op) error {
	sqe := b.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	switch op.Kind {
	case OpRead:
		sqe.PrepareRead(op.FD, uintptr(unsafePointer(op.Buf)), uint32(len(op.Buf)), uint64(op.Off))
	case OpWrite:
		sqe.PrepareWrite(op.FD, uintptr(unsafePointer(op.Buf)), uint32(len(op.Buf)), uint64(op.Off))
	case OpAccept:
		sqe.PrepareAccept(op.FD, 0, 0, 0)
	}
	sqe.UserData = op.Token
	return nil
}

// FlushSubmissions enters the kernel once for every SQE prepared since the
// last flush.
func (b *uringBackend) FlushSubmissions() (uint32, error) {
	n, err := b.ring.Submit()
	return uint32(n), err
}

func (b *uringBackend) Submit(op Op) error {
	if err := b.Prepare(op); err != nil {
		return err
	}
	_, err := b.FlushSubmissions()
	return err
}

// Reap drains whatever completions are already posted; when none are and a
// timeout was given, it re-checks at a short interval until the deadline.
// The poll interval trades a bounded wakeup cost for not depending on a
// kernel-side wait, keeping the reap path identical whether completions
// arrive in bursts or as a trickle.
func (b *uringBackend) Reap(dst []CQEvent, timeout time.Duration) ([]CQEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		n := b.ring.PeekBatchCQE(b.cqes)
		if n > 0 {
			for _, cqe := range b.cqes[:n] {
				dst = append(dst, CQEvent{
					Token:  cqe.UserData,
					Kind:   interfaces.IOCompletion,
					Result: int64(cqe.Res),
				})
			}
			b.ring.CQAdvance(n)
			return dst, nil
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return dst, nil
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func (b *uringBackend) ZeroCopyCapable() bool { return true }

func (b *uringBackend) Close() error {
	b.ring.QueueExit()
	return nil
}
