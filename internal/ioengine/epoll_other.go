//go:build !linux

package ioengine

import (
	"errors"
	"time"
)

// epollBackend has no portable equivalent outside Linux; constructing one
// off-Linux fails fast rather than silently degrading to busy-polling.
type epollBackend struct{}

func newEpollBackend(cfg Config) (Backend, error) {
	return nil, errors.New("ioengine: epoll readiness backend requires linux")
}

func (b *epollBackend) Register(fd int, token uint64, read, write bool) error { return ErrUnsupported }
func (b *epollBackend) Modify(fd int, token uint64, read, write bool) error   { return ErrUnsupported }
func (b *epollBackend) Deregister(fd int) error                              { return ErrUnsupported }
func (b *epollBackend) Prepare(op Op) error                                  { return ErrUnsupported }
func (b *epollBackend) FlushSubmissions() (uint32, error)                    { return 0, ErrUnsupported }
func (b *epollBackend) Submit(op Op) error                                   { return ErrUnsupported }
func (b *epollBackend) Reap(dst []CQEvent, timeout time.Duration) ([]CQEvent, error) {
	return dst, ErrUnsupported
}
func (b *epollBackend) ZeroCopyCapable() bool { return false }
func (b *epollBackend) Close() error          { return nil }
