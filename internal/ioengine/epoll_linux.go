//go:build linux

package ioengine

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// epollBackend implements the readiness profile with raw epoll syscalls,
// portable to any Linux kernel regardless of io_uring support.
type epollBackend struct {
	epfd   int
	tokens map[int]uint64
}

func newEpollBackend(cfg Config) (Backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: fd, tokens: make(map[int]uint64)}, nil
}

func (b *epollBackend) eventsFor(read, write bool) uint32 {
	var events uint32
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	return events
}

func (b *epollBackend) Register(fd int, token uint64, read, write bool) error {
	ev := &unix.EpollEvent{Events: b.eventsFor(read, write), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	b.tokens[fd] = token
	return nil
}

func (b *epollBackend) Modify(fd int, token uint64, read, write bool) error {
	ev := &unix.EpollEvent{Events: b.eventsFor(read, write), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return err
	}
	b.tokens[fd] = token
	return nil
}

func (b *epollBackend) Deregister(fd int) error {
	delete(b.tokens, fd)
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Prepare(op Op) error {
	return ErrUnsupported
}

func (b *epollBackend) FlushSubmissions() (uint32, error) {
	return 0, ErrUnsupported
}

func (b *epollBackend) Submit(op Op) error {
	return ErrUnsupported
}

func (b *epollBackend) Reap(dst []CQEvent, timeout time.Duration) ([]CQEvent, error) {
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(b.epfd, events, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		token, ok := b.tokens[int(ev.Fd)]
		if !ok {
			continue
		}
		kind := interfaces.Readable
		if ev.Events&unix.EPOLLOUT != 0 && ev.Events&unix.EPOLLIN == 0 {
			kind = interfaces.Writable
		}
		dst = append(dst, CQEvent{Token: token, Kind: kind, Result: 0})
	}
	return dst, nil
}

func (b *epollBackend) ZeroCopyCapable() bool { return false }

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}
