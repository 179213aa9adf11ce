// Package ioengine implements the I/O Backend: the layer that turns pending
// read/write/accept operations into OS readiness or completion events. Two
// profiles exist, matching two different kernel I/O models: readiness
// (epoll — the caller is told a descriptor is ready, then performs the
// syscall itself) and submission/completion (io_uring — the caller submits
// the operation up front and is told when it's done, with the result
// already in hand).
package ioengine

import (
	"time"

	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// OpKind identifies the syscall family a submitted Op represents.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
	OpAccept
)

// Op is one submitted operation. Backend implementations interpret Buf
// according to Kind: a destination buffer for OpRead, a source buffer for
// OpWrite, unused for OpAccept.
type Op struct {
	Kind  OpKind
	FD    int
	Buf   []byte
	Off   int64
	Token uint64 // opaque, round-tripped onto the matching CQEvent
}

// CQEvent is one completed or ready event reaped from a Backend.
type CQEvent struct {
	Token  uint64
	Kind   interfaces.EventKind
	Result int64 // bytes transferred (>=0) or a negative errno
}

// Backend is the interface the Reactor polls. Readiness backends implement
// Register/Modify/Deregister and report readiness, not completion, through
// Reap; submission/completion backends implement Submit and report the
// actual transfer result.
type Backend interface {
	// Register arms a descriptor for readiness notification (epoll profile
	// only; submission/completion backends return ErrUnsupported).
	Register(fd int, token uint64, read, write bool) error
	Modify(fd int, token uint64, read, write bool) error
	Deregister(fd int) error

	// Prepare writes op's submission entry into ring memory without
	// entering the kernel. The entry is not visible to the kernel until
	// FlushSubmissions is called, so many operations can be prepared and
	// then submitted with a single syscall. Returns ErrRingFull when the
	// submission queue has no free slot; readiness backends return
	// ErrUnsupported.
	Prepare(op Op) error

	// FlushSubmissions submits every prepared entry with a single
	// syscall, returning the number submitted.
	FlushSubmissions() (uint32, error)

	// Submit is the convenience pair Prepare + FlushSubmissions for a
	// single operation. Readiness backends return ErrUnsupported; callers
	// should perform the syscall themselves once Reap reports the
	// descriptor ready.
	Submit(op Op) error

	// Reap blocks up to timeout waiting for at least one event, appending
	// completed/ready events to dst and returning the extended slice.
	Reap(dst []CQEvent, timeout time.Duration) ([]CQEvent, error)

	// ZeroCopyCapable reports whether Submit can perform a zero-copy write
	// given a buffer already registered with the kernel. The batcher falls
	// back to a copying write whenever this is false.
	ZeroCopyCapable() bool

	Close() error
}

// Profile selects which I/O model a Backend should implement.
type Profile int

const (
	ProfileReadiness Profile = iota
	ProfileSubmission
)

// Config selects and configures a Backend.
type Config struct {
	Profile        Profile
	QueueDepth      uint32
	Logger          interfaces.Logger
	ForceMinimal    bool // use the portable syscall ring even if giouring is available
}

// DefaultQueueDepth is the submission/completion ring size when none is
// configured.
const DefaultQueueDepth = 256

// New selects and constructs a Backend per cfg.Profile. A
// submission/completion request prefers giouring, falls back to the
// portable minimal ring, and only fails if neither is available; a
// readiness request always succeeds on Linux via epoll.
func New(cfg Config) (Backend, error) {
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}

	switch cfg.Profile {
	case ProfileReadiness:
		return newEpollBackend(cfg)
	case ProfileSubmission:
		if !cfg.ForceMinimal {
			if b, err := newUringBackend(cfg); err == nil {
				return b, nil
			} else if cfg.Logger != nil {
				cfg.Logger.Warnf("giouring backend unavailable, falling back: %v", err)
			}
		}
		return newMinimalBackend(cfg)
	default:
		return newEpollBackend(cfg)
	}
}
