//go:build linux

package ioengine

import (
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// minimalBackend is a portable submission/completion ring built directly on
// io_uring_setup/io_uring_enter, encoding plain read/write/accept SQEs. New
// uses it when a giouring ring cannot be created, or when ForceMinimal is
// set.
type minimalBackend struct {
	fd     int
	params ioUringParams

	sqMu     sync.Mutex
	prepared uint32 // SQEs written since the last io_uring_enter
	sqMem    []byte
	cqMem    []byte
	sqesMem  []byte

	sqHead, sqTail, sqMask, sqArray *uint32
	cqHead, cqTail, cqMask          *uint32
	sqes                            unsafe.Pointer
	cqes                            unsafe.Pointer
}

const (
	ioringOpRead   = 22
	ioringOpWrite  = 23
	ioringOpAccept = 13
)

type ioUringSQOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	UserAddr                                                        uint64
}

type ioUringCQOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	UserAddr                                                        uint64
}

type ioUringParams struct {
	SQEntries, CQEntries, Flags, SQThreadCPU, SQThreadIdle, Features, WQFd uint32
	Resv                                                                   [3]uint32
	SQOff                                                                  ioUringSQOffsets
	CQOff                                                                  ioUringCQOffsets
}

type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	FD          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFDIn  int32
	Addr3       uint64
	_           uint64
}

type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func newMinimalBackend(cfg Config) (Backend, error) {
	params := ioUringParams{SQEntries: cfg.QueueDepth}

	fd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP, uintptr(cfg.QueueDepth), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	sqSize := params.SQOff.Array + params.SQEntries*4
	cqSize := params.CQOff.CQEs + params.CQEntries*uint32(unsafe.Sizeof(cqe{}))
	sqesSize := params.SQEntries * uint32(unsafe.Sizeof(sqe{}))

	sqMem, err := unix.Mmap(int(fd), unix.IORING_OFF_SQ_RING, int(sqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		syscall.Close(int(fd))
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}
	cqMem, err := unix.Mmap(int(fd), unix.IORING_OFF_CQ_RING, int(cqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqMem)
		syscall.Close(int(fd))
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}
	sqesMem, err := unix.Mmap(int(fd), unix.IORING_OFF_SQES, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqMem)
		unix.Munmap(cqMem)
		syscall.Close(int(fd))
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	b := &minimalBackend{
		fd:      int(fd),
		params:  params,
		sqMem:   sqMem,
		cqMem:   cqMem,
		sqesMem: sqesMem,
	}
	sqBase := unsafe.Pointer(&sqMem[0])
	b.sqHead = (*uint32)(unsafe.Add(sqBase, params.SQOff.Head))
	b.sqTail = (*uint32)(unsafe.Add(sqBase, params.SQOff.Tail))
	b.sqMask = (*uint32)(unsafe.Add(sqBase, params.SQOff.RingMask))
	b.sqArray = (*uint32)(unsafe.Add(sqBase, params.SQOff.Array))
	b.sqes = unsafe.Pointer(&sqesMem[0])

	cqBase := unsafe.Pointer(&cqMem[0])
	b.cqHead = (*uint32)(unsafe.Add(cqBase, params.CQOff.Head))
	b.cqTail = (*uint32)(unsafe.Add(cqBase, params.CQOff.Tail))
	b.cqMask = (*uint32)(unsafe.Add(cqBase, params.CQOff.RingMask))
	b.cqes = unsafe.Add(cqBase, params.CQOff.CQEs)

	return b, nil
}

func (b *minimalBackend) Register(fd int, token uint64, read, write bool) error { return ErrUnsupported }
func (b *minimalBackend) Modify(fd int, token uint64, read, write bool) error   { return ErrUnsupported }
func (b *minimalBackend) Deregister(fd int) error                              { return ErrUnsupported }

// Prepare writes the SQE and advances the ring tail without entering the
// kernel; the kernel sees it on the next FlushSubmissions.
func (b *minimalBackend) Prepare(op Op) error {
	b.sqMu.Lock()
	defer b.sqMu.Unlock()

	tail := *b.sqTail
	head := *b.sqHead
	mask := *b.sqMask

	if tail-head >= b.params.SQEntries {
		return ErrRingFull
	}

	idx := tail & mask
	slot := (*sqe)(unsafe.Add(b.sqes, uintptr(idx)*unsafe.Sizeof(sqe{})))
	*slot = sqe{
		Opcode:   opcodeFor(op.Kind),
		FD:       int32(op.FD),
		Off:      uint64(op.Off),
		Addr:     uint64(uintptr(unsafePointer(op.Buf))),
		Len:      uint32(len(op.Buf)),
		UserData: op.Token,
	}

	*(*uint32)(unsafe.Add(unsafe.Pointer(b.sqArray), uintptr(4*idx))) = idx
	*b.sqTail = tail + 1
	b.prepared++
	return nil
}

// FlushSubmissions makes every prepared SQE visible with one
// io_uring_enter call.
func (b *minimalBackend) FlushSubmissions() (uint32, error) {
	b.sqMu.Lock()
	defer b.sqMu.Unlock()

	if b.prepared == 0 {
		return 0, nil
	}
	n := b.prepared
	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(b.fd), uintptr(n), 0, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	b.prepared = 0
	return n, nil
}

func (b *minimalBackend) Submit(op Op) error {
	if err := b.Prepare(op); err != nil {
		return err
	}
	_, err := b.FlushSubmissions()
	return err
}

func opcodeFor(kind OpKind) uint8 {
	switch kind {
	case OpRead:
		return ioringOpRead
	case OpWrite:
		return ioringOpWrite
	case OpAccept:
		return ioringOpAccept
	default:
		return ioringOpRead
	}
}

// Reap drains every posted completion. When the ring is empty and a
// timeout was given it re-checks at a short interval until the deadline
// rather than blocking in io_uring_enter, which has no bounded-wait form
// without registering a timeout SQE.
func (b *minimalBackend) Reap(dst []CQEvent, timeout time.Duration) ([]CQEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		drained := false
		mask := *b.cqMask
		for head := *b.cqHead; head != *b.cqTail; head++ {
			idx := head & mask
			c := (*cqe)(unsafe.Add(b.cqes, uintptr(idx)*unsafe.Sizeof(cqe{})))
			dst = append(dst, CQEvent{Token: c.UserData, Kind: interfaces.IOCompletion, Result: int64(c.Res)})
			*b.cqHead = head + 1
			drained = true
		}
		if drained {
			return dst, nil
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return dst, nil
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func (b *minimalBackend) ZeroCopyCapable() bool { return false }

func (b *minimalBackend) Close() error {
	unix.Munmap(b.sqMem)
	unix.Munmap(b.cqMem)
	unix.Munmap(b.sqesMem)
	return syscall.Close(b.fd)
}
