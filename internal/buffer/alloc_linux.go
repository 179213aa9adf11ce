//go:build linux

package buffer

import "golang.org/x/sys/unix"

// newAligned allocates a fresh page-aligned region via an anonymous mmap
// so the kernel can reference it directly on zero-copy paths.
func newAligned(size int) []byte {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		// mmap failure on a cold-path allocation degrades to a plain,
		// GC-managed allocation rather than surfacing OutOfMemory here;
		// Manager.Allocate only reports OutOfMemory when no size class
		// covers the request.
		return make([]byte, size)
	}
	return b
}
