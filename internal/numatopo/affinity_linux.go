//go:build linux

package numatopo

import "golang.org/x/sys/unix"

// PinCurrentThread restricts the calling OS thread to cpu via
// sched_setaffinity. Callers must have already called runtime.LockOSThread
// so the goroutine cannot migrate to a different OS thread afterward.
func PinCurrentThread(cpu int) error {
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
