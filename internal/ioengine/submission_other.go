//go:build !linux

package ioengine

import "errors"

// Neither the giouring-backed nor the raw-syscall submission/completion
// backend has a portable equivalent off Linux; io_uring is a Linux kernel
// facility. Off-Linux hosts must request ProfileReadiness.
func newUringBackend(cfg Config) (Backend, error) {
	return nil, errors.New("ioengine: io_uring submission backend requires linux")
}

func newMinimalBackend(cfg Config) (Backend, error) {
	return nil, errors.New("ioengine: io_uring submission backend requires linux")
}
