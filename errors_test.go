package cyclone

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("Submit", CodeQueueFull, "ring full")

	require.Equal(t, "Submit", err.Op)
	require.Equal(t, CodeQueueFull, err.Code)
	require.Equal(t, "cyclone: Submit: ring full", err.Error())
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("Register", CodeTokenUnknown, syscall.EBADF)

	require.Equal(t, syscall.EBADF, err.Errno)
	require.Equal(t, CodeTokenUnknown, err.Code)
}

func TestTokenError(t *testing.T) {
	err := NewTokenError("Deregister", 42, CodeTokenUnknown, "no such source")

	require.EqualValues(t, 42, err.Token)
	require.Equal(t, "cyclone: Deregister: no such source (token=42)", err.Error())
}

func TestWrapError_MapsErrno(t *testing.T) {
	err := WrapError("Flush", syscall.ENOMEM)

	require.Equal(t, CodeOutOfMemory, err.Code)
	require.Equal(t, syscall.ENOMEM, err.Errno)
	require.ErrorIs(t, err, err.Inner)
}

func TestWrapError_PreservesStructuredError(t *testing.T) {
	inner := NewTokenError("Submit", 7, CodeQueueFull, "ring full")
	wrapped := WrapError("Flush", inner)

	require.Equal(t, "Flush", wrapped.Op)
	require.EqualValues(t, 7, wrapped.Token)
	require.Equal(t, CodeQueueFull, wrapped.Code)
}

func TestErrorIs_MatchesSentinelByCode(t *testing.T) {
	err := NewError("Submit", CodeBackpressureStalled, "stalled")
	require.ErrorIs(t, err, ErrBackpressureStalled)
	require.False(t, IsCode(err, CodeOutOfMemory))
}

func TestIsCode(t *testing.T) {
	err := NewError("Test", CodeTokenUnknown, "unknown token")

	require.True(t, IsCode(err, CodeTokenUnknown))
	require.False(t, IsCode(err, CodeIOError))
	require.False(t, IsCode(nil, CodeTokenUnknown))
}

func TestIsErrno(t *testing.T) {
	err := NewErrorWithErrno("Test", CodeIOError, syscall.EIO)

	require.True(t, IsErrno(err, syscall.EIO))
	require.False(t, IsErrno(err, syscall.EPERM))
	require.False(t, IsErrno(nil, syscall.EIO))
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOMEM, CodeOutOfMemory},
		{syscall.ENOSPC, CodeOutOfMemory},
		{syscall.EAGAIN, CodeQueueFull},
		{syscall.EBUSY, CodeQueueFull},
		{syscall.ENXIO, CodeTokenUnknown},
		{syscall.EBADF, CodeTokenUnknown},
		{syscall.ENOSYS, CodeBackendUnavailable},
		{syscall.EOPNOTSUPP, CodeBackendUnavailable},
		{syscall.EIO, CodeIOError},
	}

	for _, tc := range cases {
		require.Equal(t, tc.expected, mapErrnoToCode(tc.errno), "errno %v", tc.errno)
	}
}
