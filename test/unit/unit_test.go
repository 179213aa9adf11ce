//go:build !integration

// Package unit exercises the public cyclone API end to end without any
// kernel-facility requirements beyond epoll: timer scheduling against
// simulated time, cancellation races, token allocation, and pool shutdown.
package unit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/cyclone"
	"github.com/ehrlich-b/cyclone/internal/ioengine"
)

func newRuntime(t *testing.T) *cyclone.Runtime {
	t.Helper()
	rt, err := cyclone.New(cyclone.Config{
		IOProfile:   ioengine.ProfileReadiness,
		NumWorkers:  2,
		PollTimeout: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown() })
	return rt
}

func TestThousandTimersFireNoEarlierThanDelay(t *testing.T) {
	rt := newRuntime(t)

	start := time.Now()
	const n = 1000

	var mu sync.Mutex
	firedAt := make(map[int]time.Duration, n)
	delays := make([]time.Duration, n)

	// Simulated clock: the wheel only sees the instants handed to RunOnce.
	var simNow atomic.Int64

	for i := 0; i < n; i++ {
		i := i
		delays[i] = time.Duration(1+i%1000) * time.Millisecond
		rt.ScheduleTimer(delays[i], func() {
			mu.Lock()
			firedAt[i] = time.Duration(simNow.Load())
			mu.Unlock()
		})
	}

	for step := time.Millisecond; step <= 1100*time.Millisecond; step += time.Millisecond {
		simNow.Store(int64(step))
		_, err := rt.RunOnce(start.Add(step))
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, firedAt, n, "every timer fires exactly once")
	for i, at := range firedAt {
		assert.GreaterOrEqual(t, at, delays[i], "timer %d fired before its delay", i)
	}
}

func TestCancelledTimerNeverFires(t *testing.T) {
	rt := newRuntime(t)
	start := time.Now()

	var fired atomic.Bool
	tok := rt.ScheduleTimer(20*time.Millisecond, func() { fired.Store(true) })

	require.True(t, rt.CancelTimer(tok))
	require.False(t, rt.CancelTimer(tok), "second cancel reports false")

	for step := time.Millisecond; step <= 200*time.Millisecond; step += time.Millisecond {
		_, err := rt.RunOnce(start.Add(step))
		require.NoError(t, err)
	}
	assert.False(t, fired.Load())
}

func TestCancellationRace(t *testing.T) {
	rt := newRuntime(t)
	start := time.Now()

	var fired atomic.Int32
	tok := rt.ScheduleTimer(50*time.Millisecond, func() { fired.Add(1) })

	cancelled := make(chan bool, 1)
	go func() {
		deadline := time.Now().Add(60 * time.Millisecond)
		for time.Now().Before(deadline) {
			if rt.CancelTimer(tok) {
				cancelled <- true
				return
			}
		}
		cancelled <- false
	}()

	deadline := start.Add(120 * time.Millisecond)
	for now := time.Now(); now.Before(deadline); now = time.Now() {
		_, err := rt.RunOnce(now)
		require.NoError(t, err)
	}

	if <-cancelled {
		assert.Zero(t, fired.Load(), "cancel won the race, callback must not fire")
	} else {
		assert.Equal(t, int32(1), fired.Load(), "cancel lost the race, callback fires exactly once")
	}
}

func TestTokensAreUniqueAndNeverReissued(t *testing.T) {
	rt := newRuntime(t)

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	seen := make(map[cyclone.Token]bool)
	h := cyclone.NewMockHandler(true)
	for i := 0; i < 8; i++ {
		tok, err := rt.Register(fds[0], h, true, false)
		require.NoError(t, err)
		require.False(t, seen[tok], "token %d reissued", tok)
		seen[tok] = true
		require.NoError(t, rt.Deregister(tok))
	}
}

func TestSubmitAfterShutdownReturnsPoolClosed(t *testing.T) {
	rt, err := cyclone.New(cyclone.Config{
		IOProfile:  ioengine.ProfileReadiness,
		NumWorkers: 2,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Shutdown())

	err = rt.Submit(func() {}, cyclone.Normal, cyclone.TaskMeta{})
	require.Error(t, err)
	assert.True(t, cyclone.IsCode(err, cyclone.CodePoolClosed))
}

func TestSchedulerDrainsSubmittedTasks(t *testing.T) {
	rt := newRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Workers.Start(ctx)

	const n = 500
	var done atomic.Int64
	for i := 0; i < n; i++ {
		require.NoError(t, rt.Submit(func() { done.Add(1) }, cyclone.Normal, cyclone.TaskMeta{}))
	}

	require.True(t, rt.Workers.WaitForCompletion(5*time.Second))
	assert.Equal(t, int64(n), done.Load())
}
