package batcher

import (
	"errors"
	"sync/atomic"
)

// ErrBackpressureStalled is returned by Flush when the backend's submission
// ring was full for at least one queued operation. Flush does not retry
// within the same call; the operations it could not prepare are left
// queued for the next flush attempt.
var ErrBackpressureStalled = errors.New("batcher: backpressure stalled")

// atomic64 is a tiny wrapper so Stats() reads don't need to know whether
// the counter is an atomic.Uint64 directly or something richer later.
type atomic64 struct{ v atomic.Uint64 }

func (a *atomic64) add(n uint64)  { a.v.Add(n) }
func (a *atomic64) load() uint64  { return a.v.Load() }
