package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/cyclone/internal/constants"
	"github.com/ehrlich-b/cyclone/internal/deque"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

func newTestDeque() *deque.Deque {
	return deque.New(constants.DefaultDequeCapacity)
}

func TestSubmit_RoundRobinsWithoutHints(t *testing.T) {
	p := New(Config{NumWorkers: 3})
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(Task{Fn: func() {}}))
	}
	var total int64
	for _, w := range p.workers {
		total += w.totalLen()
	}
	require.EqualValues(t, 6, total)
}

func TestSubmit_HonorsExplicitWorkerHint(t *testing.T) {
	p := New(Config{NumWorkers: 3})
	require.NoError(t, p.Submit(Task{Fn: func() {}, HasWorkerHint: true, WorkerHint: 2}))
	require.EqualValues(t, 1, p.workers[2].totalLen())
	require.EqualValues(t, 0, p.workers[0].totalLen())
}

func TestSubmit_MemoryAffinityPicksLeastLoadedAcrossNodes(t *testing.T) {
	p := New(Config{NumWorkers: 4})
	p.workers[0].nodeID = 0
	p.workers[1].nodeID = 0
	p.workers[2].nodeID = 1
	p.workers[3].nodeID = 2

	// Load node 1's worker so the affinity set {1, 2} resolves to node 2's.
	p.workers[2].deques[High].PushBottom(func() {})
	p.workers[2].deques[High].PushBottom(func() {})

	require.NoError(t, p.Submit(Task{Fn: func() {}, MemoryAffinity: []int{1, 2}}))
	require.EqualValues(t, 1, p.workers[3].totalLen())
	require.EqualValues(t, 0, p.workers[0].totalLen())
	require.EqualValues(t, 0, p.workers[1].totalLen())
}

func TestSubmit_MemoryAffinityFallsThroughWhenNoWorkerMatches(t *testing.T) {
	p := New(Config{NumWorkers: 2})
	require.NoError(t, p.Submit(Task{Fn: func() {}, MemoryAffinity: []int{9}}))
	var total int64
	for _, w := range p.workers {
		total += w.totalLen()
	}
	require.EqualValues(t, 1, total, "an unmatched affinity set falls through to round-robin")
}

func TestSubmitTask_RoutesToSubmittingWorker(t *testing.T) {
	p := New(Config{NumWorkers: 3})
	w := p.workers[2]

	for i := 0; i < 4; i++ {
		require.NoError(t, w.SubmitTask(Task{Fn: func() {}}))
	}
	require.EqualValues(t, 4, p.workers[2].totalLen(), "hint-free tasks land on the submitter's own deque")
	require.EqualValues(t, 0, p.workers[0].totalLen())

	// A stronger hint still wins over the submitter's identity.
	require.NoError(t, w.SubmitTask(Task{Fn: func() {}, HasWorkerHint: true, WorkerHint: 0}))
	require.EqualValues(t, 1, p.workers[0].totalLen())
}

func TestSubmit_AfterShutdownFails(t *testing.T) {
	p := New(Config{NumWorkers: 1})
	p.Start(context.Background())
	require.NoError(t, p.Shutdown())
	require.ErrorIs(t, p.Submit(Task{Fn: func() {}}), ErrPoolClosed)
}

func TestWorkerExecutesAllSubmittedTasks(t *testing.T) {
	p := New(Config{NumWorkers: 4, ParkPollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	const n = 2000
	var completed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, p.Submit(Task{Fn: func() {
			completed.Add(1)
			wg.Done()
		}}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all tasks completed in time")
	}
	cancel()
	require.NoError(t, p.Shutdown())
	require.EqualValues(t, n, completed.Load())
}

func TestFairness_LowerClassNotStarvedUnderHighLoad(t *testing.T) {
	w := &Worker{pool: &Pool{cfg: Config{FairnessBudget: 4}}}
	for pr := range w.deques {
		w.deques[pr] = newTestDeque()
	}

	var normalRan bool
	w.deques[Normal].PushBottom(func() { normalRan = true })
	for i := 0; i < 100; i++ {
		w.deques[High].PushBottom(func() {})
	}

	lastClass := High
	consecutive := 0
	sawNormal := false
	for i := 0; i < 20; i++ {
		fn, class, ok := w.nextLocal(lastClass, consecutive, w.pool.cfg.FairnessBudget)
		if !ok {
			break
		}
		if class == lastClass {
			consecutive++
		} else {
			consecutive = 1
			lastClass = class
		}
		fn()
		if class == Normal {
			sawNormal = true
			break
		}
	}
	require.True(t, sawNormal, "Normal-class task must run within the fairness budget despite High-priority saturation")
	require.True(t, normalRan)
}

func TestStealFrom_TakesFromTopFIFO(t *testing.T) {
	a := &Worker{id: 0, pool: &Pool{}}
	b := &Worker{id: 1, pool: a.pool}
	for pr := range a.deques {
		a.deques[pr] = newTestDeque()
		b.deques[pr] = newTestDeque()
	}

	var order []int
	b.deques[High].PushBottom(func() { order = append(order, 1) })
	b.deques[High].PushBottom(func() { order = append(order, 2) })

	stolen := a.stealFrom(b)
	require.NotNil(t, stolen)
	stolen()
	require.Equal(t, []int{1}, order)
}

// countingObserver records steal callbacks; other observations are dropped.
type countingObserver struct {
	interfaces.NoOpObserver
	stolen atomic.Int64
}

func (o *countingObserver) ObserveTaskStolen(crossNode bool, stealTime time.Duration) {
	o.stolen.Add(1)
}

func TestWorkStealing_DrainsSkewedLoad(t *testing.T) {
	obs := &countingObserver{}
	p := New(Config{NumWorkers: 4, ParkPollInterval: time.Millisecond, Observer: obs})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	const n = 10_000
	var completed atomic.Int64
	for i := 0; i < n; i++ {
		require.NoError(t, p.Submit(Task{
			Fn:            func() { completed.Add(1) },
			HasWorkerHint: true,
			WorkerHint:    0,
		}))
	}

	require.True(t, p.WaitForCompletion(10*time.Second))
	require.EqualValues(t, n, completed.Load())
	require.Positive(t, obs.stolen.Load(), "idle workers must steal from the overloaded worker")
	require.NoError(t, p.Shutdown())
}
