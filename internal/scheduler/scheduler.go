// Package scheduler implements the NUMA-aware work-stealing scheduler:
// one Worker per hardware thread, four priority-classed Chase-Lev
// deques per worker, a lock-protected global overflow queue, and a
// same-node-first stealing policy. Workers optionally lock their OS thread
// and pin to an assigned core via sched_setaffinity.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/cyclone/internal/constants"
	"github.com/ehrlich-b/cyclone/internal/deque"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
	"github.com/ehrlich-b/cyclone/internal/numatopo"
)

// Priority is one of four scheduling classes; each worker keeps one deque
// per class and drains the highest non-empty class first, subject to the
// fairness budget.
type Priority int

const (
	High Priority = iota
	Normal
	Low
	Background
	numPriorities
)

// ErrPoolClosed is returned by Submit after Shutdown has been called.
var ErrPoolClosed = errors.New("scheduler: pool closed")

// Task is one schedulable unit of work.
type Task struct {
	Fn         func()
	Priority   Priority
	SubmitTime time.Time

	// Routing hints, consulted in this order by Submit:
	WorkerHint int // >=0 selects an explicit worker index
	NodeHint   int // >=0 selects least-loaded worker on this NUMA node
	// MemoryAffinity lists NUMA nodes holding the task's working set; the
	// least-loaded worker across all listed nodes is chosen.
	MemoryAffinity []int
	// SubmitterWorker routes the task to the submitting worker's own
	// deque when no stronger hint applies; set by Worker.SubmitTask.
	SubmitterWorker int
	HasWorkerHint, HasNodeHint, HasSubmitterWorker bool
}

// Config configures a Pool.
type Config struct {
	NumWorkers        int
	Topology          *numatopo.Topology
	FairnessBudget    int
	LocalStealAttempts int
	ParkAfterRounds   int
	ParkPollInterval  time.Duration
	PinWorkers        bool
	Observer          interfaces.Observer
	Logger            interfaces.Logger
}

func (c *Config) setDefaults() {
	if c.FairnessBudget <= 0 {
		c.FairnessBudget = constants.DefaultFairnessBudget
	}
	if c.LocalStealAttempts <= 0 {
		c.LocalStealAttempts = constants.DefaultLocalStealAttempts
	}
	if c.ParkAfterRounds <= 0 {
		c.ParkAfterRounds = constants.DefaultParkAfterRounds
	}
	if c.ParkPollInterval <= 0 {
		c.ParkPollInterval = constants.DefaultParkPollInterval
	}
	if c.NumWorkers <= 0 {
		if c.Topology != nil {
			c.NumWorkers = c.Topology.NumCPU
		} else {
			c.NumWorkers = runtime.GOMAXPROCS(0)
		}
	}
}

// Worker owns four priority-classed deques and participates in stealing
// against every other worker in the Pool.
type Worker struct {
	id     int
	nodeID int
	cpu    int
	pool   *Pool
	deques [numPriorities]*deque.Deque

	tasksExecuted atomic.Uint64
	parked        atomic.Bool

	rng *rand.Rand
}

// Pool is the scheduler's worker pool plus its global overflow queue.
type Pool struct {
	cfg     Config
	workers []*Worker

	overflowMu sync.Mutex
	overflow   [numPriorities][]Task

	closed  atomic.Bool
	pending atomic.Int64
	wake    chan struct{}

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc

	rrCursor atomic.Uint64
}

// New constructs a Pool but does not start its workers; call Start to spawn
// goroutines.
func New(cfg Config) *Pool {
	cfg.setDefaults()
	p := &Pool{cfg: cfg, wake: make(chan struct{}, 1)}

	var placements []numatopo.WorkerPlacement
	if cfg.Topology != nil {
		placements = cfg.Topology.AssignWorkers(cfg.NumWorkers)
	}

	p.workers = make([]*Worker, cfg.NumWorkers)
	for i := range p.workers {
		w := &Worker{id: i, pool: p, rng: rand.New(rand.NewSource(int64(i) + 1))}
		for pr := range w.deques {
			w.deques[pr] = deque.New(constants.DefaultDequeCapacity)
		}
		if i < len(placements) {
			w.nodeID = placements[i].NodeID
			w.cpu = placements[i].CPU
		} else {
			w.cpu = -1
		}
		p.workers[i] = w
	}
	return p
}

// Start spawns one goroutine per worker under an errgroup, so a cancelled
// context stops the whole pool together and Shutdown can wait for every
// worker. Task panics are recovered inside execute; workers always return
// nil to the errgroup.
func (p *Pool) Start(ctx context.Context) {
	egCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(egCtx)
	p.eg, p.egCtx, p.cancel = eg, egCtx, cancel

	for _, w := range p.workers {
		w := w
		eg.Go(func() error {
			w.run(egCtx)
			return nil
		})
	}
}

// Shutdown cancels every worker and waits for them to drain their current
// task before returning.
func (p *Pool) Shutdown() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wakeAll()
	if p.eg != nil {
		return p.eg.Wait()
	}
	return nil
}

func (p *Pool) wakeAll() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Submit routes task to a worker's deque: explicit worker hint first, then
// NUMA node hint (least-loaded worker on that node), then memory-affinity
// set (least-loaded worker on any listed node), then the submitting
// worker's own deque, then round-robin.
func (p *Pool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if task.SubmitTime.IsZero() {
		task.SubmitTime = time.Now()
	}

	p.pending.Add(1)
	idx := p.route(task)
	if idx < 0 {
		p.overflowMu.Lock()
		p.overflow[task.Priority] = append(p.overflow[task.Priority], task)
		p.overflowMu.Unlock()
		if p.cfg.Observer != nil {
			p.cfg.Observer.ObserveTaskOverflowed()
		}
		p.wakeAll()
		return nil
	}

	p.workers[idx].deques[task.Priority].PushBottom(func() { task.Fn() })
	p.wakeAll()
	return nil
}

// WaitForCompletion blocks until every submitted task has finished executing
// or timeout expires, reporting whether the pool drained.
func (p *Pool) WaitForCompletion(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for p.pending.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Microsecond)
	}
	return true
}

func (p *Pool) route(task Task) int {
	if len(p.workers) == 0 {
		return -1
	}
	if task.HasWorkerHint && task.WorkerHint >= 0 && task.WorkerHint < len(p.workers) {
		return task.WorkerHint
	}
	if task.HasNodeHint {
		if idx := p.leastLoadedOnNodes([]int{task.NodeHint}); idx >= 0 {
			return idx
		}
	}
	if len(task.MemoryAffinity) > 0 {
		if idx := p.leastLoadedOnNodes(task.MemoryAffinity); idx >= 0 {
			return idx
		}
	}
	if task.HasSubmitterWorker && task.SubmitterWorker >= 0 && task.SubmitterWorker < len(p.workers) {
		return task.SubmitterWorker
	}
	n := uint64(len(p.workers))
	return int(p.rrCursor.Add(1) % n)
}

// leastLoadedOnNodes returns the index of the worker with the shortest
// queues among those placed on any of the listed NUMA nodes, or -1 when no
// worker lives on any of them.
func (p *Pool) leastLoadedOnNodes(nodes []int) int {
	best := -1
	bestLen := int64(-1)
	for i, w := range p.workers {
		onNode := false
		for _, node := range nodes {
			if w.nodeID == node {
				onNode = true
				break
			}
		}
		if !onNode {
			continue
		}
		l := w.totalLen()
		if best == -1 || l < bestLen {
			best, bestLen = i, l
		}
	}
	return best
}

func (w *Worker) totalLen() int64 {
	var total int64
	for _, d := range w.deques {
		total += d.Len()
	}
	return total
}

// Submit submits a task to w's own local deque, satisfying the Reactor's
// Submitter interface (priority is mapped 0->High ... 3->Background,
// clamped).
func (w *Worker) Submit(priority int, fn func()) {
	if priority < 0 {
		priority = 0
	}
	if priority >= int(numPriorities) {
		priority = int(numPriorities) - 1
	}
	w.pool.pending.Add(1)
	w.deques[priority].PushBottom(fn)
	w.pool.wakeAll()
}

// SubmitTask submits through the pool's full routing precedence, stamping
// w as the submitting worker: with no stronger hint set, the task lands on
// w's own deque, keeping handler-spawned follow-up work cache-local.
func (w *Worker) SubmitTask(task Task) error {
	task.SubmitterWorker = w.id
	task.HasSubmitterWorker = true
	return w.pool.Submit(task)
}

// run is the worker's main loop: drain local deques honoring the fairness
// budget, then attempt to steal, then consult the overflow queue, then park.
func (w *Worker) run(ctx context.Context) {
	if w.pool.cfg.PinWorkers && w.cpu >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := numatopo.PinCurrentThread(w.cpu); err != nil && w.pool.cfg.Logger != nil {
			w.pool.cfg.Logger.Warnf("worker %d: pin to cpu %d: %v", w.id, w.cpu, err)
		}
	}

	lastClass := High
	budget := w.pool.cfg.FairnessBudget
	consecutive := 0
	failedSteals := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, class, ok := w.nextLocal(lastClass, consecutive, budget)
		if ok {
			if class == lastClass {
				consecutive++
			} else {
				consecutive = 1
				lastClass = class
			}
			w.execute(task)
			failedSteals = 0
			continue
		}

		stealStart := time.Now()
		if stolen, crossNode := w.trySteal(); stolen != nil {
			if w.pool.cfg.Observer != nil {
				w.pool.cfg.Observer.ObserveTaskStolen(crossNode, time.Since(stealStart))
			}
			w.execute(stolen)
			failedSteals = 0
			continue
		}
		failedSteals++

		if task := w.popOverflow(); task != nil {
			w.execute(task)
			failedSteals = 0
			continue
		}

		if failedSteals < w.pool.cfg.ParkAfterRounds {
			continue
		}
		w.park(ctx)
		failedSteals = 0
	}
}

// nextLocal picks the next local task honoring the fairness budget: once
// consecutive dequeues from lastClass reach budget, it checks the next
// lower class once before returning to High.
func (w *Worker) nextLocal(lastClass Priority, consecutive, budget int) (func(), Priority, bool) {
	order := []Priority{High, Normal, Low, Background}
	if consecutive >= budget {
		next := lastClass + 1
		if next < numPriorities {
			if t := w.deques[next].PopBottom(); t != nil {
				return t, next, true
			}
		}
	}
	for _, class := range order {
		if t := w.deques[class].PopBottom(); t != nil {
			return t, class, true
		}
	}
	return nil, 0, false
}

func (w *Worker) trySteal() (deque.Task, bool) {
	attempts := 0
	for attempts < w.pool.cfg.LocalStealAttempts {
		victim := w.randomVictim(true)
		if victim != nil {
			if t := w.stealFrom(victim); t != nil {
				return t, false
			}
		}
		attempts++
	}
	if victim := w.randomVictim(false); victim != nil {
		if t := w.stealFrom(victim); t != nil {
			return t, true
		}
	}
	return nil, false
}

func (w *Worker) randomVictim(sameNode bool) *Worker {
	var candidates []*Worker
	for _, other := range w.pool.workers {
		if other.id == w.id {
			continue
		}
		if sameNode && other.nodeID != w.nodeID {
			continue
		}
		if !sameNode && other.nodeID == w.nodeID {
			continue
		}
		candidates = append(candidates, other)
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[w.rng.Intn(len(candidates))]
}

func (w *Worker) stealFrom(victim *Worker) deque.Task {
	for _, class := range []Priority{High, Normal, Low, Background} {
		if t := victim.deques[class].Steal(); t != nil {
			return t
		}
	}
	return nil
}

func (w *Worker) popOverflow() deque.Task {
	w.pool.overflowMu.Lock()
	defer w.pool.overflowMu.Unlock()
	for class := range w.pool.overflow {
		q := w.pool.overflow[class]
		if len(q) == 0 {
			continue
		}
		task := q[0]
		w.pool.overflow[class] = q[1:]
		return func() { task.Fn() }
	}
	return nil
}

func (w *Worker) execute(t deque.Task) {
	defer func() {
		w.pool.pending.Add(-1)
		if r := recover(); r != nil && w.pool.cfg.Logger != nil {
			w.pool.cfg.Logger.Errorf("scheduler task panicked: %v", r)
		}
	}()
	t()
	w.tasksExecuted.Add(1)
	if w.pool.cfg.Observer != nil {
		w.pool.cfg.Observer.ObserveTaskExecuted(0)
	}
}

func (w *Worker) park(ctx context.Context) {
	w.parked.Store(true)
	defer w.parked.Store(false)
	select {
	case <-ctx.Done():
	case <-w.pool.wake:
	case <-time.After(w.pool.cfg.ParkPollInterval):
	}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	TasksExecuted []uint64
}

// Stats returns each worker's cumulative executed-task count.
func (p *Pool) Stats() Stats {
	st := Stats{TasksExecuted: make([]uint64, len(p.workers))}
	for i, w := range p.workers {
		st.TasksExecuted[i] = w.tasksExecuted.Load()
	}
	return st
}
