// Package cyclone is an embeddable reactor + scheduler + timer engine for
// network services. The root package wires the Buffer Manager,
// Timer Wheel, I/O Backend, Reactor, Scheduler, and Syscall Batcher into a
// single runnable unit and exposes the lifecycle a host embeds.
package cyclone

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/cyclone/internal/batcher"
	"github.com/ehrlich-b/cyclone/internal/buffer"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
	"github.com/ehrlich-b/cyclone/internal/ioengine"
	"github.com/ehrlich-b/cyclone/internal/logging"
	"github.com/ehrlich-b/cyclone/internal/numatopo"
	"github.com/ehrlich-b/cyclone/internal/reactor"
	"github.com/ehrlich-b/cyclone/internal/scheduler"
	"github.com/ehrlich-b/cyclone/internal/timer"
)

// Config configures a Runtime. Zero values fall back to the package
// defaults.
type Config struct {
	// NumWorkers is the scheduler's worker count. 0 means one worker per
	// hardware thread, NUMA-placed via numatopo.Detect.
	NumWorkers int
	// PinWorkers requests sched_setaffinity pinning of each worker to its
	// assigned core (Linux only; a no-op elsewhere).
	PinWorkers bool
	// DisableNUMA ignores the detected topology: workers are unplaced and
	// stealing treats every worker as local.
	DisableNUMA bool

	// IOProfile selects readiness (epoll) or submission (io_uring) I/O.
	IOProfile ioengine.Profile
	// ForceMinimalRing uses the raw-syscall ring (minimalBackend) for the
	// submission profile even where a giouring ring could be created.
	ForceMinimalRing bool
	// IOQueueDepth sizes the I/O backend's submission/completion ring.
	IOQueueDepth uint32

	TimerLevels       int
	TimerSlotsPerLevel int
	TimerBaseMs       int64
	TimerCoalescing   bool
	// TimerCoalesceWindowMs and TimerCoalesceMaxDelayMs shape coalescing
	// when TimerCoalescing is on; zero values use the package defaults.
	TimerCoalesceWindowMs   int64
	TimerCoalesceMaxDelayMs int64

	FairnessBudget     int
	LocalStealAttempts int
	ParkAfterRounds    int
	ParkPollInterval   time.Duration

	BufferMinClass int
	BufferMaxClass int

	BatchSize int
	BatchWindow time.Duration
	// DisableZeroCopy forces the batcher's copy path even on a backend
	// that could submit registered buffers directly.
	DisableZeroCopy bool

	PollTimeout time.Duration

	Logger   interfaces.Logger
	Observer interfaces.Observer
}

func (c *Config) setDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// DefaultConfig returns the configuration a typical host wants: readiness
// (epoll) I/O, one pinned worker per hardware thread, NUMA-aware placement,
// coalescing on. The I/O profile is the zero IOProfile; the submission
// profile is not selected automatically, even where io_uring is available.
func DefaultConfig() Config {
	return Config{
		PinWorkers:      true,
		TimerCoalescing: true,
	}
}

// Token identifies a source registered through the Runtime. Tokens are
// allocated from a monotonic counter and never reissued, so a token seen
// after a Deregister can never belong to an earlier source.
type Token uint64

// TimerToken identifies a timer scheduled through the Runtime.
type TimerToken = timer.Token

// Handler is the host-implemented event callback surface.
type Handler = interfaces.Handler

// EventKind identifies why a Handler was invoked.
type EventKind = interfaces.EventKind

// Event kinds delivered to Handler.OnEvent.
const (
	Readable     = interfaces.Readable
	Writable     = interfaces.Writable
	ErrorEvent   = interfaces.ErrorEvent
	IOCompletion = interfaces.IOCompletion
)

// Priority is a scheduler class for Submit.
type Priority = scheduler.Priority

// Priority classes, highest first.
const (
	High       = scheduler.High
	Normal     = scheduler.Normal
	Low        = scheduler.Low
	Background = scheduler.Background
)

// TaskMeta carries the optional routing hints of a submitted task.
type TaskMeta struct {
	WorkerHint int
	NodeHint   int
	// MemoryAffinity lists the NUMA nodes holding the task's working set;
	// consulted after NodeHint, before round-robin.
	MemoryAffinity []int
	HasWorkerHint  bool
	HasNodeHint    bool
}

// poolSubmitter adapts *scheduler.Pool to reactor.Submitter, translating a
// raw int priority (as the Reactor sees it) into a scheduler.Task.
type poolSubmitter struct {
	pool *scheduler.Pool
}

func (s poolSubmitter) Submit(priority int, fn func()) {
	_ = s.pool.Submit(scheduler.Task{Fn: fn, Priority: scheduler.Priority(priority), SubmitTime: time.Now()})
}

// Runtime is the assembled reactor + scheduler + timer engine: the unit a
// host constructs once and drives for the lifetime of a service.
type Runtime struct {
	cfg Config

	Buffers  *buffer.Manager
	Timers   *timer.Wheel
	IO       ioengine.Backend
	Reactor  *reactor.Reactor
	Workers  *scheduler.Pool
	Batcher  *batcher.Batcher

	metrics *Metrics

	nextToken atomic.Uint64

	startTime time.Time
	running   atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Runtime's components in dependency order: Buffer
// Manager, Timer Wheel, I/O Backend, Reactor, Scheduler, Batcher.
func New(cfg Config) (*Runtime, error) {
	cfg.setDefaults()

	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = metrics
	}

	buffers := buffer.New(buffer.Config{
		MinClass: cfg.BufferMinClass,
		MaxClass: cfg.BufferMaxClass,
		Observer: observer,
	})

	coalesceWindow := cfg.TimerCoalesceWindowMs
	if coalesceWindow <= 0 {
		coalesceWindow = DefaultCoalesceWindowMs
	}
	coalesceMax := cfg.TimerCoalesceMaxDelayMs
	if coalesceMax <= 0 {
		coalesceMax = DefaultCoalesceMaxDelayMs
	}

	startTime := time.Now()
	timers := timer.New(timer.Config{
		Levels:              cfg.TimerLevels,
		SlotsPerLevel:       cfg.TimerSlotsPerLevel,
		BaseResolutionMs:    cfg.TimerBaseMs,
		Coalescing:          cfg.TimerCoalescing,
		CoalesceThresholdMs: DefaultCoalesceThresholdMs,
		CoalesceWindowMs:    coalesceWindow,
		CoalesceMaxDelayMs:  coalesceMax,
		Observer:            observer,
		Logger:              cfg.Logger,
	}, startTime)

	io, err := ioengine.New(ioengine.Config{
		Profile:      cfg.IOProfile,
		QueueDepth:   cfg.IOQueueDepth,
		Logger:       cfg.Logger,
		ForceMinimal: cfg.ForceMinimalRing,
	})
	if err != nil {
		return nil, WrapError("New", err)
	}

	var topo *numatopo.Topology
	if !cfg.DisableNUMA {
		topo = numatopo.Detect()
	}
	workers := scheduler.New(scheduler.Config{
		NumWorkers:         cfg.NumWorkers,
		Topology:           topo,
		FairnessBudget:     cfg.FairnessBudget,
		LocalStealAttempts: cfg.LocalStealAttempts,
		ParkAfterRounds:    cfg.ParkAfterRounds,
		ParkPollInterval:   cfg.ParkPollInterval,
		PinWorkers:         cfg.PinWorkers,
		Observer:           observer,
		Logger:             cfg.Logger,
	})

	bat := batcher.New(batcher.Config{
		Backend:         io,
		BatchSize:       cfg.BatchSize,
		Window:          cfg.BatchWindow,
		DisableZeroCopy: cfg.DisableZeroCopy,
		Observer:        observer,
		Logger:          cfg.Logger,
	})

	rct := reactor.New(reactor.Config{
		Backend:     io,
		Wheel:       timers,
		Scheduler:   poolSubmitter{pool: workers},
		PollTimeout: cfg.PollTimeout,
		Completion:  bat.OnCompletion,
		Observer:    observer,
		Logger:      cfg.Logger,
	})

	return &Runtime{
		cfg:       cfg,
		Buffers:   buffers,
		Timers:    timers,
		IO:        io,
		Reactor:   rct,
		Workers:   workers,
		Batcher:   bat,
		metrics:   metrics,
		startTime: startTime,
	}, nil
}

// Register allocates a fresh Token for fd, associates h with it, and arms
// the I/O backend for the requested interest set.
func (r *Runtime) Register(fd int, h Handler, read, write bool) (Token, error) {
	token := Token(r.nextToken.Add(1))
	if err := r.Reactor.Register(uint64(token), fd, h, read, write); err != nil {
		return 0, WrapError("Register", err)
	}
	return token, nil
}

// Modify rearms the interest set for a registered token.
func (r *Runtime) Modify(token Token, read, write bool) error {
	if err := r.Reactor.Modify(uint64(token), read, write); err != nil {
		return WrapError("Modify", err)
	}
	return nil
}

// Deregister removes a token's source. The token is retired, never reissued.
func (r *Runtime) Deregister(token Token) error {
	if err := r.Reactor.Deregister(uint64(token)); err != nil {
		return WrapError("Deregister", err)
	}
	return nil
}

// ScheduleTimer schedules cb to run after delay, subject to coalescing when
// enabled. The callback runs on the poll thread during a poll iteration.
func (r *Runtime) ScheduleTimer(delay time.Duration, cb func()) TimerToken {
	return r.Timers.Schedule(delay, func(timer.Token) error {
		cb()
		return nil
	})
}

// CancelTimer cancels a pending timer. O(1) and idempotent; returns false
// if the timer already fired, was already cancelled, or never existed.
func (r *Runtime) CancelTimer(token TimerToken) bool {
	return r.Timers.Cancel(token)
}

// Submit schedules fn on the worker pool at the given priority, honoring
// meta's routing hints when set.
func (r *Runtime) Submit(fn func(), priority Priority, meta TaskMeta) error {
	err := r.Workers.Submit(scheduler.Task{
		Fn:             fn,
		Priority:       priority,
		SubmitTime:     time.Now(),
		WorkerHint:     meta.WorkerHint,
		NodeHint:       meta.NodeHint,
		MemoryAffinity: meta.MemoryAffinity,
		HasWorkerHint:  meta.HasWorkerHint,
		HasNodeHint:    meta.HasNodeHint,
	})
	if err != nil {
		return NewError("Submit", CodePoolClosed, err.Error())
	}
	return nil
}

// RuntimeState is the Runtime's coarse life-cycle phase.
type RuntimeState string

const (
	RuntimeStateCreated RuntimeState = "created"
	RuntimeStateRunning RuntimeState = "running"
	RuntimeStateStopped RuntimeState = "stopped"
)

// State reports the Runtime's current life-cycle phase.
func (r *Runtime) State() RuntimeState {
	if r == nil {
		return RuntimeStateStopped
	}
	if !r.running.Load() {
		return RuntimeStateStopped
	}
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx != nil {
		select {
		case <-ctx.Done():
			return RuntimeStateStopped
		default:
		}
	}
	return RuntimeStateRunning
}

// Run starts the Scheduler's worker pool and drives the Reactor's poll
// loop until ctx is cancelled or Shutdown is called. It blocks. When an
// iteration processes no events, Run sleeps for DefaultIdleSleep so a
// timer-only workload doesn't busy-spin the poll thread; the idle sleep is
// a fixed constant and is not set through Config.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.Workers.Start(runCtx)
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		default:
		}

		n, err := r.RunOnce(time.Now())
		if err != nil {
			if r.cfg.Logger != nil {
				r.cfg.Logger.Errorf("poll iteration: %v", err)
			}
			continue
		}
		if n == 0 {
			time.Sleep(DefaultIdleSleep)
		}
	}
}

// RunOnce drives a single poll iteration without starting the worker pool;
// useful for tests and for embedding the reactor inside a caller's own
// event loop.
func (r *Runtime) RunOnce(now time.Time) (int, error) {
	n, err := r.Reactor.PollOnce(now)
	if r.Batcher.ShouldFlushWindow(now) {
		if ferr := r.Batcher.Flush(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return n, err
}

// Shutdown cancels the running context, flushes any pending batched I/O,
// stops the Scheduler's worker pool, and closes the I/O backend.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	r.metrics.Stop()

	_ = r.Batcher.Flush()

	if err := r.Workers.Shutdown(); err != nil {
		return WrapError("Shutdown", err)
	}
	if err := r.IO.Close(); err != nil {
		return WrapError("Shutdown", err)
	}
	// The backend is closed; the kernel can no longer touch any buffer
	// that never saw its completion reaped.
	r.Batcher.ReleaseInflight()
	return nil
}

// Metrics returns the Runtime's built-in metrics collector. When
// cfg.Observer was set, component observations flow to that observer
// instead and these counters stay at zero.
func (r *Runtime) Metrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.metrics
}
