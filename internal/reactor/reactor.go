// Package reactor implements the Reactor: the component that owns the
// token registry, drives the timer wheel forward, polls the I/O backend,
// and dispatches each ready/completed event to its registered handler
// either inline on the poll thread or as a scheduled task. The token
// registry is split into independently lockable shards so registration
// from arbitrary threads doesn't contend with the dispatch path.
package reactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/cyclone/internal/interfaces"
	"github.com/ehrlich-b/cyclone/internal/ioengine"
	"github.com/ehrlich-b/cyclone/internal/timer"
)

const numShards = 16

type source struct {
	mu      sync.Mutex
	handler interfaces.Handler
	fd      int
}

type shard struct {
	mu      sync.RWMutex
	sources map[uint64]*source
}

// Submitter dispatches a task to the scheduler. Reactor depends on this
// narrow interface, not the concrete scheduler type, to avoid an import
// cycle (the scheduler in turn may submit timer/IO registrations back
// through the Reactor).
type Submitter interface {
	Submit(priority int, fn func())
}

// Config configures a Reactor.
type Config struct {
	Backend    ioengine.Backend
	Wheel      *timer.Wheel
	Scheduler  Submitter
	PollTimeout time.Duration
	// Completion, when set, is invoked for every reaped completion event
	// before its handler runs. The batcher hooks in here to release
	// zero-copy buffers the kernel has finished with.
	Completion func(token uint64)
	Observer   interfaces.Observer
	Logger     interfaces.Logger
}

// Reactor owns event-source registration and the poll loop that turns
// backend readiness/completion events into handler dispatches.
type Reactor struct {
	cfg    Config
	shards [numShards]shard

	observer interfaces.Observer
	logger   interfaces.Logger

	scratch []ioengine.CQEvent
}

// New constructs a Reactor. cfg.Backend, cfg.Wheel, and cfg.Scheduler are
// required; the zero value of everything else falls back to sane defaults.
func New(cfg Config) *Reactor {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	observer := cfg.Observer
	if observer == nil {
		observer = interfaces.NoOpObserver{}
	}
	r := &Reactor{cfg: cfg, observer: observer, logger: cfg.Logger}
	for i := range r.shards {
		r.shards[i].sources = make(map[uint64]*source)
	}
	return r
}

func (r *Reactor) shardFor(token uint64) *shard {
	return &r.shards[token%numShards]
}

// Register arms a descriptor for readiness notification and associates it
// with a handler, keyed by an opaque token the caller supplies (the
// Runtime Façade allocates these from its own dense token space).
func (r *Reactor) Register(token uint64, fd int, h interfaces.Handler, read, write bool) error {
	sh := r.shardFor(token)
	sh.mu.Lock()
	sh.sources[token] = &source{handler: h, fd: fd}
	sh.mu.Unlock()

	if err := r.cfg.Backend.Register(fd, token, read, write); err != nil {
		sh.mu.Lock()
		delete(sh.sources, token)
		sh.mu.Unlock()
		return fmt.Errorf("reactor: register token %d: %w", token, err)
	}
	return nil
}

// Deregister removes a token's source and arms no further events for it.
func (r *Reactor) Deregister(token uint64) error {
	sh := r.shardFor(token)
	sh.mu.Lock()
	src, ok := sh.sources[token]
	delete(sh.sources, token)
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	return r.cfg.Backend.Deregister(src.fd)
}

// Submit hands a submission/completion profile operation to the backend,
// associating its token with h so the eventual completion can be routed.
func (r *Reactor) Submit(token uint64, op ioengine.Op, h interfaces.Handler) error {
	sh := r.shardFor(token)
	sh.mu.Lock()
	sh.sources[token] = &source{handler: h}
	sh.mu.Unlock()
	return r.cfg.Backend.Submit(op)
}

// Modify rearms the interest set for an already-registered token.
func (r *Reactor) Modify(token uint64, read, write bool) error {
	sh := r.shardFor(token)
	sh.mu.RLock()
	src, ok := sh.sources[token]
	sh.mu.RUnlock()
	if !ok {
		return fmt.Errorf("reactor: modify: token %d not registered", token)
	}
	return r.cfg.Backend.Modify(src.fd, token, read, write)
}

// PollOnce advances the timer wheel, polls the backend once with a timeout
// bounded by the next pending timer, and dispatches every resulting event.
// It returns the number of handlers invoked, timer callbacks included.
func (r *Reactor) PollOnce(now time.Time) (int, error) {
	fired := r.cfg.Wheel.AdvanceTo(now)

	timeout := r.cfg.Wheel.UntilNext(now, r.cfg.PollTimeout)

	r.scratch = r.scratch[:0]
	events, err := r.cfg.Backend.Reap(r.scratch, timeout)
	if err != nil {
		return 0, fmt.Errorf("reactor: poll: %w", err)
	}
	r.scratch = events

	handled := 0
	for _, ev := range events {
		if r.dispatch(ev) {
			handled++
		}
	}
	return fired + handled, nil
}

func (r *Reactor) dispatch(ev ioengine.CQEvent) bool {
	if ev.Kind == interfaces.IOCompletion && r.cfg.Completion != nil {
		r.cfg.Completion(ev.Token)
	}

	sh := r.shardFor(ev.Token)
	sh.mu.RLock()
	src, ok := sh.sources[ev.Token]
	sh.mu.RUnlock()
	if !ok {
		return false
	}

	inline := src.handler.Inline()
	r.observer.ObserveEventDispatched(ev.Kind, inline)

	run := func() {
		src.mu.Lock()
		defer src.mu.Unlock()
		if err := src.handler.OnEvent(ev.Kind, ev.Token, ev.Result); err != nil {
			r.observer.ObserveHandlerError()
			if r.logger != nil {
				r.logger.Errorf("handler error for token %d: %v", ev.Token, err)
			}
		}
	}

	if inline || r.cfg.Scheduler == nil {
		run()
		return true
	}
	r.cfg.Scheduler.Submit(0, run)
	return true
}

// Run polls in a loop until ctx is cancelled, pacing each iteration by
// cfg.PollTimeout.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := r.PollOnce(time.Now()); err != nil {
			return err
		}
	}
}
