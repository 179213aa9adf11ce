// Package timer implements the hierarchical timer wheel: an O(1)-amortized
// schedule/cancel/advance structure for up to millions of pending timers,
// with optional coalescing of high-latency-tolerant timers.
//
// The wheel follows Varghese & Lauck's hashed/hierarchical timing wheels:
// L levels of S circular buckets each, level 0 at base-resolution
// granularity. Cascading moves exactly one bucket per level per wrap,
// recomputing each surviving entry's position from its remaining delay.
package timer

import (
	"sync"
	"time"

	"github.com/ehrlich-b/cyclone/internal/constants"
	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// Token identifies a scheduled timer. It packs a slot index and a
// generation counter so a cancelled-and-reused slot can never be confused
// with the timer that originally occupied it.
type Token uint64

func makeToken(index, generation uint32) Token {
	return Token(uint64(generation)<<32 | uint64(index))
}

func (t Token) index() uint32      { return uint32(t) }
func (t Token) generation() uint32 { return uint32(t >> 32) }

// Callback is invoked when a timer fires. An error is logged, never
// propagated, so one bad callback cannot stall the wheel.
type Callback func(Token) error

type entry struct {
	generation     uint32
	alive          bool
	expirationTick int64
	callback       Callback
}

// Config configures a Wheel. Zero values fall back to the package
// defaults.
type Config struct {
	Levels             int
	SlotsPerLevel      int
	BaseResolutionMs   int64
	Coalescing         bool
	CoalesceThresholdMs int64
	CoalesceWindowMs    int64
	CoalesceMaxDelayMs  int64
	Observer            interfaces.Observer
	Logger              interfaces.Logger
}

// DefaultConfig returns the standard wheel shape: 5 levels, 256 slots,
// 1ms base resolution, coalescing on with a 5ms window and a 50ms max delay.
func DefaultConfig() Config {
	return Config{
		Levels:              constants.DefaultTimerLevels,
		SlotsPerLevel:       constants.DefaultTimerSlots,
		BaseResolutionMs:    constants.DefaultTimerBaseMs,
		Coalescing:          true,
		CoalesceThresholdMs: constants.DefaultCoalesceThresholdMs,
		CoalesceWindowMs:    constants.DefaultCoalesceWindowMs,
		CoalesceMaxDelayMs:  constants.DefaultCoalesceMaxDelayMs,
	}
}

// Wheel is a hierarchical timer wheel driven by explicit AdvanceTo calls;
// it has no internal goroutine. The Reactor's poll loop advances the wheel
// once per iteration.
type Wheel struct {
	// mu guards every field below. Schedule and Cancel are the public
	// entry points the Runtime exposes to arbitrary caller threads;
	// AdvanceTo holds mu only for the bucket bookkeeping and releases it
	// before invoking a callback, so no lock is held while a handler runs.
	mu        sync.Mutex
	cfg       Config
	wheels    [][][]Token // wheels[level][slot] = tokens currently bucketed there
	slots     []entry
	freeList  []uint32
	startTime time.Time
	currentTick int64

	observer interfaces.Observer
	logger   interfaces.Logger

	dueScratch []Token // reused scratch buffer for due-immediately cascades
}

// New constructs a Wheel anchored at start. Time arguments to AdvanceTo are
// interpreted relative to start.
func New(cfg Config, start time.Time) *Wheel {
	if cfg.Levels <= 0 {
		cfg.Levels = constants.DefaultTimerLevels
	}
	if cfg.SlotsPerLevel <= 0 {
		cfg.SlotsPerLevel = constants.DefaultTimerSlots
	}
	if cfg.BaseResolutionMs <= 0 {
		cfg.BaseResolutionMs = constants.DefaultTimerBaseMs
	}
	observer := cfg.Observer
	if observer == nil {
		observer = interfaces.NoOpObserver{}
	}

	w := &Wheel{
		cfg:       cfg,
		wheels:    make([][][]Token, cfg.Levels),
		startTime: start,
		observer:  observer,
		logger:    cfg.Logger,
	}
	for lvl := range w.wheels {
		w.wheels[lvl] = make([][]Token, cfg.SlotsPerLevel)
	}
	return w
}

// levelWidth returns the number of level-0 ticks spanned by one slot at the
// given level: S^level.
func (w *Wheel) levelWidth(level int) int64 {
	width := int64(1)
	for i := 0; i < level; i++ {
		width *= int64(w.cfg.SlotsPerLevel)
	}
	return width
}

// calculatePosition returns the (level, slot) a timer with the given number
// of remaining ticks (relative to the current tick) should occupy.
func (w *Wheel) calculatePosition(remainingTicks int64) (int, int) {
	s := int64(w.cfg.SlotsPerLevel)
	for level := 0; level < w.cfg.Levels; level++ {
		width := w.levelWidth(level)
		if remainingTicks < width*s {
			expirationTick := w.currentTick + remainingTicks
			slot := (expirationTick / width) % s
			return level, int(slot)
		}
	}
	// Beyond the top level's range: park in the top level's last slot; the
	// next full cascade through that level will re-resolve its true position.
	return w.cfg.Levels - 1, w.cfg.SlotsPerLevel - 1
}

func (w *Wheel) allocate(expirationTick int64, cb Callback) Token {
	var idx uint32
	if n := len(w.freeList); n > 0 {
		idx = w.freeList[n-1]
		w.freeList = w.freeList[:n-1]
		w.slots[idx].generation++
	} else {
		idx = uint32(len(w.slots))
		w.slots = append(w.slots, entry{generation: 1})
	}
	e := &w.slots[idx]
	e.alive = true
	e.expirationTick = expirationTick
	e.callback = cb
	return makeToken(idx, e.generation)
}

// Schedule places a new timer, firing cb after delay (subject to
// coalescing). Infallible once allocation succeeds.
func (w *Wheel) Schedule(delay time.Duration, cb Callback) Token {
	w.mu.Lock()
	defer w.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	delayMs := int64(delay / time.Millisecond)
	if delay%time.Millisecond != 0 {
		delayMs++
	}
	delayTicks := ceilDiv(delayMs, w.cfg.BaseResolutionMs)
	if delayTicks < 1 {
		delayTicks = 1
	}

	if w.cfg.Coalescing && delayMs > w.cfg.CoalesceThresholdMs {
		before := delayTicks
		delayTicks = w.coalesce(delayTicks)
		if delayTicks != before {
			w.observer.ObserveTimerCoalesced()
		}
	}

	expirationTick := w.currentTick + delayTicks
	level, slot := w.calculatePosition(delayTicks)
	token := w.allocate(expirationTick, cb)
	w.wheels[level][slot] = append(w.wheels[level][slot], token)
	return token
}

// coalesce rounds a requested tick delay up to the next coalescing window
// boundary, bounded by the configured max delay, and never earlier than
// the request.
func (w *Wheel) coalesce(delayTicks int64) int64 {
	windowTicks := w.cfg.CoalesceWindowMs / w.cfg.BaseResolutionMs
	if windowTicks <= 0 {
		return delayTicks
	}
	requested := w.currentTick + delayTicks
	boundary := ceilDiv(requested, windowTicks) * windowTicks
	maxTick := requested + w.cfg.CoalesceMaxDelayMs/w.cfg.BaseResolutionMs
	if boundary > maxTick {
		boundary = maxTick
	}
	if boundary < requested {
		boundary = requested
	}
	return boundary - w.currentTick
}

// Cancel marks a timer dead. O(1); idempotent. Returns false if the token
// is unknown, already fired, or already cancelled.
func (w *Wheel) Cancel(token Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := token.index()
	if int(idx) >= len(w.slots) {
		return false
	}
	e := &w.slots[idx]
	if e.generation != token.generation() || !e.alive {
		return false
	}
	e.alive = false
	e.callback = nil
	return true
}

// AdvanceTo moves the wheel forward to now, firing every live timer whose
// expiration has been crossed, cascading buckets from higher levels down as
// each level wraps. Returns the number of callbacks fired.
func (w *Wheel) AdvanceTo(now time.Time) int {
	w.mu.Lock()
	targetMs := now.Sub(w.startTime).Milliseconds()
	targetTick := targetMs / w.cfg.BaseResolutionMs

	var toFire []firedTimer
	for w.currentTick < targetTick {
		w.currentTick++
		toFire = w.advanceOneTick(toFire)
	}
	w.mu.Unlock()

	for _, f := range toFire {
		w.invoke(f.token, f.cb)
	}
	if len(toFire) > 0 {
		w.observer.ObserveTimerFired(len(toFire))
	}
	return len(toFire)
}

// UntilNext returns how long the poll loop may block before the next live
// timer is due, or max if nothing earlier is pending. Level 0 is scanned
// bucket-by-bucket (a bounded walk of at most SlotsPerLevel buckets); live
// entries still parked in higher levels only need a wakeup at the next
// level-0 wrap, where the cascade will pull them down.
func (w *Wheel) UntilNext(now time.Time, max time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := int64(w.cfg.SlotsPerLevel)
	res := w.cfg.BaseResolutionMs
	nowTick := now.Sub(w.startTime).Milliseconds() / res

	best := int64(-1)
	for off := int64(1); off <= s; off++ {
		t := w.currentTick + off
		for _, token := range w.wheels[0][t%s] {
			e := &w.slots[token.index()]
			if e.generation != token.generation() || !e.alive {
				continue
			}
			if best == -1 || e.expirationTick < best {
				best = e.expirationTick
			}
		}
		if best != -1 {
			break
		}
	}

	if best == -1 {
		higher := false
		for lvl := 1; lvl < w.cfg.Levels && !higher; lvl++ {
			for _, bucket := range w.wheels[lvl] {
				for _, token := range bucket {
					e := &w.slots[token.index()]
					if e.generation == token.generation() && e.alive {
						higher = true
						break
					}
				}
				if higher {
					break
				}
			}
		}
		if !higher {
			return max
		}
		// Wake at the next level-0 wrap so the cascade can run.
		best = ((w.currentTick / s) + 1) * s
	}

	delta := (best - nowTick) * res
	if delta <= 0 {
		return 0
	}
	d := time.Duration(delta) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

type firedTimer struct {
	token Token
	cb    Callback
}

func (w *Wheel) advanceOneTick(toFire []firedTimer) []firedTimer {
	t := w.currentTick

	for level := w.cfg.Levels - 1; level >= 1; level-- {
		width := w.levelWidth(level)
		if t%width == 0 {
			w.cascadeLevel(level, t)
		}
	}
	return w.fireLevel0(t, toFire)
}

// cascadeLevel empties the one bucket of level that just wrapped into
// scope and reinserts each surviving entry at the position its remaining
// delay now calls for — typically a lower level, sometimes level 0 itself.
func (w *Wheel) cascadeLevel(level int, t int64) {
	s := int64(w.cfg.SlotsPerLevel)
	width := w.levelWidth(level)
	slotIdx := (t / width) % s
	bucket := w.wheels[level][slotIdx]
	w.wheels[level][slotIdx] = nil

	for _, token := range bucket {
		e := &w.slots[token.index()]
		if e.generation != token.generation() || !e.alive {
			continue
		}
		remaining := e.expirationTick - t
		if remaining <= 0 {
			w.dueScratch = append(w.dueScratch, token)
			continue
		}
		lvl, slot := w.calculatePosition(remaining)
		w.wheels[lvl][slot] = append(w.wheels[lvl][slot], token)
	}
}

// fireLevel0 empties the current level-0 bucket (plus anything the higher
// levels just cascaded straight down into dueScratch) and appends every
// timer whose expiration has truly been reached to toFire. It only touches
// bucket/slot bookkeeping; callbacks are invoked by the caller after mu has
// been released.
func (w *Wheel) fireLevel0(t int64, toFire []firedTimer) []firedTimer {
	slot := t % int64(w.cfg.SlotsPerLevel)
	bucket := w.wheels[0][slot]
	w.wheels[0][slot] = nil

	due := w.dueScratch
	w.dueScratch = nil
	bucket = append(bucket, due...)

	for _, token := range bucket {
		e := &w.slots[token.index()]
		if e.generation != token.generation() || !e.alive {
			continue
		}
		if e.expirationTick > t {
			// Coalescing or a parked top-level entry can land here ahead
			// of its true expiration; reinsert at the correct position.
			lvl, slot := w.calculatePosition(e.expirationTick - t)
			w.wheels[lvl][slot] = append(w.wheels[lvl][slot], token)
			continue
		}
		cb := e.callback
		e.alive = false
		e.callback = nil
		w.freeList = append(w.freeList, token.index())
		toFire = append(toFire, firedTimer{token: token, cb: cb})
	}
	return toFire
}

func (w *Wheel) invoke(token Token, cb Callback) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && w.logger != nil {
			w.logger.Errorf("timer callback panicked: %v", r)
		}
	}()
	if err := cb(token); err != nil && w.logger != nil {
		w.logger.Errorf("timer callback error: %v", err)
	}
}

// CurrentTick returns the number of base-resolution ticks elapsed since the
// wheel was constructed.
func (w *Wheel) CurrentTick() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTick
}

// Stats is a point-in-time snapshot of wheel occupancy.
type Stats struct {
	ActiveTimers int
	LevelCounts  []int
}

// Stats returns the number of live timers, and how many live entries sit in
// each level's buckets right now.
func (w *Wheel) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Stats{LevelCounts: make([]int, w.cfg.Levels)}
	for lvl, buckets := range w.wheels {
		for _, bucket := range buckets {
			for _, token := range bucket {
				e := &w.slots[token.index()]
				if e.generation == token.generation() && e.alive {
					st.LevelCounts[lvl]++
				}
			}
		}
	}
	for _, c := range st.LevelCounts {
		st.ActiveTimers += c
	}
	return st
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
