package cyclone

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/cyclone/internal/interfaces"
)

// Metrics tracks runtime-wide performance and operational statistics,
// aggregated from every component's Observer callbacks.
type Metrics struct {
	// Timer wheel
	TimersFired     atomic.Uint64
	TimerFireBatches atomic.Uint64
	TimersCoalesced atomic.Uint64

	// Reactor
	EventsDispatchedInline    atomic.Uint64
	EventsDispatchedScheduled atomic.Uint64
	HandlerErrors             atomic.Uint64

	// Scheduler
	TasksExecuted       [4]atomic.Uint64 // indexed by Priority
	TasksStolenSameNode atomic.Uint64
	TasksStolenCrossNode atomic.Uint64
	StealTimeTotalNs    atomic.Uint64
	TasksOverflowed     atomic.Uint64

	// Buffer manager
	BuffersAllocatedFromFreeList atomic.Uint64
	BuffersAllocatedFresh        atomic.Uint64
	BuffersReleased              atomic.Uint64

	// Syscall batcher
	ZeroCopyBytes atomic.Uint64
	CopiedBytes   atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop marks the runtime as stopped, fixing UptimeNs for later snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// ObserveTimerFired implements interfaces.Observer.
func (m *Metrics) ObserveTimerFired(count int) {
	m.TimersFired.Add(uint64(count))
	m.TimerFireBatches.Add(1)
}

// ObserveTimerCoalesced implements interfaces.Observer.
func (m *Metrics) ObserveTimerCoalesced() {
	m.TimersCoalesced.Add(1)
}

// ObserveEventDispatched implements interfaces.Observer.
func (m *Metrics) ObserveEventDispatched(kind interfaces.EventKind, inline bool) {
	if inline {
		m.EventsDispatchedInline.Add(1)
	} else {
		m.EventsDispatchedScheduled.Add(1)
	}
}

// ObserveHandlerError implements interfaces.Observer.
func (m *Metrics) ObserveHandlerError() {
	m.HandlerErrors.Add(1)
}

// ObserveTaskExecuted implements interfaces.Observer.
func (m *Metrics) ObserveTaskExecuted(priority int) {
	if priority >= 0 && priority < len(m.TasksExecuted) {
		m.TasksExecuted[priority].Add(1)
	}
}

// ObserveTaskStolen implements interfaces.Observer.
func (m *Metrics) ObserveTaskStolen(crossNode bool, stealTime time.Duration) {
	if crossNode {
		m.TasksStolenCrossNode.Add(1)
	} else {
		m.TasksStolenSameNode.Add(1)
	}
	if stealTime > 0 {
		m.StealTimeTotalNs.Add(uint64(stealTime.Nanoseconds()))
	}
}

// ObserveTaskOverflowed implements interfaces.Observer.
func (m *Metrics) ObserveTaskOverflowed() {
	m.TasksOverflowed.Add(1)
}

// ObserveBufferAllocated implements interfaces.Observer.
func (m *Metrics) ObserveBufferAllocated(sizeClass int, fromFreeList bool) {
	if fromFreeList {
		m.BuffersAllocatedFromFreeList.Add(1)
	} else {
		m.BuffersAllocatedFresh.Add(1)
	}
}

// ObserveBufferReleased implements interfaces.Observer.
func (m *Metrics) ObserveBufferReleased(sizeClass int) {
	m.BuffersReleased.Add(1)
}

// ObserveZeroCopyWrite implements interfaces.Observer.
func (m *Metrics) ObserveZeroCopyWrite(bytes uint64) {
	m.ZeroCopyBytes.Add(bytes)
}

// ObserveCopyFallback implements interfaces.Observer.
func (m *Metrics) ObserveCopyFallback(bytes uint64) {
	m.CopiedBytes.Add(bytes)
}

var _ interfaces.Observer = (*Metrics)(nil)

// MetricsSnapshot is a point-in-time, non-atomic view of Metrics suitable
// for logging or JSON encoding.
type MetricsSnapshot struct {
	TimersFired      uint64
	TimerFireBatches uint64
	TimersCoalesced  uint64

	EventsDispatchedInline    uint64
	EventsDispatchedScheduled uint64
	HandlerErrors             uint64

	TasksExecutedHigh       uint64
	TasksExecutedNormal     uint64
	TasksExecutedLow        uint64
	TasksExecutedBackground uint64
	TasksStolenSameNode     uint64
	TasksStolenCrossNode    uint64
	StealTimeAvgNs          uint64  // mean time a worker spent winning one steal
	StealLocalityRatio      float64 // same-node steals / all steals; 0 if none yet
	TasksOverflowed         uint64

	BuffersAllocatedFromFreeList uint64
	BuffersAllocatedFresh        uint64
	BuffersReleased              uint64

	ZeroCopyBytes       uint64
	CopiedBytes         uint64
	ZeroCopyEfficiency  float64

	UptimeNs uint64
}

// Snapshot returns a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TimersFired:      m.TimersFired.Load(),
		TimerFireBatches: m.TimerFireBatches.Load(),
		TimersCoalesced:  m.TimersCoalesced.Load(),

		EventsDispatchedInline:    m.EventsDispatchedInline.Load(),
		EventsDispatchedScheduled: m.EventsDispatchedScheduled.Load(),
		HandlerErrors:             m.HandlerErrors.Load(),

		TasksExecutedHigh:       m.TasksExecuted[0].Load(),
		TasksExecutedNormal:     m.TasksExecuted[1].Load(),
		TasksExecutedLow:        m.TasksExecuted[2].Load(),
		TasksExecutedBackground: m.TasksExecuted[3].Load(),
		TasksStolenSameNode:     m.TasksStolenSameNode.Load(),
		TasksStolenCrossNode:    m.TasksStolenCrossNode.Load(),
		TasksOverflowed:         m.TasksOverflowed.Load(),

		BuffersAllocatedFromFreeList: m.BuffersAllocatedFromFreeList.Load(),
		BuffersAllocatedFresh:        m.BuffersAllocatedFresh.Load(),
		BuffersReleased:              m.BuffersReleased.Load(),

		ZeroCopyBytes: m.ZeroCopyBytes.Load(),
		CopiedBytes:   m.CopiedBytes.Load(),
	}

	if total := snap.ZeroCopyBytes + snap.CopiedBytes; total > 0 {
		snap.ZeroCopyEfficiency = float64(snap.ZeroCopyBytes) / float64(total)
	}

	if steals := snap.TasksStolenSameNode + snap.TasksStolenCrossNode; steals > 0 {
		snap.StealTimeAvgNs = m.StealTimeTotalNs.Load() / steals
		snap.StealLocalityRatio = float64(snap.TasksStolenSameNode) / float64(steals)
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return snap
}

// Reset zeroes all counters, restarting StartTime. Useful for tests.
func (m *Metrics) Reset() {
	m.TimersFired.Store(0)
	m.TimerFireBatches.Store(0)
	m.TimersCoalesced.Store(0)
	m.EventsDispatchedInline.Store(0)
	m.EventsDispatchedScheduled.Store(0)
	m.HandlerErrors.Store(0)
	for i := range m.TasksExecuted {
		m.TasksExecuted[i].Store(0)
	}
	m.TasksStolenSameNode.Store(0)
	m.TasksStolenCrossNode.Store(0)
	m.StealTimeTotalNs.Store(0)
	m.TasksOverflowed.Store(0)
	m.BuffersAllocatedFromFreeList.Store(0)
	m.BuffersAllocatedFresh.Store(0)
	m.BuffersReleased.Store(0)
	m.ZeroCopyBytes.Store(0)
	m.CopiedBytes.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// PrometheusCollector adapts Metrics to prometheus.Collector so a host can
// expose the runtime's counters on a /metrics endpoint.
type PrometheusCollector struct {
	m *Metrics

	timersFired     *prometheus.Desc
	timersCoalesced *prometheus.Desc
	eventsDispatched *prometheus.Desc
	handlerErrors   *prometheus.Desc
	tasksExecuted   *prometheus.Desc
	tasksStolen     *prometheus.Desc
	stealTime       *prometheus.Desc
	tasksOverflowed *prometheus.Desc
	buffersAllocated *prometheus.Desc
	buffersReleased *prometheus.Desc
	zeroCopyBytes   *prometheus.Desc
	copiedBytes     *prometheus.Desc
}

// NewPrometheusCollector wraps m as a prometheus.Collector.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	return &PrometheusCollector{
		m:               m,
		timersFired:     prometheus.NewDesc("cyclone_timers_fired_total", "Total timers fired.", nil, nil),
		timersCoalesced: prometheus.NewDesc("cyclone_timers_coalesced_total", "Total timers coalesced into a later deadline.", nil, nil),
		eventsDispatched: prometheus.NewDesc("cyclone_events_dispatched_total", "Total reactor events dispatched.", []string{"mode"}, nil),
		handlerErrors:   prometheus.NewDesc("cyclone_handler_errors_total", "Total handler errors observed by the reactor.", nil, nil),
		tasksExecuted:   prometheus.NewDesc("cyclone_tasks_executed_total", "Total scheduler tasks executed.", []string{"priority"}, nil),
		tasksStolen:     prometheus.NewDesc("cyclone_tasks_stolen_total", "Total tasks taken via work-stealing.", []string{"scope"}, nil),
		stealTime:       prometheus.NewDesc("cyclone_steal_time_seconds_total", "Total time workers spent winning steals.", nil, nil),
		tasksOverflowed: prometheus.NewDesc("cyclone_tasks_overflowed_total", "Total tasks routed to the overflow queue.", nil, nil),
		buffersAllocated: prometheus.NewDesc("cyclone_buffers_allocated_total", "Total buffer allocations.", []string{"source"}, nil),
		buffersReleased: prometheus.NewDesc("cyclone_buffers_released_total", "Total buffers returned to a free list.", nil, nil),
		zeroCopyBytes:   prometheus.NewDesc("cyclone_zero_copy_bytes_total", "Total bytes moved zero-copy.", nil, nil),
		copiedBytes:     prometheus.NewDesc("cyclone_copied_bytes_total", "Total bytes moved via a copy fallback.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.timersFired
	ch <- c.timersCoalesced
	ch <- c.eventsDispatched
	ch <- c.handlerErrors
	ch <- c.tasksExecuted
	ch <- c.tasksStolen
	ch <- c.stealTime
	ch <- c.tasksOverflowed
	ch <- c.buffersAllocated
	ch <- c.buffersReleased
	ch <- c.zeroCopyBytes
	ch <- c.copiedBytes
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.timersFired, prometheus.CounterValue, float64(s.TimersFired))
	ch <- prometheus.MustNewConstMetric(c.timersCoalesced, prometheus.CounterValue, float64(s.TimersCoalesced))

	ch <- prometheus.MustNewConstMetric(c.eventsDispatched, prometheus.CounterValue, float64(s.EventsDispatchedInline), "inline")
	ch <- prometheus.MustNewConstMetric(c.eventsDispatched, prometheus.CounterValue, float64(s.EventsDispatchedScheduled), "scheduled")

	ch <- prometheus.MustNewConstMetric(c.handlerErrors, prometheus.CounterValue, float64(s.HandlerErrors))

	ch <- prometheus.MustNewConstMetric(c.tasksExecuted, prometheus.CounterValue, float64(s.TasksExecutedHigh), "high")
	ch <- prometheus.MustNewConstMetric(c.tasksExecuted, prometheus.CounterValue, float64(s.TasksExecutedNormal), "normal")
	ch <- prometheus.MustNewConstMetric(c.tasksExecuted, prometheus.CounterValue, float64(s.TasksExecutedLow), "low")
	ch <- prometheus.MustNewConstMetric(c.tasksExecuted, prometheus.CounterValue, float64(s.TasksExecutedBackground), "background")

	ch <- prometheus.MustNewConstMetric(c.tasksStolen, prometheus.CounterValue, float64(s.TasksStolenSameNode), "same_node")
	ch <- prometheus.MustNewConstMetric(c.tasksStolen, prometheus.CounterValue, float64(s.TasksStolenCrossNode), "cross_node")

	ch <- prometheus.MustNewConstMetric(c.stealTime, prometheus.CounterValue, float64(c.m.StealTimeTotalNs.Load())/1e9)

	ch <- prometheus.MustNewConstMetric(c.tasksOverflowed, prometheus.CounterValue, float64(s.TasksOverflowed))

	ch <- prometheus.MustNewConstMetric(c.buffersAllocated, prometheus.CounterValue, float64(s.BuffersAllocatedFromFreeList), "free_list")
	ch <- prometheus.MustNewConstMetric(c.buffersAllocated, prometheus.CounterValue, float64(s.BuffersAllocatedFresh), "fresh")

	ch <- prometheus.MustNewConstMetric(c.buffersReleased, prometheus.CounterValue, float64(s.BuffersReleased))

	ch <- prometheus.MustNewConstMetric(c.zeroCopyBytes, prometheus.CounterValue, float64(s.ZeroCopyBytes))
	ch <- prometheus.MustNewConstMetric(c.copiedBytes, prometheus.CounterValue, float64(s.CopiedBytes))
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
