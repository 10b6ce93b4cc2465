// Package metrics holds the relayer's shared counters and exports them as
// JSON and Prometheus metrics.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters are updated concurrently by the pipeline.
type Counters struct {
	writeCount      atomic.Uint64
	failureCount    atomic.Uint64
	lastErrorTs     atomic.Int64
	startTs         int64
	wsConnected     atomic.Bool
	lastEventBlock  atomic.Uint64
	oracleFailures  atomic.Uint64
	decodeFailures  atomic.Uint64
	rescuesExecuted atomic.Uint64
	rescueErrors    atomic.Uint64
	now             func() time.Time
}

// NewCounters stamps the start time.
func NewCounters() *Counters {
	return NewCountersAt(time.Now)
}

// NewCountersAt uses now as its clock.
func NewCountersAt(now func() time.Time) *Counters {
	return &Counters{startTs: now().Unix(), now: now}
}

// RecordWrite counts a successful sink write.
func (c *Counters) RecordWrite() { c.writeCount.Add(1) }

// RecordFailure counts a failed write and stamps the error time.
func (c *Counters) RecordFailure() {
	c.failureCount.Add(1)
	c.lastErrorTs.Store(c.now().Unix())
}

// RecordOracleFailure counts a failed live price resolution.
func (c *Counters) RecordOracleFailure() { c.oracleFailures.Add(1) }

// RecordDecodeFailure counts an undecodable ledger log.
func (c *Counters) RecordDecodeFailure() { c.decodeFailures.Add(1) }

// RecordRescue counts an executed rescue.
func (c *Counters) RecordRescue() { c.rescuesExecuted.Add(1) }

// RecordRescueError counts a failed rescue.
func (c *Counters) RecordRescueError() {
	c.rescueErrors.Add(1)
	c.lastErrorTs.Store(c.now().Unix())
}

// SetConnected flags the push subscription state.
func (c *Counters) SetConnected(v bool) { c.wsConnected.Store(v) }

// ObserveBlock raises lastEventBlock monotonically.
func (c *Counters) ObserveBlock(block uint64) {
	for {
		cur := c.lastEventBlock.Load()
		if block <= cur || c.lastEventBlock.CompareAndSwap(cur, block) {
			return
		}
	}
}

// Snapshot is the JSON view served at /metrics.
type Snapshot struct {
	WriteCount      uint64 `json:"writeCount"`
	FailureCount    uint64 `json:"failureCount"`
	LastErrorTs     int64  `json:"lastErrorTs"`
	StartTs         int64  `json:"startTs"`
	WSConnected     bool   `json:"wsConnected"`
	LastEventBlock  uint64 `json:"lastEventBlock"`
	OracleFailures  uint64 `json:"oracleFailures"`
	DecodeFailures  uint64 `json:"decodeFailures"`
	RescuesExecuted uint64 `json:"rescuesExecuted"`
	RescueErrors    uint64 `json:"rescueErrors"`
	BreakerState    string `json:"breakerState,omitempty"`
}

// Snapshot reads every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		WriteCount:      c.writeCount.Load(),
		FailureCount:    c.failureCount.Load(),
		LastErrorTs:     c.lastErrorTs.Load(),
		StartTs:         c.startTs,
		WSConnected:     c.wsConnected.Load(),
		LastEventBlock:  c.lastEventBlock.Load(),
		OracleFailures:  c.oracleFailures.Load(),
		DecodeFailures:  c.decodeFailures.Load(),
		RescuesExecuted: c.rescuesExecuted.Load(),
		RescueErrors:    c.rescueErrors.Load(),
	}
}

// Collector exposes Counters to Prometheus.
type Collector struct {
	counters    *Counters
	breakerOpen func() bool

	writes          *prometheus.Desc
	failures        *prometheus.Desc
	lastError       *prometheus.Desc
	start           *prometheus.Desc
	connected       *prometheus.Desc
	lastBlock       *prometheus.Desc
	oracleFailures  *prometheus.Desc
	decodeFailures  *prometheus.Desc
	rescues         *prometheus.Desc
	rescueErrors    *prometheus.Desc
	breakerOpenDesc *prometheus.Desc
}

// NewCollector builds a collector; breakerOpen may be nil.
func NewCollector(counters *Counters, breakerOpen func() bool) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("relayer", "", name), help, nil, nil)
	}
	return &Collector{
		counters:        counters,
		breakerOpen:     breakerOpen,
		writes:          desc("writes_total", "Position records written to the sink"),
		failures:        desc("write_failures_total", "Position writes that exhausted retries"),
		lastError:       desc("last_error_timestamp_seconds", "Unix time of the last recorded error"),
		start:           desc("start_timestamp_seconds", "Unix time when the process started"),
		connected:       desc("ws_connected", "Push subscription state (1=connected)"),
		lastBlock:       desc("last_event_block", "Highest ledger block seen in an event"),
		oracleFailures:  desc("oracle_failures_total", "Live price resolutions that failed"),
		decodeFailures:  desc("decode_failures_total", "Ledger logs that could not be decoded"),
		rescues:         desc("rescues_executed_total", "Rescue transactions confirmed"),
		rescueErrors:    desc("rescue_errors_total", "Rescue transactions that failed"),
		breakerOpenDesc: desc("oracle_breaker_open", "Oracle circuit breaker state (0=closed, 1=open)"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.writes
	ch <- c.failures
	ch <- c.lastError
	ch <- c.start
	ch <- c.connected
	ch <- c.lastBlock
	ch <- c.oracleFailures
	ch <- c.decodeFailures
	ch <- c.rescues
	ch <- c.rescueErrors
	ch <- c.breakerOpenDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.counters.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.writes, s.WriteCount)
	counter(c.failures, s.FailureCount)
	gauge(c.lastError, float64(s.LastErrorTs))
	gauge(c.start, float64(s.StartTs))
	gauge(c.connected, boolGauge(s.WSConnected))
	gauge(c.lastBlock, float64(s.LastEventBlock))
	counter(c.oracleFailures, s.OracleFailures)
	counter(c.decodeFailures, s.DecodeFailures)
	counter(c.rescues, s.RescuesExecuted)
	counter(c.rescueErrors, s.RescueErrors)

	open := false
	if c.breakerOpen != nil {
		open = c.breakerOpen()
	}
	gauge(c.breakerOpenDesc, boolGauge(open))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

var _ prometheus.Collector = (*Collector)(nil)
