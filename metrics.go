package blkmq

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-blkmq/internal/blk"
)

// LatencyBuckets defines the submit-to-complete latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks dispatch and completion statistics for a disk
type Metrics struct {
	// Dispatch entry outcomes
	Submits      atomic.Uint64 // queue_rq calls the driver accepted
	SubmitErrors atomic.Uint64 // queue_rq calls the driver failed
	SubmitBusy   atomic.Uint64 // queue_rq calls the driver reported busy
	Commits      atomic.Uint64 // commit_rqs calls
	Polls        atomic.Uint64 // poll calls
	PollHits     atomic.Uint64 // poll calls that found completions

	// Runner batching
	Batches         atomic.Uint64 // DispatchList calls
	BatchedRequests atomic.Uint64 // requests handed to DispatchList
	Requeues        atomic.Uint64 // requests requeued after a busy status

	// Completions by operation
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	DiscardOps atomic.Uint64
	FlushOps   atomic.Uint64

	ReadBytes    atomic.Uint64
	WriteBytes   atomic.Uint64
	DiscardBytes atomic.Uint64

	ReadErrors    atomic.Uint64
	WriteErrors   atomic.Uint64
	DiscardErrors atomic.Uint64
	FlushErrors   atomic.Uint64

	// Lifecycle
	HctxInits    atomic.Uint64
	HctxExits    atomic.Uint64
	PayloadInits atomic.Uint64
	PayloadExits atomic.Uint64
	Violations   atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative in-flight samples
	QueueDepthCount atomic.Uint64 // Number of samples
	MaxQueueDepth   atomic.Uint32 // Maximum observed in-flight count

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Each bucket[i] contains the count of completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records the outcome of one queue_rq call
func (m *Metrics) RecordSubmit(st Status) {
	switch {
	case st == blk.StatusOK:
		m.Submits.Add(1)
	case st.Busy():
		m.SubmitBusy.Add(1)
	default:
		m.SubmitErrors.Add(1)
	}
}

// RecordComplete records one finished request
func (m *Metrics) RecordComplete(op Op, bytes uint64, latencyNs uint64, st Status) {
	ok := st == blk.StatusOK
	switch op {
	case blk.OpRead:
		m.ReadOps.Add(1)
		if ok {
			m.ReadBytes.Add(bytes)
		} else {
			m.ReadErrors.Add(1)
		}
	case blk.OpWrite, blk.OpWriteZeroes:
		m.WriteOps.Add(1)
		if ok {
			m.WriteBytes.Add(bytes)
		} else {
			m.WriteErrors.Add(1)
		}
	case blk.OpDiscard:
		m.DiscardOps.Add(1)
		if ok {
			m.DiscardBytes.Add(bytes)
		} else {
			m.DiscardErrors.Add(1)
		}
	case blk.OpFlush:
		m.FlushOps.Add(1)
		if !ok {
			m.FlushErrors.Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordBatch records one batch of size requests
func (m *Metrics) RecordBatch(size int) {
	m.Batches.Add(1)
	m.BatchedRequests.Add(uint64(size))
}

// RecordQueueDepth records current in-flight count for statistics
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the disk as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	Submits      uint64
	SubmitErrors uint64
	SubmitBusy   uint64
	Commits      uint64
	Polls        uint64
	PollHits     uint64
	Requeues     uint64
	Violations   uint64

	ReadOps    uint64
	WriteOps   uint64
	DiscardOps uint64
	FlushOps   uint64

	ReadBytes    uint64
	WriteBytes   uint64
	DiscardBytes uint64

	ReadErrors    uint64
	WriteErrors   uint64
	DiscardErrors uint64
	FlushErrors   uint64

	HctxInits    uint64
	HctxExits    uint64
	PayloadInits uint64
	PayloadExits uint64

	AvgBatchSize  float64
	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	IOPS       float64
	Bandwidth  float64 // Bytes per second, reads and writes
	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64 // Percentage of failed completions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submits:       m.Submits.Load(),
		SubmitErrors:  m.SubmitErrors.Load(),
		SubmitBusy:    m.SubmitBusy.Load(),
		Commits:       m.Commits.Load(),
		Polls:         m.Polls.Load(),
		PollHits:      m.PollHits.Load(),
		Requeues:      m.Requeues.Load(),
		Violations:    m.Violations.Load(),
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		DiscardOps:    m.DiscardOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		DiscardBytes:  m.DiscardBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		DiscardErrors: m.DiscardErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
		HctxInits:     m.HctxInits.Load(),
		HctxExits:     m.HctxExits.Load(),
		PayloadInits:  m.PayloadInits.Load(),
		PayloadExits:  m.PayloadExits.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DiscardOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.DiscardBytes

	if batches := m.Batches.Load(); batches > 0 {
		snap.AvgBatchSize = float64(m.BatchedRequests.Load()) / float64(batches)
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.TotalOps) / uptimeSeconds
		snap.Bandwidth = float64(snap.ReadBytes+snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.DiscardErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer receives dispatch events. Methods are called from runner
// goroutines and from completion context, so implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// ObserveSubmit is called with the status of every queue_rq call
	ObserveSubmit(hctx uint32, st Status)

	// ObserveComplete is called once per request the driver completed
	ObserveComplete(op Op, bytes uint64, latencyNs uint64, st Status)

	ObserveCommit(hctx uint32)
	ObservePoll(hctx uint32, found bool)

	// ObserveBatch is called by a runner before it hands size requests to the driver
	ObserveBatch(hctx uint32, size int)

	// ObserveRequeue is called when n requests are put back after a busy status
	ObserveRequeue(hctx uint32, n int)

	// ObserveQueueDepth is called with a context's in-flight count
	ObserveQueueDepth(hctx uint32, depth uint32)

	// ObserveHctx is called when a hardware context comes up or goes down
	ObserveHctx(hctx uint32, up bool)

	// ObservePayload is called when a request payload is constructed or destroyed
	ObservePayload(constructed bool)

	// ObserveViolation is called for every detected contract violation
	ObserveViolation(op string)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint32, Status)                 {}
func (NoOpObserver) ObserveComplete(Op, uint64, uint64, Status)   {}
func (NoOpObserver) ObserveCommit(uint32)                         {}
func (NoOpObserver) ObservePoll(uint32, bool)                     {}
func (NoOpObserver) ObserveBatch(uint32, int)                     {}
func (NoOpObserver) ObserveRequeue(uint32, int)                   {}
func (NoOpObserver) ObserveQueueDepth(uint32, uint32)             {}
func (NoOpObserver) ObserveHctx(uint32, bool)                     {}
func (NoOpObserver) ObservePayload(bool)                          {}
func (NoOpObserver) ObserveViolation(string)                      {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(_ uint32, st Status) {
	o.metrics.RecordSubmit(st)
}

func (o *MetricsObserver) ObserveComplete(op Op, bytes uint64, latencyNs uint64, st Status) {
	o.metrics.RecordComplete(op, bytes, latencyNs, st)
}

func (o *MetricsObserver) ObserveCommit(uint32) {
	o.metrics.Commits.Add(1)
}

func (o *MetricsObserver) ObservePoll(_ uint32, found bool) {
	o.metrics.Polls.Add(1)
	if found {
		o.metrics.PollHits.Add(1)
	}
}

func (o *MetricsObserver) ObserveBatch(_ uint32, size int) {
	o.metrics.RecordBatch(size)
}

func (o *MetricsObserver) ObserveRequeue(_ uint32, n int) {
	o.metrics.Requeues.Add(uint64(n))
}

func (o *MetricsObserver) ObserveQueueDepth(_ uint32, depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveHctx(_ uint32, up bool) {
	if up {
		o.metrics.HctxInits.Add(1)
	} else {
		o.metrics.HctxExits.Add(1)
	}
}

func (o *MetricsObserver) ObservePayload(constructed bool) {
	if constructed {
		o.metrics.PayloadInits.Add(1)
	} else {
		o.metrics.PayloadExits.Add(1)
	}
}

func (o *MetricsObserver) ObserveViolation(string) {
	o.metrics.Violations.Add(1)
}

// multiObserver fans every event out to several observers
type multiObserver []Observer

// Observers combines observers into one. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return NoOpObserver{}
	case 1:
		return m[0]
	}
	return m
}

func (m multiObserver) ObserveSubmit(hctx uint32, st Status) {
	for _, o := range m {
		o.ObserveSubmit(hctx, st)
	}
}

func (m multiObserver) ObserveComplete(op Op, bytes uint64, latencyNs uint64, st Status) {
	for _, o := range m {
		o.ObserveComplete(op, bytes, latencyNs, st)
	}
}

func (m multiObserver) ObserveCommit(hctx uint32) {
	for _, o := range m {
		o.ObserveCommit(hctx)
	}
}

func (m multiObserver) ObservePoll(hctx uint32, found bool) {
	for _, o := range m {
		o.ObservePoll(hctx, found)
	}
}

func (m multiObserver) ObserveBatch(hctx uint32, size int) {
	for _, o := range m {
		o.ObserveBatch(hctx, size)
	}
}

func (m multiObserver) ObserveRequeue(hctx uint32, n int) {
	for _, o := range m {
		o.ObserveRequeue(hctx, n)
	}
}

func (m multiObserver) ObserveQueueDepth(hctx uint32, depth uint32) {
	for _, o := range m {
		o.ObserveQueueDepth(hctx, depth)
	}
}

func (m multiObserver) ObserveHctx(hctx uint32, up bool) {
	for _, o := range m {
		o.ObserveHctx(hctx, up)
	}
}

func (m multiObserver) ObservePayload(constructed bool) {
	for _, o := range m {
		o.ObservePayload(constructed)
	}
}

func (m multiObserver) ObserveViolation(op string) {
	for _, o := range m {
		o.ObserveViolation(op)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
var _ Observer = multiObserver(nil)
