// Package prometheus exports blkmq dispatch events as Prometheus metrics.
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	blkmq "github.com/ehrlich-b/go-blkmq"
)

// Observer implements blkmq.Observer on top of Prometheus collectors. Every
// collector carries a constant "disk" label so several disks can share one
// registry.
type Observer struct {
	Submits     *prometheus.CounterVec
	Completions *prometheus.CounterVec
	Bytes       *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	Commits     *prometheus.CounterVec
	Polls       *prometheus.CounterVec
	BatchSize   *prometheus.HistogramVec
	Requeues    *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec
	HctxUp      *prometheus.GaugeVec
	Payloads    prometheus.Gauge
	Violations  *prometheus.CounterVec
}

// NewObserver registers the collectors with reg and returns an observer
// labelled with disk.
func NewObserver(reg prometheus.Registerer, disk string) *Observer {
	f := promauto.With(reg)
	labels := prometheus.Labels{"disk": disk}

	return &Observer{
		Submits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blkmq_submit_total",
				Help:        "queue_rq calls by hardware context and returned status",
				ConstLabels: labels,
			},
			[]string{"hctx", "status"},
		),
		Completions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blkmq_complete_total",
				Help:        "Completed requests by operation and status",
				ConstLabels: labels,
			},
			[]string{"op", "status"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blkmq_complete_bytes_total",
				Help:        "Bytes moved by successfully completed requests",
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		Latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "blkmq_request_duration_seconds",
				Help:        "Time from submission to completion",
				ConstLabels: labels,
				Buckets: []float64{
					0.00001, // 10us
					0.00005,
					0.0001,
					0.0005,
					0.001, // 1ms
					0.005,
					0.01,
					0.1,
					1,
				},
			},
			[]string{"op"},
		),
		Commits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blkmq_commit_total",
				Help:        "commit_rqs calls after an incomplete batch",
				ConstLabels: labels,
			},
			[]string{"hctx"},
		),
		Polls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blkmq_poll_total",
				Help:        "poll calls by whether they found completions",
				ConstLabels: labels,
			},
			[]string{"hctx", "found"},
		),
		BatchSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "blkmq_batch_size",
				Help:        "Requests handed to the driver per dispatch",
				ConstLabels: labels,
				Buckets:     []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"hctx"},
		),
		Requeues: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blkmq_requeue_total",
				Help:        "Requests put back after the driver reported busy",
				ConstLabels: labels,
			},
			[]string{"hctx"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "blkmq_queue_depth",
				Help:        "In-flight requests per hardware context",
				ConstLabels: labels,
			},
			[]string{"hctx"},
		),
		HctxUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "blkmq_hctx_up",
				Help:        "1 while a hardware context is initialized",
				ConstLabels: labels,
			},
			[]string{"hctx"},
		),
		Payloads: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "blkmq_request_payloads",
				Help:        "Constructed request payloads",
				ConstLabels: labels,
			},
		),
		Violations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "blkmq_violations_total",
				Help:        "Driver contract violations by operation",
				ConstLabels: labels,
			},
			[]string{"op"},
		),
	}
}

func hctxLabel(hctx uint32) string {
	return strconv.FormatUint(uint64(hctx), 10)
}

// ObserveSubmit implements blkmq.Observer
func (o *Observer) ObserveSubmit(hctx uint32, st blkmq.Status) {
	o.Submits.WithLabelValues(hctxLabel(hctx), st.String()).Inc()
}

// ObserveComplete implements blkmq.Observer
func (o *Observer) ObserveComplete(op blkmq.Op, bytes uint64, latencyNs uint64, st blkmq.Status) {
	name := op.String()
	o.Completions.WithLabelValues(name, st.String()).Inc()
	if st == blkmq.StatusOK {
		o.Bytes.WithLabelValues(name).Add(float64(bytes))
	}
	o.Latency.WithLabelValues(name).Observe(float64(latencyNs) / 1e9)
}

// ObserveCommit implements blkmq.Observer
func (o *Observer) ObserveCommit(hctx uint32) {
	o.Commits.WithLabelValues(hctxLabel(hctx)).Inc()
}

// ObservePoll implements blkmq.Observer
func (o *Observer) ObservePoll(hctx uint32, found bool) {
	o.Polls.WithLabelValues(hctxLabel(hctx), strconv.FormatBool(found)).Inc()
}

// ObserveBatch implements blkmq.Observer
func (o *Observer) ObserveBatch(hctx uint32, size int) {
	o.BatchSize.WithLabelValues(hctxLabel(hctx)).Observe(float64(size))
}

// ObserveRequeue implements blkmq.Observer
func (o *Observer) ObserveRequeue(hctx uint32, n int) {
	o.Requeues.WithLabelValues(hctxLabel(hctx)).Add(float64(n))
}

// ObserveQueueDepth implements blkmq.Observer
func (o *Observer) ObserveQueueDepth(hctx uint32, depth uint32) {
	o.QueueDepth.WithLabelValues(hctxLabel(hctx)).Set(float64(depth))
}

// ObserveHctx implements blkmq.Observer
func (o *Observer) ObserveHctx(hctx uint32, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	o.HctxUp.WithLabelValues(hctxLabel(hctx)).Set(v)
}

// ObservePayload implements blkmq.Observer
func (o *Observer) ObservePayload(constructed bool) {
	if constructed {
		o.Payloads.Inc()
		return
	}
	o.Payloads.Dec()
}

// ObserveViolation implements blkmq.Observer
func (o *Observer) ObserveViolation(op string) {
	o.Violations.WithLabelValues(op).Inc()
}

var _ blkmq.Observer = (*Observer)(nil)
