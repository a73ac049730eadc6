// Package metrics exports worker activity to Prometheus. Collector
// implements middleware.MetricsCollector and prometheus.Collector:
//
//	c := metrics.NewCollector("jobmux")
//	prometheus.MustRegister(c)
//	w.Use(middleware.Metrics(c))
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miladsoleymani/jobmux/core"
)

// Collector holds the worker metrics.
type Collector struct {
	jobs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	batchSize  *prometheus.HistogramVec
	flushes    *prometheus.CounterVec
	depth      *prometheus.GaugeVec
	subscribed *prometheus.GaugeVec
}

// NewCollector creates the metrics under namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job runs by queue and outcome.",
		}, []string{"queue", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of messages per flushed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"queue"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Batch flushes by reason (full, drained, timeout).",
		}, []string{"queue", "reason"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in the queue, as last sampled.",
		}, []string{"queue"}),
		subscribed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handler_subscribed",
			Help:      "1 while the queue's handler holds a subscription.",
		}, []string{"queue"}),
	}
}

// JobProcessed implements middleware.MetricsCollector.
func (c *Collector) JobProcessed(queue string, d time.Duration, batchSize int, reason string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.jobs.WithLabelValues(queue, status).Inc()
	c.duration.WithLabelValues(queue).Observe(d.Seconds())
	if batchSize > 0 {
		c.batchSize.WithLabelValues(queue).Observe(float64(batchSize))
		c.flushes.WithLabelValues(queue, reason).Inc()
	}
}

// Sample records the depth and subscription state of every handler of w.
// Depth errors leave the previous sample in place.
func (c *Collector) Sample(ctx context.Context, w *core.Worker) {
	for _, h := range w.Registry().Handlers() {
		if n, err := w.QueueDepth(ctx, h.Queue()); err == nil {
			c.depth.WithLabelValues(h.Queue()).Set(float64(n))
		}
		v := 0.0
		if h.Running() {
			v = 1
		}
		c.subscribed.WithLabelValues(h.Queue()).Set(v)
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.jobs.Describe(ch)
	c.duration.Describe(ch)
	c.batchSize.Describe(ch)
	c.flushes.Describe(ch)
	c.depth.Describe(ch)
	c.subscribed.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.jobs.Collect(ch)
	c.duration.Collect(ch)
	c.batchSize.Collect(ch)
	c.flushes.Collect(ch)
	c.depth.Collect(ch)
	c.subscribed.Collect(ch)
}
