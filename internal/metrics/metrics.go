// Package metrics exports queue activity as Prometheus metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records submissions and completions. A nil *Collector is valid
// and records nothing.
type Collector struct {
	device string

	submissions *prometheus.CounterVec
	completions *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	execution   *prometheus.HistogramVec
}

// New creates a collector labelled with device and registers its metrics
// with reg. Metrics already registered by another device are shared.
// A nil reg returns a nil collector.
func New(reg prometheus.Registerer, device string) (*Collector, error) {
	if reg == nil {
		return nil, nil
	}

	c := &Collector{device: device}

	submissions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_submissions_total",
			Help: "Command buffers submitted, by device and queue",
		},
		[]string{"device", "queue"},
	)
	completions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_completions_total",
			Help: "Resolved submissions, by device, queue and status",
		},
		[]string{"device", "queue", "status"},
	)
	inFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_in_flight",
			Help: "Submitted but unresolved command buffers, by device and queue",
		},
		[]string{"device", "queue"},
	)
	execution := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_execution_seconds",
			Help:    "Driver execution time of a command buffer in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"device", "queue"},
	)

	var err error
	if c.submissions, err = register(reg, submissions); err != nil {
		return nil, err
	}
	if c.completions, err = register(reg, completions); err != nil {
		return nil, err
	}
	if c.inFlight, err = register(reg, inFlight); err != nil {
		return nil, err
	}
	if c.execution, err = register(reg, execution); err != nil {
		return nil, err
	}
	return c, nil
}

// register registers col, or returns the collector already registered
// under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return col, nil
}

// Submitted records a submission on queue.
func (c *Collector) Submitted(queue string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(c.device, queue).Inc()
	c.inFlight.WithLabelValues(c.device, queue).Inc()
}

// Resolved records a resolved submission. A zero elapsed means the driver
// never ran the submission.
func (c *Collector) Resolved(queue, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.completions.WithLabelValues(c.device, queue, status).Inc()
	c.inFlight.WithLabelValues(c.device, queue).Dec()
	if elapsed > 0 {
		c.execution.WithLabelValues(c.device, queue).Observe(elapsed.Seconds())
	}
}
