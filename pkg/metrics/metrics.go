// Package metrics exports live operation counters for a benchmark run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qpbench"

// IO counts queue pair activity. A nil *IO is valid and records nothing.
type IO struct {
	Submitted prometheus.Counter
	Completed prometheus.Counter
	Rejected  prometheus.Counter
	Samples   prometheus.Counter
	Bytes     prometheus.Counter
	Workers   prometheus.Gauge
}

// New creates the collectors and registers them with reg if it is non-nil.
func New(reg prometheus.Registerer) *IO {
	m := &IO{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submitted_commands_total",
			Help: "Hardware commands accepted by a submission queue.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "completed_commands_total",
			Help: "Hardware commands reaped from a completion queue.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_submissions_total",
			Help: "Submissions refused because the submission ring was full.",
		}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "io_log_samples_total",
			Help: "Timing samples emitted by workers.",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sampled_bytes_total",
			Help: "Payload bytes covered by emitted timing samples.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workers",
			Help: "Workers currently holding a queue pair.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Completed, m.Rejected, m.Samples, m.Bytes, m.Workers)
	}
	return m
}

func (m *IO) Submit(n int) {
	if m != nil {
		m.Submitted.Add(float64(n))
	}
}

func (m *IO) Complete(n int) {
	if m != nil && n > 0 {
		m.Completed.Add(float64(n))
	}
}

func (m *IO) Reject() {
	if m != nil {
		m.Rejected.Inc()
	}
}

func (m *IO) Sample(bytes uint64) {
	if m != nil {
		m.Samples.Inc()
		m.Bytes.Add(float64(bytes))
	}
}

func (m *IO) WorkerStarted() {
	if m != nil {
		m.Workers.Inc()
	}
}

func (m *IO) WorkerDone() {
	if m != nil {
		m.Workers.Dec()
	}
}
