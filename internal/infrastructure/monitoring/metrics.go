// Package monitoring exposes kernel metrics through Prometheus.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all kernel Prometheus metrics. Each instance owns its own
// registry so the monitor endpoint and tests never fight over global state.
type Metrics struct {
	registry *prometheus.Registry

	// Syscall metrics
	SyscallsTotal   *prometheus.CounterVec
	DispatchSeconds *prometheus.HistogramVec

	// Memory metrics
	FramesTotal prometheus.Gauge
	FramesInUse prometheus.Gauge

	// Task metrics
	TasksActive   prometheus.Gauge
	ThreadsActive prometheus.Gauge

	// Capability metrics
	HandlesActive       prometheus.Gauge
	ProvidersRegistered prometheus.Gauge

	// Messaging metrics
	MessagesQueued prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector with a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SyscallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "karnal_syscalls_total",
				Help: "Total syscalls by kind and result",
			},
			[]string{"kind", "result"},
		),
		DispatchSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "karnal_dispatch_duration_seconds",
				Help:    "Resource dispatch duration in seconds",
				Buckets: []float64{.00001, .0001, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"op"},
		),
		FramesTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_frames_total",
				Help: "Capacity of the physical frame pool",
			},
		),
		FramesInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_frames_in_use",
				Help: "Physical frames currently allocated",
			},
		),
		TasksActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_tasks_active",
				Help: "Tasks not yet reaped",
			},
		),
		ThreadsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_threads_active",
				Help: "Threads not yet exited",
			},
		),
		HandlesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_handles_active",
				Help: "Live capability handles",
			},
		),
		ProvidersRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_providers_registered",
				Help: "Resource providers currently registered",
			},
		),
		MessagesQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_messages_queued",
				Help: "Messages waiting across all mailboxes",
			},
		),
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "karnal_uptime_seconds",
				Help: "Seconds since kernel boot",
			},
		),
	}
}

// Registry returns the underlying Prometheus registry for the /metrics
// endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSyscall records one syscall invocation.
func (m *Metrics) ObserveSyscall(kind, result string) {
	m.SyscallsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveDispatch records one dispatch round-trip.
func (m *Metrics) ObserveDispatch(op string, d time.Duration) {
	m.DispatchSeconds.WithLabelValues(op).Observe(d.Seconds())
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
