// Package metrics exposes container counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hmi"

// Collector owns the container's metrics on a private registry so tests can
// create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	samplesReceived  prometheus.Counter
	samplesMalformed prometheus.Counter
	samplesAppended  prometheus.Counter
	samplesPaused    prometheus.Counter

	faultActive prometheus.Gauge
	faultBits   *prometheus.GaugeVec
	linkUp      prometheus.Gauge
	linkChanges *prometheus.CounterVec

	commands        *prometheus.CounterVec
	commandDuration prometheus.Histogram

	sseClients prometheus.Gauge
}

// NewCollector registers all metrics on a fresh registry, together with the
// Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		samplesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_received_total",
			Help:      "Telemetry samples decoded from the device",
		}),
		samplesMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_malformed_total",
			Help:      "Samples without a full motor reading",
		}),
		samplesAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_appended_total",
			Help:      "Samples appended to the chart buffer",
		}),
		samplesPaused: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_paused_total",
			Help:      "Samples skipped while the chart was paused",
		}),
		faultActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_fault_active",
			Help:      "1 while the device reports a non-zero error code",
		}),
		faultBits: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_fault",
			Help:      "Active device faults by name",
		}, []string{"fault"}),
		linkUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_link_up",
			Help:      "1 while the device link is connected",
		}),
		linkChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_link_transitions_total",
			Help:      "Device link state transitions",
		}, []string{"state"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched to the device by kind and outcome",
		}, []string{"kind", "outcome"}),
		commandDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_write_seconds",
			Help:      "Time to write a command frame to the link",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		sseClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_clients",
			Help:      "Connected telemetry stream clients",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SampleReceived()  { c.samplesReceived.Inc() }
func (c *Collector) SampleMalformed() { c.samplesMalformed.Inc() }
func (c *Collector) SampleAppended()  { c.samplesAppended.Inc() }
func (c *Collector) SamplePaused()    { c.samplesPaused.Inc() }

// SetFaults records the active fault names. Names absent from active are
// reset to zero.
func (c *Collector) SetFaults(all, active []string) {
	on := make(map[string]bool, len(active))
	for _, name := range active {
		on[name] = true
	}
	for _, name := range all {
		v := 0.0
		if on[name] {
			v = 1
		}
		c.faultBits.WithLabelValues(name).Set(v)
	}
	if len(active) > 0 {
		c.faultActive.Set(1)
	} else {
		c.faultActive.Set(0)
	}
}

// LinkState records a link transition.
func (c *Collector) LinkState(state string, up bool) {
	c.linkChanges.WithLabelValues(state).Inc()
	if up {
		c.linkUp.Set(1)
	} else {
		c.linkUp.Set(0)
	}
}

// Command records one dispatch attempt.
func (c *Collector) Command(kind, outcome string, took time.Duration) {
	c.commands.WithLabelValues(kind, outcome).Inc()
	if outcome == "ok" {
		c.commandDuration.Observe(took.Seconds())
	}
}

// SetClients records the number of telemetry clients.
func (c *Collector) SetClients(n int) {
	c.sseClients.Set(float64(n))
}
