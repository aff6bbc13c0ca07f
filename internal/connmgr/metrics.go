package connmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "remote_docker"

// Collector is a prometheus.Collector for connection manager metrics.
type Collector struct {
	state           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	tunnelOps       *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
	openDuration    prometheus.Histogram
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "tunnel_state",
				Help:      "1 for the current tunnel state, 0 otherwise.",
			}, []string{"state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tunnel_transitions_total",
				Help:      "Tunnel state transitions by target state.",
			}, []string{"to"},
		),
		tunnelOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tunnel_operations_total",
				Help:      "Tunnel open and close calls by result.",
			}, []string{"op", "result"},
		),
		guardRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "guard_rejections_total",
				Help:      "Triggers dropped because another operation was in flight.",
			}, []string{"trigger"},
		),
		openDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "tunnel_open_seconds",
				Help:      "Time taken by tunnel open calls.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.state.Describe(ch)
	c.transitions.Describe(ch)
	c.tunnelOps.Describe(ch)
	c.guardRejections.Describe(ch)
	c.openDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.state.Collect(ch)
	c.transitions.Collect(ch)
	c.tunnelOps.Collect(ch)
	c.guardRejections.Collect(ch)
	c.openDuration.Collect(ch)
}

func (c *Collector) setState(s Status) {
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		c.state.WithLabelValues(st.String()).Set(v)
	}
	c.transitions.WithLabelValues(s.String()).Inc()
}

func (c *Collector) op(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.tunnelOps.WithLabelValues(op, result).Inc()
}
