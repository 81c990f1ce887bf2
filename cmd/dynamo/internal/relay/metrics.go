package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes relay activity to prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pairings  prometheus.Gauge
	bytes     *prometheus.CounterVec
	teardowns *prometheus.CounterVec
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pairings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynamo",
			Subsystem: "relay",
			Name:      "pairings",
			Help:      "Number of connection pairings currently relayed.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynamo",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Bytes moved between paired connections.",
		}, []string{"direction"}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynamo",
			Subsystem: "relay",
			Name:      "teardowns_total",
			Help:      "Pairings closed, by cause.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.pairings, m.bytes, m.teardowns)
	}
	return m
}

func (m *Metrics) opened() {
	if m == nil {
		return
	}
	m.pairings.Inc()
}

func (m *Metrics) closed(reason string) {
	if m == nil {
		return
	}
	m.pairings.Dec()
	m.teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) moved(direction string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}
