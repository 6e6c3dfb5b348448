package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics of the live feed.
type Metrics struct {
	Published   prometheus.Counter
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
	Subscribers prometheus.Gauge
}

// NewMetrics creates the live feed metrics and registers them on reg, when not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "messages_published_total",
			Help:      "Messages published to the live feed.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to live subscribers.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers dropped for falling behind.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Live subscribers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Delivered, m.Dropped, m.Subscribers)
	}
	return m
}
