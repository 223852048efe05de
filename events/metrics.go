package events

import "github.com/prometheus/client_golang/prometheus"

// Metrics registers the process-level gauges/counters SPEC_FULL names for
// H/K: cache used bytes, relocation durations, and subscriber drop
// counts. Registration only; an external scrape endpoint is outside this
// module's scope.
type Metrics struct {
	UsedBytes         prometheus.Gauge
	RelocationSeconds *prometheus.HistogramVec
	SubscriberDrops    prometheus.Counter
}

// NewMetrics registers cacherr's metrics against reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cacherr", Name: "fast_tier_used_bytes",
			Help: "Bytes currently occupied on the fast tier.",
		}),
		RelocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cacherr", Name: "relocation_duration_seconds",
			Help: "Duration of cacheTo/restoreFrom operations.",
		}, []string{"operation_type", "success"}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cacherr", Name: "subscriber_dropped_events_total",
			Help: "Events dropped because a subscriber's queue was full.",
		}),
	}
	reg.MustRegister(m.UsedBytes, m.RelocationSeconds, m.SubscriberDrops)
	return m
}

// RecordDrop adds one to the SubscriberDrops counter; the Bus calls it for
// each event it drops from a full subscriber queue. A nil *Metrics is a
// no-op.
func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.SubscriberDrops.Inc()
}
