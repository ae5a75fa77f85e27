package recipient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
)

// cacheMetrics holds Prometheus metrics for the identity cache. A nil
// *cacheMetrics records nothing.
type cacheMetrics struct {
	resolutions   *prometheus.CounterVec
	resolveTime   *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	merges        prometheus.Counter
	conflicts     prometheus.Counter
	selfFailures  prometheus.Counter
	core          *metric.Metrics
}

func newCacheMetrics(registry *metric.MetricsRegistry) (*cacheMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &cacheMetrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recipients",
			Subsystem: "identity",
			Name:      "resolutions_total",
			Help:      "Identity resolutions by source (store, network, placeholder, unknown) and outcome",
		}, []string{"source", "outcome"}),
		resolveTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recipients",
			Subsystem: "identity",
			Name:      "resolution_duration_seconds",
			Help:      "Identity resolution latency by source",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"source"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recipients",
			Subsystem: "identity",
			Name:      "notifications_total",
			Help:      "Observer notifications by result (delivered, suppressed, coalesced)",
		}, []string{"result"}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipients",
			Subsystem: "identity",
			Name:      "merges_total",
			Help:      "Canonical ids merged into a surviving id",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipients",
			Subsystem: "identity",
			Name:      "key_conflicts_total",
			Help:      "Alternate keys found held by a different canonical id",
		}),
		selfFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipients",
			Subsystem: "identity",
			Name:      "self_failures_total",
			Help:      "Self identity lookups that found no local account",
		}),
		core: registry.CoreMetrics(),
	}

	const service = "recipient_cache"
	if err := registry.RegisterCounterVec(service, "resolutions", m.resolutions); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "resolution_duration", m.resolveTime); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "notifications", m.notifications); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "merges", m.merges); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "key_conflicts", m.conflicts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "self_failures", m.selfFailures); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordResolution(source string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = errors.Classify(err).String()
		m.core.RecordError("recipient_cache", outcome)
	}
	m.resolutions.WithLabelValues(source, outcome).Inc()
	m.resolveTime.WithLabelValues(source).Observe(d.Seconds())
}

func (m *cacheMetrics) recordNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *cacheMetrics) recordMerge() {
	if m == nil {
		return
	}
	m.merges.Inc()
}

func (m *cacheMetrics) recordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *cacheMetrics) recordSelfFailure() {
	if m == nil {
		return
	}
	m.selfFailures.Inc()
}
