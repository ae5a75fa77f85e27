package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains process-level metrics shared by stores, resolvers and the NATS client.
// Recipient-specific metrics live with the recipient package.
type Metrics struct {
	ServiceStatus    *prometheus.GaugeVec
	StoreOperations  *prometheus.CounterVec
	StoreDuration    *prometheus.HistogramVec
	ResolverRequests *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "recipients",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		StoreOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recipients",
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Identity record store operations by backend, operation and status",
			},
			[]string{"backend", "operation", "status"},
		),

		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "recipients",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Identity record store operation latency",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"backend", "operation"},
		),

		ResolverRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recipients",
				Subsystem: "resolver",
				Name:      "requests_total",
				Help:      "Network resolver requests by key space and outcome (hit, absent, error)",
			},
			[]string{"space", "outcome"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recipients",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "recipients",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "recipients",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ServiceStatus,
		c.StoreOperations,
		c.StoreDuration,
		c.ResolverRequests,
		c.ErrorsTotal,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordStoreOperation counts one store call and its latency.
func (c *Metrics) RecordStoreOperation(backend, operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StoreOperations.WithLabelValues(backend, operation, status).Inc()
	c.StoreDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordResolverRequest counts one network resolver call.
func (c *Metrics) RecordResolverRequest(space, outcome string) {
	c.ResolverRequests.WithLabelValues(space, outcome).Inc()
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
