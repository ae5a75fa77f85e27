// Package metric provides the Prometheus registry and HTTP server for recipientd.
//
// A MetricsRegistry owns a private prometheus.Registry preloaded with process
// metrics (Go runtime, process, NATS connectivity, store and resolver
// counters). Components register their own collectors through the
// MetricsRegistrar interface, keyed by service and metric name so a second
// registration under the same key fails with an invalid-class error.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	server.Mount("/v1", debugRouter)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        slog.Error("metrics server failed", "error", err)
//	    }
//	}()
//	defer server.Stop(ctx)
//
// Server routes through chi: /metrics (OpenMetrics enabled), /health, and any
// handler attached with Mount before Start.
package metric
