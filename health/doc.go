// Package health tracks the readiness of the daemon's parts and serves it over HTTP.
//
// Each Part (store, NATS connection, cache, warm-up) reports a Status into a Monitor.
// The Monitor aggregates them with the usual precedence: any unhealthy part makes the
// whole daemon unhealthy, otherwise any degraded part makes it degraded. Parts passed
// to NewMonitor are required and count as degraded until their first report.
//
//	monitor := health.NewMonitor(health.PartStore, health.PartCache)
//	monitor.Healthy(health.PartStore, "pebble store open")
//	monitor.Degraded(health.PartWarmup, "preloading recent recipients")
//	router.Mount("/healthz", health.Handler(monitor, "recipientd"))
//
// Error text passed through FromError is sanitized before it is stored, so URLs,
// file paths, addresses and credentials never reach the health endpoint.
package health
