// Package recipientcache is the root of the recipient identity cache: a
// multi-key cache that maps every address a message recipient is known by to
// one live, observable handle.
//
// # Layout
//
//	recipient/               cache, handles, observers, merge, warm-up, HTTP lookups
//	recipient/memstore       in-memory Store for tests and throwaway runs
//	recipient/pebblestore    Store on an embedded Pebble database
//	recipient/kvstore        Store on a NATS JetStream key-value bucket
//	recipient/natsresolver   directory Resolver and responder over NATS request/reply
//	cmd/recipientd           daemon wiring store, resolver, cache and HTTP server
//	config                   layered JSON/YAML configuration with env overrides
//	errors                   transient/invalid/fatal error classification
//	health                   readiness tracking served at /healthz
//	metric                   Prometheus registry and HTTP server
//	natsclient               NATS connection, circuit breaker and KV helpers
//	pkg/cache                bounded LRU with statistics and metrics
//	pkg/retry                exponential backoff
//	pkg/worker               worker pool and transaction gate
//	testutil                 fakes for stores, resolvers and observers
//
// # Key spaces
//
// A recipient can be addressed by its canonical id (assigned by the store),
// a numeric external id, an encoded external id, or a legacy address (a phone
// number or UUID). The canonical map bounds the cache; the numeric and encoded
// maps alias into it, and legacy addresses live in a secondary index that is
// purged when the canonical entry is evicted.
//
// # Running
//
//	recipientd --config=/etc/recipients/config.yaml
//
// The daemon serves Prometheus metrics on the configured path, the aggregated
// health status on /healthz and read-only lookups under /v1/recipients.
package recipientcache
