// Package natsclient wraps the NATS Go client with connection state tracking,
// a connect circuit breaker, JetStream KV helpers and a request/reply API.
//
// Creating and connecting:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// # Circuit breaker
//
// Consecutive connect failures (default 5) open the circuit: Connect returns
// ErrCircuitOpen without dialing until the backoff elapses. The backoff
// doubles each time the circuit opens, capped at one minute, and resets on a
// successful connect or reconnect.
//
// # Key-Value
//
// CreateKeyValueBucket returns an existing bucket or creates it. KVStore adds
// per-call timeouts and UpdateWithRetry, a read-modify-write loop that retries
// on revision conflicts with exponential backoff:
//
//	kv := client.NewKVStore(bucket)
//	err := kv.UpdateWithRetry(ctx, "rec.7", func(cur []byte) ([]byte, error) {
//	    return merge(cur, patch)
//	})
//
// # Request/reply
//
// Request sends one message and waits for one reply; no responders maps to a
// transient ErrNetworkUnavailable. Subscribe installs a responder whose
// handler errors are carried back in an "error" header.
//
// # Testing
//
// NewTestClient starts a NATS container through testcontainers-go and
// registers cleanup with the test:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithKVBuckets("recipients"))
package natsclient
