// Package retry provides exponential backoff retry logic for transient failures.
//
// Do and DoWithResult run a function until it succeeds, the attempt budget is
// spent, or the context is cancelled. Errors wrapped with NonRetryable stop the
// loop immediately; Config.Retryable lets callers plug in their own
// classification (the errors package supplies one through RetryConfig).
//
//	rec, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*Record, error) {
//	    return resolver.fetch(ctx, key)
//	})
package retry
