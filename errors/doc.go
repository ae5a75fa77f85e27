// Package errors provides standardized error handling patterns for the recipient cache.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retry later), Invalid
// (bad input, never retried) and Fatal (broken precondition, stop and escalate).
// The identity subsystem maps its own taxonomy onto these classes:
//
//   - ErrIdentityNotFound: expected absence. Cacheable as an "unknown" recipient.
//   - ErrStorageUnavailable, ErrNetworkUnavailable: transient infrastructure
//     failures. Never cached as a negative result.
//   - ErrInvariantViolation (and ErrSelfNotRegistered which wraps it): programming
//     or precondition errors. Fatal, logged loudly and never retried.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// through Wrap, WrapTransient, WrapInvalid and WrapFatal. Classified errors keep
// errors.Is and errors.As working across the chain:
//
//	if err := store.UpdateFields(ctx, id, fields); err != nil {
//	    return errors.WrapTransient(err, "Cache", "Remap", "update surviving record")
//	}
//
// Invariant builds a fatal error that matches ErrInvariantViolation:
//
//	return errors.Invariant("Cache", "Synchronize", "numeric id %d claimed by %d and %d", n, a, b)
//
// # Retry
//
// RetryConfig.ToRetryConfig produces a retry.Config whose Retryable predicate
// only repeats transient errors.
package errors
