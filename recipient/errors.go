package recipient

import (
	"fmt"

	"github.com/c360/recipientcache/errors"
)

// MissingIdentityError reports that an identity could not be resolved
// because the store or the network failed. It is never cached: the next
// Resolve retries.
type MissingIdentityError struct {
	Key Key
	Err error
}

func (e *MissingIdentityError) Error() string {
	return fmt.Sprintf("missing identity %s: %v", e.Key, e.Err)
}

func (e *MissingIdentityError) Unwrap() error {
	return e.Err
}

// missingIdentity wraps err unless it is already classified as fatal, in
// which case it propagates unchanged.
func missingIdentity(key Key, err error) error {
	if errors.IsFatal(err) {
		return err
	}
	return &MissingIdentityError{Key: key, Err: err}
}
