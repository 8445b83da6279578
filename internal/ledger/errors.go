package ledger

import (
	"errors"
	"fmt"
)

// ErrConcurrentAppend is returned by Store.CommitIfTailMatches when another
// writer advanced the chain first, and by Ledger.Append once the retry budget
// is spent.
var ErrConcurrentAppend = errors.New("concurrent append conflict")

// ErrNotFound is returned when a single entry lookup misses.
var ErrNotFound = errors.New("ledger entry not found")

// ValidationError rejects a malformed append before any storage access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
