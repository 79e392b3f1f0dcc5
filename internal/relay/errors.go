package relay

import (
	"errors"

	"github.com/luthatdude/musd-canton-relay/internal/canton"
)

// permanentError marks failures that retrying cannot fix: the direction
// jumps straight to Failed and the offending item is marked processed by
// the caller.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// permanent wraps err as non-retryable.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// isPermanent reports whether err is non-retryable. An HTTP 413 from the
// Ledger counts: it means the query shape itself cannot succeed.
func isPermanent(err error) bool {
	var pe permanentError
	if errors.As(err, &pe) {
		return true
	}
	return canton.IsEntityTooLarge(err)
}

// errRateLimited signals that a Chain submission was denied a limiter
// slot. The pass ends; nothing is marked processed.
var errRateLimited = errors.New("rate limited")

// errDeferred signals that an item must wait for an external precondition
// (e.g. the recipient party is not yet hosted). The pass stops without a
// health penalty and without advancing the cursor past the item.
var errDeferred = errors.New("deferred")
