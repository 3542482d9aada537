package acquire

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrAllProvidersExhausted is returned when no provider could serve a
	// request and no stale value exists.
	ErrAllProvidersExhausted = platformerrors.New(platformerrors.CodeUnavailable, "all providers exhausted")

	// ErrAcquireTimeout is returned when the caller's context ends while it
	// waits for a shared fetch. The fetch itself keeps running.
	ErrAcquireTimeout = platformerrors.New(platformerrors.CodeTimeout, "timed out waiting for metric")
)

func exhausted(key string, candidates int, errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("%w: %s: no eligible provider (%d candidates)", ErrAllProvidersExhausted, key, candidates)
	}
	return fmt.Errorf("%w: %s: %w", ErrAllProvidersExhausted, key, errors.Join(errs...))
}
