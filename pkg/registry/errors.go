package registry

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrConfiguration is the root of every registration error.
	ErrConfiguration = platformerrors.New(platformerrors.CodeInvalidConfig, "invalid configuration")

	// ErrUnknownProvider is returned for IDs that were never registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrThrottled is returned by Monitor.Call when the local rate limiter
	// refuses the call. It is not a provider failure.
	ErrThrottled = errors.New("provider call throttled locally")
)

// ConfigurationError describes an invalid registration.
type ConfigurationError struct {
	Family   string
	Provider string
	Reason   string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("family %q provider %q: %s", e.Family, e.Provider, e.Reason)
}

// Unwrap makes every ConfigurationError match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}
