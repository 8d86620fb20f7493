package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrSignOutRequired is wrapped by every credential failure.
	ErrSignOutRequired = errors.New("sign out required")

	ErrMalformedCredential = fmt.Errorf("malformed credential: %w", ErrSignOutRequired)
	ErrExpiredCredential   = fmt.Errorf("expired credential: %w", ErrSignOutRequired)
	ErrUnauthorized        = fmt.Errorf("unauthorized: %w", ErrSignOutRequired)

	ErrTransport     = errors.New("transport failure")
	ErrEmptyUpstream = errors.New("empty upstream result")
	ErrCacheMiss     = errors.New("cache miss")
)

// IsSignOut reports whether err means the user has to authenticate again.
func IsSignOut(err error) bool {
	return errors.Is(err, ErrSignOutRequired)
}
