package remote

import (
	"errors"
	"fmt"
)

// Common errors returned by transports.
var (
	// ErrNetwork covers transport failures, timeouts and 5xx responses.
	// The cycle can be retried unchanged.
	ErrNetwork = errors.New("sync server unreachable")

	// ErrServerRejected is returned when the server answers success:false
	// or a 4xx status.
	ErrServerRejected = errors.New("sync server rejected request")

	// ErrStalePush is returned when the server has newer data for a pushed
	// record than the client's lastPulledAt. The client must pull again.
	ErrStalePush = fmt.Errorf("%w: stale push, pull before retrying", ErrServerRejected)

	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = fmt.Errorf("%w: unauthorized", ErrServerRejected)
)

// IsRetryable reports whether a later cycle can succeed without user action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrStalePush)
}

// IsOffline reports whether err means the server could not be reached.
func IsOffline(err error) bool {
	return errors.Is(err, ErrNetwork)
}
