package store

import "errors"

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrQueueInactive      = errors.New("queue inactive")
	ErrQueueAtCapacity    = errors.New("queue at capacity")
	ErrTokenNotFound      = errors.New("token not found")
	ErrInvalidTransition  = errors.New("invalid token transition")
	ErrForbidden          = errors.New("forbidden")
	ErrNoPendingTokens    = errors.New("no pending tokens")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrSessionNotFound    = errors.New("session not found")
)

// IsDomainError reports whether err belongs to the client-recoverable taxonomy.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrQueueNotFound,
		ErrQueueInactive,
		ErrQueueAtCapacity,
		ErrTokenNotFound,
		ErrInvalidTransition,
		ErrForbidden,
		ErrNoPendingTokens,
		ErrSessionNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
