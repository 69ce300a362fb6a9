package provider

import "errors"

var (
	// ErrRateLimited signals the provider throttled the call. Retryable.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrContentRejected signals the provider refused the input on content
	// grounds. Never retried.
	ErrContentRejected = errors.New("provider rejected content")
)

// IsRetryable reports whether a generation failure is worth another attempt.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrContentRejected)
}
