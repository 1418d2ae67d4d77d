package models

import (
	"errors"
	"fmt"
	"time"
)

// Call-level failure classes of the InferenceGateway contract. Per-image
// failures never surface as call errors: they ride inside the returned
// Classifications so siblings in the same call are unaffected.
var (
	// ErrTransient covers network faults and provider 5xx; the caller may retry.
	ErrTransient = errors.New("transient inference provider failure")
	// ErrFatal covers non-retryable failures (bad credentials, bad request
	// shape); surfaced immediately.
	ErrFatal = errors.New("fatal inference provider failure")
	// ErrInvalidResponse means the provider answered with something the
	// gateway could not decode.
	ErrInvalidResponse = errors.New("inference provider returned invalid response")
)

// QuotaError reports provider-side quota exhaustion together with the
// provider's retry-after hint (zero if none was supplied).
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("inference provider quota exceeded (retry after %s)", e.RetryAfter)
}
