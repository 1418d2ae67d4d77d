// Package inference constructs gateways over the external inference
// provider and classifies their failures.
package inference

import (
	"errors"
	"time"

	"github.com/kiranshivaraju/phototag/pkg/models"
)

// Retryable reports whether the scheduler may recover err with backoff.
func Retryable(err error) bool {
	var qe *models.QuotaError
	return errors.Is(err, models.ErrTransient) || errors.Is(err, models.ErrInvalidResponse) || errors.As(err, &qe)
}

// FailureCode maps a call-level error onto the taxonomy code recorded on
// affected records.
func FailureCode(err error) string {
	var qe *models.QuotaError
	if errors.As(err, &qe) {
		return models.ErrCodeQuotaExceeded
	}
	return models.ErrCodeTransient
}

// RetryAfterHint extracts the provider-supplied retry-after, or zero.
func RetryAfterHint(err error) time.Duration {
	var qe *models.QuotaError
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}
