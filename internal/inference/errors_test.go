package inference_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kiranshivaraju/phototag/internal/inference"
	"github.com/kiranshivaraju/phototag/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", models.ErrTransient, true},
		{"wrapped transient", fmt.Errorf("%w: connection reset", models.ErrTransient), true},
		{"invalid response", models.ErrInvalidResponse, true},
		{"quota", &models.QuotaError{RetryAfter: 30 * time.Second}, true},
		{"fatal", models.ErrFatal, false},
		{"wrapped fatal", fmt.Errorf("%w: status 401", models.ErrFatal), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, inference.Retryable(tc.err))
		})
	}
}

func TestFailureCode(t *testing.T) {
	assert.Equal(t, models.ErrCodeQuotaExceeded, inference.FailureCode(&models.QuotaError{}))
	assert.Equal(t, models.ErrCodeQuotaExceeded,
		inference.FailureCode(fmt.Errorf("submitting: %w", &models.QuotaError{RetryAfter: time.Minute})))
	assert.Equal(t, models.ErrCodeTransient, inference.FailureCode(models.ErrTransient))
	assert.Equal(t, models.ErrCodeTransient, inference.FailureCode(errors.New("boom")))
}

func TestRetryAfterHint(t *testing.T) {
	assert.Equal(t, 90*time.Second, inference.RetryAfterHint(&models.QuotaError{RetryAfter: 90 * time.Second}))
	assert.Equal(t, time.Duration(0), inference.RetryAfterHint(&models.QuotaError{}))
	assert.Equal(t, time.Duration(0), inference.RetryAfterHint(models.ErrTransient))
}
