package models

import (
	"time"

	"github.com/google/uuid"
)

// RetryTicket defers a queued record until NotBefore. Created on submission
// failure or rate-limit denial, consumed by the scheduler once due, deleted
// on success or attempt exhaustion.
type RetryTicket struct {
	AssetID         uuid.UUID `db:"asset_id"         json:"asset_id"`
	TenantID        uuid.UUID `db:"tenant_id"        json:"tenant_id"`
	NotBefore       time.Time `db:"not_before"       json:"not_before"`
	BackoffExponent int       `db:"backoff_exponent" json:"backoff_exponent"`
}
