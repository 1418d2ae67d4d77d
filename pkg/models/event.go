package models

import (
	"time"

	"github.com/google/uuid"
)

// StatusEvent is published on every record status transition so observers
// (UI, pollers) never have to scan the full record set.
type StatusEvent struct {
	AssetID   uuid.UUID `json:"asset_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Status    string    `json:"status"`
	Tags      []string  `json:"tags,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	At        time.Time `json:"at"`
}
