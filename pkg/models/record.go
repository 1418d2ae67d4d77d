// Package models contains shared data models used across the PhotoTag codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tagging statuses. completed and failed are terminal: no automatic
// transition leaves them, only an explicit retry.
const (
	TagStatusUntagged   = "untagged"
	TagStatusQueued     = "queued"
	TagStatusSubmitted  = "submitted"
	TagStatusProcessing = "processing"
	TagStatusCompleted  = "completed"
	TagStatusFailed     = "failed"
)

// Error codes recorded on terminally failed records. Per-image codes
// (malformed) are distinct from whole-job codes (job-failed, job-expired)
// so consumers can tell "your image had a problem" from "the job never
// finished".
const (
	ErrCodeTransient         = "transient-network"
	ErrCodeQuotaExceeded     = "provider-quota-exceeded"
	ErrCodeMalformedImage    = "per-image-malformed"
	ErrCodeJobFailed         = "job-failed"
	ErrCodeJobExpired        = "job-expired"
	ErrCodeAttemptsExhausted = "attempts-exhausted"
	ErrCodeProviderFatal     = "provider-fatal"
)

// TaggingRecord is the per-image tagging state owned by the orchestrator.
// Tags are non-empty only when status is completed; BatchJobID is set only
// while the record is in flight (submitted/processing).
type TaggingRecord struct {
	AssetID           uuid.UUID `db:"asset_id"           json:"asset_id"`
	TenantID          uuid.UUID `db:"tenant_id"          json:"tenant_id"`
	ImageURL          string    `db:"image_url"          json:"image_url"`
	VocabularyVersion int       `db:"vocabulary_version" json:"vocabulary_version"`
	Status            string    `db:"status"             json:"status"`
	Tags              []string  `db:"tags"               json:"tags"`
	BatchJobID        *string   `db:"batch_job_id"       json:"batch_job_id,omitempty"`
	AttemptCount      int       `db:"attempt_count"      json:"attempt_count"`
	LastError         *string   `db:"last_error"         json:"last_error,omitempty"`
	CreatedAt         time.Time `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"         json:"updated_at"`
}

// Terminal reports whether no further automatic transition applies.
func (r *TaggingRecord) Terminal() bool {
	return r.Status == TagStatusCompleted || r.Status == TagStatusFailed
}

// InFlight reports whether the record is currently part of a submission.
func (r *TaggingRecord) InFlight() bool {
	return r.Status == TagStatusSubmitted || r.Status == TagStatusProcessing
}
