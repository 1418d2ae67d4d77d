package models

import (
	"time"

	"github.com/google/uuid"
)

// Submission strategies chosen by the router based on pending-set size.
const (
	StrategyImmediate        = "immediate"
	StrategyChunkedImmediate = "chunkedImmediate"
	StrategySingleBatch      = "singleBatch"
	StrategySplitBatch       = "splitBatch"
)

// Batch job statuses. completed, failed and expired are terminal; a job
// reaches a terminal status at most once and then leaves the active
// polling set.
const (
	BatchStatusSubmitted  = "submitted"
	BatchStatusInProgress = "in_progress"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusExpired    = "expired"
)

// BatchJob is one asynchronous submission unit at the inference provider.
// The ID is provider-assigned. MemberAssetIDs is immutable once submitted
// and is exactly the set of records pointing at this job.
type BatchJob struct {
	ID             string      `db:"id"              json:"id"`
	TenantID       uuid.UUID   `db:"tenant_id"       json:"tenant_id"`
	Strategy       string      `db:"strategy"        json:"strategy"`
	MemberAssetIDs []uuid.UUID `db:"member_asset_ids" json:"member_asset_ids"`
	Priority       bool        `db:"priority"        json:"priority"`
	Status         string      `db:"status"          json:"status"`
	SubmittedAt    time.Time   `db:"submitted_at"    json:"submitted_at"`
	// Deadline enforced locally, independent of the provider's own
	// reporting; past it every still-pending member fails with job-expired.
	CompletionDeadline time.Time `db:"completion_deadline" json:"completion_deadline"`
	ResultsFetched     bool      `db:"results_fetched"     json:"results_fetched"`
}

// TerminalBatchStatus reports whether s is one of the three terminal
// batch statuses.
func TerminalBatchStatus(s string) bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusExpired
}
