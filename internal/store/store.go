package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	// GetVocabulary returns the tenant's allowed label set. A missing row is
	// not an error: it yields version 0 with no labels.
	GetVocabulary(ctx context.Context, tenantID uuid.UUID) (*models.Vocabulary, error)

	// CreateRecords admits new images at status=queued, attempt_count=0 and
	// returns the asset IDs actually inserted. Re-admitting an existing
	// asset is a no-op and is not reported.
	CreateRecords(ctx context.Context, records []*models.TaggingRecord) ([]uuid.UUID, error)
	GetRecord(ctx context.Context, assetID uuid.UUID, tenantID uuid.UUID) (*models.TaggingRecord, error)
	// ListReleasable returns queued records whose retry ticket (if any) is
	// due, in admission order.
	ListReleasable(ctx context.Context, tenantID uuid.UUID, now time.Time, limit int) ([]*models.TaggingRecord, error)
	ListTenantsWithQueued(ctx context.Context) ([]uuid.UUID, error)
	// MarkSubmitted advances queued records into a batch job. Records no
	// longer queued (cancelled, raced) are skipped.
	MarkSubmitted(ctx context.Context, assetIDs []uuid.UUID, jobRef string) error
	MarkProcessing(ctx context.Context, jobRef string) error
	// ApplyResult records a terminal per-image outcome: failed with the
	// given code when errorCode is non-empty, completed with tags otherwise.
	// Idempotent: once a record is terminal further calls report false and
	// leave it unchanged.
	ApplyResult(ctx context.Context, assetID uuid.UUID, tags []string, errorCode string) (bool, error)
	// RequeueRecords puts records back to queued after a failed submission
	// attempt, incrementing attempt_count and recording the failure class.
	RequeueRecords(ctx context.Context, assetIDs []uuid.UUID, errorCode string) error
	// ResetRecord re-admits a terminally failed record with a fresh attempt
	// budget (the manual retry affordance).
	ResetRecord(ctx context.Context, assetID uuid.UUID, tenantID uuid.UUID) error
	DeleteRecord(ctx context.Context, assetID uuid.UUID, tenantID uuid.UUID) error

	UpsertTicket(ctx context.Context, ticket *models.RetryTicket) error
	DeleteTickets(ctx context.Context, assetIDs []uuid.UUID) error
	// ClearTicketNotBefore makes the asset eligible on the next tick
	// regardless of backoff state.
	ClearTicketNotBefore(ctx context.Context, assetID uuid.UUID) error

	CreateBatchJob(ctx context.Context, job *models.BatchJob) error
	ListActiveBatchJobs(ctx context.Context) ([]*models.BatchJob, error)
	UpdateBatchJobStatus(ctx context.Context, jobRef string, status string) error
	// ClaimBatchResults flips results_fetched exactly once. The loser of a
	// race between concurrent pollers gets false.
	ClaimBatchResults(ctx context.Context, jobRef string) (bool, error)
	// ListPendingMembers returns the job's members that are still in
	// flight (submitted or processing).
	ListPendingMembers(ctx context.Context, jobRef string) ([]uuid.UUID, error)
}
