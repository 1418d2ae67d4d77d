package tagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/phototag/internal/cache"
	"github.com/kiranshivaraju/phototag/internal/config"
	"github.com/kiranshivaraju/phototag/internal/inference"
	"github.com/kiranshivaraju/phototag/internal/quota"
	"github.com/kiranshivaraju/phototag/internal/store"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// AssetInput is one newly uploaded image to admit for tagging.
type AssetInput struct {
	AssetID  uuid.UUID
	ImageURL string
}

// Scheduler owns every non-terminal tagging record: it releases eligible
// records in tenant-grouped chunks, routes them through the gateway, and
// converts failures into backoff-scheduled retries until attempts run out.
type Scheduler struct {
	applier
	gateway models.InferenceGateway
	guard   *quota.Guard
	router  *Router
	tracker *Tracker
	cfg     config.TaggingConfig

	// kick wakes the run loop eagerly after an admission burst. Buffered to
	// one: a pending kick already covers any number of bursts.
	kick chan struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(st store.Store, ca cache.Cache, gw models.InferenceGateway, guard *quota.Guard,
	tracker *Tracker, events *Publisher, cfg config.TaggingConfig) *Scheduler {
	return &Scheduler{
		applier: applier{store: st, cache: ca, events: events},
		gateway: gw,
		guard:   guard,
		router:  NewRouter(cfg),
		tracker: tracker,
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
	}
}

// Enqueue admits new images at status=queued, attempt_count=0 and wakes the
// run loop. Re-admitting a known asset is a no-op: it publishes no
// transition and leaves the existing record and status mirror alone.
// Returns how many assets were actually admitted.
func (s *Scheduler) Enqueue(ctx context.Context, tenantID uuid.UUID, assets []AssetInput) (int, error) {
	if len(assets) == 0 {
		return 0, nil
	}

	vocab, err := s.store.GetVocabulary(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("loading vocabulary: %w", err)
	}

	now := time.Now().UTC()
	records := make([]*models.TaggingRecord, 0, len(assets))
	for _, a := range assets {
		records = append(records, &models.TaggingRecord{
			AssetID:           a.AssetID,
			TenantID:          tenantID,
			ImageURL:          a.ImageURL,
			VocabularyVersion: vocab.Version,
			Status:            models.TagStatusQueued,
			Tags:              []string{},
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	inserted, err := s.store.CreateRecords(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("admitting records: %w", err)
	}

	for _, assetID := range inserted {
		s.publishStatus(ctx, tenantID, assetID, models.TagStatusQueued)
	}

	if len(inserted) > 0 {
		s.Kick()
	}
	return len(inserted), nil
}

// Kick requests an eager tick. Safe to call from any goroutine.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives Tick on a fixed interval and eagerly after admission bursts
// until ctx is cancelled. Both paths execute the same Tick, which is safe
// to run concurrently against the same record set.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.Tick(ctx); err != nil {
			slog.Error("scheduler tick", "error", err)
		}
	}
}

// Tick releases eligible records per tenant and submits them. Tenants are
// independent: one tenant's failure never blocks another's release.
func (s *Scheduler) Tick(ctx context.Context) error {
	tenants, err := s.store.ListTenantsWithQueued(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	for _, tenantID := range tenants {
		if err := s.tickTenant(ctx, tenantID); err != nil {
			slog.Error("tenant tick", "error", err, "tenant_id", tenantID)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) tickTenant(ctx context.Context, tenantID uuid.UUID) error {
	records, err := s.store.ListReleasable(ctx, tenantID, time.Now().UTC(), 0)
	if err != nil {
		return fmt.Errorf("listing releasable records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	vocab, err := s.store.GetVocabulary(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("loading vocabulary: %w", err)
	}

	plan := s.router.BuildPlan(records, vocab.Labels)

	// Nothing to classify against: not an error, the records complete with
	// an empty tag set.
	if plan.VocabularyEmpty {
		for _, r := range records {
			s.applyOutcome(ctx, tenantID, r.AssetID, []string{}, "")
		}
		return nil
	}

	slog.Info("routing pending records",
		"tenant_id", tenantID, "count", len(records), "strategy", plan.Strategy)

	for i, chunk := range plan.Chunks {
		if i > 0 {
			// Inter-chunk delay keeps sequential chunks inside the rate
			// budget. Deferred via timer, never a held lock.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ChunkDelay):
			}
		}
		s.submitChunk(ctx, tenantID, chunk, vocab.Labels)
	}

	for _, bp := range plan.Batches {
		s.submitBatch(ctx, tenantID, bp, plan.Strategy, vocab.Labels)
	}
	return nil
}

// submitChunk runs one synchronous classify call. Each chunk's outcome is
// independent of its siblings.
func (s *Scheduler) submitChunk(ctx context.Context, tenantID uuid.UUID, chunk []*models.TaggingRecord, vocabulary []string) {
	dec, err := s.guard.Reserve(ctx, tenantID, len(chunk), s.guard.EstimateTokens(len(chunk)))
	if err != nil {
		slog.Error("quota reserve", "error", err, "tenant_id", tenantID)
		return
	}
	if !dec.Allowed {
		s.deferRecords(ctx, chunk, dec.RetryAfter)
		return
	}

	results, callErr := s.gateway.ClassifySync(ctx, imageRefs(chunk), vocabulary, s.cfg.MaxTagsPerImage)

	resolved := make(map[uuid.UUID]bool, len(results))
	for _, c := range results {
		resolved[c.AssetID] = true
		s.applyClassification(ctx, tenantID, c)
	}

	if callErr == nil {
		return
	}

	// The call died partway: everything without a per-image result goes
	// back through the retry schedule (or fails outright on a fatal error).
	var remainder []*models.TaggingRecord
	for _, r := range chunk {
		if !resolved[r.AssetID] {
			remainder = append(remainder, r)
		}
	}
	s.handleSubmissionFailure(ctx, tenantID, remainder, callErr)
}

// submitBatch registers one asynchronous job. Records advance to submitted
// only after the provider accepted the job, so a failed submission never
// leaves a record claiming to be in flight.
func (s *Scheduler) submitBatch(ctx context.Context, tenantID uuid.UUID, bp BatchPlan, strategy string, vocabulary []string) {
	dec, err := s.guard.Reserve(ctx, tenantID, 1, s.guard.EstimateTokens(len(bp.Records)))
	if err != nil {
		slog.Error("quota reserve", "error", err, "tenant_id", tenantID)
		return
	}
	if !dec.Allowed {
		s.deferRecords(ctx, bp.Records, dec.RetryAfter)
		return
	}

	jobRef, err := s.gateway.SubmitBatch(ctx, imageRefs(bp.Records), vocabulary, s.cfg.MaxTagsPerImage)
	if err != nil {
		s.handleSubmissionFailure(ctx, tenantID, bp.Records, err)
		return
	}

	now := time.Now().UTC()
	job := &models.BatchJob{
		ID:                 jobRef,
		TenantID:           tenantID,
		Strategy:           strategy,
		MemberAssetIDs:     assetIDs(bp.Records),
		Priority:           bp.Priority,
		Status:             models.BatchStatusSubmitted,
		SubmittedAt:        now,
		CompletionDeadline: now.Add(s.cfg.CompletionWindow),
	}
	if err := s.store.CreateBatchJob(ctx, job); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		slog.Error("persisting batch job", "error", err, "job_ref", jobRef)
		return
	}
	if err := s.store.MarkSubmitted(ctx, job.MemberAssetIDs, jobRef); err != nil {
		slog.Error("marking records submitted", "error", err, "job_ref", jobRef)
		return
	}
	if err := s.store.DeleteTickets(ctx, job.MemberAssetIDs); err != nil {
		slog.Error("clearing tickets", "error", err, "job_ref", jobRef)
	}

	for _, r := range bp.Records {
		s.publishStatus(ctx, tenantID, r.AssetID, models.TagStatusSubmitted)
	}

	s.tracker.Register(job)
	slog.Info("batch job submitted",
		"tenant_id", tenantID, "job_ref", jobRef, "members", len(job.MemberAssetIDs), "priority", bp.Priority)
}

// handleSubmissionFailure converts a call-level failure into per-record
// retries: under MaxAttempts the record gets a backoff ticket, at the limit
// it fails terminally. Fatal errors fail immediately.
func (s *Scheduler) handleSubmissionFailure(ctx context.Context, tenantID uuid.UUID, records []*models.TaggingRecord, callErr error) {
	if len(records) == 0 {
		return
	}

	if !inference.Retryable(callErr) {
		slog.Error("non-retryable submission failure", "error", callErr, "tenant_id", tenantID)
		for _, r := range records {
			s.applyOutcome(ctx, tenantID, r.AssetID, nil, models.ErrCodeProviderFatal)
		}
		return
	}

	code := inference.FailureCode(callErr)
	hint := inference.RetryAfterHint(callErr)
	rateLimited := code == models.ErrCodeQuotaExceeded
	slog.Warn("retryable submission failure",
		"error", callErr, "tenant_id", tenantID, "affected", len(records), "code", code)

	var retryable []*models.TaggingRecord
	for _, r := range records {
		if r.AttemptCount+1 >= s.cfg.MaxAttempts {
			s.applyOutcome(ctx, tenantID, r.AssetID, nil, models.ErrCodeAttemptsExhausted)
			continue
		}
		retryable = append(retryable, r)
	}
	if len(retryable) == 0 {
		return
	}

	if err := s.store.RequeueRecords(ctx, assetIDs(retryable), code); err != nil {
		slog.Error("requeueing records", "error", err, "tenant_id", tenantID)
		return
	}

	now := time.Now().UTC()
	for _, r := range retryable {
		delay := s.backoffDelay(r.AttemptCount, rateLimited)
		if hint > delay {
			delay = hint
		}
		ticket := &models.RetryTicket{
			AssetID:         r.AssetID,
			TenantID:        tenantID,
			NotBefore:       now.Add(delay),
			BackoffExponent: r.AttemptCount,
		}
		if err := s.store.UpsertTicket(ctx, ticket); err != nil {
			slog.Error("scheduling retry ticket", "error", err, "asset_id", r.AssetID)
		}
	}
}

// deferRecords parks records behind a guard denial. Not a failure: attempt
// counts are untouched and existing backoff state is preserved.
func (s *Scheduler) deferRecords(ctx context.Context, records []*models.TaggingRecord, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = s.cfg.RateLimitDelay
	}
	notBefore := time.Now().UTC().Add(retryAfter)

	slog.Info("rate budget exhausted, deferring",
		"affected", len(records), "retry_after", retryAfter)

	for _, r := range records {
		ticket := &models.RetryTicket{
			AssetID:         r.AssetID,
			TenantID:        r.TenantID,
			NotBefore:       notBefore,
			BackoffExponent: r.AttemptCount,
		}
		if err := s.store.UpsertTicket(ctx, ticket); err != nil {
			slog.Error("deferring record", "error", err, "asset_id", r.AssetID)
		}
	}
}

// backoffDelay computes the wait before attempt exponent+1: exponential
// doubling from BackoffBase with ±20% jitter, capped at BackoffCap. The
// rate-limited class waits the short fixed delay on its first retry, then
// falls back to the standard schedule.
func (s *Scheduler) backoffDelay(exponent int, rateLimited bool) time.Duration {
	if rateLimited && exponent == 0 {
		return s.cfg.RateLimitDelay
	}

	delay := s.cfg.BackoffBase
	for i := 0; i < exponent && delay < s.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > s.cfg.BackoffCap {
		delay = s.cfg.BackoffCap
	}

	// ±20% jitter keeps simultaneous failures from retrying in lockstep.
	jitter := time.Duration(rand.Int63n(2*int64(delay)/5+1)) - delay/5
	return delay + jitter
}

// RetryNow makes an asset eligible on the next tick regardless of backoff
// state; for a terminally failed record it re-admits it with a fresh
// attempt budget.
func (s *Scheduler) RetryNow(ctx context.Context, tenantID, assetID uuid.UUID) error {
	record, err := s.store.GetRecord(ctx, assetID, tenantID)
	if err != nil {
		return err
	}

	switch record.Status {
	case models.TagStatusFailed:
		if err := s.store.ResetRecord(ctx, assetID, tenantID); err != nil {
			return err
		}
		if err := s.store.DeleteTickets(ctx, []uuid.UUID{assetID}); err != nil {
			return err
		}
		s.publishStatus(ctx, tenantID, assetID, models.TagStatusQueued)
	case models.TagStatusQueued:
		if err := s.store.ClearTicketNotBefore(ctx, assetID); err != nil {
			return err
		}
	default:
		// Already in flight or completed; nothing to hurry.
		return nil
	}

	s.Kick()
	return nil
}

// Cancel drops a record whose underlying image was deleted. Queued or
// ticketed records disappear immediately; records already inside a batch
// job run to completion on the provider side and their results are
// discarded on arrival.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, assetID uuid.UUID) error {
	record, err := s.store.GetRecord(ctx, assetID, tenantID)
	if err != nil {
		return err
	}

	if record.InFlight() {
		slog.Info("cancelling in-flight record; provider result will be discarded",
			"asset_id", assetID, "job_ref", record.BatchJobID)
	}
	if err := s.store.DeleteRecord(ctx, assetID, tenantID); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, cache.RecordStatusKey(assetID))
	return nil
}

func imageRefs(records []*models.TaggingRecord) []models.ImageRef {
	refs := make([]models.ImageRef, 0, len(records))
	for _, r := range records {
		refs = append(refs, models.ImageRef{AssetID: r.AssetID, ImageURL: r.ImageURL})
	}
	return refs
}

func assetIDs(records []*models.TaggingRecord) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.AssetID)
	}
	return ids
}
