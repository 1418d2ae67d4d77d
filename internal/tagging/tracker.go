package tagging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/phototag/internal/cache"
	"github.com/kiranshivaraju/phototag/internal/config"
	"github.com/kiranshivaraju/phototag/internal/store"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// Tracker owns the active batch job set and drives each job to a terminal
// state. Any number of poller instances (an interactive short-interval one,
// a background long-interval one, other processes) may run concurrently:
// a key-scoped cache lock per job prevents double-processing, and the
// results_fetched claim in the store makes application exactly-once even if
// a lock expires mid-flight.
type Tracker struct {
	applier
	gateway models.InferenceGateway
	cfg     config.TaggingConfig

	mu     sync.Mutex
	active map[string]*models.BatchJob
}

// NewTracker creates a new Tracker.
func NewTracker(st store.Store, ca cache.Cache, gw models.InferenceGateway, events *Publisher, cfg config.TaggingConfig) *Tracker {
	return &Tracker{
		applier: applier{store: st, cache: ca, events: events},
		gateway: gw,
		cfg:     cfg,
		active:  make(map[string]*models.BatchJob),
	}
}

// Restore reloads active jobs from the store so polling survives restarts.
func (t *Tracker) Restore(ctx context.Context) error {
	jobs, err := t.store.ListActiveBatchJobs(ctx)
	if err != nil {
		return fmt.Errorf("restoring active batch jobs: %w", err)
	}

	t.mu.Lock()
	for _, j := range jobs {
		t.active[j.ID] = j
	}
	t.mu.Unlock()

	if len(jobs) > 0 {
		slog.Info("restored active batch jobs", "count", len(jobs))
	}
	return nil
}

// Register adds a freshly submitted job to the active set.
func (t *Tracker) Register(job *models.BatchJob) {
	t.mu.Lock()
	t.active[job.ID] = job
	t.mu.Unlock()
}

// ActiveCount reports how many jobs are currently polled.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Run polls the active set at the configured interval until ctx is
// cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("batch tracker stopped")
			return
		case <-ticker.C:
			t.PollOnce(ctx)
		}
	}
}

// PollOnce checks every active job once. Priority jobs are checked first
// and skip the settle time so their results surface as early as possible.
func (t *Tracker) PollOnce(ctx context.Context) {
	t.mu.Lock()
	jobs := make([]*models.BatchJob, 0, len(t.active))
	for _, j := range t.active {
		if j.Priority {
			jobs = append([]*models.BatchJob{j}, jobs...)
			continue
		}
		jobs = append(jobs, j)
	}
	t.mu.Unlock()

	now := time.Now().UTC()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if !job.Priority && now.Sub(job.SubmittedAt) < t.cfg.SettleTime {
			continue
		}
		t.pollJob(ctx, job)
	}
}

// pollJob advances one job under its key-scoped lock.
func (t *Tracker) pollJob(ctx context.Context, job *models.BatchJob) {
	locked, err := t.cache.AcquireLock(ctx, cache.PollLockKey(job.ID), t.cfg.PollLockTTL)
	if err != nil {
		slog.Error("acquiring poll lock", "error", err, "job_ref", job.ID)
		return
	}
	if !locked {
		// Another poller owns this job right now.
		return
	}
	defer func() {
		_ = t.cache.ReleaseLock(ctx, cache.PollLockKey(job.ID))
	}()

	// The local deadline is enforced regardless of what the provider says:
	// it is not trusted to always surface a terminal state.
	if time.Now().UTC().After(job.CompletionDeadline) {
		t.finish(ctx, job, models.BatchStatusExpired, models.ErrCodeJobExpired)
		return
	}

	info, err := t.gateway.BatchStatus(ctx, job.ID)
	if err != nil {
		// Transient or not, the deadline bounds how long this can go on.
		slog.Warn("batch status poll failed", "error", err, "job_ref", job.ID)
		return
	}

	switch info.Status {
	case models.BatchStatusInProgress:
		t.markInProgress(ctx, job)
	case models.BatchStatusCompleted:
		t.complete(ctx, job, info.ResultsLocation)
	case models.BatchStatusFailed:
		t.finish(ctx, job, models.BatchStatusFailed, models.ErrCodeJobFailed)
	}
}

// markInProgress records the submitted -> in_progress transition once.
func (t *Tracker) markInProgress(ctx context.Context, job *models.BatchJob) {
	if job.Status == models.BatchStatusInProgress {
		return
	}

	members, err := t.store.ListPendingMembers(ctx, job.ID)
	if err != nil {
		slog.Error("listing pending members", "error", err, "job_ref", job.ID)
		return
	}
	if err := t.store.MarkProcessing(ctx, job.ID); err != nil {
		slog.Error("marking records processing", "error", err, "job_ref", job.ID)
		return
	}
	if err := t.store.UpdateBatchJobStatus(ctx, job.ID, models.BatchStatusInProgress); err != nil {
		slog.Error("updating batch job status", "error", err, "job_ref", job.ID)
	}
	job.Status = models.BatchStatusInProgress

	for _, assetID := range members {
		t.publishStatus(ctx, job.TenantID, assetID, models.TagStatusProcessing)
	}
}

// complete fetches the results artifact and distributes per-image outcomes.
// The results_fetched claim guarantees a racing poller never applies the
// same results twice.
func (t *Tracker) complete(ctx context.Context, job *models.BatchJob, resultsLocation string) {
	results, err := t.gateway.FetchBatchResults(ctx, resultsLocation)
	if err != nil {
		slog.Error("fetching batch results", "error", err, "job_ref", job.ID)
		return
	}

	claimed, err := t.store.ClaimBatchResults(ctx, job.ID)
	if err != nil {
		slog.Error("claiming batch results", "error", err, "job_ref", job.ID)
		return
	}
	if !claimed {
		// Losing the claim normally means a concurrent poller applied the
		// results. Members still pending mean the claiming poller died
		// between the claim and the application; this pass picks the
		// results up again. ApplyResult's terminal-status guard keeps a
		// racing live winner and a recovery pass from double-applying.
		pending, err := t.store.ListPendingMembers(ctx, job.ID)
		if err != nil {
			slog.Error("listing pending members", "error", err, "job_ref", job.ID)
			return
		}
		if len(pending) == 0 {
			t.remove(job.ID)
			return
		}
		slog.Warn("recovering claimed but unapplied batch results",
			"job_ref", job.ID, "pending", len(pending))
	}

	resolved := make(map[string]bool, len(results))
	for _, c := range results {
		resolved[c.AssetID.String()] = true
		t.applyClassification(ctx, job.TenantID, c)
	}

	// Members the artifact never mentioned share the job-level failure
	// code: their problem was the job, not the image.
	pending, err := t.store.ListPendingMembers(ctx, job.ID)
	if err != nil {
		slog.Error("listing pending members", "error", err, "job_ref", job.ID)
	}
	for _, assetID := range pending {
		if !resolved[assetID.String()] {
			t.applyOutcome(ctx, job.TenantID, assetID, nil, models.ErrCodeJobFailed)
		}
	}

	if err := t.store.UpdateBatchJobStatus(ctx, job.ID, models.BatchStatusCompleted); err != nil {
		slog.Error("updating batch job status", "error", err, "job_ref", job.ID)
	}
	t.remove(job.ID)

	slog.Info("batch job completed", "job_ref", job.ID, "results", len(results))
}

// finish terminates a job without results: every still-pending member
// fails with the given code, simultaneously.
func (t *Tracker) finish(ctx context.Context, job *models.BatchJob, jobStatus, memberCode string) {
	members, err := t.store.ListPendingMembers(ctx, job.ID)
	if err != nil {
		slog.Error("listing pending members", "error", err, "job_ref", job.ID)
		return
	}

	for _, assetID := range members {
		t.applyOutcome(ctx, job.TenantID, assetID, nil, memberCode)
	}

	if err := t.store.UpdateBatchJobStatus(ctx, job.ID, jobStatus); err != nil {
		slog.Error("updating batch job status", "error", err, "job_ref", job.ID)
	}
	t.remove(job.ID)

	slog.Warn("batch job finished without results",
		"job_ref", job.ID, "status", jobStatus, "affected", len(members))
}

func (t *Tracker) remove(jobRef string) {
	t.mu.Lock()
	delete(t.active, jobRef)
	t.mu.Unlock()
}
