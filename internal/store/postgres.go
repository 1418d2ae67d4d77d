package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Vocabularies ---

func (s *PostgresStore) GetVocabulary(ctx context.Context, tenantID uuid.UUID) (*models.Vocabulary, error) {
	var v models.Vocabulary
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, version, labels, updated_at FROM vocabularies WHERE tenant_id = $1`, tenantID,
	).Scan(&v.TenantID, &v.Version, &v.Labels, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Vocabulary{TenantID: tenantID, Version: 0, Labels: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vocabulary: %w", err)
	}
	if v.Labels == nil {
		v.Labels = []string{}
	}
	return &v, nil
}

// --- Tagging Records ---

const recordColumns = `asset_id, tenant_id, image_url, vocabulary_version, status, tags, batch_job_id, attempt_count, last_error, created_at, updated_at`

func scanRecord(row pgx.Row) (*models.TaggingRecord, error) {
	var r models.TaggingRecord
	err := row.Scan(&r.AssetID, &r.TenantID, &r.ImageURL, &r.VocabularyVersion, &r.Status,
		&r.Tags, &r.BatchJobID, &r.AttemptCount, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return &r, nil
}

func (s *PostgresStore) CreateRecords(ctx context.Context, records []*models.TaggingRecord) ([]uuid.UUID, error) {
	inserted := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		var id uuid.UUID
		err := s.pool.QueryRow(ctx,
			`INSERT INTO tagging_records (asset_id, tenant_id, image_url, vocabulary_version, status, tags, attempt_count, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (asset_id) DO NOTHING
			 RETURNING asset_id`,
			r.AssetID, r.TenantID, r.ImageURL, r.VocabularyVersion, r.Status, r.Tags,
			r.AttemptCount, r.CreatedAt, r.UpdatedAt).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict: the asset is already admitted.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create tagging record: %w", err)
		}
		inserted = append(inserted, id)
	}
	return inserted, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, assetID uuid.UUID, tenantID uuid.UUID) (*models.TaggingRecord, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM tagging_records WHERE asset_id = $1 AND tenant_id = $2`,
		assetID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tagging record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReleasable(ctx context.Context, tenantID uuid.UUID, now time.Time, limit int) ([]*models.TaggingRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT r.asset_id, r.tenant_id, r.image_url, r.vocabulary_version, r.status, r.tags,
		        r.batch_job_id, r.attempt_count, r.last_error, r.created_at, r.updated_at
		 FROM tagging_records r
		 LEFT JOIN retry_tickets t ON t.asset_id = r.asset_id
		 WHERE r.tenant_id = $1 AND r.status = 'queued'
		   AND (t.asset_id IS NULL OR t.not_before <= $2)
		 ORDER BY r.created_at
		 LIMIT $3`, tenantID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list releasable records: %w", err)
	}
	defer rows.Close()

	var records []*models.TaggingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tagging record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) ListTenantsWithQueued(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT tenant_id FROM tagging_records WHERE status = 'queued'`)
	if err != nil {
		return nil, fmt.Errorf("list tenants with queued records: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MarkSubmitted(ctx context.Context, assetIDs []uuid.UUID, jobRef string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tagging_records SET status = 'submitted', batch_job_id = $2, updated_at = NOW()
		 WHERE asset_id = ANY($1) AND status = 'queued'`, assetIDs, jobRef)
	if err != nil {
		return fmt.Errorf("mark records submitted: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, jobRef string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tagging_records SET status = 'processing', updated_at = NOW()
		 WHERE batch_job_id = $1 AND status = 'submitted'`, jobRef)
	if err != nil {
		return fmt.Errorf("mark records processing: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyResult(ctx context.Context, assetID uuid.UUID, tags []string, errorCode string) (bool, error) {
	status := models.TagStatusCompleted
	var lastError *string
	if errorCode != "" {
		status = models.TagStatusFailed
		lastError = &errorCode
		tags = []string{}
	}
	if tags == nil {
		tags = []string{}
	}

	// The status guard makes repeated terminal application a no-op.
	tag, err := s.pool.Exec(ctx,
		`UPDATE tagging_records
		 SET status = $2, tags = $3, last_error = $4, batch_job_id = NULL, updated_at = NOW()
		 WHERE asset_id = $1 AND status NOT IN ('completed', 'failed')`,
		assetID, status, tags, lastError)
	if err != nil {
		return false, fmt.Errorf("apply result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RequeueRecords(ctx context.Context, assetIDs []uuid.UUID, errorCode string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tagging_records
		 SET status = 'queued', batch_job_id = NULL, attempt_count = attempt_count + 1,
		     last_error = $2, updated_at = NOW()
		 WHERE asset_id = ANY($1) AND status NOT IN ('completed', 'failed')`,
		assetIDs, errorCode)
	if err != nil {
		return fmt.Errorf("requeue records: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetRecord(ctx context.Context, assetID uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tagging_records
		 SET status = 'queued', tags = '{}', batch_job_id = NULL, attempt_count = 0,
		     last_error = NULL, updated_at = NOW()
		 WHERE asset_id = $1 AND tenant_id = $2 AND status = 'failed'`,
		assetID, tenantID)
	if err != nil {
		return fmt.Errorf("reset record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, assetID uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tagging_records WHERE asset_id = $1 AND tenant_id = $2`, assetID, tenantID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	// Any pending ticket goes with the record.
	_, err = s.pool.Exec(ctx, `DELETE FROM retry_tickets WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("delete record ticket: %w", err)
	}
	return nil
}

// --- Retry Tickets ---

func (s *PostgresStore) UpsertTicket(ctx context.Context, ticket *models.RetryTicket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retry_tickets (asset_id, tenant_id, not_before, backoff_exponent)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (asset_id) DO UPDATE SET
		   not_before = EXCLUDED.not_before,
		   backoff_exponent = EXCLUDED.backoff_exponent`,
		ticket.AssetID, ticket.TenantID, ticket.NotBefore, ticket.BackoffExponent)
	if err != nil {
		return fmt.Errorf("upsert retry ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTickets(ctx context.Context, assetIDs []uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM retry_tickets WHERE asset_id = ANY($1)`, assetIDs)
	if err != nil {
		return fmt.Errorf("delete retry tickets: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearTicketNotBefore(ctx context.Context, assetID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE retry_tickets SET not_before = NOW() - INTERVAL '1 second' WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("clear ticket not_before: %w", err)
	}
	return nil
}

// --- Batch Jobs ---

func (s *PostgresStore) CreateBatchJob(ctx context.Context, job *models.BatchJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, tenant_id, strategy, member_asset_ids, priority, status, submitted_at, completion_deadline, results_fetched)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.TenantID, job.Strategy, job.MemberAssetIDs, job.Priority, job.Status,
		job.SubmittedAt, job.CompletionDeadline, job.ResultsFetched)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create batch job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveBatchJobs(ctx context.Context) ([]*models.BatchJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, strategy, member_asset_ids, priority, status, submitted_at, completion_deadline, results_fetched
		 FROM batch_jobs WHERE status IN ('submitted', 'in_progress') ORDER BY submitted_at`)
	if err != nil {
		return nil, fmt.Errorf("list active batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BatchJob
	for rows.Next() {
		var j models.BatchJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Strategy, &j.MemberAssetIDs, &j.Priority,
			&j.Status, &j.SubmittedAt, &j.CompletionDeadline, &j.ResultsFetched); err != nil {
			return nil, fmt.Errorf("scan batch job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateBatchJobStatus(ctx context.Context, jobRef string, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = $2 WHERE id = $1`, jobRef, status)
	if err != nil {
		return fmt.Errorf("update batch job status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimBatchResults(ctx context.Context, jobRef string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET results_fetched = TRUE WHERE id = $1 AND results_fetched = FALSE`, jobRef)
	if err != nil {
		return false, fmt.Errorf("claim batch results: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListPendingMembers(ctx context.Context, jobRef string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id FROM tagging_records
		 WHERE batch_job_id = $1 AND status IN ('submitted', 'processing')`, jobRef)
	if err != nil {
		return nil, fmt.Errorf("list pending members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
