package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/phototag/internal/store"
	"github.com/kiranshivaraju/phototag/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("phototag_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// defaultTenantID returns the UUID of the seeded default tenant.
func defaultTenantID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	tenant, err := s.GetDefaultTenant(context.Background())
	require.NoError(t, err)
	return tenant.ID
}

// newRecord builds a queued record for the given tenant.
func newRecord(tenantID uuid.UUID) *models.TaggingRecord {
	now := time.Now().UTC()
	return &models.TaggingRecord{
		AssetID:   uuid.New(),
		TenantID:  tenantID,
		ImageURL:  "https://img.example.com/" + uuid.NewString() + ".jpg",
		Status:    models.TagStatusQueued,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// admit creates the records and fails the test on error.
func admit(t *testing.T, s store.Store, records ...*models.TaggingRecord) {
	t.Helper()
	_, err := s.CreateRecords(context.Background(), records)
	require.NoError(t, err)
}

// seedVocabulary inserts a vocabulary row directly.
func seedVocabulary(t *testing.T, pool *pgxpool.Pool, tenantID uuid.UUID, version int, labels []string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO vocabularies (tenant_id, version, labels, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (tenant_id) DO UPDATE SET version = EXCLUDED.version, labels = EXCLUDED.labels`,
		tenantID, version, labels)
	require.NoError(t, err)
}

// --- Tenant Tests ---

func TestGetDefaultTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	tenant, err := s.GetDefaultTenant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", tenant.Name)
}

// --- API Key Tests ---

func TestAPIKey_CreateListRevoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "uploader",
		KeyHash:   "$2a$10$fakehashfakehashfakehashfakehash",
		KeyPrefix: "pt_abc12",
		Scopes:    []string{"tagging"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	byPrefix, err := s.GetAPIKeyByPrefix(ctx, "pt_abc12")
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, key.ID, byPrefix[0].ID)

	listed, err := s.ListAPIKeys(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, tenantID))

	byPrefix, err = s.GetAPIKeyByPrefix(ctx, "pt_abc12")
	require.NoError(t, err)
	assert.Empty(t, byPrefix)

	// Revoking twice reports not found.
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, tenantID), store.ErrNotFound)
}

// --- Vocabulary Tests ---

func TestGetVocabulary_MissingRowIsEmptyVersionZero(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	vocab, err := s.GetVocabulary(context.Background(), defaultTenantID(t, s))
	require.NoError(t, err)
	assert.Equal(t, 0, vocab.Version)
	assert.Empty(t, vocab.Labels)
}

func TestGetVocabulary_Seeded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	tenantID := defaultTenantID(t, s)
	seedVocabulary(t, pool, tenantID, 3, []string{"beach", "sunset", "dog"})

	vocab, err := s.GetVocabulary(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 3, vocab.Version)
	assert.Equal(t, []string{"beach", "sunset", "dog"}, vocab.Labels)
}

// --- Tagging Record Tests ---

func TestCreateRecords_DuplicateAdmissionIsNoOp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	inserted, err := s.CreateRecords(ctx, []*models.TaggingRecord{r})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{r.AssetID}, inserted)

	// Re-admit with a different URL: the original row must win, and the
	// no-op insert is not reported back.
	dup := *r
	dup.ImageURL = "https://img.example.com/other.jpg"
	inserted, err = s.CreateRecords(ctx, []*models.TaggingRecord{&dup})
	require.NoError(t, err)
	assert.Empty(t, inserted)

	got, err := s.GetRecord(ctx, r.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, r.ImageURL, got.ImageURL)
	assert.Equal(t, models.TagStatusQueued, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestGetRecord_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetRecord(context.Background(), uuid.New(), defaultTenantID(t, s))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListReleasable_HonorsTicketsAndOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	first := newRecord(tenantID)
	second := newRecord(tenantID)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	second.UpdatedAt = second.CreatedAt
	parked := newRecord(tenantID)
	admit(t, s, first, second, parked)

	now := time.Now().UTC()
	// parked has a future ticket and must not be released.
	require.NoError(t, s.UpsertTicket(ctx, &models.RetryTicket{
		AssetID: parked.AssetID, TenantID: tenantID, NotBefore: now.Add(time.Hour),
	}))
	// second has a due ticket and stays releasable.
	require.NoError(t, s.UpsertTicket(ctx, &models.RetryTicket{
		AssetID: second.AssetID, TenantID: tenantID, NotBefore: now.Add(-time.Minute),
	}))

	records, err := s.ListReleasable(ctx, tenantID, now, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.AssetID, records[0].AssetID, "admission order preserved")
	assert.Equal(t, second.AssetID, records[1].AssetID)
}

func TestListReleasable_TicketBecomesDue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertTicket(ctx, &models.RetryTicket{
		AssetID: r.AssetID, TenantID: tenantID, NotBefore: now.Add(30 * time.Second),
	}))

	records, err := s.ListReleasable(ctx, tenantID, now, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Asking with a later clock releases it without any write in between.
	records, err = s.ListReleasable(ctx, tenantID, now.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.AssetID, records[0].AssetID)
}

func TestListTenantsWithQueued(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	tenants, err := s.ListTenantsWithQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)

	admit(t, s, newRecord(tenantID))

	tenants, err = s.ListTenantsWithQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tenantID}, tenants)
}

func TestMarkSubmitted_OnlyQueuedRecordsAdvance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	queued := newRecord(tenantID)
	done := newRecord(tenantID)
	admit(t, s, queued, done)

	applied, err := s.ApplyResult(ctx, done.AssetID, []string{"dog"}, "")
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, s.MarkSubmitted(ctx, []uuid.UUID{queued.AssetID, done.AssetID}, "batch_1"))

	got, err := s.GetRecord(ctx, queued.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusSubmitted, got.Status)
	require.NotNil(t, got.BatchJobID)
	assert.Equal(t, "batch_1", *got.BatchJobID)

	got, err = s.GetRecord(ctx, done.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusCompleted, got.Status, "completed record untouched")
}

func TestMarkProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)
	require.NoError(t, s.MarkSubmitted(ctx, []uuid.UUID{r.AssetID}, "batch_2"))
	require.NoError(t, s.MarkProcessing(ctx, "batch_2"))

	got, err := s.GetRecord(ctx, r.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusProcessing, got.Status)
}

func TestApplyResult_CompletesWithTags(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)

	applied, err := s.ApplyResult(ctx, r.AssetID, []string{"beach", "sunset"}, "")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetRecord(ctx, r.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusCompleted, got.Status)
	assert.Equal(t, []string{"beach", "sunset"}, got.Tags)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.BatchJobID)
}

func TestApplyResult_FailsWithCode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)

	applied, err := s.ApplyResult(ctx, r.AssetID, nil, models.ErrCodeMalformedImage)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetRecord(ctx, r.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusFailed, got.Status)
	assert.Empty(t, got.Tags)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.ErrCodeMalformedImage, *got.LastError)
}

func TestApplyResult_TerminalRecordsAreImmutable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)

	applied, err := s.ApplyResult(ctx, r.AssetID, []string{"dog"}, "")
	require.NoError(t, err)
	require.True(t, applied)

	// A late duplicate result is discarded, not applied.
	applied, err = s.ApplyResult(ctx, r.AssetID, nil, models.ErrCodeJobFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetRecord(ctx, r.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusCompleted, got.Status)
	assert.Equal(t, []string{"dog"}, got.Tags)
}

func TestApplyResult_MissingRecordIsDiscarded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	applied, err := s.ApplyResult(context.Background(), uuid.New(), []string{"dog"}, "")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRequeueRecords_IncrementsAttempts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)
	require.NoError(t, s.MarkSubmitted(ctx, []uuid.UUID{r.AssetID}, "batch_3"))

	require.NoError(t, s.RequeueRecords(ctx, []uuid.UUID{r.AssetID}, models.ErrCodeTransient))

	got, err := s.GetRecord(ctx, r.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusQueued, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.BatchJobID)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.ErrCodeTransient, *got.LastError)
}

func TestResetRecord_OnlyFromFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)

	// Not failed yet.
	assert.ErrorIs(t, s.ResetRecord(ctx, r.AssetID, tenantID), store.ErrNotFound)

	applied, err := s.ApplyResult(ctx, r.AssetID, nil, models.ErrCodeAttemptsExhausted)
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, s.ResetRecord(ctx, r.AssetID, tenantID))

	got, err := s.GetRecord(ctx, r.AssetID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, models.TagStatusQueued, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.LastError)
}

func TestDeleteRecord_RemovesTicket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)
	require.NoError(t, s.UpsertTicket(ctx, &models.RetryTicket{
		AssetID: r.AssetID, TenantID: tenantID, NotBefore: time.Now().UTC().Add(time.Hour),
	}))

	require.NoError(t, s.DeleteRecord(ctx, r.AssetID, tenantID))

	_, err := s.GetRecord(ctx, r.AssetID, tenantID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Releasable set stays empty even past the ticket time.
	records, err := s.ListReleasable(ctx, tenantID, time.Now().UTC().Add(2*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.ErrorIs(t, s.DeleteRecord(ctx, r.AssetID, tenantID), store.ErrNotFound)
}

// --- Retry Ticket Tests ---

func TestUpsertTicket_ReplacesSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertTicket(ctx, &models.RetryTicket{
		AssetID: r.AssetID, TenantID: tenantID, NotBefore: now.Add(time.Hour), BackoffExponent: 1,
	}))
	// Second upsert moves the schedule earlier.
	require.NoError(t, s.UpsertTicket(ctx, &models.RetryTicket{
		AssetID: r.AssetID, TenantID: tenantID, NotBefore: now.Add(-time.Minute), BackoffExponent: 2,
	}))

	records, err := s.ListReleasable(ctx, tenantID, now, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestClearTicketNotBefore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	r := newRecord(tenantID)
	admit(t, s, r)
	require.NoError(t, s.UpsertTicket(ctx, &models.RetryTicket{
		AssetID: r.AssetID, TenantID: tenantID, NotBefore: time.Now().UTC().Add(time.Hour),
	}))

	require.NoError(t, s.ClearTicketNotBefore(ctx, r.AssetID))

	records, err := s.ListReleasable(ctx, tenantID, time.Now().UTC(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.AssetID, records[0].AssetID)
}

// --- Batch Job Tests ---

func TestBatchJob_CreateListUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &models.BatchJob{
		ID:                 "batch_abc",
		TenantID:           tenantID,
		Strategy:           models.StrategySingleBatch,
		MemberAssetIDs:     []uuid.UUID{uuid.New(), uuid.New()},
		Status:             models.BatchStatusSubmitted,
		SubmittedAt:        now,
		CompletionDeadline: now.Add(24 * time.Hour),
	}
	require.NoError(t, s.CreateBatchJob(ctx, job))
	assert.ErrorIs(t, s.CreateBatchJob(ctx, job), store.ErrDuplicateKey)

	active, err := s.ListActiveBatchJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "batch_abc", active[0].ID)
	assert.Len(t, active[0].MemberAssetIDs, 2)

	require.NoError(t, s.UpdateBatchJobStatus(ctx, "batch_abc", models.BatchStatusCompleted))

	active, err = s.ListActiveBatchJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestClaimBatchResults_ExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	now := time.Now().UTC()
	require.NoError(t, s.CreateBatchJob(ctx, &models.BatchJob{
		ID:                 "batch_claim",
		TenantID:           tenantID,
		Strategy:           models.StrategySingleBatch,
		MemberAssetIDs:     []uuid.UUID{uuid.New()},
		Status:             models.BatchStatusInProgress,
		SubmittedAt:        now,
		CompletionDeadline: now.Add(24 * time.Hour),
	}))

	// Concurrent pollers race for the claim; exactly one wins.
	const pollers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimBatchResults(ctx, "batch_claim")
			assert.NoError(t, err)
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for claimed := range wins {
		if claimed {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestListPendingMembers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	a := newRecord(tenantID)
	b := newRecord(tenantID)
	admit(t, s, a, b)
	require.NoError(t, s.MarkSubmitted(ctx, []uuid.UUID{a.AssetID, b.AssetID}, "batch_members"))

	// One member resolves; only the other remains pending.
	applied, err := s.ApplyResult(ctx, a.AssetID, []string{"cat"}, "")
	require.NoError(t, err)
	require.True(t, applied)

	pending, err := s.ListPendingMembers(ctx, "batch_members")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.AssetID}, pending)
}
