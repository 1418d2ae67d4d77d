package tagging_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/phototag/internal/cache"
	"github.com/kiranshivaraju/phototag/internal/store"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// memStore is an in-memory store.Store with the same transition guards as
// the postgres implementation.
type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.TaggingRecord
	tickets map[uuid.UUID]*models.RetryTicket
	jobs    map[string]*models.BatchJob
	vocabs  map[uuid.UUID]*models.Vocabulary
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[uuid.UUID]*models.TaggingRecord),
		tickets: make(map[uuid.UUID]*models.RetryTicket),
		jobs:    make(map[string]*models.BatchJob),
		vocabs:  make(map[uuid.UUID]*models.Vocabulary),
	}
}

func (m *memStore) setVocabulary(tenantID uuid.UUID, version int, labels []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vocabs[tenantID] = &models.Vocabulary{TenantID: tenantID, Version: version, Labels: labels}
}

func (m *memStore) record(assetID uuid.UUID) models.TaggingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[assetID]
}

func (m *memStore) ticket(assetID uuid.UUID) (models.RetryTicket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[assetID]
	if !ok {
		return models.RetryTicket{}, false
	}
	return *t, true
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) GetDefaultTenant(context.Context) (*models.Tenant, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }
func (m *memStore) CreateAPIKey(context.Context, *models.APIKey) error    { return nil }
func (m *memStore) ListAPIKeys(context.Context, uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memStore) RevokeAPIKey(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (m *memStore) GetVocabulary(_ context.Context, tenantID uuid.UUID) (*models.Vocabulary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.vocabs[tenantID]; ok {
		return v, nil
	}
	return &models.Vocabulary{TenantID: tenantID, Version: 0, Labels: []string{}}, nil
}

func (m *memStore) CreateRecords(_ context.Context, records []*models.TaggingRecord) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		if _, exists := m.records[r.AssetID]; exists {
			continue
		}
		cp := *r
		m.records[r.AssetID] = &cp
		inserted = append(inserted, r.AssetID)
	}
	return inserted, nil
}

func (m *memStore) GetRecord(_ context.Context, assetID, tenantID uuid.UUID) (*models.TaggingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[assetID]
	if !ok || r.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListReleasable(_ context.Context, tenantID uuid.UUID, now time.Time, limit int) ([]*models.TaggingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TaggingRecord
	for _, r := range m.records {
		if r.TenantID != tenantID || r.Status != models.TagStatusQueued {
			continue
		}
		if t, ok := m.tickets[r.AssetID]; ok && t.NotBefore.After(now) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListTenantsWithQueued(context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, r := range m.records {
		if r.Status == models.TagStatusQueued && !seen[r.TenantID] {
			seen[r.TenantID] = true
			out = append(out, r.TenantID)
		}
	}
	return out, nil
}

func (m *memStore) MarkSubmitted(_ context.Context, assetIDs []uuid.UUID, jobRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range assetIDs {
		r, ok := m.records[id]
		if !ok || r.Status != models.TagStatusQueued {
			continue
		}
		ref := jobRef
		r.Status = models.TagStatusSubmitted
		r.BatchJobID = &ref
	}
	return nil
}

func (m *memStore) MarkProcessing(_ context.Context, jobRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.BatchJobID != nil && *r.BatchJobID == jobRef && r.Status == models.TagStatusSubmitted {
			r.Status = models.TagStatusProcessing
		}
	}
	return nil
}

func (m *memStore) ApplyResult(_ context.Context, assetID uuid.UUID, tags []string, errorCode string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[assetID]
	if !ok || r.Terminal() {
		return false, nil
	}
	if errorCode != "" {
		code := errorCode
		r.Status = models.TagStatusFailed
		r.Tags = []string{}
		r.LastError = &code
	} else {
		if tags == nil {
			tags = []string{}
		}
		r.Status = models.TagStatusCompleted
		r.Tags = tags
		r.LastError = nil
	}
	r.BatchJobID = nil
	return true, nil
}

func (m *memStore) RequeueRecords(_ context.Context, assetIDs []uuid.UUID, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range assetIDs {
		r, ok := m.records[id]
		if !ok || r.Terminal() {
			continue
		}
		code := errorCode
		r.Status = models.TagStatusQueued
		r.BatchJobID = nil
		r.AttemptCount++
		r.LastError = &code
	}
	return nil
}

func (m *memStore) ResetRecord(_ context.Context, assetID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[assetID]
	if !ok || r.TenantID != tenantID || r.Status != models.TagStatusFailed {
		return store.ErrNotFound
	}
	r.Status = models.TagStatusQueued
	r.Tags = []string{}
	r.BatchJobID = nil
	r.AttemptCount = 0
	r.LastError = nil
	return nil
}

func (m *memStore) DeleteRecord(_ context.Context, assetID, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[assetID]
	if !ok || r.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(m.records, assetID)
	delete(m.tickets, assetID)
	return nil
}

func (m *memStore) UpsertTicket(_ context.Context, ticket *models.RetryTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ticket
	m.tickets[ticket.AssetID] = &cp
	return nil
}

func (m *memStore) DeleteTickets(_ context.Context, assetIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range assetIDs {
		delete(m.tickets, id)
	}
	return nil
}

func (m *memStore) ClearTicketNotBefore(_ context.Context, assetID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tickets[assetID]; ok {
		t.NotBefore = time.Now().UTC().Add(-time.Second)
	}
	return nil
}

func (m *memStore) CreateBatchJob(_ context.Context, job *models.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return store.ErrDuplicateKey
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) ListActiveBatchJobs(context.Context) ([]*models.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BatchJob
	for _, j := range m.jobs {
		if !models.TerminalBatchStatus(j.Status) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateBatchJobStatus(_ context.Context, jobRef, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobRef]; ok {
		j.Status = status
	}
	return nil
}

func (m *memStore) ClaimBatchResults(_ context.Context, jobRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobRef]
	if !ok || j.ResultsFetched {
		return false, nil
	}
	j.ResultsFetched = true
	return true, nil
}

func (m *memStore) ListPendingMembers(_ context.Context, jobRef string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, r := range m.records {
		if r.BatchJobID != nil && *r.BatchJobID == jobRef && r.InFlight() {
			out = append(out, r.AssetID)
		}
	}
	return out, nil
}

var _ store.Store = (*memStore)(nil)

// memCache is an in-memory cache.Cache. Locks and counters behave like the
// redis implementation minus expiry.
type memCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	statuses map[uuid.UUID]string
	counters map[string]int64
	locks    map[string]bool
}

func newMemCache() *memCache {
	return &memCache{
		values:   make(map[string][]byte),
		statuses: make(map[uuid.UUID]string),
		counters: make(map[string]int64),
		locks:    make(map[string]bool),
	}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) SetRecordStatus(_ context.Context, assetID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[assetID] = status
	return nil
}

func (c *memCache) GetRecordStatus(_ context.Context, assetID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[assetID]
	return s, ok, nil
}

func (c *memCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return c.IncrByWithExpiry(ctx, key, 1, expiry)
}

func (c *memCache) IncrByWithExpiry(_ context.Context, key string, n int64, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key] += n
	return c.counters[key], nil
}

func (c *memCache) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] {
		return false, nil
	}
	c.locks[key] = true
	return true, nil
}

func (c *memCache) ReleaseLock(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, key)
	return nil
}

var _ cache.Cache = (*memCache)(nil)
