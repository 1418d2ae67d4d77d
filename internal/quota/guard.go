// Package quota enforces per-tenant admission budgets over sliding
// one-minute windows backed by the shared cache.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/phototag/internal/cache"
)

const window = time.Minute

// Decision is the outcome of a reservation attempt. A denial is not an
// error condition: the caller defers the work by RetryAfter instead.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Guard admits or defers submissions against a tenant's request and
// estimated-token budgets. All contended state lives in the cache as
// single atomic increments; no lock is ever held.
type Guard struct {
	cache          cache.Cache
	requestsPerMin int64
	tokensPerMin   int64
	tokensPerImage int
}

// NewGuard creates a new Guard.
func NewGuard(c cache.Cache, requestsPerMin, tokensPerMin, tokensPerImage int) *Guard {
	return &Guard{
		cache:          c,
		requestsPerMin: int64(requestsPerMin),
		tokensPerMin:   int64(tokensPerMin),
		tokensPerImage: tokensPerImage,
	}
}

// EstimateTokens prices a submission before the fact: a fixed per-image
// cost, since the true cost is unknown until the call completes.
func (g *Guard) EstimateTokens(imageCount int) int {
	return g.tokensPerImage * imageCount
}

// Reserve admits requestCount requests and estimatedTokens against the
// tenant's window. On denial the reservation is released so deferred work
// does not consume the budget it never used. On cache failure the guard
// fails open, matching how the API rate limiter treats a cache outage.
func (g *Guard) Reserve(ctx context.Context, tenantID uuid.UUID, requestCount, estimatedTokens int) (Decision, error) {
	reqKey := cache.TenantRequestsKey(tenantID)
	tokKey := cache.TenantTokensKey(tenantID)

	reqCount, err := g.cache.IncrByWithExpiry(ctx, reqKey, int64(requestCount), window)
	if err != nil {
		slog.Warn("quota guard failing open", "error", err, "tenant_id", tenantID)
		return Decision{Allowed: true}, nil
	}
	tokCount, err := g.cache.IncrByWithExpiry(ctx, tokKey, int64(estimatedTokens), window)
	if err != nil {
		slog.Warn("quota guard failing open", "error", err, "tenant_id", tenantID)
		return Decision{Allowed: true}, nil
	}

	if reqCount > g.requestsPerMin || tokCount > g.tokensPerMin {
		// Give the budget back; the deferred work reserves again later.
		if _, err := g.cache.IncrByWithExpiry(ctx, reqKey, -int64(requestCount), window); err != nil {
			slog.Warn("quota rollback failed", "error", err, "tenant_id", tenantID)
		}
		if _, err := g.cache.IncrByWithExpiry(ctx, tokKey, -int64(estimatedTokens), window); err != nil {
			slog.Warn("quota rollback failed", "error", err, "tenant_id", tenantID)
		}
		return Decision{Allowed: false, RetryAfter: window}, nil
	}

	return Decision{Allowed: true}, nil
}
