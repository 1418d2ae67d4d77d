package tagging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/phototag/internal/cache"
	"github.com/kiranshivaraju/phototag/internal/store"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// statusMirrorTTL bounds how long the cached status copy outlives the last
// transition.
const statusMirrorTTL = 30 * time.Minute

// applier records terminal per-image outcomes. Shared by the scheduler
// (synchronous strategies) and the tracker (batch results) so both apply
// results identically.
type applier struct {
	store  store.Store
	cache  cache.Cache
	events *Publisher
}

// applyOutcome persists a terminal outcome, mirrors it to the cache and
// publishes the transition. A result that no longer applies (the record was
// cancelled, or a racing poller got there first) is discarded on arrival.
func (a *applier) applyOutcome(ctx context.Context, tenantID, assetID uuid.UUID, tags []string, errorCode string) {
	applied, err := a.store.ApplyResult(ctx, assetID, tags, errorCode)
	if err != nil {
		slog.Error("applying result", "error", err, "asset_id", assetID)
		return
	}
	if !applied {
		slog.Debug("result discarded on arrival", "asset_id", assetID)
		return
	}

	if err := a.store.DeleteTickets(ctx, []uuid.UUID{assetID}); err != nil {
		slog.Error("deleting retry ticket", "error", err, "asset_id", assetID)
	}

	status := models.TagStatusCompleted
	if errorCode != "" {
		status = models.TagStatusFailed
		tags = nil
	}
	_ = a.cache.SetRecordStatus(ctx, assetID, status, statusMirrorTTL)
	a.events.Publish(statusEvent(tenantID, assetID, status, tags, errorCode))
}

// applyClassification applies one per-image gateway result: an error code
// means terminal failure for that image alone, anything else completes it
// with its tags.
func (a *applier) applyClassification(ctx context.Context, tenantID uuid.UUID, c models.Classification) {
	a.applyOutcome(ctx, tenantID, c.AssetID, c.Tags, c.ErrorCode)
}

// publishStatus mirrors and publishes a non-terminal transition.
func (a *applier) publishStatus(ctx context.Context, tenantID, assetID uuid.UUID, status string) {
	_ = a.cache.SetRecordStatus(ctx, assetID, status, statusMirrorTTL)
	a.events.Publish(statusEvent(tenantID, assetID, status, nil, ""))
}
