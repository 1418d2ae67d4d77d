// Package tagging contains the auto-tagging orchestrator: the submission
// router, the retry scheduler and the batch job tracker.
package tagging

import (
	"github.com/kiranshivaraju/phototag/internal/config"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// Plan is the router's decision for one tenant's pending set. It is a pure
// description: no record status changes until the corresponding gateway
// call has actually succeeded.
type Plan struct {
	Strategy string
	// VocabularyEmpty means there is nothing to classify against; every
	// record completes immediately with an empty tag set.
	VocabularyEmpty bool
	// Chunks holds the synchronous call groups (one for immediate, several
	// for chunkedImmediate), in admission order.
	Chunks [][]*models.TaggingRecord
	// Batches holds the asynchronous jobs, in submission order.
	Batches []BatchPlan
}

// BatchPlan is one asynchronous job of a plan. The first sub-job of a split
// is flagged priority so its results surface before the later sub-jobs.
type BatchPlan struct {
	Records  []*models.TaggingRecord
	Priority bool
}

// Router chooses a processing strategy for a set of pending records.
// Thresholds come from configuration, never from literals.
type Router struct {
	cfg config.TaggingConfig
}

// NewRouter creates a new Router.
func NewRouter(cfg config.TaggingConfig) *Router {
	return &Router{cfg: cfg}
}

// BuildPlan decides a strategy for records by count. The relative order of
// records is preserved end to end so a priority sub-batch keeps its
// intended precedence.
func (r *Router) BuildPlan(records []*models.TaggingRecord, vocabulary []string) Plan {
	if len(vocabulary) == 0 {
		return Plan{VocabularyEmpty: true}
	}

	n := len(records)
	switch {
	case n <= r.cfg.ImmediateMax:
		return Plan{
			Strategy: models.StrategyImmediate,
			Chunks:   [][]*models.TaggingRecord{records},
		}
	case n <= r.cfg.ChunkedMax:
		return Plan{
			Strategy: models.StrategyChunkedImmediate,
			Chunks:   split(records, r.cfg.ChunkSize),
		}
	case n <= r.cfg.SingleBatchMax:
		return Plan{
			Strategy: models.StrategySingleBatch,
			Batches:  []BatchPlan{{Records: records}},
		}
	default:
		groups := split(records, r.cfg.SingleBatchMax)
		batches := make([]BatchPlan, 0, len(groups))
		for i, g := range groups {
			batches = append(batches, BatchPlan{Records: g, Priority: i == 0})
		}
		return Plan{Strategy: models.StrategySplitBatch, Batches: batches}
	}
}

// split partitions records into groups of at most size, preserving order.
func split(records []*models.TaggingRecord, size int) [][]*models.TaggingRecord {
	var groups [][]*models.TaggingRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		groups = append(groups, records[start:end])
	}
	return groups
}
