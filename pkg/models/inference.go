package models

import (
	"context"

	"github.com/google/uuid"
)

// ImageRef identifies one image for submission. The asset ID travels with
// the image through every provider call so results can be correlated by
// identifier, never by position.
type ImageRef struct {
	AssetID  uuid.UUID `json:"asset_id"`
	ImageURL string    `json:"image_url"`
}

// Classification is one per-image inference outcome. Exactly one of Tags
// or ErrorCode is meaningful; a per-image error never fails the siblings
// in the same call.
type Classification struct {
	AssetID   uuid.UUID `json:"asset_id"`
	Tags      []string  `json:"tags,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
}

// BatchStatusInfo is the provider's view of one asynchronous job.
type BatchStatusInfo struct {
	Status          string `json:"status"`
	ResultsLocation string `json:"results_location,omitempty"`
}

// InferenceGateway is the core interface over the external inference
// provider's two call shapes. Never call a specific provider directly —
// always inject this interface.
type InferenceGateway interface {
	// ClassifySync classifies a small set of images in one blocking call,
	// returning one Classification per input image.
	ClassifySync(ctx context.Context, images []ImageRef, vocabulary []string, maxTags int) ([]Classification, error)
	// SubmitBatch registers a large asynchronous job and returns the
	// provider-assigned job reference. It resolves nothing per image.
	SubmitBatch(ctx context.Context, images []ImageRef, vocabulary []string, maxTags int) (string, error)
	// BatchStatus reports the current provider-side state of a job.
	BatchStatus(ctx context.Context, jobRef string) (BatchStatusInfo, error)
	// FetchBatchResults downloads the results artifact of a completed job.
	// Order is not guaranteed to match submission order.
	FetchBatchResults(ctx context.Context, resultsLocation string) ([]Classification, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}
