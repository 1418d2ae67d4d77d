// Package mock provides an in-memory InferenceGateway for tests and local
// development.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/phototag/pkg/models"
)

// Gateway satisfies models.InferenceGateway. Each method delegates to an
// injectable func; with no func set, the default behavior classifies every
// image with its first vocabulary label and completes batches on the first
// status poll.
type Gateway struct {
	Name_            string
	ClassifySyncFunc func(ctx context.Context, images []models.ImageRef, vocabulary []string, maxTags int) ([]models.Classification, error)
	SubmitBatchFunc  func(ctx context.Context, images []models.ImageRef, vocabulary []string, maxTags int) (string, error)
	BatchStatusFunc  func(ctx context.Context, jobRef string) (models.BatchStatusInfo, error)
	FetchResultsFunc func(ctx context.Context, resultsLocation string) ([]models.Classification, error)

	mu      sync.Mutex
	nextJob int
	batches map[string][]models.Classification
}

// NewGateway returns a Gateway with self-contained default behavior.
func NewGateway() *Gateway {
	return &Gateway{Name_: "mock", batches: make(map[string][]models.Classification)}
}

func (g *Gateway) Name() string { return g.Name_ }

func (g *Gateway) ClassifySync(ctx context.Context, images []models.ImageRef, vocabulary []string, maxTags int) ([]models.Classification, error) {
	if g.ClassifySyncFunc != nil {
		return g.ClassifySyncFunc(ctx, images, vocabulary, maxTags)
	}
	return defaultClassifications(images, vocabulary), nil
}

func (g *Gateway) SubmitBatch(ctx context.Context, images []models.ImageRef, vocabulary []string, maxTags int) (string, error) {
	if g.SubmitBatchFunc != nil {
		return g.SubmitBatchFunc(ctx, images, vocabulary, maxTags)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextJob++
	ref := fmt.Sprintf("mock-batch-%d", g.nextJob)
	if g.batches == nil {
		g.batches = make(map[string][]models.Classification)
	}
	g.batches[ref] = defaultClassifications(images, vocabulary)
	return ref, nil
}

func (g *Gateway) BatchStatus(ctx context.Context, jobRef string) (models.BatchStatusInfo, error) {
	if g.BatchStatusFunc != nil {
		return g.BatchStatusFunc(ctx, jobRef)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.batches[jobRef]; !ok {
		return models.BatchStatusInfo{}, fmt.Errorf("%w: unknown batch %q", models.ErrFatal, jobRef)
	}
	return models.BatchStatusInfo{Status: models.BatchStatusCompleted, ResultsLocation: jobRef}, nil
}

func (g *Gateway) FetchBatchResults(ctx context.Context, resultsLocation string) ([]models.Classification, error) {
	if g.FetchResultsFunc != nil {
		return g.FetchResultsFunc(ctx, resultsLocation)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	results, ok := g.batches[resultsLocation]
	if !ok {
		return nil, fmt.Errorf("%w: unknown results location %q", models.ErrFatal, resultsLocation)
	}
	return results, nil
}

func defaultClassifications(images []models.ImageRef, vocabulary []string) []models.Classification {
	results := make([]models.Classification, 0, len(images))
	for _, img := range images {
		tags := []string{}
		if len(vocabulary) > 0 {
			tags = vocabulary[:1]
		}
		results = append(results, models.Classification{AssetID: img.AssetID, Tags: tags})
	}
	return results
}

// NewFailingGateway returns a Gateway whose every call fails with err.
func NewFailingGateway(err error) *Gateway {
	return &Gateway{
		Name_: "mock-failing",
		ClassifySyncFunc: func(context.Context, []models.ImageRef, []string, int) ([]models.Classification, error) {
			return nil, err
		},
		SubmitBatchFunc: func(context.Context, []models.ImageRef, []string, int) (string, error) {
			return "", err
		},
		BatchStatusFunc: func(context.Context, string) (models.BatchStatusInfo, error) {
			return models.BatchStatusInfo{}, err
		},
		FetchResultsFunc: func(context.Context, string) ([]models.Classification, error) {
			return nil, err
		},
	}
}

// Compile-time check that Gateway implements InferenceGateway.
var _ models.InferenceGateway = (*Gateway)(nil)
