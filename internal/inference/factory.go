package inference

import (
	"fmt"

	"github.com/kiranshivaraju/phototag/internal/config"
	"github.com/kiranshivaraju/phototag/internal/inference/mock"
	"github.com/kiranshivaraju/phototag/internal/inference/openai"
	"github.com/kiranshivaraju/phototag/pkg/models"
)

// NewGateway constructs the appropriate inference gateway based on config.
// Called once at server startup.
func NewGateway(cfg config.AIConfig) (models.InferenceGateway, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewGateway(cfg.OpenAI, cfg.InferenceTimeout), nil
	case "mock":
		return mock.NewGateway(), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q: must be one of openai, mock", cfg.Provider)
	}
}
