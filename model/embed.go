package model

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"ragforge/config"
	"ragforge/types"
)

// Embedder turns text into fixed-length vectors. All vectors from one call
// share the configured dimensionality.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NewEmbedder builds the embedder named by cfg.Provider.
func NewEmbedder(cfg config.Embedding, apiKey string, logger *zap.Logger) (Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		logger.Info("using openai embeddings", zap.String("model", cfg.Model), zap.Int("dims", cfg.Dimensions))
		return NewOpenAIEmbedder(OpenAIEmbedderConfig{
			APIKey:     apiKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		}), nil
	case config.ProviderOllama:
		logger.Info("using local ollama embeddings", zap.String("model", cfg.OllamaModel), zap.Int("dims", cfg.Dimensions))
		return NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel, cfg.Dimensions), nil
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", cfg.Provider))
	}
}

func checkDimensions(vectors [][]float32, want int) error {
	for _, v := range vectors {
		if len(v) != want {
			return goerr.Wrap(types.ErrDimensionMismatch, "embedding has unexpected length",
				goerr.V(types.ExpectedKey, want),
				goerr.V(types.ActualKey, len(v)),
			)
		}
	}
	return nil
}

func embedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, goerr.New("embedding response has wrong size", goerr.V("count", len(vectors)))
	}
	return vectors[0], nil
}
