package model

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	openai "github.com/sashabaranov/go-openai"
)

const defaultEmbeddingBatch = 256

type OpenAIEmbedderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	BatchSize  int
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dims      int
	batchSize int
}

func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultEmbeddingBatch
	}
	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dims:      cfg.Dimensions,
		batchSize: batch,
	}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, e, text)
}

// EmbedMany splits texts into API-sized requests. Any failed request fails the
// whole call.
func (e *OpenAIEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		req := openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(e.model),
		}
		// Only the v3 family accepts a reduced dimensionality.
		if strings.HasPrefix(e.model, "text-embedding-3") {
			req.Dimensions = e.dims
		}

		resp, err := e.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, goerr.Wrap(err, "openai embeddings request failed", goerr.V("model", e.model))
		}
		if len(resp.Data) != end-start {
			return nil, goerr.New("embedding response has wrong size",
				goerr.V("expected", end-start), goerr.V("actual", len(resp.Data)))
		}

		batch := make([][]float32, end-start)
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, goerr.New("embedding index out of range", goerr.V("index", d.Index))
			}
			batch[d.Index] = d.Embedding
		}
		out = append(out, batch...)
	}

	if err := checkDimensions(out, e.dims); err != nil {
		return nil, err
	}
	return out, nil
}
