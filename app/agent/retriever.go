package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"ragforge/types"
)

const (
	DefaultTopK = 5

	stageQueryEmbed = "query_embed"
	stageSearch     = "search"
)

type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Index is the read side of store.Gateway.
type Index interface {
	Search(ctx context.Context, vector []float32, k int) ([]types.SearchHit, error)
	IsEmpty(ctx context.Context) bool
}

type Retriever struct {
	embedder      QueryEmbedder
	index         Index
	embedTimeout  time.Duration
	searchTimeout time.Duration
	logger        *zap.Logger
}

func NewRetriever(embedder QueryEmbedder, index Index, embedTimeout, searchTimeout time.Duration, logger *zap.Logger) *Retriever {
	return &Retriever{
		embedder:      embedder,
		index:         index,
		embedTimeout:  embedTimeout,
		searchTimeout: searchTimeout,
		logger:        logger,
	}
}

// Retrieve returns the content of the topK chunks closest to question, best
// first. A missing index or an expired stage deadline yields no contexts.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int) ([]string, error) {
	if strings.TrimSpace(question) == "" {
		return nil, goerr.Wrap(types.ErrValidation, "question cannot be empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	r.logger.Info("retrieving context", zap.Int("question_len", len(question)), zap.Int("top_k", topK))

	ectx, cancel := context.WithTimeout(ctx, r.embedTimeout)
	vector, err := r.embedder.EmbedOne(ectx, question)
	cancel()
	if err != nil {
		return r.absorb(stageQueryEmbed, err)
	}

	sctx, cancel := context.WithTimeout(ctx, r.searchTimeout)
	hits, err := r.index.Search(sctx, vector, topK)
	cancel()
	if err != nil {
		if errors.Is(err, types.ErrIndexNotFound) {
			r.logger.Warn("index not found")
			return nil, nil
		}
		return r.absorb(stageSearch, err)
	}

	contexts := make([]string, 0, len(hits))
	total := 0
	for _, h := range hits {
		contexts = append(contexts, h.Content)
		total += len(h.Content)
	}
	if len(contexts) == 0 {
		r.logger.Warn("no relevant contexts found")
		return nil, nil
	}
	r.logger.Info("context retrieved",
		zap.Int("contexts", len(contexts)),
		zap.Int("avg_len", total/len(contexts)),
	)
	return contexts, nil
}

// absorb turns a stage timeout into an empty result and wraps anything else.
func (r *Retriever) absorb(stage string, err error) ([]string, error) {
	err = types.StageError(stage, err)
	if types.IsTimeout(err) {
		r.logger.Warn("retrieval timed out", zap.String("stage", stage))
		return nil, nil
	}
	r.logger.Error("retrieval failed", zap.String("stage", stage), zap.Error(err))
	return nil, err
}
