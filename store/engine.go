package store

import (
	"context"

	"ragforge/types"
)

// Field names of the fixed index schema.
const (
	FieldID      = "id"
	FieldContent = "content"
	FieldVector  = "vector"
	FieldSource  = "source"
)

// Engine is the external vector store. Count and KNNSearch return
// types.ErrIndexNotFound when the index is missing.
type Engine interface {
	Exists(ctx context.Context, index string) (bool, error)
	// Create builds the index with the fixed schema: id and source as exact-match
	// keys, content as full text, vector as a cosine-similarity dense vector.
	Create(ctx context.Context, index string, dims int) error
	// BulkUpsert writes records and reports the ones the engine rejected. A
	// returned error means the request as a whole failed.
	BulkUpsert(ctx context.Context, index string, records []types.IndexedRecord) ([]types.BulkFailure, error)
	KNNSearch(ctx context.Context, index, field string, vector []float32, k, numCandidates int) ([]types.SearchHit, error)
	Count(ctx context.Context, index string) (int64, error)
	ClusterHealth(ctx context.Context) (types.HealthStatus, error)
	Close() error
}

// EngineFactory connects to the engine. It is called lazily by the Gateway.
type EngineFactory func(ctx context.Context) (Engine, error)
