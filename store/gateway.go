package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"ragforge/config"
	"ragforge/metrics"
	"ragforge/types"
)

const (
	DefaultBatchSize  = 100
	DefaultMaxRetries = 3
	defaultBackoff    = 200 * time.Millisecond
)

type GatewayConfig struct {
	Index      string
	Dimensions int
	BatchSize  int
	MaxRetries int
	// Initial delay before retrying a batch; doubled on every attempt.
	Backoff time.Duration
	// Engine-side bound on a single k-NN request.
	SearchTimeout time.Duration
}

type engineHandle struct {
	Engine
}

// Gateway is the process-wide handle to the vector engine. The engine is
// connected, and the index created if missing, on first use.
type Gateway struct {
	cfg     GatewayConfig
	factory EngineFactory
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	handle atomic.Pointer[engineHandle]
}

func NewGateway(cfg GatewayConfig, factory EngineFactory, logger *zap.Logger, m *metrics.Metrics) *Gateway {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Gateway{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (g *Gateway) Index() string { return g.cfg.Index }

// engine returns the cached engine, connecting and creating the index on the
// first call. A failed attempt is not cached.
func (g *Gateway) engine(ctx context.Context) (Engine, error) {
	if h := g.handle.Load(); h != nil {
		return h.Engine, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if h := g.handle.Load(); h != nil {
		return h.Engine, nil
	}

	e, err := g.factory(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to vector engine")
	}

	exists, err := e.Exists(ctx, g.cfg.Index)
	if err != nil {
		g.closeEngine(e)
		return nil, goerr.Wrap(err, "failed to check index", goerr.V(types.IndexKey, g.cfg.Index))
	}
	if !exists {
		if err := e.Create(ctx, g.cfg.Index, g.cfg.Dimensions); err != nil {
			g.closeEngine(e)
			return nil, goerr.Wrap(err, "failed to create index", goerr.V(types.IndexKey, g.cfg.Index))
		}
		g.logger.Info("created index", zap.String("index", g.cfg.Index), zap.Int("dims", g.cfg.Dimensions))
	}

	g.handle.Store(&engineHandle{Engine: e})
	return e, nil
}

// closeEngine releases an engine that never became the cached handle.
func (g *Gateway) closeEngine(e Engine) {
	if err := e.Close(); err != nil {
		g.logger.Error("failed to close vector engine", zap.String("index", g.cfg.Index), zap.Error(err))
	}
}

// Upsert writes records in batches, retrying each batch's rejected records.
// Records still failing after all retries are returned together with
// types.ErrBulkIndex; the others are already stored.
func (g *Gateway) Upsert(ctx context.Context, records []types.IndexedRecord) (int, []types.BulkFailure, error) {
	for _, r := range records {
		if len(r.Vector) != g.cfg.Dimensions {
			return 0, nil, goerr.Wrap(types.ErrDimensionMismatch, "record vector has unexpected length",
				goerr.V(types.ExpectedKey, g.cfg.Dimensions),
				goerr.V(types.ActualKey, len(r.Vector)),
				goerr.V("id", r.ID.String()),
			)
		}
	}

	e, err := g.engine(ctx)
	if err != nil {
		return 0, nil, err
	}

	var (
		success int
		failed  []types.BulkFailure
	)
	for start := 0; start < len(records); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(records))
		batch := records[start:end]

		rejected, err := g.upsertBatch(ctx, e, batch)
		success += len(batch) - len(rejected)
		failed = append(failed, rejected...)
		if err != nil {
			// Deadline or cancellation: remaining batches are not attempted.
			for _, r := range records[end:] {
				failed = append(failed, types.BulkFailure{ID: r.ID.String(), Reason: err.Error()})
			}
			g.metrics.ChunksIndexed(success)
			g.metrics.BulkFailures(len(failed))
			return success, failed, err
		}
	}

	g.metrics.ChunksIndexed(success)
	if len(failed) > 0 {
		g.metrics.BulkFailures(len(failed))
		for _, f := range failed {
			g.logger.Error("failed to index record", zap.String("id", f.ID), zap.String("reason", f.Reason))
		}
		return success, failed, goerr.Wrap(types.ErrBulkIndex, "records failed after retries",
			goerr.V(types.IndexKey, g.cfg.Index),
			goerr.V("failed", len(failed)),
			goerr.V("succeeded", success),
		)
	}
	return success, nil, nil
}

// upsertBatch sends batch and re-sends whatever was rejected, up to MaxRetries
// more times. It returns the records that never made it.
func (g *Gateway) upsertBatch(ctx context.Context, e Engine, batch []types.IndexedRecord) ([]types.BulkFailure, error) {
	pending := batch
	reasons := make(map[string]string, len(batch))

	for attempt := 0; attempt <= g.cfg.MaxRetries && len(pending) > 0; attempt++ {
		if err := ctx.Err(); err != nil {
			return toFailures(pending, reasons, err), err
		}
		if attempt > 0 {
			delay := g.cfg.Backoff << (attempt - 1)
			g.logger.Warn("retrying rejected records",
				zap.Int("attempt", attempt),
				zap.Int("records", len(pending)),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return toFailures(pending, reasons, ctx.Err()), ctx.Err()
			case <-time.After(delay):
			}
		}

		rejected, err := e.BulkUpsert(ctx, g.cfg.Index, pending)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return toFailures(pending, reasons, ctxErr), ctxErr
			}
			for _, r := range pending {
				reasons[r.ID.String()] = err.Error()
			}
			continue
		}

		bad := make(map[string]bool, len(rejected))
		for _, f := range rejected {
			bad[f.ID] = true
			reasons[f.ID] = f.Reason
		}
		var next []types.IndexedRecord
		for _, r := range pending {
			if bad[r.ID.String()] {
				next = append(next, r)
			}
		}
		pending = next
	}
	return toFailures(pending, reasons, nil), nil
}

func toFailures(records []types.IndexedRecord, reasons map[string]string, fallback error) []types.BulkFailure {
	if len(records) == 0 {
		return nil
	}
	out := make([]types.BulkFailure, 0, len(records))
	for _, r := range records {
		id := r.ID.String()
		reason, ok := reasons[id]
		if !ok && fallback != nil {
			reason = fallback.Error()
		}
		out = append(out, types.BulkFailure{ID: id, Reason: reason})
	}
	return out
}

// Search runs a k-NN query on the vector field with 2k candidates.
func (g *Gateway) Search(ctx context.Context, vector []float32, k int) ([]types.SearchHit, error) {
	if len(vector) != g.cfg.Dimensions {
		return nil, goerr.Wrap(types.ErrDimensionMismatch, "query vector has unexpected length",
			goerr.V(types.ExpectedKey, g.cfg.Dimensions),
			goerr.V(types.ActualKey, len(vector)),
		)
	}
	e, err := g.engine(ctx)
	if err != nil {
		return nil, err
	}
	if g.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.SearchTimeout)
		defer cancel()
	}
	return e.KNNSearch(ctx, g.cfg.Index, FieldVector, vector, k, 2*k)
}

func (g *Gateway) Count(ctx context.Context) (int64, error) {
	e, err := g.engine(ctx)
	if err != nil {
		return 0, err
	}
	return e.Count(ctx, g.cfg.Index)
}

// IsEmpty reports whether there is nothing to answer from. Any error counts as empty.
func (g *Gateway) IsEmpty(ctx context.Context) bool {
	n, err := g.Count(ctx)
	if err != nil {
		if !errors.Is(err, types.ErrIndexNotFound) {
			g.logger.Warn("failed to count indexed records", zap.Error(err))
		}
		return true
	}
	return n == 0
}

func (g *Gateway) Health(ctx context.Context) types.Health {
	h := types.Health{Timestamp: g.now()}

	e, err := g.engine(ctx)
	if err != nil {
		g.logger.Error("health check failed", zap.Error(err))
		h.Status, h.Message = types.HealthRed, "Service is unavailable"
		return h
	}
	exists, err := e.Exists(ctx, g.cfg.Index)
	if err != nil {
		g.logger.Error("health check failed", zap.Error(err))
		h.Status, h.Message = types.HealthRed, "Service is unavailable"
		return h
	}
	if !exists {
		h.Status, h.Message = types.HealthRed, "Index "+g.cfg.Index+" does not exist"
		return h
	}

	status, err := e.ClusterHealth(ctx)
	if err != nil {
		g.logger.Error("health check failed", zap.Error(err))
		h.Status, h.Message = types.HealthRed, "Service is unavailable"
		return h
	}
	switch status {
	case types.HealthGreen:
		h.Status, h.Message = types.HealthGreen, "Service is healthy"
	case types.HealthYellow:
		h.Status, h.Message = types.HealthYellow, "Service is degraded"
	default:
		h.Status, h.Message = types.HealthRed, "Service is unavailable"
	}
	return h
}

// Close releases the engine. The next call reconnects.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.handle.Swap(nil)
	if h == nil {
		return nil
	}
	return h.Close()
}

// NewGatewayFromConfig picks the engine named by cfg.VectorStore.Engine.
func NewGatewayFromConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Gateway, error) {
	var factory EngineFactory
	switch cfg.VectorStore.Engine {
	case config.EngineElastic:
		factory = ElasticFactory(ElasticConfig{
			Addresses: strings.Split(cfg.VectorStore.ESURL, ","),
			Username:  cfg.VectorStore.ESUsername,
			Password:  cfg.VectorStore.ESPassword,
			APIKey:    cfg.VectorStore.ESAPIKey,
		})
	case config.EnginePostgres:
		factory = PostgresFactory(cfg.VectorStore.PGDSN, logger)
	default:
		return nil, goerr.New("unknown vector engine", goerr.V("engine", cfg.VectorStore.Engine))
	}

	logger.Info("using vector engine",
		zap.String("engine", cfg.VectorStore.Engine),
		zap.String("index", cfg.VectorStore.Index),
	)
	return NewGateway(GatewayConfig{
		Index:         cfg.VectorStore.Index,
		Dimensions:    cfg.Embedding.Dimensions,
		BatchSize:     cfg.VectorStore.BatchSize,
		MaxRetries:    cfg.VectorStore.MaxRetries,
		SearchTimeout: cfg.Timeouts.EngineSearch,
	}, factory, logger, m), nil
}
