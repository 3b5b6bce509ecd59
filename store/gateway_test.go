package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ragforge/metrics"
	"ragforge/types"
)

const testDims = 4

type fakeEngine struct {
	mu sync.Mutex

	exists    bool
	existsErr error
	createErr error
	created   int

	// reject returns the records the engine refuses on a given attempt.
	reject   func(attempt int, records []types.IndexedRecord) []types.BulkFailure
	bulkErr  error
	attempts int
	stored   map[string]types.IndexedRecord
	batches  []int

	hits          []types.SearchHit
	searchErr     error
	lastK         int
	lastCandidate int
	count         int64
	countErr      error
	health        types.HealthStatus
	healthErr     error
	closed        bool
	closeErr      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{exists: true, stored: map[string]types.IndexedRecord{}, health: types.HealthGreen}
}

func (f *fakeEngine) Exists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, f.existsErr
}

func (f *fakeEngine) Create(context.Context, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created++
	f.exists = true
	return nil
}

func (f *fakeEngine) BulkUpsert(_ context.Context, _ string, records []types.IndexedRecord) ([]types.BulkFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := f.attempts
	f.attempts++
	f.batches = append(f.batches, len(records))
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}

	var rejected []types.BulkFailure
	if f.reject != nil {
		rejected = f.reject(attempt, records)
	}
	bad := map[string]bool{}
	for _, r := range rejected {
		bad[r.ID] = true
	}
	for _, r := range records {
		if !bad[r.ID.String()] {
			f.stored[r.ID.String()] = r
		}
	}
	return rejected, nil
}

func (f *fakeEngine) KNNSearch(_ context.Context, _, _ string, _ []float32, k, numCandidates int) ([]types.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastK, f.lastCandidate = k, numCandidates
	return f.hits, f.searchErr
}

func (f *fakeEngine) Count(context.Context, string) (int64, error) {
	return f.count, f.countErr
}

func (f *fakeEngine) ClusterHealth(context.Context) (types.HealthStatus, error) {
	return f.health, f.healthErr
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return f.closeErr
}

func newTestGateway(t *testing.T, e *fakeEngine) *Gateway {
	t.Helper()
	return NewGateway(GatewayConfig{
		Index:      "rag_docs",
		Dimensions: testDims,
		Backoff:    time.Millisecond,
		MaxRetries: DefaultMaxRetries,
	}, func(context.Context) (Engine, error) { return e, nil }, zaptest.NewLogger(t), metrics.New())
}

func records(n int) []types.IndexedRecord {
	out := make([]types.IndexedRecord, n)
	for i := range out {
		out[i] = types.NewIndexedRecord(types.Chunk{Content: "chunk", Source: "a.pdf"}, make([]float32, testDims))
	}
	return out
}

// rejectAlways refuses the given ids on every attempt.
func rejectAlways(ids map[string]bool) func(int, []types.IndexedRecord) []types.BulkFailure {
	return func(_ int, recs []types.IndexedRecord) []types.BulkFailure {
		var out []types.BulkFailure
		for _, r := range recs {
			if ids[r.ID.String()] {
				out = append(out, types.BulkFailure{ID: r.ID.String(), Reason: "mapper_parsing_exception"})
			}
		}
		return out
	}
}

func TestUpsertAllSucceed(t *testing.T) {
	e := newFakeEngine()
	g := newTestGateway(t, e)

	n, failed, err := g.Upsert(context.Background(), records(250))
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Empty(t, failed)
	assert.Equal(t, []int{100, 100, 50}, e.batches)
	assert.Len(t, e.stored, 250)
}

func TestUpsertPermanentFailures(t *testing.T) {
	e := newFakeEngine()
	recs := records(10)
	bad := map[string]bool{recs[2].ID.String(): true, recs[7].ID.String(): true}
	e.reject = rejectAlways(bad)
	g := newTestGateway(t, e)

	n, failed, err := g.Upsert(context.Background(), recs)
	require.ErrorIs(t, err, types.ErrBulkIndex)
	assert.Equal(t, 8, n)
	require.Len(t, failed, 2)
	for _, f := range failed {
		assert.True(t, bad[f.ID])
		assert.Equal(t, "mapper_parsing_exception", f.Reason)
	}
	// one first attempt plus three retries of the two rejected records
	assert.Equal(t, []int{10, 2, 2, 2}, e.batches)
}

func TestUpsertRetryRecovers(t *testing.T) {
	e := newFakeEngine()
	recs := records(5)
	flaky := recs[3].ID.String()
	e.reject = func(attempt int, _ []types.IndexedRecord) []types.BulkFailure {
		if attempt > 0 {
			return nil
		}
		return []types.BulkFailure{{ID: flaky, Reason: "es_rejected_execution_exception"}}
	}
	g := newTestGateway(t, e)

	n, failed, err := g.Upsert(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Empty(t, failed)
	assert.Equal(t, []int{5, 1}, e.batches)
}

func TestUpsertRequestErrorCountsWholeBatch(t *testing.T) {
	e := newFakeEngine()
	e.bulkErr = errors.New("connection reset")
	g := newTestGateway(t, e)

	n, failed, err := g.Upsert(context.Background(), records(3))
	require.ErrorIs(t, err, types.ErrBulkIndex)
	assert.Zero(t, n)
	require.Len(t, failed, 3)
	assert.Equal(t, "connection reset", failed[0].Reason)
}

func TestUpsertDimensionMismatch(t *testing.T) {
	e := newFakeEngine()
	g := newTestGateway(t, e)
	recs := records(2)
	recs[1].Vector = []float32{1, 2}

	_, _, err := g.Upsert(context.Background(), recs)
	require.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.Empty(t, e.batches)
}

func TestUpsertCancelled(t *testing.T) {
	e := newFakeEngine()
	g := newTestGateway(t, e)
	g.cfg.BatchSize = 2

	ctx, cancel := context.WithCancel(context.Background())
	e.reject = func(int, []types.IndexedRecord) []types.BulkFailure {
		cancel()
		return nil
	}
	n, failed, err := g.Upsert(ctx, records(6))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
	assert.Len(t, failed, 4)
}

func TestLazyInitOnce(t *testing.T) {
	e := newFakeEngine()
	e.exists = false
	var calls atomic.Int32
	g := NewGateway(GatewayConfig{Index: "rag_docs", Dimensions: testDims},
		func(context.Context) (Engine, error) {
			calls.Add(1)
			return e, nil
		}, zaptest.NewLogger(t), nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Count(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, e.created)
}

func TestLazyInitFailureNotCached(t *testing.T) {
	e := newFakeEngine()
	var calls int
	g := NewGateway(GatewayConfig{Index: "rag_docs", Dimensions: testDims},
		func(context.Context) (Engine, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection refused")
			}
			return e, nil
		}, zaptest.NewLogger(t), nil)

	_, err := g.Count(context.Background())
	require.Error(t, err)
	_, err = g.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCreateFailureClosesEngine(t *testing.T) {
	e := newFakeEngine()
	e.exists = false
	e.createErr = errors.New("forbidden")
	g := newTestGateway(t, e)

	_, err := g.Count(context.Background())
	require.Error(t, err)
	assert.True(t, e.closed)
}

func TestFailedInitLogsCloseError(t *testing.T) {
	tests := map[string]func(e *fakeEngine){
		"exists fails": func(e *fakeEngine) { e.existsErr = errors.New("timeout") },
		"create fails": func(e *fakeEngine) {
			e.exists = false
			e.createErr = errors.New("forbidden")
		},
	}
	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			e := newFakeEngine()
			e.closeErr = errors.New("connection reset")
			setup(e)
			core, logs := observer.New(zap.ErrorLevel)
			g := NewGateway(GatewayConfig{Index: "rag_docs", Dimensions: testDims},
				func(context.Context) (Engine, error) { return e, nil }, zap.New(core), nil)

			_, err := g.Count(context.Background())
			require.Error(t, err)
			assert.True(t, e.closed)

			entries := logs.FilterMessage("failed to close vector engine").All()
			require.Len(t, entries, 1)
			assert.Equal(t, "connection reset", entries[0].ContextMap()["error"])
		})
	}
}

func TestSearchUsesDoubleCandidates(t *testing.T) {
	e := newFakeEngine()
	e.hits = []types.SearchHit{{ID: "1", Content: "c", Source: "a.pdf", Score: 0.9}}
	g := newTestGateway(t, e)

	hits, err := g.Search(context.Background(), make([]float32, testDims), 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 5, e.lastK)
	assert.Equal(t, 10, e.lastCandidate)

	_, err = g.Search(context.Background(), []float32{1}, 5)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		name     string
		count    int64
		countErr error
		want     bool
	}{
		{name: "has records", count: 3, want: false},
		{name: "zero records", count: 0, want: true},
		{name: "missing index", countErr: types.ErrIndexNotFound, want: true},
		{name: "engine error", countErr: errors.New("timeout"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFakeEngine()
			e.count, e.countErr = tt.count, tt.countErr
			assert.Equal(t, tt.want, newTestGateway(t, e).IsEmpty(context.Background()))
		})
	}
}

func TestIsEmptyUnreachable(t *testing.T) {
	g := NewGateway(GatewayConfig{Index: "rag_docs", Dimensions: testDims},
		func(context.Context) (Engine, error) { return nil, errors.New("down") },
		zaptest.NewLogger(t), nil)
	assert.True(t, g.IsEmpty(context.Background()))
}

func TestHealth(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		setup      func(*fakeEngine)
		wantStatus types.HealthStatus
		wantMsg    string
	}{
		{name: "green", setup: func(*fakeEngine) {}, wantStatus: types.HealthGreen, wantMsg: "Service is healthy"},
		{
			name:       "yellow",
			setup:      func(e *fakeEngine) { e.health = types.HealthYellow },
			wantStatus: types.HealthYellow,
			wantMsg:    "Service is degraded",
		},
		{
			name:       "red cluster",
			setup:      func(e *fakeEngine) { e.health = types.HealthRed },
			wantStatus: types.HealthRed,
			wantMsg:    "Service is unavailable",
		},
		{
			name:       "cluster error",
			setup:      func(e *fakeEngine) { e.healthErr = errors.New("timeout") },
			wantStatus: types.HealthRed,
			wantMsg:    "Service is unavailable",
		},
		{
			name: "index dropped after init",
			setup: func(e *fakeEngine) {
				e.exists = false
			},
			wantStatus: types.HealthRed,
			wantMsg:    "Index rag_docs does not exist",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFakeEngine()
			g := newTestGateway(t, e)
			g.now = func() time.Time { return now }
			_, err := g.Count(context.Background())
			require.NoError(t, err)

			tt.setup(e)
			h := g.Health(context.Background())
			assert.Equal(t, tt.wantStatus, h.Status)
			assert.Equal(t, tt.wantMsg, h.Message)
			assert.Equal(t, now, h.Timestamp)
		})
	}
}

func TestHealthUnreachable(t *testing.T) {
	g := NewGateway(GatewayConfig{Index: "rag_docs", Dimensions: testDims},
		func(context.Context) (Engine, error) { return nil, errors.New("down") },
		zaptest.NewLogger(t), nil)
	h := g.Health(context.Background())
	assert.Equal(t, types.HealthRed, h.Status)
	assert.Equal(t, "Service is unavailable", h.Message)
}

func TestCloseReconnects(t *testing.T) {
	e := newFakeEngine()
	var calls int
	g := NewGateway(GatewayConfig{Index: "rag_docs", Dimensions: testDims},
		func(context.Context) (Engine, error) {
			calls++
			return e, nil
		}, zaptest.NewLogger(t), nil)

	_, err := g.Count(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.Close())
	assert.True(t, e.closed)

	_, err = g.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
