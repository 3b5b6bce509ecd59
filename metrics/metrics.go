// Package metrics holds the Prometheus collectors shared by the ingestion and
// query pipelines. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ragforge"

type Metrics struct {
	registry *prometheus.Registry

	documents     *prometheus.CounterVec
	chunksIndexed prometheus.Counter
	bulkFailures  prometheus.Counter
	stageDuration *prometheus.HistogramVec
	stageTimeouts *prometheus.CounterVec
	generations   *prometheus.CounterVec
	queries       *prometheus.CounterVec
	fallbacks     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_processed_total",
			Help:      "Documents seen by ingestion, by outcome.",
		}, []string{"outcome"}),
		chunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks successfully written to the vector index.",
		}),
		bulkFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_failures_total",
			Help:      "Records that failed to index after all retries.",
		}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_timeouts_total",
			Help:      "Pipeline stages that exceeded their deadline.",
		}, []string{"stage"}),
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Completion attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answered questions by outcome.",
		}, []string{"outcome"}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Completions that had to use the fallback provider.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Document(outcome string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChunksIndexed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksIndexed.Add(float64(n))
}

func (m *Metrics) BulkFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bulkFailures.Add(float64(n))
}

// ObserveStage records how long a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) StageTimeout(stage string) {
	if m == nil {
		return
	}
	m.stageTimeouts.WithLabelValues(stage).Inc()
}

func (m *Metrics) Generation(provider, outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Query(outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}
