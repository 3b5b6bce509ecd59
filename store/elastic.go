package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/m-mizutani/goerr/v2"

	"ragforge/types"
)

type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
}

// ElasticEngine stores records in an Elasticsearch index with a dense_vector field.
type ElasticEngine struct {
	client *elasticsearch.Client
}

func NewElasticEngine(cfg ElasticConfig) (*ElasticEngine, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create elasticsearch client")
	}
	return &ElasticEngine{client: client}, nil
}

// ElasticFactory connects lazily and checks the cluster is reachable.
func ElasticFactory(cfg ElasticConfig) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		e, err := NewElasticEngine(cfg)
		if err != nil {
			return nil, err
		}
		resp, err := esapi.PingRequest{}.Do(ctx, e.client)
		if err != nil {
			return nil, goerr.Wrap(err, "elasticsearch ping failed")
		}
		defer resp.Body.Close()
		if resp.IsError() {
			return nil, goerr.New("elasticsearch ping failed", goerr.V("status", resp.StatusCode))
		}
		return e, nil
	}
}

func (e *ElasticEngine) Exists(ctx context.Context, index string) (bool, error) {
	resp, err := esapi.IndicesExistsRequest{Index: []string{index}}.Do(ctx, e.client)
	if err != nil {
		return false, goerr.Wrap(err, "indices exists request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError(resp, "indices exists")
	}
}

func (e *ElasticEngine) Create(ctx context.Context, index string, dims int) error {
	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				FieldID:      map[string]any{"type": "keyword"},
				FieldContent: map[string]any{"type": "text"},
				FieldVector: map[string]any{
					"type":       "dense_vector",
					"dims":       dims,
					"index":      true,
					"similarity": "cosine",
				},
				FieldSource: map[string]any{"type": "keyword"},
			},
		},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal mapping")
	}

	resp, err := esapi.IndicesCreateRequest{Index: index, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return goerr.Wrap(err, "create index request failed")
	}
	defer resp.Body.Close()

	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		// Another process won the race.
		if strings.Contains(string(raw), "resource_already_exists_exception") {
			return nil
		}
		return goerr.New("create index error", goerr.V("status", resp.StatusCode), goerr.V("body", string(raw)))
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (e *ElasticEngine) BulkUpsert(ctx context.Context, index string, records []types.IndexedRecord) ([]types.BulkFailure, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		meta := map[string]any{"index": map[string]any{"_index": index, "_id": r.ID.String()}}
		if err := enc.Encode(meta); err != nil {
			return nil, goerr.Wrap(err, "failed to encode bulk meta")
		}
		if err := enc.Encode(r); err != nil {
			return nil, goerr.Wrap(err, "failed to encode record")
		}
	}

	resp, err := esapi.BulkRequest{Body: &buf, Refresh: "wait_for"}.Do(ctx, e.client)
	if err != nil {
		return nil, goerr.Wrap(err, "bulk request failed")
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, responseError(resp, "bulk")
	}

	var br bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, goerr.Wrap(err, "failed to decode bulk response")
	}
	if !br.Errors {
		return nil, nil
	}

	var failures []types.BulkFailure
	for _, item := range br.Items {
		for _, res := range item {
			if res.Error == nil && res.Status < 300 {
				continue
			}
			reason := http.StatusText(res.Status)
			if res.Error != nil {
				reason = res.Error.Type + ": " + res.Error.Reason
			}
			failures = append(failures, types.BulkFailure{ID: res.ID, Reason: reason})
		}
	}
	return failures, nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				ID      string `json:"id"`
				Content string `json:"content"`
				Source  string `json:"source"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (e *ElasticEngine) KNNSearch(ctx context.Context, index, field string, vector []float32, k, numCandidates int) ([]types.SearchHit, error) {
	query := map[string]any{
		"knn": map[string]any{
			"field":          field,
			"query_vector":   vector,
			"k":              k,
			"num_candidates": numCandidates,
		},
		"_source": []string{FieldID, FieldContent, FieldSource},
		"size":    k,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal knn query")
	}

	resp, err := esapi.SearchRequest{Index: []string{index}, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return nil, goerr.Wrap(err, "search request failed")
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, responseError(resp, "search")
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, goerr.Wrap(err, "failed to decode search response")
	}

	hits := make([]types.SearchHit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		id := h.Source.ID
		if id == "" {
			id = h.ID
		}
		hits = append(hits, types.SearchHit{
			ID:      id,
			Content: h.Source.Content,
			Source:  h.Source.Source,
			Score:   h.Score,
		})
	}
	return hits, nil
}

func (e *ElasticEngine) Count(ctx context.Context, index string) (int64, error) {
	resp, err := esapi.CountRequest{Index: []string{index}}.Do(ctx, e.client)
	if err != nil {
		return 0, goerr.Wrap(err, "count request failed")
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return 0, responseError(resp, "count")
	}

	var cr struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return 0, goerr.Wrap(err, "failed to decode count response")
	}
	return cr.Count, nil
}

func (e *ElasticEngine) ClusterHealth(ctx context.Context) (types.HealthStatus, error) {
	resp, err := esapi.ClusterHealthRequest{}.Do(ctx, e.client)
	if err != nil {
		return "", goerr.Wrap(err, "cluster health request failed")
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return "", responseError(resp, "cluster health")
	}

	var hr struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return "", goerr.Wrap(err, "failed to decode cluster health")
	}
	return types.HealthStatus(hr.Status), nil
}

func (e *ElasticEngine) Close() error { return nil }

func responseError(resp *esapi.Response, op string) error {
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound && strings.Contains(string(raw), "index_not_found_exception") {
		return goerr.Wrap(types.ErrIndexNotFound, op+" failed", goerr.V("body", string(raw)))
	}
	return goerr.New(op+" failed", goerr.V("status", resp.StatusCode), goerr.V("body", string(raw)))
}
