package model

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// OllamaEmbedder calls a local Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	apiURL string
	model  string
	dims   int
	client *http.Client
}

type OllamaEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type OllamaEmbeddingResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func NewOllamaEmbedder(apiURL, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{
		apiURL: strings.TrimRight(apiURL, "/"),
		model:  model,
		dims:   dims,
		client: http.DefaultClient,
	}
}

func (e *OllamaEmbedder) Dimensions() int { return e.dims }

func (e *OllamaEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, e, text)
}

func (e *OllamaEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(OllamaEmbeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal request")
	}

	var resp OllamaEmbeddingResponse
	if err := postJSON(ctx, e.client, e.apiURL+"/api/embed", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.New("embedding response has wrong size",
			goerr.V("expected", len(texts)), goerr.V("actual", len(resp.Embeddings)))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		norm := normalize64(vec)
		out[i] = make([]float32, len(norm))
		for j, v := range norm {
			out[i][j] = float32(v)
		}
	}

	if err := checkDimensions(out, e.dims); err != nil {
		return nil, err
	}
	return out, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, out any) error {
	respBody, err := post(ctx, client, url, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return goerr.Wrap(err, "failed to unmarshal response")
	}
	return nil
}

func post(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to make request", goerr.V("url", url))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, goerr.New("ollama API error",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(respBody)),
		)
	}
	return respBody, nil
}

// normalize64 scales vec to unit length in place.
func normalize64(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	for i, x := range vec {
		vec[i] = x / norm
	}
	return vec
}
