package model

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"ragforge/config"
)

// OllamaProvider generates completions with a local model via /api/generate.
type OllamaProvider struct {
	apiURL string
	model  string
	client *http.Client
}

type GenerateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type GenerateResponse struct {
	Response string `json:"response"`
}

func NewOllamaProvider(apiURL, model string) *OllamaProvider {
	return &OllamaProvider{
		apiURL: strings.TrimRight(apiURL, "/"),
		model:  model,
		client: http.DefaultClient,
	}
}

func (p *OllamaProvider) Name() string { return config.ProviderOllama }

func (p *OllamaProvider) Complete(ctx context.Context, prompt, system string) (string, error) {
	body, err := json.Marshal(GenerateRequest{
		Model:   p.model,
		System:  system,
		Prompt:  prompt,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal request")
	}

	respBody, err := post(ctx, p.client, p.apiURL+"/api/generate", body)
	if err != nil {
		return "", goerr.Wrap(err, "ollama generate failed", goerr.V("model", p.model))
	}

	var resp GenerateResponse
	if err := json.Unmarshal(respBody, &resp); err == nil && resp.Response != "" {
		return resp.Response, nil
	}
	// Some servers stream NDJSON even when asked not to.
	if out := joinStream(respBody); out != "" {
		return out, nil
	}
	return "", goerr.New("ollama returned an empty response", goerr.V("model", p.model))
}

// joinStream concatenates the response fields of an NDJSON stream.
func joinStream(body []byte) string {
	var out strings.Builder
	dec := json.NewDecoder(bytes.NewReader(body))
	for dec.More() {
		var chunk GenerateResponse
		if err := dec.Decode(&chunk); err != nil {
			break
		}
		out.WriteString(chunk.Response)
	}
	return out.String()
}
