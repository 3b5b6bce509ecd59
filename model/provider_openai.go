package model

import (
	"context"
	"math"

	"github.com/m-mizutani/goerr/v2"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to OpenAI or any API-compatible chat endpoint.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	model  string
}

func NewOpenAIProvider(name, apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Complete(ctx context.Context, prompt, system string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		// A literal 0 is dropped by omitempty.
		Temperature: math.SmallestNonzeroFloat32,
	})
	if err != nil {
		return "", goerr.Wrap(err, "chat completion failed", goerr.V("provider", p.name), goerr.V("model", p.model))
	}
	if len(resp.Choices) == 0 {
		return "", goerr.New("chat completion returned no choices", goerr.V("provider", p.name))
	}
	return resp.Choices[0].Message.Content, nil
}
