package model

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"ragforge/config"
)

// CompletionProvider produces a completion for a prompt under a system message.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, prompt, system string) (string, error)
}

// NewProvider builds one of the supported completion providers by name.
func NewProvider(name string, cfg config.LLM) (CompletionProvider, error) {
	switch name {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(config.ProviderOpenAI, cfg.OpenAIAPIKey, "", cfg.OpenAIChatModel), nil
	case config.ProviderDeepSeek:
		return NewOpenAIProvider(config.ProviderDeepSeek, cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, cfg.DeepSeekModel), nil
	case config.ProviderOllama:
		return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel), nil
	default:
		return nil, goerr.New("unknown completion provider", goerr.V("provider", name))
	}
}
