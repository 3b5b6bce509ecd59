package model

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"ragforge/config"
	"ragforge/metrics"
)

// ProviderFailureError is returned when both providers fail. Both causes are kept.
type ProviderFailureError struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *ProviderFailureError) Error() string {
	return fmt.Sprintf("both completion providers failed: primary %s: %v; fallback %s: %v",
		e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

func (e *ProviderFailureError) Unwrap() []error {
	return []error{e.PrimaryErr, e.FallbackErr}
}

// Fallback tries the primary provider, then the fallback exactly once.
type Fallback struct {
	primary  CompletionProvider
	fallback CompletionProvider
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewFallback(primary, fallback CompletionProvider, logger *zap.Logger, m *metrics.Metrics) (*Fallback, error) {
	if primary == nil || fallback == nil {
		return nil, goerr.New("both providers are required")
	}
	if primary.Name() == fallback.Name() {
		return nil, goerr.New("primary and fallback providers must differ", goerr.V("provider", primary.Name()))
	}
	return &Fallback{primary: primary, fallback: fallback, logger: logger, metrics: m}, nil
}

func (f *Fallback) Name() string {
	return f.primary.Name() + "+" + f.fallback.Name()
}

func (f *Fallback) Complete(ctx context.Context, prompt, system string) (string, error) {
	f.logger.Info("attempting completion", zap.String("provider", f.primary.Name()))
	out, err := f.primary.Complete(ctx, prompt, system)
	if err == nil {
		f.metrics.Generation(f.primary.Name(), "ok")
		return out, nil
	}
	f.metrics.Generation(f.primary.Name(), "error")

	// The caller's deadline covers both attempts.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	f.logger.Warn("primary provider failed, falling back",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.Error(err),
	)
	f.metrics.Fallback()

	out, fbErr := f.fallback.Complete(ctx, prompt, system)
	if fbErr == nil {
		f.metrics.Generation(f.fallback.Name(), "ok")
		f.logger.Info("completion served by fallback provider", zap.String("provider", f.fallback.Name()))
		return out, nil
	}
	f.metrics.Generation(f.fallback.Name(), "error")
	f.logger.Error("fallback provider also failed", zap.String("provider", f.fallback.Name()), zap.Error(fbErr))

	return "", &ProviderFailureError{
		Primary:     f.primary.Name(),
		Fallback:    f.fallback.Name(),
		PrimaryErr:  err,
		FallbackErr: fbErr,
	}
}

// NewFallbackFromConfig builds the configured primary and fallback providers.
func NewFallbackFromConfig(cfg config.LLM, logger *zap.Logger, m *metrics.Metrics) (*Fallback, error) {
	primary, err := NewProvider(cfg.Primary, cfg)
	if err != nil {
		return nil, err
	}
	fallback, err := NewProvider(cfg.Fallback, cfg)
	if err != nil {
		return nil, err
	}
	return NewFallback(primary, fallback, logger, m)
}
