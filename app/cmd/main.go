package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ragforge/app/agent"
	"ragforge/app/server"
	"ragforge/config"
	"ragforge/loader/service"
	"ragforge/logger"
	"ragforge/metrics"
	"ragforge/model"
	"ragforge/store"
	"ragforge/types"
)

func main() {
	envFile := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l := logger.Must(cfg.Log.Env, cfg.Log.Level)
	defer logger.Sync(l)

	if err := run(cfg, l); err != nil {
		l.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, l *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	embedder, err := model.NewEmbedder(cfg.Embedding, cfg.LLM.OpenAIAPIKey, l)
	if err != nil {
		return err
	}
	llm, err := model.NewFallbackFromConfig(cfg.LLM, l, m)
	if err != nil {
		return err
	}

	gateway, err := store.NewGatewayFromConfig(cfg, l, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			l.Error("failed to close vector engine", zap.Error(err))
		}
		l.Info("closed vector engine connection")
	}()

	// Connects and creates the index if missing.
	if h := gateway.Health(ctx); h.Status == types.HealthRed {
		l.Warn("vector engine not ready", zap.String("message", h.Message))
	}

	ingestor, err := service.NewFromConfig(cfg, embedder, gateway, l, m)
	if err != nil {
		return err
	}

	retriever := agent.NewRetriever(embedder, gateway, cfg.Timeouts.QueryEmbed, cfg.Timeouts.Search, l)
	rag := agent.New(retriever, gateway, llm, l,
		agent.WithTopK(cfg.Pipeline.TopK),
		agent.WithGenerationTimeout(cfg.Timeouts.Generation),
		agent.WithMetrics(m),
	)

	s := server.NewServer(cfg.Server.Addr, server.Deps{
		Agent:     rag,
		Processor: ingestor,
		Health:    gateway,
		Metrics:   m,
	}, l)
	return s.Run(ctx)
}
