package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ragforge/config"
	"ragforge/loader/internal"
	"ragforge/loader/service"
	"ragforge/logger"
	"ragforge/metrics"
	"ragforge/model"
	"ragforge/store"
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
		l.Fatal("loader failed", zap.Error(err))
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

	gateway, err := store.NewGatewayFromConfig(cfg, l, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			l.Error("failed to close vector engine", zap.Error(err))
		}
	}()

	svc, err := service.NewFromConfig(cfg, embedder, gateway, l, m)
	if err != nil {
		return err
	}

	watcher, err := internal.NewWatcher(internal.WatcherConfig{
		SourceDir:  cfg.Loader.SourceDir,
		ArchiveDir: cfg.Loader.ArchiveDir,
		BadDir:     cfg.Loader.BadDir,
		StableFor:  cfg.Loader.MonitoringTime,
	}, l)
	if err != nil {
		return err
	}

	l.Info("loader service started", zap.String("source", cfg.Loader.SourceDir))
	return svc.Run(ctx, watcher)
}
