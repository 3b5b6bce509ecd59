package service

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragforge/loader/internal"
	"ragforge/types"
)

// Run ingests files dropped into the watcher's source directory until ctx is
// cancelled. Files that become ready together are processed as one batch and
// then moved to the archive, or to the bad folder when they failed.
func (s *Service) Run(ctx context.Context, w *internal.Watcher) error {
	paths := make(chan string, 10)

	var g errgroup.Group
	g.Go(func() error {
		defer close(paths)
		return w.Watch(ctx, paths)
	})
	g.Go(func() error {
		for path := range paths {
			batch := []string{path}
		drain:
			for {
				select {
				case p, ok := <-paths:
					if !ok {
						break drain
					}
					batch = append(batch, p)
				default:
					break drain
				}
			}
			s.ingestFiles(ctx, w, batch)
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("loader stopped")
	return err
}

func (s *Service) ingestFiles(ctx context.Context, w *internal.Watcher, paths []string) {
	docs := make([]types.Document, 0, len(paths))
	byName := make(map[string]string, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			s.logger.Error("failed to read file", zap.String("file", p), zap.Error(err))
			w.Forget(p)
			continue
		}
		name := filepath.Base(p)
		byName[name] = p
		docs = append(docs, types.Document{Filename: name, Content: content})
	}
	if len(docs) == 0 {
		return
	}

	res, err := s.ProcessBatch(ctx, docs)
	if ctx.Err() != nil {
		// Interrupted files stay in the source folder for the next start.
		s.logger.Warn("ingestion interrupted", zap.Int("files", len(docs)))
		for _, p := range byName {
			w.Forget(p)
		}
		return
	}
	if err != nil {
		s.logger.Error("batch failed", zap.Error(err))
	}

	failed := make(map[string]bool, len(res.Failed))
	for _, f := range res.Failed {
		failed[f.Filename] = true
	}
	for name, p := range byName {
		if _, err := w.MoveToArchive(p, failed[name]); err != nil {
			s.logger.Error("failed to move file", zap.String("file", p), zap.Error(err))
		}
	}
}
