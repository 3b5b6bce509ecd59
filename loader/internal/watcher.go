package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
)

type WatcherConfig struct {
	SourceDir  string
	ArchiveDir string
	BadDir     string
	// A file is handed out once it has not changed for this long.
	StableFor time.Duration
}

// Watcher tracks files dropped into a source directory and hands each one out
// once it has stopped changing.
type Watcher struct {
	cfg    WatcherConfig
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastChange map[string]time.Time
	processing map[string]bool
}

func NewWatcher(cfg WatcherConfig, logger *zap.Logger) (*Watcher, error) {
	if err := createDirectories(cfg.SourceDir, cfg.ArchiveDir, cfg.BadDir); err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		lastChange: make(map[string]time.Time),
		processing: make(map[string]bool),
	}, nil
}

// Watch emits paths of stable files on out until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, out chan<- string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return goerr.Wrap(err, "failed to create fs watcher")
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.SourceDir); err != nil {
		return goerr.Wrap(err, "failed to watch source dir", goerr.V("dir", w.cfg.SourceDir))
	}
	w.logger.Info("start monitoring folder", zap.String("dir", w.cfg.SourceDir))

	if err := w.seed(); err != nil {
		w.logger.Warn("failed to read source dir", zap.Error(err))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fs watcher error", zap.Error(err))
		case <-ticker.C:
			for _, path := range w.Ready() {
				select {
				case out <- path:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (w *Watcher) seed() error {
	entries, err := os.ReadDir(w.cfg.SourceDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.Touch(filepath.Join(w.cfg.SourceDir, e.Name()))
		}
	}
	return nil
}

func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		if info, err := os.Stat(ev.Name); err == nil && !info.IsDir() {
			w.Touch(ev.Name)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.Forget(ev.Name)
	}
}

// Touch records a change to path, restarting its stability window.
func (w *Watcher) Touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.processing[path] {
		return
	}
	if _, seen := w.lastChange[path]; !seen {
		w.logger.Info("new file detected", zap.String("file", path))
	}
	w.lastChange[path] = w.now()
}

// Forget drops path from tracking.
func (w *Watcher) Forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.lastChange, path)
	delete(w.processing, path)
}

// Ready returns files whose stability window has passed and marks them as in
// progress. A file is returned once until Forget is called for it.
func (w *Watcher) Ready() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	var ready []string
	for path, changed := range w.lastChange {
		if w.processing[path] || now.Sub(changed) < w.cfg.StableFor {
			continue
		}
		w.processing[path] = true
		ready = append(ready, path)
	}
	return ready
}

// MoveToArchive moves a processed file into a dated folder under the archive
// dir, or under the bad dir when failed is set. Name clashes get a numeric suffix.
func (w *Watcher) MoveToArchive(path string, failed bool) (string, error) {
	defer w.Forget(path)

	root := w.cfg.ArchiveDir
	if failed {
		root = w.cfg.BadDir
	}
	destDir := filepath.Join(root, w.now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", goerr.Wrap(err, "failed to create archive dir", goerr.V("dir", destDir))
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	dest := filepath.Join(destDir, base+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dest = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}

	if err := os.Rename(path, dest); err == nil {
		w.logger.Info("file moved", zap.String("file", path), zap.String("dest", dest))
		return dest, nil
	}
	// Rename fails across devices; fall back to copy and remove.
	if err := copyFile(path, dest); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		w.logger.Warn("failed to remove source file", zap.String("file", path), zap.Error(err))
	}
	w.logger.Info("file moved", zap.String("file", path), zap.String("dest", dest))
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return goerr.Wrap(err, "failed to open file", goerr.V("file", src))
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return goerr.Wrap(err, "failed to create file", goerr.V("file", dst))
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return goerr.Wrap(err, "failed to copy file", goerr.V("file", src))
	}
	return out.Close()
}

func createDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return goerr.Wrap(err, "failed to create directory", goerr.V("dir", dir))
		}
	}
	return nil
}
