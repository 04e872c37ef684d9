package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Watch sanitizes captures that appear in dir until ctx ends. A file is
// picked up once it has seen no write for settle. Files present before
// Watch starts are ignored.
func (r *Runner) Watch(ctx context.Context, dir, outDir string, settle time.Duration) error {
	if settle <= 0 {
		settle = time.Second
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer fsWatcher.Close()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(absDir); err != nil {
		return errors.Wrapf(err, "watch %s", absDir)
	}
	r.logger.Info("Watching for captures", zap.String("dir", absDir), zap.Duration("settle", settle))

	// path -> time of the last write
	pending := make(map[string]time.Time)
	tick := settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !r.accepts(event.Name) || isOutput(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Watcher error", zap.Error(err))

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
					continue
				}
				if _, err := r.RunFiles(ctx, []string{path}, outDir); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.logger.Warn("Failed to process watched capture", zap.String("file", path), zap.Error(err))
				}
			}
		}
	}
}

// isOutput reports whether path was named by OutputPath.
func isOutput(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), ".sanitized")
}
