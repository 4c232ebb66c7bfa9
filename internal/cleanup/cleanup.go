package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/tube_downloader/internal/logctx"
)

// DeleteExpiredFiles deletes regular files directly under dir whose modification time is
// older than keepDuration, whether or not a record still points at them. Paths in exclude
// are never removed. It returns the number of deleted files; a file that can't be removed is
// logged and the sweep goes on.
func DeleteExpiredFiles(ctx context.Context, dir string, keepDuration time.Duration, exclude ...string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read media directory: %w", err)
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		if abs, err := filepath.Abs(p); err == nil {
			skip[abs] = struct{}{}
		}
	}

	var (
		deleted int
		freed   uint64
		errs    []error
	)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}

		if !entry.Type().IsRegular() {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		if abs, err := filepath.Abs(filePath); err == nil {
			if _, ok := skip[abs]; ok {
				continue
			}
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", filePath, "err", err)
			errs = append(errs, err)

			continue
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete expired file", "file", filePath, "err", err)
			errs = append(errs, err)

			continue
		}

		deleted++
		freed += uint64(info.Size())

		logger.Info("deleted expired file", "file", filePath, "age", now.Sub(info.ModTime()).Round(time.Minute).String())
	}

	if deleted > 0 {
		logger.Info("cleanup sweep finished", "deleted", deleted, "freed", humanize.Bytes(freed))
	}

	return deleted, errors.Join(errs...)
}
