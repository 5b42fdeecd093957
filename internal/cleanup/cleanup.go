package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/storage"
	"github.com/italolelis/dlc_downloader/internal/transfer"
)

// Report summarises one cleanup pass.
type Report struct {
	Removed    []string `json:"removed"`
	Kept       int      `json:"kept"`
	FreedBytes int64    `json:"freed_bytes"`
}

// DeleteOrphanedPartials removes partial files under dir that were last
// written more than keepDuration ago and whose destination is not claimed.
// claims may be empty when no ledger is configured.
func DeleteOrphanedPartials(ctx context.Context, claims []storage.DownloadRecord, dir string, keepDuration time.Duration) (Report, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	claimed := make(map[string]bool, len(claims))
	for _, rec := range claims {
		claimed[filepath.Clean(transfer.PartialPath(rec.DestPath))] = true
	}

	var report Report

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transfer.PartialSuffix) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			logger.Error("failed to stat partial file", "file", path, "err", err)

			return err
		}

		if claimed[filepath.Clean(path)] || now.Sub(info.ModTime()) <= keepDuration {
			report.Kept++

			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete orphaned partial file", "file", path, "err", err)

			return err
		}

		report.Removed = append(report.Removed, path)
		report.FreedBytes += info.Size()

		logger.Info("deleted orphaned partial file",
			"file", path,
			"size", humanize.IBytes(uint64(info.Size())),
			"last_write", humanize.Time(info.ModTime()),
		)

		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}

	return report, err
}
