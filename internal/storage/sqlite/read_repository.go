package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/dlc_downloader/internal/storage"
)

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM downloads ORDER BY updated_at DESC, dest_path`)
}

// GetActiveClaims returns the destinations some instance is currently
// downloading. Expired claims are left out.
func (r *DownloadRepository) GetActiveClaims(ctx context.Context) ([]storage.DownloadRecord, error) {
	return r.query(ctx,
		`SELECT `+recordColumns+`
		FROM downloads
		WHERE status = ?
		AND locked_by IS NOT NULL AND locked_by != ''
		AND updated_at >= ?`, storage.StatusDownloading, r.staleBefore())
}

func (r *DownloadRepository) GetDownload(ctx context.Context, destPath string) (storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM downloads WHERE dest_path = ?`, destPath)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record, storage.ErrNotFound
	}

	return record, err
}

func (r *DownloadRepository) query(ctx context.Context, q string, args ...any) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
