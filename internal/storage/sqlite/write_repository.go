package sqlite

import (
	"context"
	"fmt"

	"github.com/italolelis/dlc_downloader/internal/storage"
)

// ClaimDownload atomically sets status to 'downloading' and locked_by to instanceID
// unless another instance holds the destination with an unexpired lease.
func (r *DownloadRepository) ClaimDownload(ctx context.Context, assetKey, destPath, instanceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (asset_key, dest_path, status, updated_at, locked_by)
		VALUES (?, ?, 'downloading', ?, ?)
		ON CONFLICT(dest_path) DO UPDATE SET
			asset_key = excluded.asset_key,
			status = 'downloading',
			updated_at = excluded.updated_at,
			locked_by = excluded.locked_by
		WHERE downloads.status != 'downloading'
			OR downloads.locked_by IS NULL
			OR downloads.locked_by = ''
			OR downloads.updated_at < ?
	`, assetKey, destPath, r.timestamp(), instanceID, r.staleBefore())
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// RenewClaim extends the lease on a claim held by instanceID. It returns
// storage.ErrNotFound when the claim is gone or was taken over.
func (r *DownloadRepository) RenewClaim(ctx context.Context, destPath, instanceID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET updated_at = ? WHERE dest_path = ? AND locked_by = ? AND status = ?`,
		r.timestamp(), destPath, instanceID, storage.StatusDownloading,
	)
	if err != nil {
		return err
	}

	return expectRow(res, destPath)
}

// CompleteDownload marks destPath complete and releases its claim.
func (r *DownloadRepository) CompleteDownload(ctx context.Context, destPath, source string, bytes int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, source = ?, bytes = ?, updated_at = ?, locked_by = NULL WHERE dest_path = ?`,
		storage.StatusComplete, source, bytes, r.timestamp(), destPath,
	)
	if err != nil {
		return err
	}

	return expectRow(res, destPath)
}

// UpdateDownloadStatus sets the status for a destination and releases its claim.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, destPath, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, updated_at = ?, locked_by = NULL WHERE dest_path = ?`,
		status, r.timestamp(), destPath,
	)
	if err != nil {
		return err
	}

	return expectRow(res, destPath)
}

func (r *DownloadRepository) ReleaseClaims(ctx context.Context, instanceID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, updated_at = ?, locked_by = NULL WHERE locked_by = ? AND status = ?`,
		storage.StatusCancelled, r.timestamp(), instanceID, storage.StatusDownloading,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func expectRow(res rowsAffecter, destPath string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, destPath)
	}

	return nil
}
