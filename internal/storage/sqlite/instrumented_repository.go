package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/dlc_downloader/internal/storage"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, claimLease time.Duration, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn, claimLease),
		telemetry: tel,
	}
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, destPath string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, destPath)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetActiveClaims(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_active_claims", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetActiveClaims(ctx)

		return err
	})

	return result, err
}

// ClaimDownload claims a destination with telemetry.
func (r *InstrumentedDownloadRepository) ClaimDownload(ctx context.Context, assetKey, destPath, instanceID string) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ClaimDownload(ctx, assetKey, destPath, instanceID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) RenewClaim(ctx context.Context, destPath, instanceID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "renew_claim", func(ctx context.Context) error {
		return r.repo.RenewClaim(ctx, destPath, instanceID)
	})
}

func (r *InstrumentedDownloadRepository) CompleteDownload(ctx context.Context, destPath, source string, bytes int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_download", func(ctx context.Context) error {
		return r.repo.CompleteDownload(ctx, destPath, source, bytes)
	})
}

// UpdateDownloadStatus updates a destination's status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, destPath, status string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, destPath, status)
	})
}

func (r *InstrumentedDownloadRepository) ReleaseClaims(ctx context.Context, instanceID string) (int64, error) {
	var n int64

	err := r.telemetry.InstrumentDBOperation(ctx, "release_claims", func(ctx context.Context) error {
		var err error
		n, err = r.repo.ReleaseClaims(ctx, instanceID)

		return err
	})

	return n, err
}
