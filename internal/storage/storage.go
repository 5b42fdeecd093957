package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the ledger has no record for a destination.
var ErrNotFound = errors.New("download record not found")

// Ledger statuses.
const (
	StatusDownloading = "downloading"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// DownloadRecord represents one destination tracked by the ledger.
type DownloadRecord struct {
	AssetKey  string    `json:"asset_key"`
	DestPath  string    `json:"dest_path"`
	Status    string    `json:"status"`
	Source    string    `json:"source,omitempty"`
	Bytes     int64     `json:"bytes"`
	UpdatedAt time.Time `json:"updated_at"`
	LockedBy  string    `json:"locked_by,omitempty"`
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetDownload(ctx context.Context, destPath string) (DownloadRecord, error)
	GetActiveClaims(ctx context.Context) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	// ClaimDownload atomically marks destPath as being downloaded by instanceID.
	// It reports false when another instance holds an unexpired claim.
	ClaimDownload(ctx context.Context, assetKey, destPath, instanceID string) (bool, error)
	// RenewClaim keeps a claim alive while its download runs.
	RenewClaim(ctx context.Context, destPath, instanceID string) error
	CompleteDownload(ctx context.Context, destPath, source string, bytes int64) error
	// UpdateDownloadStatus records a terminal status and releases the claim.
	UpdateDownloadStatus(ctx context.Context, destPath, status string) error
	// ReleaseClaims releases every claim still held by instanceID.
	ReleaseClaims(ctx context.Context, instanceID string) (int64, error)
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
