package sqlite

import (
	"database/sql"
	"time"

	"github.com/italolelis/dlc_downloader/internal/storage"
)

const recordColumns = `asset_key, dest_path, status, source, bytes, updated_at, locked_by`

// DefaultClaimLease is used when no lease is configured.
const DefaultClaimLease = 10 * time.Minute

// DownloadRepository implements storage.DownloadRepository on SQLite.
// Reads live in read_repository.go, writes in write_repository.go.
//
// A claim not renewed within the lease belongs to a dead process and may be
// taken over.
type DownloadRepository struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB, claimLease time.Duration) *DownloadRepository {
	if claimLease <= 0 {
		claimLease = DefaultClaimLease
	}

	return &DownloadRepository{db: dbConn, lease: claimLease, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (storage.DownloadRecord, error) {
	var (
		record    storage.DownloadRecord
		updatedAt sql.NullString
		lockedBy  sql.NullString
	)

	err := row.Scan(&record.AssetKey, &record.DestPath, &record.Status, &record.Source, &record.Bytes, &updatedAt, &lockedBy)
	if err != nil {
		return record, err
	}

	if updatedAt.Valid {
		if t, err := time.Parse(time.RFC3339, updatedAt.String); err == nil {
			record.UpdatedAt = t
		}
	}

	if lockedBy.Valid {
		record.LockedBy = lockedBy.String
	}

	return record, nil
}

func (r *DownloadRepository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// staleBefore is the timestamp below which a claim has expired. RFC3339 in
// UTC sorts lexically, so it compares directly against updated_at.
func (r *DownloadRepository) staleBefore() string {
	return r.now().Add(-r.lease).UTC().Format(time.RFC3339)
}
