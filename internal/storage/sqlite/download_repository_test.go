package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/dlc_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *InstrumentedDownloadRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "state", "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedDownloadRepository(db, time.Minute, nil)
}

func TestClaimDownload(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	ok, err := repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "host-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "host-b")
	require.NoError(t, err)
	assert.False(t, ok, "a held claim must not be taken over")

	ok, err = repo.ClaimDownload(ctx, "dlc002", "/dl/dlc002.zip", "host-b")
	require.NoError(t, err)
	assert.True(t, ok, "other destinations are independent")

	require.NoError(t, repo.UpdateDownloadStatus(ctx, "/dl/dlc001.zip", storage.StatusFailed))

	ok, err = repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "host-b")
	require.NoError(t, err)
	assert.True(t, ok, "a released destination can be claimed again")

	rec, err := repo.GetDownload(ctx, "/dl/dlc001.zip")
	require.NoError(t, err)
	assert.Equal(t, "host-b", rec.LockedBy)
	assert.Equal(t, storage.StatusDownloading, rec.Status)
}

func TestCompleteDownload(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.repo.now = func() time.Time { return fixed }

	_, err := repo.ClaimDownload(ctx, "dlc003", "/dl/dlc003.zip", "host-a")
	require.NoError(t, err)

	require.NoError(t, repo.CompleteDownload(ctx, "/dl/dlc003.zip", "gitee", 1234))

	rec, err := repo.GetDownload(ctx, "/dl/dlc003.zip")
	require.NoError(t, err)
	assert.Equal(t, storage.DownloadRecord{
		AssetKey:  "dlc003",
		DestPath:  "/dl/dlc003.zip",
		Status:    storage.StatusComplete,
		Source:    "gitee",
		Bytes:     1234,
		UpdatedAt: fixed,
	}, rec)

	claims, err := repo.GetActiveClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestUnknownDestination(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.GetDownload(ctx, "/nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, repo.CompleteDownload(ctx, "/nope", "r2", 1), storage.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateDownloadStatus(ctx, "/nope", storage.StatusFailed), storage.ErrNotFound)
}

func TestReleaseClaims(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	for _, c := range []struct{ key, owner string }{
		{"dlc001", "host-a"},
		{"dlc002", "host-a"},
		{"dlc003", "host-b"},
	} {
		_, err := repo.ClaimDownload(ctx, c.key, "/dl/"+c.key+".zip", c.owner)
		require.NoError(t, err)
	}

	n, err := repo.ReleaseClaims(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	claims, err := repo.GetActiveClaims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "/dl/dlc003.zip", claims[0].DestPath)

	all, err := repo.GetDownloads(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestClaimDownload_StaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.repo.now = func() time.Time { return clock }

	ok, err := repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "crashed-host-1-aaaa")
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(30 * time.Second)

	ok, err = repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "new-host-2-bbbb")
	require.NoError(t, err)
	assert.False(t, ok, "a claim within its lease is honoured")

	clock = clock.Add(2 * time.Minute)

	claims, err := repo.GetActiveClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, claims, "expired claims are not active")

	ok, err = repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "new-host-2-bbbb")
	require.NoError(t, err)
	assert.True(t, ok, "an expired claim can be taken over")

	rec, err := repo.GetDownload(ctx, "/dl/dlc001.zip")
	require.NoError(t, err)
	assert.Equal(t, "new-host-2-bbbb", rec.LockedBy)

	assert.ErrorIs(t, repo.RenewClaim(ctx, "/dl/dlc001.zip", "crashed-host-1-aaaa"), storage.ErrNotFound,
		"the previous owner cannot renew a claim it lost")
}

func TestRenewClaim_KeepsClaimAlive(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.repo.now = func() time.Time { return clock }

	ok, err := repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "host-a")
	require.NoError(t, err)
	require.True(t, ok)

	for range 4 {
		clock = clock.Add(40 * time.Second)
		require.NoError(t, repo.RenewClaim(ctx, "/dl/dlc001.zip", "host-a"))
	}

	ok, err = repo.ClaimDownload(ctx, "dlc001", "/dl/dlc001.zip", "host-b")
	require.NoError(t, err)
	assert.False(t, ok, "a renewed claim stays with its owner")

	claims, err := repo.GetActiveClaims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "host-a", claims[0].LockedBy)

	require.NoError(t, repo.UpdateDownloadStatus(ctx, "/dl/dlc001.zip", storage.StatusComplete))
	assert.ErrorIs(t, repo.RenewClaim(ctx, "/dl/dlc001.zip", "host-a"), storage.ErrNotFound)
}
