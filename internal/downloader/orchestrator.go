package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/resolve"
	"github.com/italolelis/dlc_downloader/internal/selector"
	"github.com/italolelis/dlc_downloader/internal/storage"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/italolelis/dlc_downloader/internal/transfer"
)

// CandidateSource yields the ordered candidates for an asset.
type CandidateSource interface {
	Candidates(ctx context.Context, asset catalog.Asset) ([]selector.Candidate, error)
}

// Fetcher downloads one URL to disk.
type Fetcher interface {
	Fetch(ctx context.Context, req transfer.Request) (*transfer.Result, error)
}

// Ledger persists destination claims across processes. Claims expire unless
// renewed, so a crashed process cannot hold a destination forever.
type Ledger interface {
	ClaimDownload(ctx context.Context, assetKey, destPath, instanceID string) (bool, error)
	RenewClaim(ctx context.Context, destPath, instanceID string) error
	CompleteDownload(ctx context.Context, destPath, source string, bytes int64) error
	UpdateDownloadStatus(ctx context.Context, destPath, status string) error
}

// Result describes a finished asset download.
type Result struct {
	Asset       string        `json:"asset"`
	Path        string        `json:"path"`
	Source      string        `json:"source,omitempty"`
	URL         string        `json:"url,omitempty"`
	Bytes       int64         `json:"bytes"`
	Transferred int64         `json:"transferred"`
	Attempts    int           `json:"attempts"`
	Skipped     bool          `json:"skipped,omitempty"` // destination was already complete
	Duration    time.Duration `json:"duration"`
}

const defaultClaimRenewal = time.Minute

// Orchestrator downloads an asset by walking its candidates in order until
// one of them produces a verified file.
type Orchestrator struct {
	// ClaimRenewal is how often a held ledger claim is renewed. It must be
	// well below the ledger's claim lease.
	ClaimRenewal time.Duration

	candidates CandidateSource
	fetcher    Fetcher
	ledger     Ledger
	instanceID string
	telemetry  *telemetry.Telemetry

	mu   sync.Mutex
	busy map[string]struct{}
}

// NewOrchestrator returns an Orchestrator. ledger may be nil, in which case
// destinations are only guarded within this process.
func NewOrchestrator(candidates CandidateSource, fetcher Fetcher, ledger Ledger, instanceID string, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		ClaimRenewal: defaultClaimRenewal,
		candidates:   candidates,
		fetcher:      fetcher,
		ledger:       ledger,
		instanceID:   instanceID,
		telemetry:    tel,
		busy:         make(map[string]struct{}),
	}
}

// Download fetches asset into destPath. onProgress and ctl may be nil.
//
// A candidate that fails with a network error keeps the partial file for the
// next candidate to resume; an integrity failure discards it so the next
// candidate starts from zero. The result is either success, an error
// wrapping transfer.ErrCancelled, *AllSourcesFailedError,
// *selector.NoCandidateError, ErrDestinationBusy, or *transfer.IntegrityError
// when the asset declares a checksum that cannot be parsed.
func (o *Orchestrator) Download(
	ctx context.Context,
	asset catalog.Asset,
	destPath string,
	onProgress func(written, total int64),
	ctl *transfer.Control,
) (*Result, error) {
	if ctl == nil {
		ctl = transfer.NewControl()
	}

	ctx = logctx.With(ctx, "asset", asset.Key, "dest", destPath)
	logger := logctx.LoggerFromContext(ctx)

	release, err := o.acquire(ctx, asset.Key, destPath)
	if err != nil {
		return nil, err
	}

	var result *Result

	err = o.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error
		result, err = o.download(ctx, asset, destPath, onProgress, ctl)

		return err
	})

	release(ctx, result, err)

	if err != nil {
		return nil, err
	}

	if result.Skipped {
		logger.Info("destination already complete, skipping")
	} else {
		logger.Info("download completed",
			"source", result.Source,
			"size", humanize.IBytes(uint64(result.Bytes)),
			"attempts", result.Attempts,
			"duration", result.Duration.Round(time.Millisecond),
		)
	}

	return result, nil
}

func (o *Orchestrator) download(
	ctx context.Context,
	asset catalog.Asset,
	destPath string,
	onProgress func(written, total int64),
	ctl *transfer.Control,
) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()
	partial := transfer.PartialPath(destPath)

	// A checksum no candidate can satisfy fails the asset once, not per source.
	if asset.Checksum != "" {
		if _, err := transfer.ParseChecksum(asset.Checksum); err != nil {
			ctl.Bind(destPath, partial, "")
			ctl.SetStatus(transfer.StatusFailed)

			if rerr := discardPartial(partial); rerr != nil {
				return nil, rerr
			}

			return nil, &transfer.IntegrityError{Path: destPath, Reason: "unusable checksum", Err: err}
		}
	}

	complete, err := transfer.VerifyFile(destPath, asset.Size, asset.Checksum)
	if err != nil {
		return nil, fmt.Errorf("inspect destination: %w", err)
	}

	if complete {
		ctl.Bind(destPath, partial, "")
		ctl.SetStatus(transfer.StatusComplete)

		return &Result{Asset: asset.Key, Path: destPath, Bytes: asset.Size, Skipped: true}, nil
	}

	candidates, err := o.candidates.Candidates(ctx, asset)
	if err != nil {
		if cerr := checkCancelled(ctx, ctl); cerr != nil {
			return nil, cerr
		}

		return nil, err
	}

	failures := make([]CandidateFailure, 0, len(candidates))

	for i, c := range candidates {
		if err := checkCancelled(ctx, ctl); err != nil {
			ctl.SetStatus(transfer.StatusCancelled)

			return nil, err
		}

		clog := logger.With("source", c.Source, "url", c.URL, "attempt", i+1, "of", len(candidates))
		clog.Info("trying candidate")

		var res *transfer.Result

		err := o.telemetry.InstrumentCandidate(ctx, c.Source, func(ctx context.Context) error {
			var err error
			res, err = o.fetcher.Fetch(ctx, transfer.Request{
				URL:          c.URL,
				Source:       c.Source,
				DestPath:     destPath,
				ExpectedSize: asset.Size,
				Checksum:     asset.Checksum,
				OnProgress:   onProgress,
				Control:      ctl,
			})

			return err
		})
		if err == nil {
			o.telemetry.RecordCandidateAttempt(c.Source, "success")

			return &Result{
				Asset:       asset.Key,
				Path:        res.Path,
				Source:      c.Source,
				URL:         c.URL,
				Bytes:       res.Bytes,
				Transferred: res.Transferred,
				Attempts:    i + 1,
				Duration:    time.Since(start),
			}, nil
		}

		if errors.Is(err, transfer.ErrCancelled) {
			o.telemetry.RecordCandidateAttempt(c.Source, "cancelled")

			return nil, err
		}

		var (
			integrityErr *transfer.IntegrityError
			networkErr   *transfer.NetworkError
			unresolvable *resolve.UnresolvableError
		)

		switch {
		case errors.As(err, &integrityErr):
			o.telemetry.RecordCandidateAttempt(c.Source, "integrity_error")
			clog.Warn("candidate failed verification, partial discarded", "err", err)

			// The next candidate must start from zero whatever the fetcher left behind.
			if rerr := discardPartial(partial); rerr != nil {
				return nil, rerr
			}
		case errors.As(err, &networkErr):
			o.telemetry.RecordCandidateAttempt(c.Source, "network_error")
			clog.Warn("candidate failed, keeping partial for the next source", "err", err)
		case errors.As(err, &unresolvable):
			o.telemetry.RecordCandidateAttempt(c.Source, "unresolvable")
			clog.Warn("candidate cannot serve the asset", "err", err)
		default:
			o.telemetry.RecordCandidateAttempt(c.Source, "local_error")
			o.telemetry.RecordSystemError("downloader", "local_io")
			clog.Error("candidate failed with a local error", "err", err)
		}

		failures = append(failures, CandidateFailure{Source: c.Source, URL: c.URL, Err: err})
	}

	ctl.SetStatus(transfer.StatusFailed)

	return nil, &AllSourcesFailedError{Asset: asset.Key, Failures: failures}
}

func discardPartial(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard partial file: %w", err)
	}

	return nil
}

// acquire claims destPath in process and, when a ledger is configured, in the
// ledger. The returned func records the outcome and releases both claims.
func (o *Orchestrator) acquire(ctx context.Context, assetKey, destPath string) (func(context.Context, *Result, error), error) {
	o.mu.Lock()
	if _, ok := o.busy[destPath]; ok {
		o.mu.Unlock()

		return nil, ErrDestinationBusy
	}

	o.busy[destPath] = struct{}{}
	o.mu.Unlock()

	unlock := func() {
		o.mu.Lock()
		delete(o.busy, destPath)
		o.mu.Unlock()
	}

	if o.ledger == nil {
		return func(context.Context, *Result, error) { unlock() }, nil
	}

	claimed, err := o.ledger.ClaimDownload(ctx, assetKey, destPath, o.instanceID)
	if err != nil {
		unlock()

		return nil, fmt.Errorf("claim destination: %w", err)
	}

	if !claimed {
		unlock()

		return nil, ErrDestinationBusy
	}

	stopRenewal := o.renewClaim(ctx, destPath)

	return func(ctx context.Context, res *Result, err error) {
		defer unlock()

		stopRenewal()

		// Recording the outcome must survive a cancelled download context.
		ctx = context.WithoutCancel(ctx)
		logger := logctx.LoggerFromContext(ctx)

		var lerr error

		switch {
		case err == nil:
			lerr = o.ledger.CompleteDownload(ctx, destPath, res.Source, res.Bytes)
		case errors.Is(err, transfer.ErrCancelled):
			lerr = o.ledger.UpdateDownloadStatus(ctx, destPath, storage.StatusCancelled)
		default:
			lerr = o.ledger.UpdateDownloadStatus(ctx, destPath, storage.StatusFailed)
		}

		if lerr != nil {
			logger.Error("failed to record download outcome", "err", lerr)
		}
	}, nil
}

// renewClaim keeps the ledger claim on destPath alive until the returned
// func is called.
func (o *Orchestrator) renewClaim(ctx context.Context, destPath string) func() {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(o.ClaimRenewal)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.ledger.RenewClaim(ctx, destPath, o.instanceID); err != nil && ctx.Err() == nil {
					logctx.LoggerFromContext(ctx).Warn("failed to renew download claim", "err", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func checkCancelled(ctx context.Context, ctl *transfer.Control) error {
	if ctl.Cancelled() {
		return transfer.ErrCancelled
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", transfer.ErrCancelled, err)
	}

	return nil
}
