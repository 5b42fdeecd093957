package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/downloader/progress"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const (
	progressInterval = int64(100 * 1024 * 1024) // 100MB
	eventBuffer      = 64
)

// ProgressHook returns an extra progress callback for an asset, or nil.
type ProgressHook func(asset catalog.Asset) func(written, total int64)

// Job is one asset download managed by the Downloader.
type Job struct {
	ID        string
	Asset     catalog.Asset
	DestPath  string
	Control   *transfer.Control
	CreatedAt time.Time

	notify bool // emit OnDownloadFinished/OnDownloadFailed events

	mu     sync.Mutex
	result *Result
	err    error
	done   chan struct{}
}

// JobView is the JSON representation of a job.
type JobView struct {
	ID          string          `json:"id"`
	Asset       string          `json:"asset"`
	DestPath    string          `json:"dest_path"`
	Status      transfer.Status `json:"status"`
	Source      string          `json:"source,omitempty"`
	BytesOnDisk int64           `json:"bytes_on_disk"`
	TotalBytes  int64           `json:"total_bytes"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Result      *Result         `json:"result,omitempty"`
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome returns the job's result or error once it has finished.
func (j *Job) Outcome() (*Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.result, j.err
}

func (j *Job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// View returns a snapshot of the job.
func (j *Job) View() JobView {
	state := j.Control.State()
	res, err := j.Outcome()

	v := JobView{
		ID:          j.ID,
		Asset:       j.Asset.Key,
		DestPath:    j.DestPath,
		Status:      state.Status,
		Source:      state.Source,
		BytesOnDisk: state.BytesOnDisk,
		TotalBytes:  state.TotalBytes,
		CreatedAt:   j.CreatedAt,
		Result:      res,
	}

	if err != nil {
		v.Error = err.Error()
	}

	return v
}

// Downloader runs asset downloads, at most maxParallel at a time.
type Downloader struct {
	targetDir    string
	orchestrator *Orchestrator
	sem          chan struct{}

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup

	OnDownloadFinished chan *Job
	OnDownloadFailed   chan *Job
}

func NewDownloader(targetDir string, maxParallel int, orchestrator *Orchestrator) *Downloader {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Downloader{
		targetDir:          targetDir,
		orchestrator:       orchestrator,
		sem:                make(chan struct{}, maxParallel),
		jobs:               make(map[string]*Job),
		OnDownloadFinished: make(chan *Job, eventBuffer),
		OnDownloadFailed:   make(chan *Job, eventBuffer),
	}
}

// Close cancels running jobs, waits for them and closes the event channels.
func (d *Downloader) Close() {
	d.mu.Lock()
	for _, j := range d.jobs {
		j.Control.Cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()

	close(d.OnDownloadFinished)
	close(d.OnDownloadFailed)
}

// DestPath maps an asset to its location under the target directory. A
// relative path escaping the target directory falls back to the file name.
func (d *Downloader) DestPath(asset catalog.Asset) string {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(asset.RelativePath, "/")))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		rel = asset.Filename()
	}

	return filepath.Join(d.targetDir, rel)
}

// Enqueue starts downloading asset in the background. The job outlives ctx;
// use the job's Control or Cancel to stop it.
func (d *Downloader) Enqueue(ctx context.Context, asset catalog.Asset) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.jobs[asset.Key]; ok && !existing.finished() {
		return existing, ErrDestinationBusy
	}

	job := &Job{
		ID:        uuid.NewString(),
		Asset:     asset,
		DestPath:  d.DestPath(asset),
		Control:   transfer.NewControl(),
		CreatedAt: time.Now(),
		notify:    true,
		done:      make(chan struct{}),
	}
	d.jobs[asset.Key] = job

	ctx = logctx.With(context.WithoutCancel(ctx), "job_id", job.ID)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		_, _ = d.run(ctx, job, nil)
	}()

	return job, nil
}

// DownloadAll downloads every asset and waits for all of them. Failures do
// not stop the other downloads; they are joined into the returned error.
func (d *Downloader) DownloadAll(ctx context.Context, assets []catalog.Asset, hook ProgressHook) ([]*Result, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("no assets to download")
	}

	results := make([]*Result, len(assets))
	errs := make([]error, len(assets))

	wg, ctx := errgroup.WithContext(ctx)

	for i, asset := range assets {
		job := &Job{
			ID:        uuid.NewString(),
			Asset:     asset,
			DestPath:  d.DestPath(asset),
			Control:   transfer.NewControl(),
			CreatedAt: time.Now(),
			done:      make(chan struct{}),
		}

		var extra func(written, total int64)
		if hook != nil {
			extra = hook(asset)
		}

		wg.Go(func() error {
			res, err := d.run(ctx, job, extra)
			results[i] = res

			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", asset.Key, err)
			}

			return nil
		})
	}

	_ = wg.Wait()

	return results, errors.Join(errs...)
}

// Jobs returns snapshots of all known jobs, oldest first.
func (d *Downloader) Jobs() []JobView {
	d.mu.Lock()
	jobs := make([]*Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	slices.SortFunc(jobs, func(a, b *Job) int { return a.CreatedAt.Compare(b.CreatedAt) })

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}

	return views
}

// Job returns the job for an asset key.
func (d *Downloader) Job(key string) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[key]
	if !ok {
		return nil, ErrJobNotFound
	}

	return j, nil
}

func (d *Downloader) Pause(key string) error {
	j, err := d.Job(key)
	if err != nil {
		return err
	}

	return j.Control.Pause()
}

func (d *Downloader) Resume(key string) error {
	j, err := d.Job(key)
	if err != nil {
		return err
	}

	j.Control.Resume()

	return nil
}

// Cancel stops the job for key. The partial file is kept for a later attempt.
func (d *Downloader) Cancel(key string) error {
	j, err := d.Job(key)
	if err != nil {
		return err
	}

	j.Control.Cancel()

	return nil
}

func (d *Downloader) run(ctx context.Context, job *Job, extra func(written, total int64)) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("asset", job.Asset.Key)

	defer close(job.done)

	select {
	case d.sem <- struct{}{}:
	case <-job.Control.Done():
		return d.finish(ctx, job, nil, transfer.ErrCancelled)
	case <-ctx.Done():
		return d.finish(ctx, job, nil, fmt.Errorf("%w: %w", transfer.ErrCancelled, ctx.Err()))
	}
	defer func() { <-d.sem }() // release the slot

	logger.Info("downloading asset", "dest", job.DestPath, "size", humanize.IBytes(uint64(max(job.Asset.Size, 0))))

	throttle := progress.NewThrottle(progressInterval, func(written, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.IBytes(uint64(written)),
				"total", humanize.IBytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.IBytes(uint64(written)))
		}
	})

	onProgress := func(written, total int64) {
		throttle.Update(written, total)

		if extra != nil {
			extra(written, total)
		}
	}

	res, err := d.orchestrator.Download(ctx, job.Asset, job.DestPath, onProgress, job.Control)

	return d.finish(ctx, job, res, err)
}

func (d *Downloader) finish(ctx context.Context, job *Job, res *Result, err error) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("asset", job.Asset.Key)

	job.mu.Lock()
	job.result, job.err = res, err
	job.mu.Unlock()

	if errors.Is(err, transfer.ErrCancelled) {
		job.Control.SetStatus(transfer.StatusCancelled)
		logger.Info("download cancelled", "partial_kept", fileExists(transfer.PartialPath(job.DestPath)))

		return res, err
	}

	ch := d.OnDownloadFinished
	if err != nil {
		logger.Error("failed to download asset", "err", err)

		ch = d.OnDownloadFailed
	}

	if !job.notify {
		return res, err
	}

	select {
	case ch <- job:
	default:
		logger.Warn("download event dropped, no listener")
	}

	return res, err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
