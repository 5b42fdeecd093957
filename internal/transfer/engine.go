// Package transfer fetches a single URL to disk with resume support,
// verification, pause and cancellation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
)

const (
	// PartialSuffix marks in-progress files next to their destination.
	PartialSuffix = ".partial"

	dirPerm  = 0o755
	filePerm = 0o644

	defaultChunkSize = 256 << 10
)

var errPaused = errors.New("transfer paused")

// Options tune the engine.
type Options struct {
	ChunkSize      int
	ConnectTimeout time.Duration
	// ReadTimeout bounds both the wait for response headers and any single
	// stall while reading the body.
	ReadTimeout time.Duration
}

// Request describes one fetch.
type Request struct {
	URL          string
	Source       string // Source name, for logs and metrics
	DestPath     string
	ExpectedSize int64  // 0 when unknown
	Checksum     string // Optional, see ParseChecksum
	// OnProgress is called after every chunk with the bytes on disk and the
	// total size, or -1 when the total is unknown.
	OnProgress func(written, total int64)
	Control    *Control
}

// Result describes a completed fetch.
type Result struct {
	Path            string
	Bytes           int64 // Final size on disk
	Transferred     int64 // Bytes fetched by this call
	Resumed         bool
	AlreadyComplete bool
	Duration        time.Duration
}

// Engine downloads URLs to disk.
type Engine struct {
	client    *http.Client
	opts      Options
	telemetry *telemetry.Telemetry
}

// New returns an Engine with its own HTTP transport.
func New(opts Options, tel *telemetry.Telemetry) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		// Byte offsets must refer to the stored representation.
		DisableCompression: true,
	}

	return &Engine{
		client:    &http.Client{Transport: tel.Transport(transport)},
		opts:      opts,
		telemetry: tel,
	}
}

// PartialPath returns the in-progress sibling of dest.
func PartialPath(dest string) string {
	return dest + PartialSuffix
}

// Fetch downloads req.URL to req.DestPath, resuming from an existing partial
// file. On success the partial file is verified and renamed to DestPath.
//
// Errors are *NetworkError (partial kept), *IntegrityError (partial deleted)
// or ErrCancelled (partial kept). Anything else is a local I/O failure.
func (e *Engine) Fetch(ctx context.Context, req Request) (*Result, error) {
	ctl := req.Control
	if ctl == nil {
		ctl = NewControl()
	}

	tmp := PartialPath(req.DestPath)
	ctl.Bind(req.DestPath, tmp, req.Source)
	ctl.SetStatus(StatusPending)

	var digest *Digest

	if req.Checksum != "" {
		d, err := ParseChecksum(req.Checksum)
		if err != nil {
			ctl.SetStatus(StatusFailed)

			// Whatever the partial holds can never be verified.
			if rerr := os.Remove(tmp); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				return nil, fmt.Errorf("discard unverifiable partial file: %w", rerr)
			}

			return nil, &IntegrityError{Path: req.DestPath, Reason: "unusable checksum", Err: err}
		}

		digest = &d
	}

	if err := os.MkdirAll(filepath.Dir(req.DestPath), dirPerm); err != nil {
		ctl.SetStatus(StatusFailed)

		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	start := time.Now()
	res := &Result{Path: req.DestPath}

	var declared int64

	for {
		err := checkCancelled(ctx, ctl)
		if err == nil {
			err = ctl.waitResumed(ctx)
		}

		if err != nil {
			ctl.SetStatus(StatusCancelled)

			return nil, err
		}

		ctl.SetStatus(StatusActive)

		declared, err = e.attempt(ctx, req, ctl, tmp, res)
		if errors.Is(err, errPaused) {
			logctx.LoggerFromContext(ctx).Info("transfer paused", "dest", req.DestPath)

			continue
		}

		if err != nil {
			if errors.Is(err, ErrCancelled) {
				ctl.SetStatus(StatusCancelled)
			} else {
				ctl.SetStatus(StatusFailed)
			}

			return nil, err
		}

		break
	}

	ctl.SetStatus(StatusVerifying)

	if err := e.verify(req, tmp, declared, digest, res); err != nil {
		ctl.SetStatus(StatusFailed)

		return nil, err
	}

	if err := os.Rename(tmp, req.DestPath); err != nil {
		ctl.SetStatus(StatusFailed)

		return nil, fmt.Errorf("move completed file into place: %w", err)
	}

	res.Duration = time.Since(start)
	ctl.setProgress(res.Bytes, res.Bytes)
	ctl.SetStatus(StatusComplete)

	return res, nil
}

// attempt performs one HTTP request and streams the body into the partial
// file. It returns the size the finished file must have, or -1 when unknown.
func (e *Engine) attempt(ctx context.Context, req Request, ctl *Control, tmp string, res *Result) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("dest", req.DestPath, "source", req.Source)

	offset, err := partialSize(tmp)
	if err != nil {
		return 0, fmt.Errorf("inspect partial file: %w", err)
	}

	if req.ExpectedSize > 0 && offset > req.ExpectedSize {
		logger.Warn("partial file exceeds expected size, restarting", "partial", offset, "expected", req.ExpectedSize)

		if err := os.Remove(tmp); err != nil {
			return 0, fmt.Errorf("remove oversized partial file: %w", err)
		}

		offset = 0
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Control.Cancel aborts a request that is still waiting for headers or data.
	go func() {
		select {
		case <-ctl.Done():
			cancel()
		case <-reqCtx.Done():
		}
	}()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, &NetworkError{Operation: "request", URL: req.URL, Message: err.Error(), Err: err}
	}

	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if cerr := checkCancelled(ctx, ctl); cerr != nil {
			return 0, cerr
		}

		return 0, &NetworkError{Operation: "request", URL: req.URL, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	total := int64(-1)

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		if offset == 0 {
			return 0, &NetworkError{Operation: "request", URL: req.URL, StatusCode: resp.StatusCode, Message: resp.Status}
		}

		want := req.ExpectedSize
		if want <= 0 {
			_, want, _ = parseContentRange(resp.Header.Get("Content-Range"))
		}

		if want > 0 && offset == want {
			logger.Info("partial file already complete")

			res.Resumed = true
			res.AlreadyComplete = true

			return want, nil
		}

		_ = os.Remove(tmp)

		return 0, &IntegrityError{
			Path:     req.DestPath,
			Reason:   "source rejected the resume offset",
			Expected: sizeString(want),
			Actual:   strconv.FormatInt(offset, 10),
		}

	case http.StatusPartialContent:
		first, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || first != offset {
			return 0, &NetworkError{
				Operation:  "request",
				URL:        req.URL,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("source answered range %q for offset %d", resp.Header.Get("Content-Range"), offset),
			}
		}

		total = size
		if total < 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}

		res.Resumed = offset > 0

	case http.StatusOK:
		if offset > 0 {
			logger.Info("source ignored the range request, restarting from zero", "discarded", humanize.IBytes(uint64(offset)))

			offset = 0
		}

		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}

	default:
		return 0, &NetworkError{Operation: "request", URL: req.URL, StatusCode: resp.StatusCode, Message: resp.Status}
	}

	if req.ExpectedSize > 0 {
		if total > 0 && total != req.ExpectedSize {
			_ = os.Remove(tmp)

			return 0, &IntegrityError{
				Path:     req.DestPath,
				Reason:   "source reports a different size",
				Expected: strconv.FormatInt(req.ExpectedSize, 10),
				Actual:   strconv.FormatInt(total, 10),
			}
		}

		total = req.ExpectedSize
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(tmp, flags, filePerm)
	if err != nil {
		return 0, fmt.Errorf("open partial file: %w", err)
	}

	defer func() { _ = f.Close() }()

	if offset > 0 {
		logger.Info("resuming transfer", "offset", humanize.IBytes(uint64(offset)))
	}

	body := newIdleReader(resp.Body, e.opts.ReadTimeout, cancel)
	buf := make([]byte, e.opts.ChunkSize)
	onDisk := offset

	ctl.setProgress(onDisk, total)

	for {
		if err := checkCancelled(ctx, ctl); err != nil {
			return 0, err
		}

		if ctl.PauseRequested() {
			return 0, errPaused
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if req.ExpectedSize > 0 && onDisk+int64(n) > req.ExpectedSize {
				_ = f.Close()
				_ = os.Remove(tmp)

				return 0, &IntegrityError{
					Path:     req.DestPath,
					Reason:   "source sent more data than expected",
					Expected: strconv.FormatInt(req.ExpectedSize, 10),
					Actual:   strconv.FormatInt(onDisk+int64(n), 10),
				}
			}

			if _, err := f.Write(buf[:n]); err != nil {
				return 0, fmt.Errorf("write partial file: %w", err)
			}

			onDisk += int64(n)
			res.Transferred += int64(n)

			e.telemetry.AddBytesDownloaded(req.Source, int64(n))
			ctl.setProgress(onDisk, total)

			if req.OnProgress != nil {
				req.OnProgress(onDisk, total)
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}

		if rerr != nil {
			if cerr := checkCancelled(ctx, ctl); cerr != nil {
				return 0, cerr
			}

			if body.timedOut() {
				return 0, &NetworkError{
					Operation: "read",
					URL:       req.URL,
					Message:   fmt.Sprintf("no data received for %s", e.opts.ReadTimeout),
					Err:       rerr,
				}
			}

			return 0, &NetworkError{Operation: "read", URL: req.URL, Message: rerr.Error(), Err: rerr}
		}
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close partial file: %w", err)
	}

	return total, nil
}

// verify checks the finished partial file against the declared size and
// checksum, deleting it on mismatch.
func (e *Engine) verify(req Request, tmp string, declared int64, digest *Digest, res *Result) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("stat partial file: %w", err)
	}

	res.Bytes = info.Size()

	if declared > 0 && info.Size() != declared {
		_ = os.Remove(tmp)

		return &IntegrityError{
			Path:     req.DestPath,
			Reason:   "size mismatch",
			Expected: strconv.FormatInt(declared, 10),
			Actual:   strconv.FormatInt(info.Size(), 10),
		}
	}

	if digest == nil {
		return nil
	}

	sum, err := fileDigest(tmp, *digest)
	if err != nil {
		return fmt.Errorf("hash partial file: %w", err)
	}

	if sum != digest.Sum {
		_ = os.Remove(tmp)

		return &IntegrityError{
			Path:     req.DestPath,
			Reason:   digest.Algorithm + " mismatch",
			Expected: digest.Sum,
			Actual:   sum,
		}
	}

	return nil
}

func checkCancelled(ctx context.Context, ctl *Control) error {
	if ctl.Cancelled() {
		return ErrCancelled
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	return nil
}

func partialSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return strconv.FormatInt(n, 10)
}
