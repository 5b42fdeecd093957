// Package probe measures source throughput with bounded partial downloads of
// each source's test file and caches the last outcome per source.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/source"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const readBufferSize = 64 << 10

// Sample is one throughput measurement.
type Sample struct {
	Source     string        `json:"source"`
	Bytes      int64         `json:"bytes"`
	Elapsed    time.Duration `json:"elapsed"`
	Throughput float64       `json:"throughput"` // bytes per second
	TakenAt    time.Time     `json:"taken_at"`
}

// ProbeError reports a failed measurement. Unreachable is set when the source
// could not be contacted or answered with an HTTP error, as opposed to a
// probe that started but broke off.
type ProbeError struct {
	Source      string
	Unreachable bool
	Err         error
}

func (e *ProbeError) Error() string {
	if e.Unreachable {
		return fmt.Sprintf("source %s unreachable: %v", e.Source, e.Err)
	}

	return fmt.Sprintf("probe of %s failed: %v", e.Source, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Outcome is the result of a probe: a sample or an error.
type Outcome struct {
	Sample Sample
	Err    error
}

// OK reports whether the probe produced a sample.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// HardFailed reports whether the source could not be reached at all.
func (o Outcome) HardFailed() bool {
	var perr *ProbeError
	if errors.As(o.Err, &perr) {
		return perr.Unreachable
	}

	return false
}

// Options bound a probe.
type Options struct {
	MaxDuration    time.Duration
	MaxBytes       int64
	Freshness      time.Duration
	Workers        int
	ConnectTimeout time.Duration
}

type cached struct {
	outcome Outcome
	at      time.Time
}

// Prober measures sources. It is safe for concurrent use: concurrent
// requests for the same source share one probe, and at most Options.Workers
// probes run at a time across all callers.
type Prober struct {
	client    *http.Client
	opts      Options
	telemetry *telemetry.Telemetry
	now       func() time.Time

	flight singleflight.Group
	sem    chan struct{}

	mu    sync.Mutex
	cache map[string]cached
}

// New returns a Prober with its own HTTP transport so probes never share
// connections with transfers.
func New(opts Options, tel *telemetry.Telemetry) *Prober {
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}

	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 5 * time.Second
	}

	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 70 << 20
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: opts.ConnectTimeout + opts.MaxDuration,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       30 * time.Second,
	}

	return &Prober{
		client:    &http.Client{Transport: tel.Transport(transport)},
		opts:      opts,
		telemetry: tel,
		now:       time.Now,
		sem:       make(chan struct{}, opts.Workers),
		cache:     make(map[string]cached),
	}
}

// Measure probes src, reusing a cached outcome younger than the freshness
// window. A caller whose context ends stops waiting; the probe itself runs to
// its own time bound and its outcome is cached for the others.
func (p *Prober) Measure(ctx context.Context, src source.Source) (Sample, error) {
	if o, ok := p.Cached(src.Name); ok {
		return o.Sample, o.Err
	}

	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	ch := p.flight.DoChan(src.Name, func() (any, error) {
		return p.probe(context.WithoutCancel(ctx), src), nil
	})

	select {
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case res := <-ch:
		o := res.Val.(Outcome)

		return o.Sample, o.Err
	}
}

// probe runs one measurement under the worker limit and caches its outcome.
func (p *Prober) probe(ctx context.Context, src source.Source) Outcome {
	// A flight that finished just before this one started already did the work.
	if o, ok := p.Cached(src.Name); ok {
		return o
	}

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	var sample Sample

	err := p.telemetry.InstrumentProbe(ctx, src.Name, func(ctx context.Context) error {
		var err error

		sample, err = p.measure(ctx, src)

		return err
	})

	o := Outcome{Sample: sample, Err: err}
	p.store(src.Name, o)

	logger := logctx.LoggerFromContext(ctx).With("source", src.Name)

	if err != nil {
		p.telemetry.RecordProbe(src.Name, "error", 0)
		logger.Warn("speed probe failed", "err", err)

		return Outcome{Err: err}
	}

	p.telemetry.RecordProbe(src.Name, "success", sample.Throughput)
	logger.Debug("speed probe finished",
		"rate", humanize.Bytes(uint64(sample.Throughput))+"/s",
		"sampled", humanize.Bytes(uint64(sample.Bytes)),
		"elapsed", sample.Elapsed)

	return o
}

// MeasureAll probes every source and returns the outcome per source name.
// The Prober's worker limit bounds how many probes actually run.
func (p *Prober) MeasureAll(ctx context.Context, srcs []source.Source) map[string]Outcome {
	var mu sync.Mutex

	out := make(map[string]Outcome, len(srcs))

	var g errgroup.Group

	for _, src := range srcs {
		g.Go(func() error {
			sample, err := p.Measure(ctx, src)

			mu.Lock()
			out[src.Name] = Outcome{Sample: sample, Err: err}
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return out
}

// Cached returns the fresh cached outcome for a source, if any.
func (p *Prober) Cached(name string) (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.cache[name]
	if !ok || p.now().Sub(c.at) >= p.opts.Freshness {
		return Outcome{}, false
	}

	return c.outcome, true
}

// Invalidate drops every cached outcome.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.cache)
}

func (p *Prober) store(name string, o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache[name] = cached{outcome: o, at: p.now()}
}

func (p *Prober) measure(ctx context.Context, src source.Source) (Sample, error) {
	// Connecting gets its own budget on top of the measurement window.
	ctx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout+p.opts.MaxDuration)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.ProbeURL(), nil)
	if err != nil {
		return Sample{}, &ProbeError{Source: src.Name, Unreachable: true, Err: err}
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.opts.MaxBytes-1))

	requested := p.now()

	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{}, &ProbeError{Source: src.Name, Unreachable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Sample{}, &ProbeError{Source: src.Name, Unreachable: true, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	buf := make([]byte, readBufferSize)

	// The clock starts once the first chunk arrives so connection setup
	// does not count against the source.
	first, err := resp.Body.Read(buf)
	for first == 0 && err == nil {
		first, err = resp.Body.Read(buf)
	}

	if first == 0 {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty test file")
		}

		return Sample{}, &ProbeError{Source: src.Name, Err: err}
	}

	start := p.now()
	total := int64(first)

	var measured int64

	for err == nil && total < p.opts.MaxBytes && p.now().Sub(start) < p.opts.MaxDuration {
		var n int

		n, err = resp.Body.Read(buf)
		total += int64(n)
		measured += int64(n)
	}

	elapsed := p.now().Sub(start)

	// Hitting the deadline is the normal end of a probe on a stalled source.
	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		return Sample{}, &ProbeError{Source: src.Name, Err: err}
	}

	if measured == 0 || elapsed <= 0 {
		// The whole file arrived with the first chunk, so time the complete request instead.
		measured = total
		elapsed = p.now().Sub(requested)
	}

	if elapsed <= 0 {
		return Sample{}, &ProbeError{Source: src.Name, Err: fmt.Errorf("test file too small to measure (%s)", humanize.Bytes(uint64(total)))}
	}

	return Sample{
		Source:     src.Name,
		Bytes:      measured,
		Elapsed:    elapsed,
		Throughput: float64(measured) / elapsed.Seconds(),
		TakenAt:    p.now(),
	}, nil
}
