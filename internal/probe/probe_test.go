package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/dlc_downloader/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances a millisecond per call so timed loops make progress.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Millisecond)

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// chunkedServer serves chunks of size bytes, flushing after each.
func chunkedServer(t *testing.T, chunks, size int, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}

		assert.Equal(t, "/test/test.bin", r.URL.Path)
		assert.Equal(t, "bytes=0-1048575", r.Header.Get("Range"))

		w.WriteHeader(http.StatusPartialContent)

		chunk := make([]byte, size)
		for range chunks {
			if _, err := w.Write(chunk); err != nil {
				return
			}

			w.(http.Flusher).Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
}

func newTestProber(clock *fakeClock) *Prober {
	p := New(Options{
		MaxDuration: 5 * time.Second,
		MaxBytes:    1 << 20,
		Freshness:   5 * time.Minute,
		Workers:     2,
	}, nil)

	if clock != nil {
		p.now = clock.Now
	}

	return p
}

func TestMeasure(t *testing.T) {
	srv := chunkedServer(t, 8, 16<<10, nil)
	defer srv.Close()

	p := newTestProber(nil)

	sample, err := p.Measure(context.Background(), source.Source{Name: "r2", BaseURL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, "r2", sample.Source)
	assert.Positive(t, sample.Bytes)
	assert.LessOrEqual(t, sample.Bytes, int64(8*16<<10))
	assert.Positive(t, sample.Elapsed)
	assert.Positive(t, sample.Throughput)
	assert.False(t, sample.TakenAt.IsZero())
}

func TestMeasure_StopsAtMaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := make([]byte, 32<<10)
		for range 1000 {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p := newTestProber(nil)

	sample, err := p.Measure(context.Background(), source.Source{Name: "big", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Less(t, sample.Bytes, int64(2<<20), "probe must stop near the byte bound")
}

func TestMeasure_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProber(nil)

	_, err := p.Measure(context.Background(), source.Source{Name: "gone", BaseURL: srv.URL})

	var perr *ProbeError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Unreachable)
	assert.Equal(t, "gone", perr.Source)
	assert.True(t, Outcome{Err: err}.HardFailed())

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	_, err = p.Measure(context.Background(), source.Source{Name: "down", BaseURL: closed.URL})
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Unreachable)
}

func TestMeasure_EmptyBodyIsSoftFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestProber(nil).Measure(context.Background(), source.Source{Name: "empty", BaseURL: srv.URL})

	var perr *ProbeError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Unreachable)
	assert.False(t, Outcome{Err: err}.HardFailed())
}

func TestMeasure_UsesTestURL(t *testing.T) {
	var path atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Write(make([]byte, 4096))
		w.(http.Flusher).Flush()
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	_, err := newTestProber(nil).Measure(context.Background(),
		source.Source{Name: "r2", BaseURL: "http://unused.invalid", TestURL: srv.URL + "/test/test2.bin"})
	require.NoError(t, err)
	assert.Equal(t, "/test/test2.bin", path.Load())
}

func TestMeasure_CachesWithinFreshness(t *testing.T) {
	var hits atomic.Int32

	srv := chunkedServer(t, 4, 8<<10, &hits)
	defer srv.Close()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := newTestProber(clock)
	src := source.Source{Name: "r2", BaseURL: srv.URL}

	first, err := p.Measure(context.Background(), src)
	require.NoError(t, err)

	second, err := p.Measure(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, hits.Load())

	clock.Advance(6 * time.Minute)

	_, err = p.Measure(context.Background(), src)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load(), "stale outcome triggers a new probe")
}

func TestMeasure_CachesFailures(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestProber(&fakeClock{})
	src := source.Source{Name: "flaky", BaseURL: srv.URL}

	_, err1 := p.Measure(context.Background(), src)
	_, err2 := p.Measure(context.Background(), src)

	assert.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.EqualValues(t, 1, hits.Load())

	p.Invalidate()

	_, _ = p.Measure(context.Background(), src)
	assert.EqualValues(t, 2, hits.Load())
}

func TestMeasure_CancelledContextIsNotCached(t *testing.T) {
	srv := chunkedServer(t, 4, 8<<10, nil)
	defer srv.Close()

	p := newTestProber(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Measure(ctx, source.Source{Name: "r2", BaseURL: srv.URL})
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := p.Cached("r2")
	assert.False(t, ok)
}

func TestMeasureAll(t *testing.T) {
	good := chunkedServer(t, 4, 8<<10, nil)
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	p := newTestProber(nil)

	out := p.MeasureAll(context.Background(), []source.Source{
		{Name: "a", BaseURL: good.URL},
		{Name: "b", BaseURL: bad.URL},
		{Name: "c", BaseURL: good.URL},
	})

	require.Len(t, out, 3)
	assert.True(t, out["a"].OK())
	assert.False(t, out["b"].OK())
	assert.True(t, out["b"].HardFailed())
	assert.True(t, out["c"].OK())
}

func TestMeasureAll_ConcurrentCallersShareOneProbe(t *testing.T) {
	var hits atomic.Int32

	srv := chunkedServer(t, 8, 8<<10, &hits)
	defer srv.Close()

	p := newTestProber(nil)
	src := source.Source{Name: "r2", BaseURL: srv.URL}

	var wg sync.WaitGroup

	outcomes := make([]Outcome, 3)

	for i := range outcomes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcomes[i] = p.MeasureAll(context.Background(), []source.Source{src})["r2"]
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, hits.Load(), "one request per source however many callers ask")

	for _, o := range outcomes {
		require.True(t, o.OK())
		assert.Equal(t, outcomes[0].Sample, o.Sample)
	}
}

func TestMeasureAll_WorkerLimitSpansCallers(t *testing.T) {
	var inFlight, peak atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}

		w.WriteHeader(http.StatusPartialContent)

		chunk := make([]byte, 8<<10)
		for range 4 {
			if _, err := w.Write(chunk); err != nil {
				return
			}

			w.(http.Flusher).Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer srv.Close()

	p := New(Options{MaxDuration: 5 * time.Second, MaxBytes: 1 << 20, Freshness: time.Minute, Workers: 1}, nil)

	srcs := []source.Source{
		{Name: "a", BaseURL: srv.URL},
		{Name: "b", BaseURL: srv.URL},
		{Name: "c", BaseURL: srv.URL},
	}

	var wg sync.WaitGroup

	for range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			out := p.MeasureAll(context.Background(), srcs)
			assert.Len(t, out, 3)
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
}

func TestMeasure_CallerGivesUpProbeStillCached(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release

		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 8<<10))
		w.(http.Flusher).Flush()
		w.Write(make([]byte, 8<<10))
	}))
	defer srv.Close()

	p := newTestProber(nil)
	src := source.Source{Name: "r2", BaseURL: srv.URL}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Measure(ctx, src)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)

	assert.Eventually(t, func() bool {
		o, ok := p.Cached("r2")
		return ok && o.OK()
	}, 2*time.Second, 10*time.Millisecond)
}
