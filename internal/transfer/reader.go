package transfer

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// idleReader aborts the request when a single Read blocks for longer than
// timeout. Time spent outside Read, such as while paused, does not count.
//
// Each Read arms its own timer. A timer only acts while the Read that armed
// it is still outstanding, so one that fires late never aborts a transfer
// that is receiving data.
type idleReader struct {
	reader    io.Reader
	timeout   time.Duration
	cancel    context.CancelFunc
	afterFunc func(time.Duration, func()) stopper

	mu      sync.Mutex
	gen     uint64
	reading bool
	expired bool
}

type stopper interface {
	Stop() bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	return &idleReader{
		reader:    r,
		timeout:   timeout,
		cancel:    cancel,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timeout <= 0 {
		return r.reader.Read(p)
	}

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.reading = true
	r.mu.Unlock()

	timer := r.afterFunc(r.timeout, func() { r.expire(gen) })

	n, err := r.reader.Read(p)

	r.mu.Lock()
	r.reading = false
	r.mu.Unlock()

	timer.Stop()

	return n, err
}

func (r *idleReader) expire(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.reading || r.gen != gen {
		return
	}

	r.expired = true
	r.cancel()
}

func (r *idleReader) timedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.expired
}

// parseContentRange parses "bytes <start>-<end>/<total>" and "bytes */<total>".
// Unknown parts are returned as -1.
func parseContentRange(v string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return -1, -1, false
	}

	span, size, found := strings.Cut(rest, "/")
	if !found {
		return -1, -1, false
	}

	start, total = -1, -1

	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return -1, -1, false
		}

		total = n
	}

	if span != "*" {
		first, _, found := strings.Cut(span, "-")
		if !found {
			return -1, -1, false
		}

		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return -1, -1, false
		}

		start = n
	}

	return start, total, true
}
