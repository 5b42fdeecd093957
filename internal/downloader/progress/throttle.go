package progress

import "sync"

// Throttle forwards progress updates to a callback at most once every
// interval bytes, plus once when each further 5% of a known total is reached
// and once on completion.
type Throttle struct {
	OnProgress     func(written int64, total int64)
	reportInterval int64 // bytes

	mu          sync.Mutex
	lastWritten int64
	lastPercent int64
}

func NewThrottle(interval int64, cb func(written int64, total int64)) *Throttle {
	return &Throttle{
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Update matches transfer.Request.OnProgress. written may go backwards when a
// new source restarts from zero.
func (t *Throttle) Update(written, total int64) {
	t.mu.Lock()

	if written < t.lastWritten {
		t.lastWritten = 0
		t.lastPercent = 0
	}

	report := written-t.lastWritten >= t.reportInterval

	if total > 0 {
		percent := written * 100 / total
		if percent/5 > t.lastPercent/5 || written == total {
			report = true
		}

		if report {
			t.lastPercent = percent
		}
	}

	if report {
		t.lastWritten = written
	}

	t.mu.Unlock()

	if report {
		t.OnProgress(written, total)
	}
}
