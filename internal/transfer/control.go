package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusVerifying Status = "verifying"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNotActive is returned when pausing a transfer that is not running.
var ErrNotActive = errors.New("transfer is not active")

// State is a snapshot of a transfer.
type State struct {
	DestPath    string `json:"dest_path"`
	TempPath    string `json:"temp_path"`
	Source      string `json:"source,omitempty"`
	BytesOnDisk int64  `json:"bytes_on_disk"`
	TotalBytes  int64  `json:"total_bytes"` // -1 when unknown
	Status      Status `json:"status"`
}

// Control lets a caller pause, resume and cancel a transfer and observe its
// state. One Control may drive several consecutive Fetch calls, as the
// orchestrator does when it moves between sources. It is safe for concurrent use.
type Control struct {
	mu       sync.Mutex
	state    State
	paused   bool
	resumed  chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// NewControl returns a Control in the pending state.
func NewControl() *Control {
	return &Control{
		state: State{Status: StatusPending, TotalBytes: -1},
		done:  make(chan struct{}),
	}
}

// Pause asks the running transfer to stop reading. The connection is dropped
// and re-established from the partial file on Resume.
func (c *Control) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Status {
	case StatusVerifying, StatusComplete, StatusCancelled:
		return ErrNotActive
	}

	if !c.paused {
		c.paused = true
		c.resumed = make(chan struct{})
	}

	return nil
}

// Resume continues a paused transfer.
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paused {
		return
	}

	c.paused = false
	close(c.resumed)

	if c.state.Status == StatusPaused {
		c.state.Status = StatusActive
	}
}

// Cancel stops the transfer. The partial file is kept.
func (c *Control) Cancel() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once Cancel has been called.
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// Cancelled reports whether Cancel has been called.
func (c *Control) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// PauseRequested reports whether a pause is pending or in effect.
func (c *Control) PauseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paused
}

// State returns a snapshot of the transfer.
func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Status returns the current lifecycle state.
func (c *Control) Status() Status {
	return c.State().Status
}

// Bind records which destination and source the transfer is working on.
func (c *Control) Bind(destPath, tempPath, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.DestPath = destPath
	c.state.TempPath = tempPath
	c.state.Source = source
}

// SetStatus records a lifecycle transition.
func (c *Control) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Status = s
}

func (c *Control) setProgress(onDisk, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.BytesOnDisk = onDisk
	c.state.TotalBytes = total
}

// waitResumed blocks while the transfer is paused. It returns ErrCancelled
// when the transfer is cancelled while waiting.
func (c *Control) waitResumed(ctx context.Context) error {
	c.mu.Lock()

	if !c.paused {
		c.mu.Unlock()

		return nil
	}

	c.state.Status = StatusPaused
	resumed := c.resumed
	c.mu.Unlock()

	select {
	case <-resumed:
		c.SetStatus(StatusActive)

		return nil
	case <-c.done:
		return ErrCancelled
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}
