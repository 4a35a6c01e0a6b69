package kitfox

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handle tracks one request started with Engine.Process.
type Handle struct {
	ID uuid.UUID

	tracker  *progressTracker
	progress chan int
	done     chan struct{}
	once     sync.Once
	result   TaskResult
}

func newHandle(id uuid.UUID) *Handle {
	h := &Handle{
		ID:       id,
		progress: make(chan int, 101),
		done:     make(chan struct{}),
	}
	h.tracker = newProgressTracker(h.send)
	return h
}

// send never blocks; strictly increasing values in 0..100 fit the buffer.
func (h *Handle) send(percent int) {
	select {
	case h.progress <- percent:
	default:
	}
}

// Progress delivers increasing percentages and is closed when the request
// finishes. A successful request always ends with 100.
func (h *Handle) Progress() <-chan int { return h.progress }

// Done is closed when the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the request finishes or ctx ends. The returned error is
// the result's Err, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return TaskResult{ID: h.ID}, ctx.Err()
	}
}

// Result returns the result and whether it is available yet.
func (h *Handle) Result() (TaskResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return TaskResult{}, false
	}
}

func (h *Handle) complete(r TaskResult) {
	h.once.Do(func() {
		if r.Success {
			h.tracker.report(100)
		}
		h.result = r
		close(h.progress)
		close(h.done)
	})
}
