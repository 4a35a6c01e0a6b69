package kitfox

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
)

// assumedMemory is used when no memory limit is configured.
const assumedMemory = 8 << 30

// OptimalConcurrency derives a batch concurrency from the CPU count and
// the process memory limit (GOMEMLIMIT).
func OptimalConcurrency() int {
	return concurrencyFor(runtime.NumCPU(), memoryLimit())
}

func memoryLimit() int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return assumedMemory
	}
	return limit
}

// concurrencyFor caps at 8, then at 4 below 8GiB and at 2 below 4GiB.
func concurrencyFor(cores int, memory int64) int {
	c := min(cores, 8)
	switch {
	case memory < 4<<30:
		c = min(c, 2)
	case memory < 8<<30:
		c = min(c, 4)
	}
	return max(c, 1)
}

// slotGate admits at most n holders at a time. Waiters are granted a freed
// slot by priority, then in arrival order.
type slotGate struct {
	mu             sync.Mutex
	n              int
	held           int
	ignorePriority bool
	seq            uint64
	waiters        []*slotWaiter
	closed         error
}

type slotWaiter struct {
	priority int32
	seq      uint64
	ready    chan struct{}
	err      error
}

func newSlotGate(n int, ignorePriority bool) *slotGate {
	if n <= 0 {
		n = OptimalConcurrency()
	}
	return &slotGate{n: n, ignorePriority: ignorePriority}
}

// acquire blocks until a slot is granted, ctx ends or the gate is closed.
// A nil error must be paired with release.
func (g *slotGate) acquire(ctx context.Context, priority int32) error {
	g.mu.Lock()
	if g.closed != nil {
		g.mu.Unlock()
		return g.closed
	}
	if g.held < g.n && len(g.waiters) == 0 {
		g.held++
		g.mu.Unlock()
		return nil
	}
	g.seq++
	w := &slotWaiter{priority: priority, seq: g.seq, ready: make(chan struct{})}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	if i := slices.Index(g.waiters, w); i >= 0 {
		g.waiters = slices.Delete(g.waiters, i, i+1)
		g.mu.Unlock()
		return ctx.Err()
	}
	err := w.err
	g.mu.Unlock()
	if err != nil {
		return err
	}
	// Granted while the caller gave up; hand the slot on.
	g.release()
	return ctx.Err()
}

// release frees a slot, passing it straight to the best waiter.
func (g *slotGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) == 0 {
		g.held--
		return
	}
	pick := 0
	for i, w := range g.waiters {
		if g.ignorePriority {
			break
		}
		best := g.waiters[pick]
		if w.priority > best.priority || (w.priority == best.priority && w.seq < best.seq) {
			pick = i
		}
	}
	w := g.waiters[pick]
	g.waiters = slices.Delete(g.waiters, pick, pick+1)
	close(w.ready)
}

// close fails every waiter and later acquire with err.
func (g *slotGate) close(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed != nil {
		return
	}
	g.closed = err
	for _, w := range g.waiters {
		w.err = err
		close(w.ready)
	}
	g.waiters = nil
}

func (g *slotGate) waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
