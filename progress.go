package kitfox

import "sync"

// progressTracker forwards percentages to fn, dropping any value that does
// not advance past the last one reported.
type progressTracker struct {
	mu   sync.Mutex
	fn   ProgressFunc
	last int
}

func newProgressTracker(fn ProgressFunc) *progressTracker {
	return &progressTracker{fn: fn, last: -1}
}

func (p *progressTracker) report(percent int) {
	if p == nil || p.fn == nil {
		return
	}
	percent = min(max(percent, 0), 100)
	p.mu.Lock()
	if percent <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = percent
	p.mu.Unlock()
	p.fn(percent)
}

// scaled maps a child's 0-100 progress onto [from, to] of p.
func (p *progressTracker) scaled(from, to int) ProgressFunc {
	return func(percent int) {
		p.report(from + percent*(to-from)/100)
	}
}
